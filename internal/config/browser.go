package config

import "time"

// BrowserConfig holds browser-process level settings. Sessions are per run;
// one process per browser-type is kept alive across runs.
type BrowserConfig struct {
	Headless            bool          `yaml:"headless"`
	ViewportWidth       int           `yaml:"viewport_width"`
	ViewportHeight      int           `yaml:"viewport_height"`
	NavigationTimeout   time.Duration `yaml:"navigation_timeout"`
	DebuggerURL         string        `yaml:"debugger_url"`
	BinPath             string        `yaml:"bin_path"`
	EnableVisionCapture bool          `yaml:"enable_vision_capture"`
}

// DefaultBrowserConfig returns headless defaults suitable for workers.
func DefaultBrowserConfig() BrowserConfig {
	return BrowserConfig{
		Headless:          true,
		ViewportWidth:     1920,
		ViewportHeight:    1080,
		NavigationTimeout: 60 * time.Second,
	}
}

// GetViewportWidth returns the viewport width with a fallback.
func (c BrowserConfig) GetViewportWidth() int {
	if c.ViewportWidth == 0 {
		return 1920
	}
	return c.ViewportWidth
}

// GetViewportHeight returns the viewport height with a fallback.
func (c BrowserConfig) GetViewportHeight() int {
	if c.ViewportHeight == 0 {
		return 1080
	}
	return c.ViewportHeight
}
