package config

import (
	"os"
	"strconv"
	"time"
)

// LimitsConfig holds analyzer caps and per-action timeouts.
type LimitsConfig struct {
	DOMSummaryLimit           int `yaml:"dom_summary_limit"`
	AccessibilitySummaryLimit int `yaml:"accessibility_summary_limit"`

	ActionTimeout     time.Duration `yaml:"action_timeout"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout"`
	InputTimeout      time.Duration `yaml:"input_timeout"`
	ScreenshotTimeout time.Duration `yaml:"screenshot_timeout"`
	UploadTimeout     time.Duration `yaml:"upload_timeout"`
	AITimeout         time.Duration `yaml:"ai_timeout"`
	VisionTimeout     time.Duration `yaml:"vision_timeout"`
}

// DefaultLimitsConfig returns production defaults.
func DefaultLimitsConfig() LimitsConfig {
	return LimitsConfig{
		DOMSummaryLimit:           200,
		AccessibilitySummaryLimit: 40,
		ActionTimeout:             30 * time.Second,
		NavigationTimeout:         60 * time.Second,
		InputTimeout:              10 * time.Second,
		ScreenshotTimeout:         5 * time.Second,
		UploadTimeout:             15 * time.Second,
		AITimeout:                 30 * time.Second,
		VisionTimeout:             45 * time.Second,
	}
}

// Floors below which the env overrides are clamped.
const (
	minDOMSummaryLimit           = 20
	minAccessibilitySummaryLimit = 5
)

func (c *LimitsConfig) applyEnv() {
	if v := os.Getenv("DOM_SUMMARY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < minDOMSummaryLimit {
				n = minDOMSummaryLimit
			}
			c.DOMSummaryLimit = n
		}
	}
	if v := os.Getenv("ACCESSIBILITY_SUMMARY_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			if n < minAccessibilitySummaryLimit {
				n = minAccessibilitySummaryLimit
			}
			c.AccessibilitySummaryLimit = n
		}
	}
}
