// Package config centralizes all engine configuration: model endpoints,
// per-mode constants, analyzer limits, resilience thresholds, and browser
// process settings. Defaults come from the Default* constructors, an
// optional YAML file layers on top, and environment variables win last.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the engine-wide configuration root.
type Config struct {
	LLM        LLMConfig        `yaml:"llm"`
	Limits     LimitsConfig     `yaml:"limits"`
	Resilience ResilienceConfig `yaml:"resilience"`
	Browser    BrowserConfig    `yaml:"browser"`

	// EnableVisionValidation gates the DOM-visibility vision check in the
	// page analyzer (ENABLE_VISION_VALIDATION).
	EnableVisionValidation bool `yaml:"enable_vision_validation"`

	// LearnedActionsPath is the sqlite file backing the learned-actions
	// store and the cookie failure log. Empty disables both.
	LearnedActionsPath string `yaml:"learned_actions_path"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		LLM:                    DefaultLLMConfig(),
		Limits:                 DefaultLimitsConfig(),
		Resilience:             DefaultResilienceConfig(),
		Browser:                DefaultBrowserConfig(),
		EnableVisionValidation: true,
	}
}

// Load builds the configuration from defaults, an optional YAML file, and
// the environment, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv applies all recognized environment overrides.
func (c *Config) ApplyEnv() {
	c.LLM.applyEnv()
	c.Limits.applyEnv()
	c.Resilience.applyEnv()
	if v := os.Getenv("ENABLE_VISION_VALIDATION"); v != "" {
		c.EnableVisionValidation = parseBool(v, c.EnableVisionValidation)
	}
}

func parseBool(v string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	return def
}
