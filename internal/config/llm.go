package config

import (
	"os"
	"strconv"
	"time"
)

// LLMConfig configures the text model endpoint. Vision overrides fall back
// to the text settings when unset.
type LLMConfig struct {
	APIURL      string        `yaml:"api_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	OrgID       string        `yaml:"org_id"`
	Timeout     time.Duration `yaml:"timeout"`

	VisionModel    string        `yaml:"vision_model"`
	VisionEndpoint string        `yaml:"vision_endpoint"`
	VisionTimeout  time.Duration `yaml:"vision_timeout"`
}

// DefaultLLMConfig returns the endpoint defaults before env overrides.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		APIURL:        "https://api.openai.com/v1",
		Model:         "gpt-4o-mini",
		Temperature:   0.1,
		MaxTokens:     2048,
		Timeout:       30 * time.Second,
		VisionModel:   "gpt-4o",
		VisionTimeout: 45 * time.Second,
	}
}

// applyEnv applies the OPENAI_* / VISION_* environment overrides.
func (c *LLMConfig) applyEnv() {
	if v := os.Getenv("OPENAI_API_URL"); v != "" {
		c.APIURL = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		c.Model = v
	}
	if v := os.Getenv("OPENAI_TEMPERATURE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			c.Temperature = f
		}
	}
	if v := os.Getenv("OPENAI_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxTokens = n
		}
	}
	if v := os.Getenv("OPENAI_ORG_ID"); v != "" {
		c.OrgID = v
	}
	if v := os.Getenv("VISION_MODEL"); v != "" {
		c.VisionModel = v
	}
	if v := os.Getenv("VISION_MODEL_ENDPOINT"); v != "" {
		c.VisionEndpoint = v
	}
}

// VisionURL returns the endpoint vision calls go to.
func (c LLMConfig) VisionURL() string {
	if c.VisionEndpoint != "" {
		return c.VisionEndpoint
	}
	return c.APIURL
}
