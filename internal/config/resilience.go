package config

import (
	"os"
	"strconv"
	"time"
)

// ResilienceConfig tunes the circuit breakers and the model retry envelope.
// The UNIFIED_BRAIN_FALLBACK_* env family overrides the breaker thresholds.
type ResilienceConfig struct {
	FailureThreshold       int           `yaml:"failure_threshold"`
	VisionFailureThreshold int           `yaml:"vision_failure_threshold"`
	HalfOpenAfter          time.Duration `yaml:"half_open_after"`
	VisionHalfOpenAfter    time.Duration `yaml:"vision_half_open_after"`
	SuccessThreshold       int           `yaml:"success_threshold"`

	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryInitial    time.Duration `yaml:"retry_initial"`
	RetryMax        time.Duration `yaml:"retry_max"`
	RetryMultiplier float64       `yaml:"retry_multiplier"`
}

// DefaultResilienceConfig returns the breaker defaults.
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		FailureThreshold:       5,
		VisionFailureThreshold: 3,
		HalfOpenAfter:          60 * time.Second,
		VisionHalfOpenAfter:    90 * time.Second,
		SuccessThreshold:       2,
		RetryAttempts:          3,
		RetryInitial:           time.Second,
		RetryMax:               10 * time.Second,
		RetryMultiplier:        2,
	}
}

func (c *ResilienceConfig) applyEnv() {
	if v := os.Getenv("UNIFIED_BRAIN_FALLBACK_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.FailureThreshold = n
		}
	}
	if v := os.Getenv("UNIFIED_BRAIN_FALLBACK_VISION_FAILURE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.VisionFailureThreshold = n
		}
	}
	if v := os.Getenv("UNIFIED_BRAIN_FALLBACK_HALF_OPEN_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.HalfOpenAfter = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("UNIFIED_BRAIN_FALLBACK_SUCCESS_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.SuccessThreshold = n
		}
	}
}
