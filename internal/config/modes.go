package config

import (
	"fmt"
	"time"

	"uirunner/internal/types"
)

// ModeConfig is the per-test-mode constant table. Model name and temperature
// live here so call sites never carry their own defaults.
type ModeConfig struct {
	Mode              types.TestMode `yaml:"mode"`
	MaxSteps          int            `yaml:"max_steps"`
	PhaseTimeout      time.Duration  `yaml:"phase_timeout"`
	DiagnosisRequired bool           `yaml:"diagnosis_required"`
	RequiresAuth      bool           `yaml:"requires_auth"`
	Model             string         `yaml:"model"`
	Temperature       float64        `yaml:"temperature"`
	VisionEnabled     bool           `yaml:"vision_enabled"`
}

var modeTable = map[types.TestMode]ModeConfig{
	types.ModeSingle: {
		Mode: types.ModeSingle, MaxSteps: 50, PhaseTimeout: 120 * time.Second,
		DiagnosisRequired: true, Model: "gpt-4o-mini", Temperature: 0.1, VisionEnabled: true,
	},
	types.ModeMulti: {
		Mode: types.ModeMulti, MaxSteps: 75, PhaseTimeout: 180 * time.Second,
		DiagnosisRequired: true, Model: "gpt-4o-mini", Temperature: 0.1, VisionEnabled: true,
	},
	types.ModeAll: {
		Mode: types.ModeAll, MaxSteps: 100, PhaseTimeout: 300 * time.Second,
		DiagnosisRequired: true, Model: "gpt-4o-mini", Temperature: 0.1, VisionEnabled: true,
	},
	types.ModeMonkey: {
		Mode: types.ModeMonkey, MaxSteps: 50, PhaseTimeout: 120 * time.Second,
		Model: "gpt-4o-mini", Temperature: 0.4, VisionEnabled: false,
	},
	types.ModeGuest: {
		Mode: types.ModeGuest, MaxSteps: 25, PhaseTimeout: 60 * time.Second,
		Model: "gpt-4o-mini", Temperature: 0.1, VisionEnabled: false,
	},
	types.ModeBehavior: {
		Mode: types.ModeBehavior, MaxSteps: 100, PhaseTimeout: 300 * time.Second,
		DiagnosisRequired: true, RequiresAuth: true, Model: "gpt-4o-mini",
		Temperature: 0.1, VisionEnabled: true,
	},
}

// ModeFor resolves the configuration for a test mode.
func ModeFor(mode types.TestMode) (ModeConfig, error) {
	cfg, ok := modeTable[mode]
	if !ok {
		return ModeConfig{}, fmt.Errorf("unknown test mode %q", mode)
	}
	return cfg, nil
}

// Modes returns all known mode configs, for the CLI table.
func Modes() []ModeConfig {
	order := []types.TestMode{
		types.ModeSingle, types.ModeMulti, types.ModeAll,
		types.ModeMonkey, types.ModeGuest, types.ModeBehavior,
	}
	out := make([]ModeConfig, 0, len(order))
	for _, m := range order {
		out = append(out, modeTable[m])
	}
	return out
}
