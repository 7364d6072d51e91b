// Package logging provides categorized structured logging for the run
// engine. Every subsystem logs through its own named zap logger so operators
// can raise verbosity for one category (say, cookie resolution) without
// drowning in model traffic. LOG_LEVEL controls the global level and
// DEBUG_LLM=true additionally enables full prompt/response logging in the
// model category.
package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one logging subsystem.
type Category string

const (
	CategoryRun       Category = "run"       // sequencer phase transitions
	CategoryPreflight Category = "preflight" // preflight orchestration
	CategoryCookie    Category = "cookie"    // consent state machine
	CategoryPopup     Category = "popup"     // non-cookie popup handling
	CategoryModel     Category = "model"     // LLM/vision API calls
	CategoryBudget    Category = "budget"    // AI budget transitions
	CategoryBreaker   Category = "breaker"   // circuit breaker state
	CategoryExecutor  Category = "executor"  // action execution, IRL
	CategoryBrowser   Category = "browser"   // browser manager, sessions
	CategoryAnalyzer  Category = "analyzer"  // page analysis, diagnosis
	CategoryPlanner   Category = "planner"   // action generation
)

var (
	mu      sync.RWMutex
	root    *zap.Logger
	loggers = make(map[Category]*zap.SugaredLogger)
)

func init() {
	// A usable default so components can log before Initialize runs.
	root = buildLogger(levelFromEnv())
}

func levelFromEnv() zapcore.Level {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func buildLogger(level zapcore.Level) *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

// Initialize replaces the root logger, honoring LOG_LEVEL. Safe to call more
// than once; existing category loggers are rebuilt lazily.
func Initialize() {
	mu.Lock()
	defer mu.Unlock()
	root = buildLogger(levelFromEnv())
	loggers = make(map[Category]*zap.SugaredLogger)
}

// SetLogger installs a custom root logger. Tests use this to capture output.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	root = l
	loggers = make(map[Category]*zap.SugaredLogger)
}

// Get returns the sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	if l, ok := loggers[cat]; ok {
		mu.RUnlock()
		return l
	}
	mu.RUnlock()

	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[cat]; ok {
		return l
	}
	l := root.Named(string(cat)).Sugar()
	loggers[cat] = l
	return l
}

// DebugLLM reports whether full prompt/response logging is enabled.
func DebugLLM() bool {
	v := strings.ToLower(os.Getenv("DEBUG_LLM"))
	return v == "1" || v == "true" || v == "yes"
}

// Sync flushes all buffered log entries.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}
