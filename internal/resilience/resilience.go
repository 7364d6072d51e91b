// Package resilience wraps external services with consecutive-failure
// circuit breakers, a bounded retry policy, and per-service degradation
// strategies. Breakers are process-wide: created at engine start, reset by
// name, torn down at shutdown.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"uirunner/internal/config"
	"uirunner/internal/events"
	"uirunner/internal/logging"
)

// Well-known service names.
const (
	ServiceTextModel   = "text-model"
	ServiceVisionModel = "vision-model"
	ServiceVectorIndex = "vector-index"
	ServiceObjectStore = "object-store"
)

// Strategy is the behavior when a service is degraded or its breaker opens.
type Strategy string

const (
	StrategyQueue    Strategy = "queue"    // defer via fallback, caller retries later
	StrategySkip     Strategy = "skip"     // return the skip value, feature degrades
	StrategyFallback Strategy = "fallback" // alternate implementation
	StrategyDisabled Strategy = "disabled" // hard error, no silent primary call
)

// degradationMap fixes the strategy per service.
var degradationMap = map[string]Strategy{
	ServiceTextModel:   StrategyQueue,
	ServiceVisionModel: StrategyQueue,
	ServiceVectorIndex: StrategySkip,
	ServiceObjectStore: StrategyFallback,
}

// StrategyFor returns the degradation strategy for a service, defaulting to
// disabled for unmapped services.
func StrategyFor(service string) Strategy {
	if s, ok := degradationMap[service]; ok {
		return s
	}
	return StrategyDisabled
}

// PermanentError marks an error the retry policy must not retry (bad
// request, auth failure).
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Core owns the process-wide breaker set.
type Core struct {
	mu       sync.Mutex
	cfg      config.ResilienceConfig
	breakers map[string]*gobreaker.CircuitBreaker
	sink     events.Sink
}

// NewCore creates the breaker store.
func NewCore(cfg config.ResilienceConfig, sink events.Sink) *Core {
	return &Core{
		cfg:      cfg,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		sink:     sink,
	}
}

func (c *Core) settingsFor(service string) gobreaker.Settings {
	threshold := c.cfg.FailureThreshold
	timeout := c.cfg.HalfOpenAfter
	if service == ServiceVisionModel {
		threshold = c.cfg.VisionFailureThreshold
		timeout = c.cfg.VisionHalfOpenAfter
	}
	return gobreaker.Settings{
		Name:        service,
		MaxRequests: uint32(c.cfg.SuccessThreshold),
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(threshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Get(logging.CategoryBreaker).Warnw("breaker state change",
				"service", name, "from", from.String(), "to", to.String())
			if c.sink != nil {
				c.sink.Emit(events.New("", 0, "SERVICE_DEGRADED",
					fmt.Sprintf("circuit breaker %s: %s -> %s", name, from, to),
					map[string]any{"service": name, "from": from.String(), "to": to.String()}))
			}
		},
	}
}

// Breaker returns (creating if needed) the breaker for a service.
func (c *Core) Breaker(service string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.breakers[service]; ok {
		return b
	}
	b := gobreaker.NewCircuitBreaker(c.settingsFor(service))
	c.breakers[service] = b
	return b
}

// Reset recreates the breaker for a service, clearing its failure history.
func (c *Core) Reset(service string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.breakers, service)
}

// IsOpen reports whether calls to the service currently fail fast.
func (c *Core) IsOpen(service string) bool {
	return c.Breaker(service).State() == gobreaker.StateOpen
}

// retryBackoff builds the policy: cfg.RetryAttempts attempts, exponential
// from RetryInitial capped at RetryMax.
func (c *Core) retryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.cfg.RetryInitial
	b.MaxInterval = c.cfg.RetryMax
	b.Multiplier = c.cfg.RetryMultiplier
	b.RandomizationFactor = 0.1
	var bo backoff.BackOff = backoff.WithMaxRetries(b, uint64(c.cfg.RetryAttempts-1))
	return backoff.WithContext(bo, ctx)
}

// Execute runs fn through retry-then-breaker for a service. A PermanentError
// aborts the retries immediately; an open breaker fails fast.
func (c *Core) Execute(ctx context.Context, service string, fn func() error) error {
	br := c.Breaker(service)
	op := func() error {
		_, err := br.Execute(func() (any, error) {
			return nil, fn()
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return backoff.Permanent(err)
		}
		var perm *PermanentError
		if errors.As(err, &perm) {
			return backoff.Permanent(err)
		}
		return err
	}
	return backoff.Retry(op, c.retryBackoff(ctx))
}

// ExecuteWithResilience composes retry and breaker around primary; when the
// breaker is open and a fallback exists, the fallback result is returned.
func (c *Core) ExecuteWithResilience(ctx context.Context, service string, primary func() error, fallback func() error) error {
	err := c.Execute(ctx, service, primary)
	if err == nil {
		return nil
	}
	if (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) && fallback != nil {
		logging.Get(logging.CategoryBreaker).Infow("breaker open, using fallback", "service", service)
		return fallback()
	}
	return err
}

// WithDegradation dispatches by the service's mapped strategy. The disabled
// strategy is an explicit error, never a silent primary call.
func WithDegradation[T any](c *Core, service string, primary func() (T, error), fallback func() (T, error), skip T) (T, error) {
	var zero T
	if !c.IsOpen(service) {
		v, err := primary()
		if err == nil {
			return v, nil
		}
		// Primary failed: fall through to the mapped strategy.
	}
	switch StrategyFor(service) {
	case StrategyQueue, StrategyFallback:
		if fallback != nil {
			return fallback()
		}
		return zero, fmt.Errorf("service %s degraded and no fallback available", service)
	case StrategySkip:
		return skip, nil
	default:
		return zero, fmt.Errorf("service %s is disabled", service)
	}
}

// Shutdown drops all breakers.
func (c *Core) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.breakers = make(map[string]*gobreaker.CircuitBreaker)
}

// BackoffDelays exposes the nominal retry schedule, for diagnostics.
func (c *Core) BackoffDelays() []time.Duration {
	out := make([]time.Duration, 0, c.cfg.RetryAttempts-1)
	d := c.cfg.RetryInitial
	for i := 0; i < c.cfg.RetryAttempts-1; i++ {
		out = append(out, d)
		d = time.Duration(float64(d) * c.cfg.RetryMultiplier)
		if d > c.cfg.RetryMax {
			d = c.cfg.RetryMax
		}
	}
	return out
}
