package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"uirunner/internal/config"
	"uirunner/internal/events"
)

// fastConfig keeps retries near-instant so tests stay quick.
func fastConfig() config.ResilienceConfig {
	cfg := config.DefaultResilienceConfig()
	cfg.RetryInitial = time.Millisecond
	cfg.RetryMax = 2 * time.Millisecond
	cfg.HalfOpenAfter = 50 * time.Millisecond
	cfg.VisionHalfOpenAfter = 50 * time.Millisecond
	return cfg
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1 // isolate breaker behavior from retries
	core := NewCore(cfg, nil)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		if core.IsOpen(ServiceTextModel) {
			t.Fatalf("breaker open after only %d failures", i)
		}
		_ = core.Execute(context.Background(), ServiceTextModel, func() error { return boom })
	}
	if !core.IsOpen(ServiceTextModel) {
		t.Fatal("breaker should open at 5 consecutive failures")
	}

	// While open, calls fail fast without invoking fn.
	invoked := false
	err := core.Execute(context.Background(), ServiceTextModel, func() error {
		invoked = true
		return nil
	})
	if err == nil || invoked {
		t.Fatalf("open breaker must fail fast (err=%v invoked=%v)", err, invoked)
	}
}

func TestVisionBreakerOpensAtThree(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	core := NewCore(cfg, nil)

	boom := errors.New("boom")
	for i := 0; i < 3; i++ {
		_ = core.Execute(context.Background(), ServiceVisionModel, func() error { return boom })
	}
	if !core.IsOpen(ServiceVisionModel) {
		t.Fatal("vision breaker should open at 3 consecutive failures")
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	core := NewCore(cfg, nil)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = core.Execute(context.Background(), ServiceTextModel, func() error { return boom })
	}
	if !core.IsOpen(ServiceTextModel) {
		t.Fatal("breaker not open")
	}

	time.Sleep(cfg.HalfOpenAfter + 10*time.Millisecond)

	// Two successes close the breaker.
	for i := 0; i < 2; i++ {
		if err := core.Execute(context.Background(), ServiceTextModel, func() error { return nil }); err != nil {
			t.Fatalf("half-open probe %d: %v", i+1, err)
		}
	}
	if got := core.Breaker(ServiceTextModel).State(); got != gobreaker.StateClosed {
		t.Errorf("state after 2 successes = %s, want closed", got)
	}
}

func TestRetryCountsAttempts(t *testing.T) {
	core := NewCore(fastConfig(), nil)
	attempts := 0
	_ = core.Execute(context.Background(), ServiceTextModel, func() error {
		attempts++
		return errors.New("transient")
	})
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestPermanentErrorNotRetried(t *testing.T) {
	core := NewCore(fastConfig(), nil)
	attempts := 0
	err := core.Execute(context.Background(), ServiceTextModel, func() error {
		attempts++
		return &PermanentError{Err: errors.New("401 unauthorized")}
	})
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	var perm *PermanentError
	if !errors.As(err, &perm) {
		t.Errorf("err = %v, want PermanentError", err)
	}
}

func TestExecuteWithResilienceFallbackOnOpen(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	core := NewCore(cfg, nil)

	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = core.Execute(context.Background(), ServiceTextModel, func() error { return boom })
	}

	called := false
	err := core.ExecuteWithResilience(context.Background(), ServiceTextModel,
		func() error { return errors.New("should not run") },
		func() error { called = true; return nil })
	if err != nil || !called {
		t.Errorf("fallback not used: err=%v called=%v", err, called)
	}
}

func TestWithDegradationSkip(t *testing.T) {
	core := NewCore(fastConfig(), nil)
	got, err := WithDegradation(core, ServiceVectorIndex,
		func() ([]string, error) { return nil, errors.New("index down") },
		nil, []string{})
	if err != nil {
		t.Fatalf("skip strategy must not error: %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("skip value = %v", got)
	}
}

func TestWithDegradationDisabled(t *testing.T) {
	core := NewCore(fastConfig(), nil)
	_, err := WithDegradation(core, "unknown-service",
		func() (string, error) { return "", errors.New("down") },
		func() (string, error) { return "fb", nil }, "")
	if err == nil {
		t.Fatal("disabled strategy must error, never silently fall back")
	}
}

func TestResetRecreatesBreaker(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	core := NewCore(cfg, nil)
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = core.Execute(context.Background(), ServiceTextModel, func() error { return boom })
	}
	if !core.IsOpen(ServiceTextModel) {
		t.Fatal("breaker not open")
	}
	core.Reset(ServiceTextModel)
	if core.IsOpen(ServiceTextModel) {
		t.Error("reset breaker should be closed")
	}
}

func TestStateChangeEventsPublished(t *testing.T) {
	cfg := fastConfig()
	cfg.RetryAttempts = 1
	sink := &events.MemorySink{}
	core := NewCore(cfg, sink)
	boom := errors.New("boom")
	for i := 0; i < 5; i++ {
		_ = core.Execute(context.Background(), ServiceTextModel, func() error { return boom })
	}
	evs := sink.Events()
	if len(evs) == 0 {
		t.Fatal("expected a SERVICE_DEGRADED event on breaker open")
	}
	if evs[0].State != "SERVICE_DEGRADED" {
		t.Errorf("event state = %s", evs[0].State)
	}
}
