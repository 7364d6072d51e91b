package status

import (
	"errors"
	"sync"
	"testing"
)

func TestStatusMonotonic(t *testing.T) {
	r := NewRegistry()
	run := "run-1"

	if err := r.AdvanceCookie(run, InProgress); err != nil {
		t.Fatalf("advance to IN_PROGRESS: %v", err)
	}
	if err := r.AdvanceCookie(run, Completed); err != nil {
		t.Fatalf("advance to COMPLETED: %v", err)
	}
	err := r.AdvanceCookie(run, InProgress)
	if err == nil {
		t.Fatal("expected regression to fail")
	}
	var iv *InvariantViolation
	if !errors.As(err, &iv) {
		t.Fatalf("expected InvariantViolation, got %T", err)
	}
	if iv.RunID != run {
		t.Errorf("violation run id = %q", iv.RunID)
	}
	if got := r.CookieStatus(run); got != Completed {
		t.Errorf("cookie status after failed regression = %s", got)
	}
}

func TestAdvanceSameStatusIsIdempotent(t *testing.T) {
	r := NewRegistry()
	if err := r.AdvancePreflight("r", Completed); err != nil {
		t.Fatal(err)
	}
	if err := r.AdvancePreflight("r", Completed); err != nil {
		t.Fatalf("re-advancing to the same status should succeed: %v", err)
	}
}

func TestCookieHandlingAllowedOnce(t *testing.T) {
	r := NewRegistry()
	run := "run-2"

	if err := r.AssertCookieHandlingAllowed(run, "consent.Resolve"); err != nil {
		t.Fatalf("first entry should be allowed: %v", err)
	}
	if err := r.AdvanceCookie(run, InProgress); err != nil {
		t.Fatal(err)
	}
	if err := r.AssertCookieHandlingAllowed(run, "consent.Resolve"); err == nil {
		t.Fatal("re-entry must be rejected once handling started")
	}
	if err := r.AdvanceCookie(run, Completed); err != nil {
		t.Fatal(err)
	}
	if err := r.AssertCookieHandlingAllowed(run, "consent.Resolve"); err == nil {
		t.Fatal("re-entry must be rejected after completion")
	}
}

func TestCaptureGuards(t *testing.T) {
	r := NewRegistry()
	run := "run-3"

	guards := map[string]func(string, string) error{
		"screenshot": r.AssertPreflightCompletedBeforeScreenshot,
		"dom":        r.AssertPreflightCompletedBeforeDOMSnapshot,
		"analysis":   r.AssertPreflightCompletedBeforeAIAnalysis,
		"diagnosis":  r.AssertPreflightCompletedBeforeDiagnosis,
	}
	for name, guard := range guards {
		if err := guard(run, name); err == nil {
			t.Errorf("%s: expected guard to fail while preflight NOT_STARTED", name)
		}
	}
	if err := r.AdvancePreflight(run, InProgress); err != nil {
		t.Fatal(err)
	}
	for name, guard := range guards {
		if err := guard(run, name); err == nil {
			t.Errorf("%s: expected guard to fail while preflight IN_PROGRESS", name)
		}
	}
	if err := r.AdvancePreflight(run, Completed); err != nil {
		t.Fatal(err)
	}
	for name, guard := range guards {
		if err := guard(run, name); err != nil {
			t.Errorf("%s: guard should pass after completion: %v", name, err)
		}
	}
}

func TestIRLAndOverlayGuards(t *testing.T) {
	r := NewRegistry()
	run := "run-4"

	// Before preflight: IRL allowed (nothing is in progress), dismissal allowed.
	if err := r.AssertNoIRLDuringPreflight(run, "irl"); err != nil {
		t.Errorf("IRL guard before preflight: %v", err)
	}
	if err := r.AssertNoOverlayDismissalOutsidePreflight(run, "popup"); err != nil {
		t.Errorf("dismissal guard before preflight: %v", err)
	}

	if err := r.AdvancePreflight(run, InProgress); err != nil {
		t.Fatal(err)
	}
	if err := r.AssertNoIRLDuringPreflight(run, "irl"); err == nil {
		t.Error("IRL must be forbidden during preflight")
	}
	if err := r.AssertNoOverlayDismissalOutsidePreflight(run, "popup"); err != nil {
		t.Errorf("dismissal must be allowed during preflight: %v", err)
	}

	if err := r.AdvancePreflight(run, Completed); err != nil {
		t.Fatal(err)
	}
	if err := r.AssertNoIRLDuringPreflight(run, "irl"); err != nil {
		t.Errorf("IRL allowed after preflight: %v", err)
	}
	if err := r.AssertNoOverlayDismissalOutsidePreflight(run, "popup"); err == nil {
		t.Error("dismissal must be forbidden after preflight")
	}
}

func TestResetAndRemove(t *testing.T) {
	r := NewRegistry()
	run := "run-5"
	if err := r.AdvanceCookie(run, Completed); err != nil {
		t.Fatal(err)
	}
	r.Reset(run)
	if got := r.CookieStatus(run); got != NotStarted {
		t.Errorf("after reset cookie status = %s", got)
	}
	r.Remove(run)
	if got := r.PreflightStatus(run); got != NotStarted {
		t.Errorf("after remove preflight status = %s", got)
	}
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			run := "run-c"
			_ = r.AdvanceCookie(run, InProgress)
			_ = r.CookieStatus(run)
			_ = r.AssertNoIRLDuringPreflight(run, "t")
		}(i)
	}
	wg.Wait()
}
