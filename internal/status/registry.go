// Package status tracks per-run cookie and preflight state and enforces the
// cross-phase invariants as runtime guards. Every capture, analysis, and
// retry entry point calls into this package before touching the page; a
// failed guard is a bypass path and aborts the run.
package status

import (
	"fmt"
	"sync"
	"time"
)

// Status is the monotonic per-concern lifecycle state.
type Status int

const (
	NotStarted Status = iota
	InProgress
	Completed
)

func (s Status) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case InProgress:
		return "IN_PROGRESS"
	case Completed:
		return "COMPLETED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// InvariantViolation is the fatal error raised when a phase guard fails.
// It carries enough context to identify the bypass path.
type InvariantViolation struct {
	RunID           string
	Context         string
	CookieStatus    Status
	PreflightStatus Status
	Detail          string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant violation [%s] run=%s cookie=%s preflight=%s: %s",
		e.Context, e.RunID, e.CookieStatus, e.PreflightStatus, e.Detail)
}

type entry struct {
	cookie      Status
	preflight   Status
	completedAt time.Time
}

// Registry is the process-wide run-id → status map. A single mutex guards
// all mutation; no raw map escapes.
type Registry struct {
	mu   sync.Mutex
	runs map[string]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*entry)}
}

func (r *Registry) get(runID string) *entry {
	e, ok := r.runs[runID]
	if !ok {
		e = &entry{}
		r.runs[runID] = e
	}
	return e
}

// Reset clears all state for a run. Called once at sequencer entry.
func (r *Registry) Reset(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[runID] = &entry{}
}

// Remove drops a run from the registry at sequencer exit.
func (r *Registry) Remove(runID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, runID)
}

// CookieStatus returns the current cookie status for a run.
func (r *Registry) CookieStatus(runID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(runID).cookie
}

// PreflightStatus returns the current preflight status for a run.
func (r *Registry) PreflightStatus(runID string) Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.get(runID).preflight
}

// AdvanceCookie moves the cookie status forward. Regression fails loudly.
func (r *Registry) AdvanceCookie(runID string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(runID)
	if to < e.cookie {
		return &InvariantViolation{
			RunID: runID, Context: "cookie-status", CookieStatus: e.cookie,
			PreflightStatus: e.preflight,
			Detail:          fmt.Sprintf("cannot regress cookie status %s -> %s", e.cookie, to),
		}
	}
	e.cookie = to
	return nil
}

// AdvancePreflight moves the preflight status forward. Regression fails
// loudly; reaching Completed stamps completedAt.
func (r *Registry) AdvancePreflight(runID string, to Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.get(runID)
	if to < e.preflight {
		return &InvariantViolation{
			RunID: runID, Context: "preflight-status", CookieStatus: e.cookie,
			PreflightStatus: e.preflight,
			Detail:          fmt.Sprintf("cannot regress preflight status %s -> %s", e.preflight, to),
		}
	}
	e.preflight = to
	if to == Completed && e.completedAt.IsZero() {
		e.completedAt = time.Now()
	}
	return nil
}

func (r *Registry) violation(runID, ctx, detail string) error {
	e := r.get(runID)
	return &InvariantViolation{
		RunID: runID, Context: ctx,
		CookieStatus: e.cookie, PreflightStatus: e.preflight,
		Detail: detail,
	}
}

// AssertCookieHandlingAllowed guards entry into the consent machine: cookie
// handling happens exactly once, from NOT_STARTED only.
func (r *Registry) AssertCookieHandlingAllowed(runID, ctx string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.get(runID); e.cookie != NotStarted {
		return r.violation(runID, ctx, "cookie handling attempted after it already ran")
	}
	return nil
}

func (r *Registry) assertPreflightCompleted(runID, ctx, op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.get(runID); e.preflight != Completed {
		return r.violation(runID, ctx, op+" before preflight completed")
	}
	return nil
}

// AssertPreflightCompletedBeforeScreenshot guards screenshot capture.
func (r *Registry) AssertPreflightCompletedBeforeScreenshot(runID, ctx string) error {
	return r.assertPreflightCompleted(runID, ctx, "screenshot")
}

// AssertPreflightCompletedBeforeDOMSnapshot guards DOM capture.
func (r *Registry) AssertPreflightCompletedBeforeDOMSnapshot(runID, ctx string) error {
	return r.assertPreflightCompleted(runID, ctx, "dom snapshot")
}

// AssertPreflightCompletedBeforeAIAnalysis guards model-backed analysis.
func (r *Registry) AssertPreflightCompletedBeforeAIAnalysis(runID, ctx string) error {
	return r.assertPreflightCompleted(runID, ctx, "ai analysis")
}

// AssertPreflightCompletedBeforeDiagnosis guards the diagnosis phase.
func (r *Registry) AssertPreflightCompletedBeforeDiagnosis(runID, ctx string) error {
	return r.assertPreflightCompleted(runID, ctx, "diagnosis")
}

// AssertNoIRLDuringPreflight guards the retry layer: self-healing must never
// run while preflight is in progress.
func (r *Registry) AssertNoIRLDuringPreflight(runID, ctx string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.get(runID); e.preflight == InProgress {
		return r.violation(runID, ctx, "retry layer invoked during preflight")
	}
	return nil
}

// AssertNoOverlayDismissalOutsidePreflight guards overlay dismissal: once
// preflight has completed, nothing may dismiss overlays again.
func (r *Registry) AssertNoOverlayDismissalOutsidePreflight(runID, ctx string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.get(runID); e.preflight == Completed {
		return r.violation(runID, ctx, "overlay dismissal attempted after preflight completed")
	}
	return nil
}
