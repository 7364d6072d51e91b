// Package types holds the shared data model of the run engine: run
// descriptors, the action ADT, per-page vision contexts, and the result
// records the sequencer persists and streams.
package types

import (
	"time"
)

// TestMode selects the high-level behavior of a run.
type TestMode string

const (
	ModeSingle   TestMode = "single"
	ModeMulti    TestMode = "multi"
	ModeAll      TestMode = "all"
	ModeMonkey   TestMode = "monkey"
	ModeGuest    TestMode = "guest"
	ModeBehavior TestMode = "behavior"
)

// BrowserType identifies the engine driving the run.
type BrowserType string

const (
	BrowserChromium BrowserType = "chromium"
	BrowserFirefox  BrowserType = "firefox"
	BrowserWebKit   BrowserType = "webkit"
)

// UserTier determines the AI budget caps for a parent run.
type UserTier string

const (
	TierGuest   UserTier = "guest"
	TierStarter UserTier = "starter"
	TierIndie   UserTier = "indie"
	TierPro     UserTier = "pro"
	TierAgency  UserTier = "agency"
)

// Viewport is the emulated device size for a run.
type Viewport struct {
	Width  int  `json:"width"`
	Height int  `json:"height"`
	Mobile bool `json:"mobile"`
}

// RunDescriptor is the immutable input to the sequencer. It arrives fully
// validated from the API layer; the engine never mutates it.
type RunDescriptor struct {
	RunID        string      `json:"run_id"`        // ULID
	ParentRunID  string      `json:"parent_run_id"` // groups sibling browser runs
	URLs         []string    `json:"urls"`
	Mode         TestMode    `json:"mode"`
	Browser      BrowserType `json:"browser"`
	Viewport     Viewport    `json:"viewport"`
	Tier         UserTier    `json:"tier"`
	Instructions string      `json:"instructions,omitempty"`
	ProjectID    string      `json:"project_id,omitempty"`
}

// BaseURL returns the first target URL, the one the run navigates to.
func (d *RunDescriptor) BaseURL() string {
	if len(d.URLs) == 0 {
		return ""
	}
	return d.URLs[0]
}

// IsMobile reports whether the descriptor emulates a mobile viewport.
func (d *RunDescriptor) IsMobile() bool { return d.Viewport.Mobile }

// RunOutcome is the terminal state of a run.
type RunOutcome string

const (
	OutcomeCompleted           RunOutcome = "completed"
	OutcomeCompletedWithLimits RunOutcome = "completed_with_limits"
	OutcomePausedResumable     RunOutcome = "paused_resumable"
	OutcomeFailedRecoverable   RunOutcome = "failed_recoverable"
	OutcomeFailedUnrecoverable RunOutcome = "failed_unrecoverable"
	OutcomeAbandoned           RunOutcome = "abandoned"
)

// RunSummary carries the counters reported with the final outcome.
type RunSummary struct {
	Outcome        RunOutcome    `json:"outcome"`
	Steps          int           `json:"steps"`
	Succeeded      int           `json:"succeeded"`
	Failed         int           `json:"failed"`
	Healed         int           `json:"healed"`
	LLMCalls       int           `json:"llm_calls"`
	VisionCalls    int           `json:"vision_calls"`
	PopupsResolved int           `json:"popups_resolved"`
	Duration       time.Duration `json:"duration"`
	Error          string        `json:"error,omitempty"`
	// Failure is the user-facing explanation filled in when the run ends
	// FAILED_* after preflight completed.
	Failure *FailureExplanation `json:"failure,omitempty"`
}

// StepOutcome classifies a single executed step.
type StepOutcome string

const (
	StepSuccess StepOutcome = "success"
	StepFailure StepOutcome = "failure"
	StepHealed  StepOutcome = "healed"
)

// HealingRecord describes how a failing action was repaired.
type HealingRecord struct {
	Kind             string  `json:"kind"` // alternative_selector, vision_match
	OriginalSelector string  `json:"original_selector"`
	HealedSelector   string  `json:"healed_selector"`
	Strategy         string  `json:"strategy,omitempty"`
	Confidence       float64 `json:"confidence,omitempty"`
	Attempts         int     `json:"attempts"`
}

// StepRecord is the persisted trace of one executed step. Records belong to
// exactly one run and are written in monotonically increasing Order.
type StepRecord struct {
	RunID         string         `json:"run_id"`
	Order         int            `json:"order"`
	Action        Action         `json:"action"`
	Outcome       StepOutcome    `json:"outcome"`
	ScreenshotRef string         `json:"screenshot_ref,omitempty"`
	DOMRef        string         `json:"dom_ref,omitempty"`
	Bounds        []ElementBound `json:"bounds,omitempty"`
	Healing       *HealingRecord `json:"healing,omitempty"`
	Error         string         `json:"error,omitempty"`
	StartedAt     time.Time      `json:"started_at"`
	FinishedAt    time.Time      `json:"finished_at"`
}

// Rect is an element bounding box in CSS pixels.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Area returns the rectangle surface, never negative.
func (r Rect) Area() float64 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

// ElementBound marks one interactive element on a step screenshot.
type ElementBound struct {
	Selector string `json:"selector"`
	Rect     Rect   `json:"rect"`
	// Status is empty for passive elements and one of clicked, typed,
	// analyzed, failed, healed for the step target.
	Status string `json:"status,omitempty"`
}

// Event is the structured record every phase and step emits to the sink.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	Step      int            `json:"step,omitempty"`
	State     string         `json:"state"`
	Message   string         `json:"message"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}
