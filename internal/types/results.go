package types

import "time"

// CookieOutcome is the terminal verdict of the consent machine.
type CookieOutcome string

const (
	CookieResolved          CookieOutcome = "RESOLVED"
	CookieResolvedWithDelay CookieOutcome = "RESOLVED_WITH_DELAY"
	CookieBlocked           CookieOutcome = "BLOCKED"
	CookieNotPresent        CookieOutcome = "NOT_PRESENT"
)

// CookieStrategy is the resolution approach the machine selected.
type CookieStrategy string

const (
	StrategyAcceptAll       CookieStrategy = "accept_all"
	StrategyRejectAll       CookieStrategy = "reject_all"
	StrategyPreferencesFlow CookieStrategy = "preferences_flow"
)

// CookieResult is the sealed result type returned by the consent machine.
type CookieResult struct {
	Outcome            CookieOutcome  `json:"outcome"`
	Strategy           CookieStrategy `json:"strategy,omitempty"`
	SelectorsAttempted []string       `json:"selectors_attempted,omitempty"`
	StepsExecuted      int            `json:"steps_executed"`
	VisionChecks       int            `json:"vision_checks"`
	Reason             string         `json:"reason,omitempty"`
}

// PopupType classifies a non-cookie overlay.
type PopupType string

const (
	PopupNewsletter PopupType = "newsletter"
	PopupChat       PopupType = "chat"
	PopupPromo      PopupType = "promo"
	PopupUnknown    PopupType = "unknown"
)

// PopupDetection is one overlay found by the popup scan. The scan never
// dismisses; the preflight orchestrator decides that.
type PopupDetection struct {
	Selector   string    `json:"selector"`
	Type       PopupType `json:"type"`
	Text       string    `json:"text,omitempty"`
	ZIndex     int       `json:"z_index"`
	Coverage   float64   `json:"coverage"` // fraction of the viewport
	IsDialog   bool      `json:"is_dialog"`
	BlockingUI bool      `json:"blocking_ui"`
}

// TraceEntry is one line of the ordered preflight execution trace.
type TraceEntry struct {
	Timestamp time.Time `json:"timestamp"`
	State     string    `json:"state"`
	Message   string    `json:"message"`
}

// PreflightResult is returned by the preflight orchestrator. Both statuses
// are COMPLETED by the time the caller sees it, success or not.
type PreflightResult struct {
	Success        bool             `json:"success"`
	Cookie         CookieResult     `json:"cookie"`
	Popups         []PopupDetection `json:"popups,omitempty"`
	PopupsResolved int              `json:"popups_resolved"`
	PopupsSkipped  int              `json:"popups_skipped"`
	Trace          []TraceEntry     `json:"trace,omitempty"`
	Errors         []string         `json:"errors,omitempty"`
}

// AlternativeSelector is one healing candidate from the planner.
type AlternativeSelector struct {
	Selector   string  `json:"selector"`
	Strategy   string  `json:"strategy"` // text, attribute, position, role
	Confidence float64 `json:"confidence"`
}

// TestabilityReport is the diagnosis narrative plus structured components.
type TestabilityReport struct {
	What   string `json:"what"`
	How    string `json:"how"`
	Why    string `json:"why"`
	Result string `json:"result"`

	TestableComponents    []string `json:"testable_components"`
	NonTestableComponents []string `json:"non_testable_components,omitempty"`
	HighRiskAreas         []string `json:"high_risk_areas,omitempty"`
}

// FailureExplanation is the user-facing account of a failed run.
type FailureExplanation struct {
	RootCause      string `json:"root_cause"`
	UserExperience string `json:"user_experience"`
	Suggestion     string `json:"suggestion"`
}

// InstructionPlan is the structured reading of natural-language instructions.
type InstructionPlan struct {
	PrimaryGoal      string   `json:"primary_goal"`
	SpecificActions  []string `json:"specific_actions,omitempty"`
	ElementsToCheck  []string `json:"elements_to_check,omitempty"`
	ExpectedOutcomes []string `json:"expected_outcomes,omitempty"`
	Priority         string   `json:"priority,omitempty"`
	Steps            []Action `json:"steps,omitempty"`
}
