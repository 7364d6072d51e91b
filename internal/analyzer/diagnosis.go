package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"uirunner/internal/budget"
	"uirunner/internal/logging"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

// ErrorAnalysis is the model's reading of a step failure.
type ErrorAnalysis struct {
	RootCause string   `json:"root_cause"`
	Fixes     []string `json:"fixes"`
}

// SynthesisInput bundles the signals for a page-context synthesis.
type SynthesisInput struct {
	DOM           string
	ConsoleLogs   []string
	NetworkErrors []string
	Goal          string
}

// Synthesis is the condensed page-context report.
type Synthesis struct {
	Summary         string   `json:"summary"`
	Issues          []string `json:"issues"`
	Recommendations []string `json:"recommendations"`
}

// callStructured runs a budgeted, structured model call and decodes the
// JSON reply into out, retrying the parse once with the same model.
func (a *Analyzer) callStructured(ctx context.Context, prompt, system string, task tokens.CallType, bud *budget.Budget, out any) error {
	if bud != nil {
		if err := bud.CanMakeLLMCall(); err != nil {
			return err
		}
	}
	raw, err := a.model.Call(ctx, prompt, system, task)
	if err != nil {
		return err
	}
	if bud != nil {
		bud.RecordLLMCall()
	}
	if jsonErr := json.Unmarshal([]byte(extractJSON(raw)), out); jsonErr == nil {
		return nil
	}
	// One re-ask with the same model before giving up.
	if bud != nil {
		if err := bud.CanMakeLLMCall(); err != nil {
			return fmt.Errorf("unparseable model reply and %w", err)
		}
	}
	raw, err = a.model.Call(ctx, prompt+"\n\nYour previous reply was not valid JSON. Reply with JSON only.", system, task)
	if err != nil {
		return err
	}
	if bud != nil {
		bud.RecordLLMCall()
	}
	if jsonErr := json.Unmarshal([]byte(extractJSON(raw)), out); jsonErr != nil {
		return fmt.Errorf("parse model reply: %w", jsonErr)
	}
	return nil
}

// extractJSON trims code fences some models wrap around JSON replies.
func extractJSON(raw string) string {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		if idx := strings.LastIndex(s, "```"); idx >= 0 {
			s = s[:idx]
		}
	}
	return strings.TrimSpace(s)
}

// AnalyzeTestability produces the What/How/Why/Result diagnosis narrative.
// When the model is unavailable or unparseable it falls back to a
// deterministic report derived from the element counts.
func (a *Analyzer) AnalyzeTestability(ctx context.Context, vc *types.VisionContext, url string, bud *budget.Budget) (*types.TestabilityReport, error) {
	listing, _ := json.Marshal(vc.Elements)
	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: "Assess the testability of this page. Return JSON " +
			`{"what":"...","how":"...","why":"...","result":"...",` +
			`"testable_components":[],"non_testable_components":[],"high_risk_areas":[]}.`,
		Goal:     "diagnose testability of " + url,
		Elements: string(listing),
	}, tokens.CallTestability)
	if err != nil {
		return nil, err
	}

	var report types.TestabilityReport
	if err := a.callStructured(ctx, prompt,
		"You are a web QA expert producing a structured testability diagnosis.",
		tokens.CallTestability, bud, &report); err != nil {
		logging.Get(logging.CategoryAnalyzer).Warnw("testability diagnosis degraded to heuristic", "err", err)
		return fallbackTestability(vc), nil
	}
	if report.What == "" {
		return fallbackTestability(vc), nil
	}
	return &report, nil
}

// fallbackTestability is the deterministic stand-in used when the model
// path is unavailable.
func fallbackTestability(vc *types.VisionContext) *types.TestabilityReport {
	var testable []string
	for _, el := range vc.Elements {
		if !el.IsHidden {
			testable = append(testable, el.Selector)
		}
	}
	return &types.TestabilityReport{
		What:   fmt.Sprintf("The page exposes %d interactive elements (%d extracted).", vc.TotalFound, len(vc.Elements)),
		How:    "Elements were enumerated from the DOM without model assistance.",
		Why:    "The diagnosis model was unavailable; this is the heuristic fallback.",
		Result: fmt.Sprintf("%d elements are candidates for automated interaction.", len(testable)),
		TestableComponents: testable,
	}
}

// AnalyzeError asks the model for a root cause and prioritized fixes.
func (a *Analyzer) AnalyzeError(ctx context.Context, actionErr error, vc *types.VisionContext, bud *budget.Budget) (*ErrorAnalysis, error) {
	listing, _ := json.Marshal(vc.VisibleElements())
	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: fmt.Sprintf("A browser action failed with: %v\nReturn JSON "+
			`{"root_cause":"...","fixes":["most likely fix first"]}.`, actionErr),
		Elements: string(listing),
	}, tokens.CallErrorAnalysis)
	if err != nil {
		return nil, err
	}
	var out ErrorAnalysis
	if err := a.callStructured(ctx, prompt,
		"You diagnose web automation failures.", tokens.CallErrorAnalysis, bud, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SynthesizeContext condenses DOM, console, and network signals into a
// summary with issues and recommendations.
func (a *Analyzer) SynthesizeContext(ctx context.Context, in SynthesisInput, bud *budget.Budget) (*Synthesis, error) {
	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: "Summarize the state of this page for a test planner. Return JSON " +
			`{"summary":"...","issues":[],"recommendations":[]}.`,
		Goal:    in.Goal,
		History: append(in.ConsoleLogs, in.NetworkErrors...),
		DOM:     in.DOM,
	}, tokens.CallSynthesis)
	if err != nil {
		return nil, err
	}
	var out Synthesis
	if err := a.callStructured(ctx, prompt,
		"You condense page state into a short synthesis.", tokens.CallSynthesis, bud, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ExplainFailure produces the user-facing failure explanation. Always
// returns something usable; the deterministic fallback fills in when the
// model cannot.
func (a *Analyzer) ExplainFailure(ctx context.Context, runErr error, lastAction *types.Action, bud *budget.Budget) *types.FailureExplanation {
	fallback := &types.FailureExplanation{
		RootCause:      fmt.Sprintf("The run stopped after an unrecoverable error: %v.", runErr),
		UserExperience: "A visitor performing the same steps would get stuck at this point.",
		Suggestion:     "Check that the target element exists and is reachable without authentication.",
	}
	actionDesc := "none"
	if lastAction != nil {
		actionDesc = lastAction.String()
	}
	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: fmt.Sprintf("A web test run failed. Error: %v. Last action: %s.\nReturn JSON "+
			`{"root_cause":"...","user_experience":"one sentence","suggestion":"one actionable suggestion"}.`,
			runErr, actionDesc),
	}, tokens.CallErrorAnalysis)
	if err != nil {
		return fallback
	}
	var out types.FailureExplanation
	if err := a.callStructured(ctx, prompt,
		"You explain test failures to non-technical users.", tokens.CallErrorAnalysis, bud, &out); err != nil {
		return fallback
	}
	if out.RootCause == "" {
		return fallback
	}
	return &out
}
