// Package analyzer turns a raw DOM snapshot (and optionally a screenshot)
// into the structured vision context the planner and consent machine
// consume, and produces the model-backed diagnosis reports.
package analyzer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"uirunner/internal/budget"
	"uirunner/internal/config"
	"uirunner/internal/logging"
	"uirunner/internal/model"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

// visionValidationTop caps how many elements the vision check sees.
const visionValidationTop = 30

// Analyzer builds vision contexts and diagnosis reports.
type Analyzer struct {
	model         model.Caller
	limits        config.LimitsConfig
	visionEnabled bool
}

// New creates an analyzer. visionEnabled reflects both the mode table and
// ENABLE_VISION_VALIDATION.
func New(m model.Caller, limits config.LimitsConfig, visionEnabled bool) *Analyzer {
	return &Analyzer{model: m, limits: limits, visionEnabled: visionEnabled}
}

// Analyze extracts interactive elements from the DOM, builds the
// accessibility summary, and — when vision is enabled, a screenshot exists,
// and the budget allows — validates element visibility with the vision
// model.
func (a *Analyzer) Analyze(ctx context.Context, dom string, screenshot []byte, goal string, bud *budget.Budget) (*types.VisionContext, error) {
	log := logging.Get(logging.CategoryAnalyzer)

	elements, total, err := ExtractElements(dom, a.limits.DOMSummaryLimit)
	if err != nil {
		return nil, err
	}
	vc := &types.VisionContext{
		Elements:      elements,
		Accessibility: BuildAccessibilitySummary(elements, a.limits.AccessibilitySummaryLimit),
		TotalFound:    total,
		Truncated:     total > len(elements),
		CapturedAt:    time.Now(),
	}

	if !a.visionEnabled || len(screenshot) == 0 || len(elements) == 0 {
		return vc, nil
	}
	if bud != nil {
		if err := bud.CanMakeVisionCall(false); err != nil {
			log.Debugw("skipping vision validation", "reason", err)
			return vc, nil
		}
	}

	if err := a.validateWithVision(ctx, vc, screenshot, goal); err != nil {
		// Vision failure degrades to the DOM-only context.
		log.Warnw("vision validation failed", "err", err)
		return vc, nil
	}
	if bud != nil {
		bud.RecordVisionCall()
	}
	return vc, nil
}

type visionVerdict struct {
	Elements []struct {
		Index        int  `json:"index"`
		Visible      bool `json:"visible"`
		Interactable bool `json:"interactable"`
	} `json:"elements"`
	PageState *types.PageState `json:"page_state"`
}

func (a *Analyzer) validateWithVision(ctx context.Context, vc *types.VisionContext, screenshot []byte, goal string) error {
	top := vc.Elements
	if len(top) > visionValidationTop {
		top = top[:visionValidationTop]
	}
	listing, _ := json.Marshal(top)

	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: "Given the screenshot and this element list, return JSON " +
			`{"elements":[{"index":N,"visible":bool,"interactable":bool}],` +
			`"page_state":{"has_overlay":bool,"has_modal":bool,"loaded":bool}}. ` +
			"Index refers to the element order below.",
		Goal:     goal,
		Elements: string(listing),
	}, tokens.CallAction)
	if err != nil {
		return err
	}

	raw, err := a.model.CallWithVision(ctx, screenshot, prompt,
		"You validate which UI elements are actually visible and interactable on a screenshot. Reply with JSON only.")
	if err != nil {
		return err
	}
	var verdict visionVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return fmt.Errorf("parse vision verdict: %w", err)
	}

	anyVisible := false
	for _, v := range verdict.Elements {
		if v.Index < 0 || v.Index >= len(vc.Elements) {
			continue
		}
		vc.Elements[v.Index].VisionValidated = true
		vc.Elements[v.Index].VisionVisible = v.Visible
		if v.Visible {
			anyVisible = true
		}
	}
	vc.VisionValidated = true
	vc.PageState = verdict.PageState

	if anyVisible {
		filtered := make([]types.InteractiveElement, 0, len(vc.Elements))
		for _, el := range vc.Elements {
			if !el.VisionValidated || el.VisionVisible {
				filtered = append(filtered, el)
			}
		}
		vc.Elements = filtered
	}
	return nil
}
