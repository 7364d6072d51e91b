// Package planner decides the next browser action: a learned-action
// replay when one is reliable, otherwise a bounded LLM plan. It also
// parses natural-language test instructions and proposes alternative
// selectors for self-healing.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"uirunner/internal/budget"
	"uirunner/internal/learned"
	"uirunner/internal/logging"
	"uirunner/internal/model"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

// maxAlternatives caps the selectors returned by FindAlternativeSelectors.
const maxAlternatives = 4

// Tracking carries cross-step state the planner folds into prompts and
// the learned-action lookup.
type Tracking struct {
	ProjectID     string
	URL           string
	VisitedURLs   []string
	UsedSelectors []string
	BrowserQuirks string
}

// Planner generates actions.
type Planner struct {
	model model.Caller
	store *learned.Store // nil when no store is configured
}

// New creates a planner. store may be nil.
func New(m model.Caller, store *learned.Store) *Planner {
	return &Planner{model: m, store: store}
}

const actionSystemPrompt = `You plan the single next action for an automated web test.
Hard rules:
- Reply with JSON only: {"action":"click|type|scroll|navigate|wait|assert|complete","selector":"...","value":"...","url":"...","wait_ms":N,"predicate":"...","description":"...","confidence":0.0}.
- Prefer interactive actions (click, type) over wait or scroll.
- Do not emit "wait" or "complete" unless nothing else is sensible.
- Use only selectors from the element list, in standard CSS locator syntax.
- Never repeat a selector already listed as used.`

// GenerateAction returns the next action for the current page context.
// A reliable learned action short-circuits the model.
func (p *Planner) GenerateAction(ctx context.Context, vc *types.VisionContext, history []string, goal string, track *Tracking, bud *budget.Budget) (*types.Action, error) {
	log := logging.Get(logging.CategoryPlanner)

	if a := p.learnedAction(ctx, vc, track); a != nil {
		log.Infow("replaying learned action", "action", a.String())
		return a, nil
	}

	if bud != nil {
		if err := bud.CanMakeLLMCall(); err != nil {
			return nil, err
		}
	}

	listing, _ := json.Marshal(vc.VisibleElements())
	base := actionContextNote(track) + "\nElements and history follow. Choose the next action."
	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base:     base,
		Goal:     goal,
		Elements: string(listing),
		History:  tokens.LimitHistory(history, 10),
	}, tokens.CallAction)
	if err != nil {
		return nil, err
	}

	raw, err := p.model.Call(ctx, prompt, actionSystemPrompt, tokens.CallAction)
	if err != nil {
		return nil, fmt.Errorf("plan action: %w", err)
	}
	if bud != nil {
		bud.RecordLLMCall()
	}

	action, err := types.ParseAction(raw)
	if err != nil {
		return nil, err
	}
	return &action, nil
}

// learnedAction consults the store for a reliable replay. Nil on any
// miss, unreliable record, or store error (errors never block planning).
func (p *Planner) learnedAction(ctx context.Context, vc *types.VisionContext, track *Tracking) *types.Action {
	if p.store == nil || track == nil || track.ProjectID == "" || len(vc.Elements) == 0 {
		return nil
	}
	la, err := p.store.Lookup(ctx, track.URL, vc.Elements[0].Selector)
	if err != nil {
		logging.Get(logging.CategoryPlanner).Warnw("learned lookup failed", "err", err)
		return nil
	}
	if la == nil || !la.Reliable() {
		return nil
	}
	go func() {
		if err := p.store.RecordReuse(context.Background(), la.ComponentHash); err != nil {
			logging.Get(logging.CategoryPlanner).Debugw("record reuse failed", "err", err)
		}
	}()
	action := la.Action
	return &action
}

func actionContextNote(track *Tracking) string {
	if track == nil {
		return ""
	}
	var b strings.Builder
	if len(track.VisitedURLs) > 0 {
		fmt.Fprintf(&b, "Visited URLs: %s.\n", strings.Join(track.VisitedURLs, ", "))
	}
	if len(track.UsedSelectors) > 0 {
		fmt.Fprintf(&b, "Used selectors: %s.\n", strings.Join(track.UsedSelectors, ", "))
	}
	if track.BrowserQuirks != "" {
		fmt.Fprintf(&b, "Browser quirks: %s.\n", track.BrowserQuirks)
	}
	return b.String()
}

// ParseTestInstructions turns natural-language instructions into a
// structured plan.
func (p *Planner) ParseTestInstructions(ctx context.Context, text, url string, bud *budget.Budget) (*types.InstructionPlan, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty instructions")
	}
	if bud != nil {
		if err := bud.CanMakeLLMCall(); err != nil {
			return nil, err
		}
	}
	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: "Parse these test instructions into JSON " +
			`{"primary_goal":"...","specific_actions":[],"elements_to_check":[],` +
			`"expected_outcomes":[],"priority":"high|medium|low","steps":[]}. ` +
			"Each step uses the action JSON shape.\nTarget URL: " + url +
			"\nInstructions: " + text,
	}, tokens.CallPlanning)
	if err != nil {
		return nil, err
	}
	raw, err := p.model.Call(ctx, prompt,
		"You convert test instructions into a structured machine-readable plan. Reply with JSON only.",
		tokens.CallPlanning)
	if err != nil {
		return nil, fmt.Errorf("parse instructions: %w", err)
	}
	if bud != nil {
		bud.RecordLLMCall()
	}
	var plan types.InstructionPlan
	if err := json.Unmarshal([]byte(raw), &plan); err != nil {
		return nil, fmt.Errorf("decode instruction plan: %w", err)
	}
	if plan.PrimaryGoal == "" {
		plan.PrimaryGoal = text
	}
	return &plan, nil
}

var validStrategies = map[string]bool{
	"text":      true,
	"attribute": true,
	"position":  true,
	"role":      true,
}

// FindAlternativeSelectors asks the model for replacement selectors after
// a failure, highest confidence first.
func (p *Planner) FindAlternativeSelectors(ctx context.Context, failed, dom string, actionErr error, targetText string, bud *budget.Budget) ([]types.AlternativeSelector, error) {
	if bud != nil {
		if err := bud.CanMakeLLMCall(); err != nil {
			return nil, err
		}
	}
	base := fmt.Sprintf("The selector %q failed with: %v.", failed, actionErr)
	if targetText != "" {
		base += fmt.Sprintf(" The target element's text is %q.", targetText)
	}
	base += fmt.Sprintf("\nReturn JSON {\"alternatives\":[{\"selector\":\"...\",\"strategy\":\"text|attribute|position|role\",\"confidence\":0.0}]} with at most %d entries.", maxAlternatives)

	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: base,
		DOM:  dom,
	}, tokens.CallHealing)
	if err != nil {
		return nil, err
	}
	raw, err := p.model.Call(ctx, prompt,
		"You repair broken CSS selectors for web automation. Reply with JSON only.",
		tokens.CallHealing)
	if err != nil {
		return nil, fmt.Errorf("find alternatives: %w", err)
	}
	if bud != nil {
		bud.RecordLLMCall()
	}

	var out struct {
		Alternatives []types.AlternativeSelector `json:"alternatives"`
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode alternatives: %w", err)
	}

	alts := out.Alternatives[:0]
	for _, a := range out.Alternatives {
		if a.Selector == "" || a.Selector == failed || !validStrategies[a.Strategy] {
			continue
		}
		alts = append(alts, a)
	}
	sort.SliceStable(alts, func(i, j int) bool { return alts[i].Confidence > alts[j].Confidence })
	if len(alts) > maxAlternatives {
		alts = alts[:maxAlternatives]
	}
	return alts, nil
}
