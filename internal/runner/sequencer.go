// Package runner is the phase sequencer: it drives a run through
// CREATED → NAVIGATING → PREFLIGHT → (DIAGNOSING) → PLANNING →
// EXECUTING → FINALIZING and maps what happened onto one of the six
// terminal outcomes.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"uirunner/internal/analyzer"
	"uirunner/internal/browser"
	"uirunner/internal/budget"
	"uirunner/internal/config"
	"uirunner/internal/consent"
	"uirunner/internal/events"
	"uirunner/internal/executor"
	"uirunner/internal/learned"
	"uirunner/internal/logging"
	"uirunner/internal/model"
	"uirunner/internal/planner"
	"uirunner/internal/preflight"
	"uirunner/internal/status"
	"uirunner/internal/types"
)

// SessionOpener yields a driver for a run descriptor. The browser manager
// satisfies this; tests script it.
type SessionOpener interface {
	OpenSession(ctx context.Context, desc *types.RunDescriptor) (browser.Driver, error)
}

// Deps wires the sequencer to the process-wide singletons.
type Deps struct {
	Sessions SessionOpener
	Model    model.Caller
	Planner  *planner.Planner
	Budgets  *budget.Manager
	Registry *status.Registry
	Steps    StepStore
	Sink     events.Sink
	Learned  *learned.Store // nil disables consent failure logging
	Cfg      *config.Config
}

// Sequencer runs descriptors to completion. Safe for concurrent Run calls;
// all shared state lives behind the injected singletons.
type Sequencer struct {
	deps Deps
}

// New creates a sequencer.
func New(deps Deps) *Sequencer {
	return &Sequencer{deps: deps}
}

func (s *Sequencer) emit(runID string, step int, state, message string, meta map[string]any) {
	if s.deps.Sink != nil {
		s.deps.Sink.Emit(events.New(runID, step, state, message, meta))
	}
}

// Run executes one descriptor and always returns a summary.
func (s *Sequencer) Run(ctx context.Context, desc *types.RunDescriptor) *types.RunSummary {
	log := logging.Get(logging.CategoryRun)
	start := time.Now()
	sum := &types.RunSummary{}
	finish := func(outcome types.RunOutcome, err error) *types.RunSummary {
		sum.Outcome = outcome
		sum.Duration = time.Since(start)
		if err != nil {
			sum.Error = err.Error()
		}
		s.emit(desc.RunID, sum.Steps, "FINALIZING", "run finished: "+string(outcome),
			map[string]any{"steps": sum.Steps, "succeeded": sum.Succeeded, "failed": sum.Failed})
		log.Infow("run finished", "run_id", desc.RunID, "outcome", outcome,
			"steps", sum.Steps, "duration", sum.Duration)
		return sum
	}

	mode, err := config.ModeFor(desc.Mode)
	if err != nil {
		return finish(types.OutcomeFailedUnrecoverable, err)
	}
	if desc.BaseURL() == "" {
		return finish(types.OutcomeFailedUnrecoverable, fmt.Errorf("descriptor has no target URL"))
	}

	// CREATED: budget, registry, session.
	parent := desc.ParentRunID
	if parent == "" {
		parent = desc.RunID
	}
	bud := s.deps.Budgets.GetOrCreate(parent, desc.Tier, nil)
	s.deps.Registry.Reset(desc.RunID)
	defer s.deps.Registry.Remove(desc.RunID)
	s.emit(desc.RunID, 0, "CREATED", "run created", map[string]any{
		"mode": desc.Mode, "browser": desc.Browser, "tier": desc.Tier,
	})

	drv, err := s.deps.Sessions.OpenSession(ctx, desc)
	if err != nil {
		return finish(types.OutcomeFailedRecoverable, fmt.Errorf("open session: %w", err))
	}
	defer drv.Close()

	visionEnabled := mode.VisionEnabled && s.deps.Cfg.EnableVisionValidation

	// The mode table carries per-mode model overrides; a tuner-capable
	// caller applies them for this run only.
	mdl := s.deps.Model
	if tuner, ok := mdl.(model.ModeTuner); ok {
		mdl = tuner.ForMode(mode.Model, mode.Temperature)
	}
	pln := s.deps.Planner
	if mdl != s.deps.Model {
		pln = planner.New(mdl, s.deps.Learned)
	}

	anz := analyzer.New(mdl, s.deps.Cfg.Limits, visionEnabled)
	exec := executor.New(drv, s.deps.Registry, executor.Options{
		RunID:      desc.RunID,
		Limits:     s.deps.Cfg.Limits,
		IRLEnabled: true,
		FindAlternatives: func(ctx context.Context, failed, dom string, actionErr error, targetText string) ([]types.AlternativeSelector, error) {
			return pln.FindAlternativeSelectors(ctx, failed, dom, actionErr, targetText, bud)
		},
	})

	// NAVIGATING. No captures are allowed in this phase; the executor's
	// guards enforce that.
	s.emit(desc.RunID, 0, "NAVIGATING", "loading "+desc.BaseURL(), nil)
	if err := drv.Navigate(ctx, desc.BaseURL(), s.deps.Cfg.Limits.NavigationTimeout); err != nil {
		return finish(types.OutcomeFailedRecoverable, fmt.Errorf("navigate: %w", err))
	}

	// PREFLIGHT.
	s.emit(desc.RunID, 0, "PREFLIGHT", "starting preflight", nil)
	machine := consent.New(drv, mdl, s.deps.Registry, consent.Options{
		RunID:  desc.RunID,
		Budget: bud,
		Store:  s.deps.Learned,
	})
	pre := preflight.New(drv, machine, s.deps.Registry, desc.RunID, s.deps.Sink)
	pctx, pcancel := context.WithTimeout(ctx, mode.PhaseTimeout)
	preRes := pre.Execute(pctx, desc.BaseURL())
	pcancel()
	sum.PopupsResolved = preRes.PopupsResolved
	for _, msg := range preRes.Errors {
		if strings.HasPrefix(msg, "invariant violation") {
			err := errors.New(msg)
			s.explainFailure(ctx, anz, desc, bud, err, nil, sum)
			return finish(types.OutcomeFailedUnrecoverable, err)
		}
	}

	// DIAGNOSING.
	var diagnosis *types.TestabilityReport
	if mode.DiagnosisRequired {
		if err := s.deps.Registry.AssertPreflightCompletedBeforeDiagnosis(desc.RunID, "runner.diagnose"); err != nil {
			return finish(types.OutcomeFailedUnrecoverable, err)
		}
		s.emit(desc.RunID, 0, "DIAGNOSING", "analyzing testability", nil)
		diagnosis = s.diagnose(ctx, exec, anz, desc, bud)
	}

	// PLANNING.
	s.emit(desc.RunID, 0, "PLANNING", "deriving plan", nil)
	goal, queued := s.plan(ctx, desc, diagnosis, pln, bud)

	// EXECUTING.
	outcome, lastAct, execErr := s.execute(ctx, desc, mode, exec, anz, pln, bud, goal, queued, sum)
	if outcome == types.OutcomeFailedRecoverable || outcome == types.OutcomeFailedUnrecoverable {
		failErr := execErr
		if failErr == nil {
			failErr = fmt.Errorf("all %d executed steps failed", sum.Failed)
		}
		s.explainFailure(ctx, anz, desc, bud, failErr, lastAct, sum)
	}
	return finish(outcome, execErr)
}

// explainFailure fills the user-facing failure account once a run has
// failed after preflight completed. Never fatal; the analyzer falls back
// to a deterministic explanation when the model cannot help.
func (s *Sequencer) explainFailure(ctx context.Context, anz *analyzer.Analyzer, desc *types.RunDescriptor, bud *budget.Budget, runErr error, lastAct *types.Action, sum *types.RunSummary) {
	if anz == nil || runErr == nil {
		return
	}
	if err := s.deps.Registry.AssertPreflightCompletedBeforeDiagnosis(desc.RunID, "runner.explainFailure"); err != nil {
		return
	}
	sum.Failure = anz.ExplainFailure(ctx, runErr, lastAct, bud)
	s.emit(desc.RunID, sum.Steps, "FAILURE_EXPLAINED", sum.Failure.RootCause,
		map[string]any{"suggestion": sum.Failure.Suggestion})
}

// noteRateLimit feeds provider throttling back into the AI budget; one
// hit already forces DEGRADED.
func (s *Sequencer) noteRateLimit(bud *budget.Budget, err error) {
	if bud != nil && model.IsRateLimited(err) {
		bud.RecordRateLimitHit()
	}
}

// diagnose produces the testability narrative. Diagnosis failure is never
// fatal; the run proceeds on the deterministic fallback.
func (s *Sequencer) diagnose(ctx context.Context, exec *executor.Executor, anz *analyzer.Analyzer, desc *types.RunDescriptor, bud *budget.Budget) *types.TestabilityReport {
	log := logging.Get(logging.CategoryRun)
	png, dom, err := exec.CaptureState(ctx)
	if err != nil {
		log.Warnw("diagnosis capture failed", "err", err)
		return nil
	}
	vc, err := anz.Analyze(ctx, dom, png, "diagnose page testability", bud)
	if err != nil {
		s.noteRateLimit(bud, err)
		log.Warnw("diagnosis analysis failed", "err", err)
		return nil
	}
	report, err := anz.AnalyzeTestability(ctx, vc, desc.BaseURL(), bud)
	if err != nil {
		s.noteRateLimit(bud, err)
		log.Warnw("testability diagnosis failed", "err", err)
		return nil
	}
	s.emit(desc.RunID, 0, "DIAGNOSING", "testability diagnosis ready",
		map[string]any{"testable_components": len(report.TestableComponents)})
	return report
}

// plan resolves the run goal and any pre-queued steps from instructions.
func (s *Sequencer) plan(ctx context.Context, desc *types.RunDescriptor, diagnosis *types.TestabilityReport, pln *planner.Planner, bud *budget.Budget) (string, []types.Action) {
	goal := defaultGoal(desc.Mode)
	if diagnosis != nil && len(diagnosis.TestableComponents) > 0 {
		goal += "; focus on " + strings.Join(head(diagnosis.TestableComponents, 5), ", ")
	}
	if desc.Instructions == "" {
		return goal, nil
	}
	plan, err := pln.ParseTestInstructions(ctx, desc.Instructions, desc.BaseURL(), bud)
	if err != nil {
		s.noteRateLimit(bud, err)
		logging.Get(logging.CategoryRun).Warnw("instruction parsing failed, using raw text",
			"err", err)
		return desc.Instructions, nil
	}
	return plan.PrimaryGoal, plan.Steps
}

func defaultGoal(mode types.TestMode) string {
	switch mode {
	case types.ModeMonkey:
		return "exercise random interactive elements"
	case types.ModeGuest:
		return "verify the page loads and its primary actions respond"
	case types.ModeBehavior:
		return "walk the primary user journeys end to end"
	default:
		return "exercise the primary user flows: navigation, forms, and key actions"
	}
}

// execute is the EXECUTING loop. It owns the step cap, the failure
// streak, budget-bound stops, and outcome selection. The returned action
// is the last one attempted, for the failure explanation.
func (s *Sequencer) execute(ctx context.Context, desc *types.RunDescriptor, mode config.ModeConfig, exec *executor.Executor, anz *analyzer.Analyzer, pln *planner.Planner, bud *budget.Budget, goal string, queued []types.Action, sum *types.RunSummary) (types.RunOutcome, *types.Action, error) {
	log := logging.Get(logging.CategoryRun)
	ectx, cancel := context.WithTimeout(ctx, mode.PhaseTimeout)
	defer cancel()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	track := &planner.Tracking{ProjectID: desc.ProjectID, URL: desc.BaseURL(), VisitedURLs: []string{desc.BaseURL()}}
	var history []string
	var lastAct *types.Action
	streak := 0

	for step := 1; step <= mode.MaxSteps; step++ {
		if ctx.Err() != nil {
			return types.OutcomeAbandoned, lastAct, ctx.Err()
		}
		if ectx.Err() != nil {
			log.Warnw("execution phase timed out", "step", step)
			break
		}

		png, dom, err := exec.CaptureState(ectx)
		if err != nil {
			var iv *status.InvariantViolation
			if errors.As(err, &iv) {
				return types.OutcomeFailedUnrecoverable, lastAct, err
			}
			streak++
			sum.Failed++
			exec.RecoverFromErrors(ectx, streak, desc.BaseURL(), 0)
			continue
		}
		vc, err := anz.Analyze(ectx, dom, png, goal, bud)
		if err != nil {
			s.noteRateLimit(bud, err)
			streak++
			sum.Failed++
			exec.RecoverFromErrors(ectx, streak, desc.BaseURL(), 0)
			continue
		}

		var action types.Action
		switch {
		case len(queued) > 0:
			action = queued[0]
			queued = queued[1:]
		case mode.Mode == types.ModeMonkey:
			action = monkeyAction(rng, vc)
		default:
			if bud.State() == budget.StateExhausted {
				s.emit(desc.RunID, step, "BUDGET_EXHAUSTED",
					"ai budget exhausted, stopping gracefully", nil)
				return types.OutcomeCompletedWithLimits, lastAct, nil
			}
			a, err := pln.GenerateAction(ectx, vc, history, goal, track, bud)
			if err != nil {
				if errors.Is(err, budget.ErrExhausted) {
					return types.OutcomeCompletedWithLimits, lastAct, nil
				}
				s.noteRateLimit(bud, err)
				streak++
				sum.Failed++
				log.Warnw("action generation failed", "step", step, "err", err)
				exec.RecoverFromErrors(ectx, streak, desc.BaseURL(), len(vc.VisibleElements()))
				continue
			}
			action = *a
		}
		lastAct = &action

		if action.Kind == types.ActionComplete {
			bounds := exec.CaptureElementBounds(ectx, vc, desc.IsMobile(), &action, nil)
			s.recordStep(ctx, desc, step, action, &executor.Result{Success: true, Attempts: 1}, sum,
				stepArtifacts{PNG: png, DOM: dom, Bounds: bounds})
			return s.settleOutcome(sum), lastAct, nil
		}

		res := exec.ExecuteAction(ectx, action, types.ContextDefault, vc)
		bounds := exec.CaptureElementBounds(ectx, vc, desc.IsMobile(), &action, res.Healing)
		s.recordStep(ctx, desc, step, action, res, sum, stepArtifacts{PNG: png, DOM: dom, Bounds: bounds})
		s.recordHealedSelector(ctx, action, res, track)
		history = append(history, stepNote(action, res))
		if action.Selector != "" {
			track.UsedSelectors = append(track.UsedSelectors, action.Selector)
		}

		if res.Success {
			streak = 0
		} else {
			var iv *status.InvariantViolation
			if errors.As(res.FinalError, &iv) {
				return types.OutcomeFailedUnrecoverable, lastAct, res.FinalError
			}
			streak++
			exec.RecoverFromErrors(ectx, streak, desc.BaseURL(), len(vc.VisibleElements()))
		}
	}
	return s.settleOutcome(sum), lastAct, nil
}

// recordHealedSelector persists a successful heal so later runs on the
// same page can replay the working selector and avoid the broken one.
func (s *Sequencer) recordHealedSelector(ctx context.Context, action types.Action, res *executor.Result, track *planner.Tracking) {
	if s.deps.Learned == nil || !res.Success || res.Healing == nil {
		return
	}
	log := logging.Get(logging.CategoryRun)
	healed := action
	healed.Selector = res.Healing.HealedSelector
	if err := s.deps.Learned.Record(ctx, track.URL, healed, true); err != nil {
		log.Warnw("learned record failed", "selector", healed.Selector, "err", err)
		return
	}
	if err := s.deps.Learned.Record(ctx, track.URL, action, false); err != nil {
		log.Warnw("learned record failed", "selector", action.Selector, "err", err)
	}
}

// settleOutcome maps the step counters to a terminal outcome once the
// loop ends without a fatal error.
func (s *Sequencer) settleOutcome(sum *types.RunSummary) types.RunOutcome {
	if sum.Succeeded == 0 && sum.Failed > 0 {
		return types.OutcomeFailedRecoverable
	}
	return types.OutcomeCompleted
}

// stepArtifacts carries the per-step capture material into the persisted
// record.
type stepArtifacts struct {
	PNG    []byte
	DOM    string
	Bounds []types.ElementBound
}

// artifactRef is the content address under which the transport layer
// stores a capture blob.
func artifactRef(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:])
}

func (s *Sequencer) recordStep(ctx context.Context, desc *types.RunDescriptor, step int, action types.Action, res *executor.Result, sum *types.RunSummary, art stepArtifacts) {
	outcome := types.StepFailure
	switch {
	case res.Success && res.Healing != nil:
		outcome = types.StepHealed
		sum.Healed++
	case res.Success:
		outcome = types.StepSuccess
	}
	sum.Steps++
	if res.Success {
		sum.Succeeded++
	} else {
		sum.Failed++
	}

	rec := types.StepRecord{
		RunID:         desc.RunID,
		Order:         step,
		Action:        action,
		Outcome:       outcome,
		ScreenshotRef: artifactRef(art.PNG),
		DOMRef:        artifactRef([]byte(art.DOM)),
		Bounds:        art.Bounds,
		Healing:       res.Healing,
		StartedAt:     time.Now(),
		FinishedAt:    time.Now(),
	}
	if res.FinalError != nil {
		rec.Error = res.FinalError.Error()
	}
	if s.deps.Steps != nil {
		if err := s.deps.Steps.Save(ctx, rec); err != nil {
			logging.Get(logging.CategoryRun).Warnw("step persist failed", "step", step, "err", err)
		}
	}
	s.emit(desc.RunID, step, "STEP", action.String(), map[string]any{
		"outcome": outcome, "attempts": res.Attempts,
	})
}

func stepNote(action types.Action, res *executor.Result) string {
	if res.Success {
		return action.String() + " ok"
	}
	return action.String() + " failed"
}

// monkeyAction picks a random visible element to click, with occasional
// scrolls to surface new content. No model involvement.
func monkeyAction(rng *rand.Rand, vc *types.VisionContext) types.Action {
	visible := vc.VisibleElements()
	if len(visible) == 0 || rng.Intn(5) == 0 {
		return types.Action{Kind: types.ActionScroll, Description: "monkey scroll"}
	}
	el := visible[rng.Intn(len(visible))]
	return types.Action{Kind: types.ActionClick, Selector: el.Selector, Description: "monkey click"}
}

func head(in []string, n int) []string {
	if len(in) <= n {
		return in
	}
	return in[:n]
}
