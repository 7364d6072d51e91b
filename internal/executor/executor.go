// Package executor dispatches single actions to the browser, guarded by
// the phase invariants, with the intelligent retry layer for self-healing
// and the escalating error recovery ladder.
package executor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"uirunner/internal/browser"
	"uirunner/internal/config"
	"uirunner/internal/logging"
	"uirunner/internal/status"
	"uirunner/internal/types"
)

// defaultRetries is the IRL attempt cap per action.
const defaultRetries = 3

// Result is what ExecuteAction hands back to the sequencer.
type Result struct {
	Success           bool
	Attempts          int
	Healing           *types.HealingRecord
	AlternativeAction *types.Action
	FinalError        error
}

// Executor runs actions for one run's session.
type Executor struct {
	drv      browser.Driver
	registry *status.Registry
	limits   config.LimitsConfig
	runID    string

	// IRL wiring.
	irlEnabled bool
	maxRetries int
	findAlts   func(ctx context.Context, failed, dom string, actionErr error, targetText string) ([]types.AlternativeSelector, error)

	sleep func(time.Duration)
}

// Options configures the executor.
type Options struct {
	RunID      string
	Limits     config.LimitsConfig
	IRLEnabled bool
	MaxRetries int // 0 = defaultRetries
	// FindAlternatives is the planner hook; nil disables alternative-
	// selector healing.
	FindAlternatives func(ctx context.Context, failed, dom string, actionErr error, targetText string) ([]types.AlternativeSelector, error)
}

// New creates an executor bound to one session.
func New(drv browser.Driver, reg *status.Registry, opts Options) *Executor {
	retries := opts.MaxRetries
	if retries <= 0 {
		retries = defaultRetries
	}
	return &Executor{
		drv:        drv,
		registry:   reg,
		limits:     opts.Limits,
		runID:      opts.RunID,
		irlEnabled: opts.IRLEnabled,
		maxRetries: retries,
		findAlts:   opts.FindAlternatives,
		sleep:      time.Sleep,
	}
}

// ExecuteAction runs one action. Retryable actions outside preflight and
// outside the cookie-consent context go through the retry layer; everything
// else hits the driver once.
func (e *Executor) ExecuteAction(ctx context.Context, action types.Action, actionCtx types.ActionContext, vc *types.VisionContext) *Result {
	if err := e.registry.AssertNoIRLDuringPreflight(e.runID, "executor.ExecuteAction"); err != nil {
		return &Result{FinalError: err}
	}
	if err := action.Validate(); err != nil {
		return &Result{Attempts: 1, FinalError: err}
	}

	if e.irlEnabled && action.Retryable() && actionCtx != types.ContextCookieConsent {
		return e.executeWithRetry(ctx, action, vc)
	}

	err := e.dispatch(ctx, action)
	return &Result{Success: err == nil, Attempts: 1, FinalError: err}
}

// executeWithRetry is the intelligent retry layer. On failure it first
// looks for a vision-validated element with matching text or role, then
// asks for alternative selectors; the first repair that works is recorded
// as the healing.
func (e *Executor) executeWithRetry(ctx context.Context, action types.Action, vc *types.VisionContext) *Result {
	log := logging.Get(logging.CategoryExecutor)
	res := &Result{}

	current := action
	var lastErr error
	for res.Attempts < e.maxRetries {
		res.Attempts++
		lastErr = e.dispatch(ctx, current)
		if lastErr == nil {
			res.Success = true
			if current.Selector != action.Selector {
				res.AlternativeAction = &current
			}
			return res
		}
		log.Debugw("action attempt failed",
			"action", current.String(), "attempt", res.Attempts, "err", lastErr)
		if res.Attempts >= e.maxRetries {
			break
		}

		if repaired := e.visionRepair(action, vc); repaired != nil && repaired.Selector != current.Selector {
			res.Healing = &types.HealingRecord{
				Kind:             "vision_match",
				OriginalSelector: action.Selector,
				HealedSelector:   repaired.Selector,
				Attempts:         res.Attempts + 1,
			}
			current = *repaired
			continue
		}

		alt := e.alternativeRepair(ctx, action, lastErr, res.Attempts)
		if alt == nil {
			break
		}
		res.Healing = &types.HealingRecord{
			Kind:             "alternative_selector",
			OriginalSelector: action.Selector,
			HealedSelector:   alt.Selector,
			Strategy:         alt.Strategy,
			Confidence:       alt.Confidence,
			Attempts:         res.Attempts + 1,
		}
		current = action
		current.Selector = alt.Selector
	}

	res.FinalError = fmt.Errorf("action %s failed after %d attempts: %w",
		action.String(), res.Attempts, lastErr)
	res.Healing = nil
	return res
}

// visionRepair looks for a vision-validated visible element whose text
// matches the action's intent when the original selector is gone.
func (e *Executor) visionRepair(action types.Action, vc *types.VisionContext) *types.Action {
	if vc == nil || !vc.VisionValidated || action.Description == "" {
		return nil
	}
	for _, el := range vc.Elements {
		if !el.VisionValidated || !el.VisionVisible || el.Selector == action.Selector {
			continue
		}
		if el.Text != "" && containsFold(action.Description, el.Text) {
			repaired := action
			repaired.Selector = el.Selector
			return &repaired
		}
	}
	return nil
}

func (e *Executor) alternativeRepair(ctx context.Context, action types.Action, actionErr error, attempt int) *types.AlternativeSelector {
	if e.findAlts == nil {
		return nil
	}
	dom, err := e.drv.DOMSnapshot(ctx)
	if err != nil {
		return nil
	}
	alts, err := e.findAlts(ctx, action.Selector, dom, actionErr, action.Description)
	if err != nil || len(alts) == 0 {
		logging.Get(logging.CategoryExecutor).Debugw("no alternatives found",
			"selector", action.Selector, "attempt", attempt, "err", err)
		return nil
	}
	return &alts[0]
}

// dispatch runs a single action against the driver with the per-kind
// timeout.
func (e *Executor) dispatch(ctx context.Context, action types.Action) error {
	switch action.Kind {
	case types.ActionClick:
		ctx, cancel := context.WithTimeout(ctx, e.limits.ActionTimeout)
		defer cancel()
		return e.drv.Click(ctx, action.Selector, false)
	case types.ActionType:
		ctx, cancel := context.WithTimeout(ctx, e.limits.InputTimeout)
		defer cancel()
		return e.drv.Type(ctx, action.Selector, action.Value)
	case types.ActionScroll:
		return e.drv.Scroll(ctx, 600)
	case types.ActionNavigate:
		return e.drv.Navigate(ctx, action.URL, e.limits.NavigationTimeout)
	case types.ActionWait:
		e.sleep(time.Duration(action.WaitMs) * time.Millisecond)
		return nil
	case types.ActionAssert:
		return e.assert(ctx, action)
	case types.ActionComplete:
		return nil
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}
}

func (e *Executor) assert(ctx context.Context, action types.Action) error {
	switch action.Predicate {
	case "", "visible":
		visible, err := e.drv.IsVisible(ctx, action.Selector)
		if err != nil {
			return err
		}
		if !visible {
			return fmt.Errorf("assert failed: %s not visible", action.Selector)
		}
	case "enabled":
		enabled, err := e.drv.IsEnabled(ctx, action.Selector)
		if err != nil {
			return err
		}
		if !enabled {
			return fmt.Errorf("assert failed: %s not enabled", action.Selector)
		}
	case "text":
		text, err := e.drv.Text(ctx, action.Selector)
		if err != nil {
			return err
		}
		if !containsFold(text, action.Value) {
			return fmt.Errorf("assert failed: %s text %q does not contain %q",
				action.Selector, text, action.Value)
		}
	default:
		return fmt.Errorf("unknown assert predicate %q", action.Predicate)
	}
	return nil
}

// CaptureState takes the post-step screenshot and DOM snapshot. Both are
// gated on preflight completion.
func (e *Executor) CaptureState(ctx context.Context) ([]byte, string, error) {
	if err := e.registry.AssertPreflightCompletedBeforeScreenshot(e.runID, "executor.CaptureState"); err != nil {
		return nil, "", err
	}
	if err := e.registry.AssertPreflightCompletedBeforeDOMSnapshot(e.runID, "executor.CaptureState"); err != nil {
		return nil, "", err
	}
	sctx, cancel := context.WithTimeout(ctx, e.limits.ScreenshotTimeout)
	defer cancel()
	png, err := e.drv.Screenshot(sctx)
	if err != nil {
		return nil, "", fmt.Errorf("screenshot: %w", err)
	}
	dom, err := e.drv.DOMSnapshot(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("dom snapshot: %w", err)
	}
	return png, dom, nil
}

// CaptureElementBounds measures every visible element and marks the step
// target. Desktop only; mobile overlays render too unreliably to be worth
// the round trips.
func (e *Executor) CaptureElementBounds(ctx context.Context, vc *types.VisionContext, isMobile bool, action *types.Action, healing *types.HealingRecord) []types.ElementBound {
	if isMobile || vc == nil {
		return nil
	}
	targetSelector, targetStatus := targetOf(action, healing)

	var out []types.ElementBound
	for _, el := range vc.Elements {
		box, err := e.drv.BoundingBox(ctx, el.Selector)
		if err != nil || box == nil {
			continue
		}
		b := types.ElementBound{Selector: el.Selector, Rect: *box}
		if el.Selector == targetSelector {
			b.Status = targetStatus
		}
		out = append(out, b)
	}
	return out
}

func targetOf(action *types.Action, healing *types.HealingRecord) (selector, state string) {
	if action == nil {
		return "", ""
	}
	if healing != nil {
		return healing.HealedSelector, "healed"
	}
	switch action.Kind {
	case types.ActionClick:
		state = "clicked"
	case types.ActionType:
		state = "typed"
	default:
		state = "analyzed"
	}
	return action.Selector, state
}

// RecoverFromErrors escalates by consecutive-failure streak: settle the
// network, scroll for fresh content, go back to base, and as a last resort
// scroll to top when nothing is visible. Overlay dismissal never happens
// here; that right ended with preflight.
func (e *Executor) RecoverFromErrors(ctx context.Context, streak int, baseURL string, visibleElements int) error {
	log := logging.Get(logging.CategoryExecutor)
	switch {
	case streak >= 6 && visibleElements == 0:
		log.Infow("recovery: scroll to top", "streak", streak)
		return e.drv.ScrollTop(ctx)
	case streak >= 5:
		log.Infow("recovery: return to base url", "streak", streak, "url", baseURL)
		if baseURL != "" {
			return e.drv.Navigate(ctx, baseURL, e.limits.NavigationTimeout)
		}
		return e.drv.Reload(ctx)
	case streak >= 3:
		log.Infow("recovery: scroll", "streak", streak)
		return e.drv.Scroll(ctx, 600)
	case streak >= 2:
		log.Infow("recovery: wait for network idle", "streak", streak)
		return e.drv.WaitForLoadState(ctx, 5*time.Second)
	}
	return nil
}

// DismissOverlays exists for symmetry with the preflight orchestrator and
// intentionally does nothing: overlay dismissal after preflight would
// invalidate the consent outcome. The guard makes the contract loud.
func (e *Executor) DismissOverlays(_ context.Context) error {
	if err := e.registry.AssertNoOverlayDismissalOutsidePreflight(e.runID, "executor.DismissOverlays"); err != nil {
		return err
	}
	return nil
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return false
	}
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
