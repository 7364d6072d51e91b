package preflight

import (
	"context"
	"fmt"
	"time"

	"uirunner/internal/browser"
	"uirunner/internal/consent"
	"uirunner/internal/events"
	"uirunner/internal/logging"
	"uirunner/internal/status"
	"uirunner/internal/types"
)

const (
	waitAfterResolved = 620 * time.Millisecond
	waitAfterDelayed  = 1000 * time.Millisecond
	strategyWait      = 300 * time.Millisecond
)

// closeButtonSuffixes are tried scoped to the popup root, in order.
var closeButtonSuffixes = []string{
	` [aria-label="Close"]`,
	` [aria-label="close"]`,
	` button.close`,
	` .close`,
	` [class*="close"]`,
}

// declineWords drive the last-resort text-based dismissal.
var declineWords = []string{"No", "Skip", "Later", "Cancel", "Decline", "Maybe later", "Not now"}

// Orchestrator owns the preflight invariant gate for one run: exactly one
// consent resolution and one popup pass per URL, statuses always COMPLETED
// on exit.
type Orchestrator struct {
	drv      browser.Driver
	machine  *consent.Machine
	scanner  *Scanner
	registry *status.Registry
	runID    string
	sink     events.Sink

	processed map[string]bool
	sleep     func(time.Duration)
}

// New creates a per-run orchestrator. sink may be nil.
func New(drv browser.Driver, machine *consent.Machine, reg *status.Registry, runID string, sink events.Sink) *Orchestrator {
	return &Orchestrator{
		drv:       drv,
		machine:   machine,
		scanner:   NewScanner(drv),
		registry:  reg,
		runID:     runID,
		sink:      sink,
		processed: make(map[string]bool),
		sleep:     time.Sleep,
	}
}

func (o *Orchestrator) trace(res *types.PreflightResult, state, message string) {
	res.Trace = append(res.Trace, types.TraceEntry{Timestamp: time.Now(), State: state, Message: message})
	if o.sink != nil {
		o.sink.Emit(events.New(o.runID, 0, "PREFLIGHT_"+state, message, nil))
	}
}

func (o *Orchestrator) fail(res *types.PreflightResult, err error) {
	res.Errors = append(res.Errors, err.Error())
}

// Execute runs the eight-step preflight for one URL. Both statuses are
// COMPLETED when it returns, whatever happened in between.
func (o *Orchestrator) Execute(ctx context.Context, pageURL string) *types.PreflightResult {
	log := logging.Get(logging.CategoryPreflight)
	res := &types.PreflightResult{}

	// Step 1: an already-processed URL is a no-op with both gates open.
	if o.processed[pageURL] {
		o.forceCompleted()
		res.Success = true
		res.Cookie = types.CookieResult{Outcome: types.CookieBlocked, Reason: "already processed"}
		return res
	}
	o.processed[pageURL] = true

	// Step 2: open the gate.
	if err := o.registry.AdvancePreflight(o.runID, status.InProgress); err != nil {
		o.fail(res, err)
		o.forceCompleted()
		return res
	}
	o.trace(res, "START", "preflight started for "+pageURL)
	defer func() {
		// Step 8: the gate always closes.
		o.forceCompleted()
		o.trace(res, "FINALIZE", fmt.Sprintf("preflight finished: cookie=%s popups_resolved=%d",
			res.Cookie.Outcome, res.PopupsResolved))
	}()

	// Steps 3-4: sealed consent resolution. The machine owns cookie status.
	o.trace(res, "COOKIE", "invoking consent state machine")
	cookie, err := o.machine.Resolve(ctx, pageURL)
	if err != nil {
		// Invariant violation inside the machine. Record and finish with
		// both gates forced open.
		o.fail(res, err)
		res.Cookie = types.CookieResult{Outcome: types.CookieBlocked, Reason: err.Error()}
		return res
	}
	res.Cookie = *cookie
	o.trace(res, "COOKIE", fmt.Sprintf("cookie outcome %s (%d steps)", cookie.Outcome, cookie.StepsExecuted))

	// Step 5: settle waits.
	switch cookie.Outcome {
	case types.CookieResolved:
		o.sleep(waitAfterResolved)
	case types.CookieResolvedWithDelay:
		o.sleep(waitAfterDelayed)
	}

	// Step 6: lingering-consent verification, warning only.
	if lingering, err := consent.LingeringElements(ctx, o.drv); err == nil && lingering > 0 {
		log.Warnw("consent elements still visible after resolution",
			"url", pageURL, "count", lingering, "outcome", cookie.Outcome)
		o.trace(res, "VERIFY", fmt.Sprintf("%d consent elements still visible", lingering))
	}

	// Step 7: non-cookie popups. The scan requires cookie COMPLETED.
	if got := o.registry.CookieStatus(o.runID); got != status.Completed {
		o.fail(res, fmt.Errorf("popup scan blocked: cookie status %s", got))
		return res
	}
	popups, err := o.scanner.Scan(ctx, pageURL)
	if err != nil {
		o.fail(res, err)
	}
	res.Popups = popups
	for _, p := range popups {
		if !p.BlockingUI {
			res.PopupsSkipped++
			continue
		}
		if o.dismissPopup(ctx, res, p) {
			res.PopupsResolved++
		} else {
			res.PopupsSkipped++
			log.Warnw("blocking popup not dismissed", "selector", p.Selector, "type", p.Type)
		}
	}

	res.Success = len(res.Errors) == 0 && cookie.Outcome != types.CookieBlocked
	return res
}

func (o *Orchestrator) forceCompleted() {
	if err := o.registry.AdvanceCookie(o.runID, status.Completed); err != nil {
		logging.Get(logging.CategoryPreflight).Errorw("force cookie completed failed", "err", err)
	}
	if err := o.registry.AdvancePreflight(o.runID, status.Completed); err != nil {
		logging.Get(logging.CategoryPreflight).Errorw("force preflight completed failed", "err", err)
	}
}

// dismissPopup walks the ordered strategies: Escape, scoped close buttons,
// backdrop click, scoped decline texts. Re-checks visibility after each.
func (o *Orchestrator) dismissPopup(ctx context.Context, res *types.PreflightResult, p types.PopupDetection) bool {
	if err := o.registry.AssertNoOverlayDismissalOutsidePreflight(o.runID, "preflight.dismissPopup"); err != nil {
		o.fail(res, err)
		return false
	}
	o.trace(res, "POPUP", fmt.Sprintf("dismissing %s popup %s", p.Type, p.Selector))

	strategies := []struct {
		name string
		run  func() error
	}{
		{"escape", func() error { return o.drv.PressKey(ctx, "Escape") }},
		{"close-button", func() error { return o.clickCloseButton(ctx, p.Selector) }},
		{"backdrop", func() error { return o.drv.ClickAt(ctx, 10, 10) }},
		{"decline-text", func() error { return o.clickDeclineText(ctx, p.Selector) }},
	}
	for _, s := range strategies {
		if err := s.run(); err != nil {
			logging.Get(logging.CategoryPopup).Debugw("dismiss strategy failed",
				"strategy", s.name, "selector", p.Selector, "err", err)
		}
		o.sleep(strategyWait)
		if visible, err := o.drv.IsVisible(ctx, p.Selector); err == nil && !visible {
			o.trace(res, "POPUP", fmt.Sprintf("popup %s dismissed via %s", p.Selector, s.name))
			return true
		}
	}
	return false
}

func (o *Orchestrator) clickCloseButton(ctx context.Context, scope string) error {
	for _, suffix := range closeButtonSuffixes {
		sel := scope + suffix
		if visible, err := o.drv.IsVisible(ctx, sel); err == nil && visible {
			return o.drv.Click(ctx, sel, false)
		}
	}
	return fmt.Errorf("no close button inside %s", scope)
}

// clickDeclineText clicks the first button or link inside the popup whose
// text matches a decline word. Runs in-page; text matching is not
// expressible as a CSS selector.
func (o *Orchestrator) clickDeclineText(ctx context.Context, scope string) error {
	words := quoteList(declineWords)
	js := fmt.Sprintf(`() => {
		const root = document.querySelector(%q);
		if (!root) return false;
		const words = [%s].map(w => w.toLowerCase());
		for (const el of root.querySelectorAll('button, a')) {
			const text = (el.innerText || '').trim().toLowerCase();
			if (words.some(w => text === w || text.startsWith(w + ' '))) { el.click(); return true; }
		}
		return false;
	}`, scope, words)
	var clicked bool
	if err := o.drv.Evaluate(ctx, js, &clicked); err != nil {
		return err
	}
	if !clicked {
		return fmt.Errorf("no decline control inside %s", scope)
	}
	return nil
}
