// Package consent is the sealed cookie consent state machine. It is the
// only code path allowed to mutate cookie status or touch consent DOM:
// DETECT → CLASSIFY → RESOLVE → VERIFY → FINALIZE, with a heuristic
// selector fast path, an AI classification fallback, and a vision truth
// check. All callers go through Machine.Resolve and receive the sealed
// CookieResult.
package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"time"

	"uirunner/internal/analyzer"
	"uirunner/internal/browser"
	"uirunner/internal/budget"
	"uirunner/internal/learned"
	"uirunner/internal/logging"
	"uirunner/internal/model"
	"uirunner/internal/status"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

const (
	// maxResolutionAttempts caps executed-plan clicks per page.
	maxResolutionAttempts = 2
	// maxVisionPerClick caps visual confirmations per click.
	maxVisionPerClick = 1
	// classificationElements bounds the AI fallback context.
	classificationElements = 50

	verifyWait    = 500 * time.Millisecond
	planWaitFloor = 300
	planWaitSpan  = 501 // floor + [0, span) = 300..800ms
)

// Options configures a per-run machine instance.
type Options struct {
	RunID  string
	Budget *budget.Budget // nil disables budget gating
	Store  *learned.Store // nil disables failure logging
}

// Machine holds per-run consent state. One instance per run; the
// attempted-selectors and pages-processed sets never leak across runs.
type Machine struct {
	drv      browser.Driver
	model    model.Caller // nil = heuristic-only
	registry *status.Registry
	opts     Options

	attempted map[string]bool
	processed map[string]bool
	rng       *rand.Rand
	sleep     func(time.Duration)
}

// New creates a machine bound to one run's session.
func New(drv browser.Driver, caller model.Caller, reg *status.Registry, opts Options) *Machine {
	return &Machine{
		drv:       drv,
		model:     caller,
		registry:  reg,
		opts:      opts,
		attempted: make(map[string]bool),
		processed: make(map[string]bool),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:     time.Sleep,
	}
}

// Resolve runs the state machine for one page. Re-entry on the same URL
// returns BLOCKED. Cookie status moves NOT_STARTED → IN_PROGRESS →
// COMPLETED regardless of outcome; a non-nil error means an invariant
// violation, which is fatal to the run.
func (m *Machine) Resolve(ctx context.Context, rawURL string) (*types.CookieResult, error) {
	log := logging.Get(logging.CategoryCookie)

	if m.processed[rawURL] {
		return &types.CookieResult{
			Outcome: types.CookieBlocked,
			Reason:  "already processed",
		}, nil
	}
	m.processed[rawURL] = true

	if err := m.registry.AssertCookieHandlingAllowed(m.opts.RunID, "consent.Resolve"); err != nil {
		return nil, err
	}
	if err := m.registry.AdvanceCookie(m.opts.RunID, status.InProgress); err != nil {
		return nil, err
	}
	defer func() {
		if err := m.registry.AdvanceCookie(m.opts.RunID, status.Completed); err != nil {
			log.Errorw("cookie status finalize failed", "err", err)
		}
	}()

	dom, err := m.drv.DOMSnapshot(ctx)
	if err != nil {
		return &types.CookieResult{Outcome: types.CookieBlocked, Reason: "dom snapshot failed: " + err.Error()}, nil
	}
	platform := DetectPlatform(dom)
	region := DetectRegion(rawURL, dom)
	log.Infow("consent detect", "url", rawURL, "platform", platform, "region", region)

	result := m.resolve(ctx, rawURL, dom, platform, region)

	if result.Outcome == types.CookieBlocked || result.Outcome == types.CookieResolvedWithDelay {
		m.logFailure(ctx, rawURL, platform, region, result)
	}
	log.Infow("consent finalize", "url", rawURL, "outcome", result.Outcome,
		"strategy", result.Strategy, "steps", result.StepsExecuted, "vision_checks", result.VisionChecks)
	return result, nil
}

func (m *Machine) resolve(ctx context.Context, rawURL, dom string, platform Platform, region Region) *types.CookieResult {
	res := &types.CookieResult{}

	// RESOLVE: heuristic selector fast path.
	if m.tryHeuristic(ctx, platform, region, res) {
		res.Outcome = types.CookieResolved
		res.Strategy = types.StrategyAcceptAll
		return res
	}

	// DETECT: no consent-marked elements at all means no banner.
	if _, class, err := verifyDOM(ctx, m.drv); err == nil && class == classDismissed {
		res.Outcome = types.CookieNotPresent
		return res
	}

	// CLASSIFY: AI fallback on a bounded element context.
	cls, err := m.classifyWithAI(ctx, dom)
	if err != nil {
		res.Outcome = types.CookieBlocked
		res.Reason = "classification unavailable: " + err.Error()
		return res
	}
	if !cls.IsCookieBanner {
		res.Outcome = types.CookieNotPresent
		return res
	}
	res.Strategy = strategyFromClassification(cls.Strategy)

	// RESOLVE + VERIFY: executed plan over primary then fallback selectors.
	if m.executePlan(ctx, cls, res) {
		res.Outcome = types.CookieResolved
		return res
	}

	// Final vision truth check. DOM sometimes lags the dismissal.
	if visible, ok := m.visionCheck(ctx, res); ok && !visible {
		res.Outcome = types.CookieResolved
		res.Reason = "dom lagged; vision confirms banner gone"
		return res
	}
	res.Outcome = types.CookieResolvedWithDelay
	res.Reason = "banner still reported visible after all attempts"
	return res
}

// tryHeuristic walks the prioritized selector plan. True means the banner
// was dismissed.
func (m *Machine) tryHeuristic(ctx context.Context, platform Platform, region Region, res *types.CookieResult) bool {
	for _, sel := range SelectorPlan(platform, region) {
		if m.attempted[sel] {
			continue
		}
		visible, err := m.drv.IsVisible(ctx, sel)
		if err != nil || !visible {
			continue
		}
		if enabled, err := m.drv.IsEnabled(ctx, sel); err != nil || !enabled {
			continue
		}

		m.attempted[sel] = true
		res.SelectorsAttempted = append(res.SelectorsAttempted, sel)
		m.clickSoftThenForce(ctx, sel)
		res.StepsExecuted++
		m.sleep(verifyWait)

		still, err := m.drv.IsVisible(ctx, sel)
		if err == nil && !still {
			// One visual confirmation when available; DOM evidence wins
			// when vision is unavailable.
			if bannerVisible, ok := m.visionCheck(ctx, res); !ok || !bannerVisible {
				return true
			}
		}
	}
	return false
}

// bannerClassification is the AI fallback verdict.
type bannerClassification struct {
	IsCookieBanner    bool     `json:"isCookieBanner"`
	BannerType        string   `json:"bannerType"`
	Strategy          string   `json:"strategy"`
	PrimarySelectors  []string `json:"primarySelectors"`
	FallbackSelectors []string `json:"fallbackSelectors"`
	MaxSteps          int      `json:"maxSteps"`
	Confidence        float64  `json:"confidence"`
}

func strategyFromClassification(s string) types.CookieStrategy {
	switch types.CookieStrategy(s) {
	case types.StrategyRejectAll, types.StrategyPreferencesFlow:
		return types.CookieStrategy(s)
	default:
		return types.StrategyAcceptAll
	}
}

func (m *Machine) classifyWithAI(ctx context.Context, dom string) (*bannerClassification, error) {
	if m.model == nil {
		return nil, fmt.Errorf("no model configured")
	}
	if m.opts.Budget != nil {
		if err := m.opts.Budget.CanMakeLLMCall(); err != nil {
			return nil, err
		}
	}

	elements, _, err := analyzer.ExtractElements(dom, classificationElements)
	if err != nil {
		return nil, err
	}
	listing, _ := json.Marshal(elements)
	prompt, err := tokens.BuildBoundedPrompt(tokens.PromptParts{
		Base: "Decide whether this page shows a cookie consent banner and how to resolve it. Return JSON " +
			`{"isCookieBanner":bool,"bannerType":"...","strategy":"accept_all|reject_all|preferences_flow",` +
			`"primarySelectors":[max 3],"fallbackSelectors":[max 3],"maxSteps":1 or 2,"confidence":0.0}.`,
		Elements: string(listing),
	}, tokens.CallCookieBanner)
	if err != nil {
		return nil, err
	}

	raw, err := m.model.Call(ctx, prompt,
		"You classify cookie consent banners for web automation. Reply with JSON only.",
		tokens.CallCookieBanner)
	if err != nil {
		return nil, err
	}
	if m.opts.Budget != nil {
		m.opts.Budget.RecordLLMCall()
	}

	var cls bannerClassification
	if err := json.Unmarshal([]byte(raw), &cls); err != nil {
		return nil, fmt.Errorf("parse banner classification: %w", err)
	}
	if len(cls.PrimarySelectors) > 3 {
		cls.PrimarySelectors = cls.PrimarySelectors[:3]
	}
	if len(cls.FallbackSelectors) > 3 {
		cls.FallbackSelectors = cls.FallbackSelectors[:3]
	}
	if cls.MaxSteps < 1 {
		cls.MaxSteps = 1
	} else if cls.MaxSteps > maxResolutionAttempts {
		cls.MaxSteps = maxResolutionAttempts
	}
	return &cls, nil
}

// executePlan clicks through the classified selectors. True means
// clearly dismissed.
func (m *Machine) executePlan(ctx context.Context, cls *bannerClassification, res *types.CookieResult) bool {
	candidates := append(append([]string{}, cls.PrimarySelectors...), cls.FallbackSelectors...)
	clicks := 0
	for _, sel := range candidates {
		if clicks >= cls.MaxSteps {
			break
		}
		if m.attempted[sel] || !m.validateCandidate(ctx, sel) {
			continue
		}

		m.attempted[sel] = true
		res.SelectorsAttempted = append(res.SelectorsAttempted, sel)
		m.clickSoftThenForce(ctx, sel)
		clicks++
		res.StepsExecuted++
		m.sleep(time.Duration(planWaitFloor+m.rng.Intn(planWaitSpan)) * time.Millisecond)

		_, class, err := verifyDOM(ctx, m.drv)
		if err != nil {
			class = classAmbiguous
		}
		switch class {
		case classDismissed:
			return true
		case classAmbiguous:
			if bannerVisible, ok := m.visionCheck(ctx, res); ok && !bannerVisible {
				return true
			}
		}
	}
	return false
}

// validateCandidate requires visible + enabled, and a non-zero on-page box
// when one can be measured.
func (m *Machine) validateCandidate(ctx context.Context, sel string) bool {
	visible, err := m.drv.IsVisible(ctx, sel)
	if err != nil || !visible {
		return false
	}
	if enabled, err := m.drv.IsEnabled(ctx, sel); err != nil || !enabled {
		return false
	}
	if box, err := m.drv.BoundingBox(ctx, sel); err == nil {
		if box.Area() <= 0 || box.X+box.Width < 0 || box.Y+box.Height < 0 {
			return false
		}
	}
	return true
}

func (m *Machine) clickSoftThenForce(ctx context.Context, sel string) {
	if err := m.drv.Click(ctx, sel, false); err != nil {
		logging.Get(logging.CategoryCookie).Debugw("soft click failed, forcing", "selector", sel, "err", err)
		if err := m.drv.Click(ctx, sel, true); err != nil {
			logging.Get(logging.CategoryCookie).Warnw("force click failed", "selector", sel, "err", err)
		}
	}
}

// visionCheck screenshots the page and asks the vision model whether a
// banner is visible. ok=false means the check could not run (no model,
// budget denied, capture or parse failure) and the caller should rely on
// DOM evidence. Consent resolution is critical-path, so the budget's
// critical vision allowance applies.
func (m *Machine) visionCheck(ctx context.Context, res *types.CookieResult) (bannerVisible, ok bool) {
	if m.model == nil {
		return false, false
	}
	if m.opts.Budget != nil {
		if err := m.opts.Budget.CanMakeVisionCall(true); err != nil {
			return false, false
		}
	}
	if res.VisionChecks >= maxVisionPerClick+1 {
		// Hard per-page ceiling: one per click round plus the final truth
		// check never exceeds two.
		return false, false
	}

	png, err := m.drv.Screenshot(ctx)
	if err != nil || len(png) == 0 {
		return false, false
	}
	visible, err := visionBannerVisible(ctx, m.model, png)
	if err != nil {
		logging.Get(logging.CategoryCookie).Warnw("vision banner check failed", "err", err)
		return false, false
	}
	res.VisionChecks++
	if m.opts.Budget != nil {
		m.opts.Budget.RecordVisionCall()
	}
	return visible, true
}

// logFailure records non-resolution for offline selector-table tuning.
// Hostname only, never the full URL.
func (m *Machine) logFailure(ctx context.Context, rawURL string, platform Platform, region Region, res *types.CookieResult) {
	if m.opts.Store == nil {
		return
	}
	host := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		host = u.Hostname()
	}
	samples := res.SelectorsAttempted
	if v, _, err := verifyDOM(ctx, m.drv); err == nil && len(v.Samples) > 0 {
		samples = append(append([]string{}, samples...), v.Samples...)
	}
	if len(samples) > 5 {
		samples = samples[:5]
	}
	err := m.opts.Store.LogCookieFailure(ctx, learned.CookieFailure{
		Hostname:  host,
		Region:    string(region),
		Platform:  string(platform),
		Selectors: samples,
	})
	if err != nil {
		logging.Get(logging.CategoryCookie).Warnw("cookie failure logging failed", "err", err)
	}
}
