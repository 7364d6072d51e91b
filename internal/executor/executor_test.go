package executor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"uirunner/internal/browser"
	"uirunner/internal/config"
	"uirunner/internal/status"
	"uirunner/internal/types"
)

func newTestExecutor(f *browser.Fake, opts Options) (*Executor, *status.Registry) {
	reg := status.NewRegistry()
	reg.AdvancePreflight("run-1", status.Completed)
	opts.RunID = "run-1"
	opts.Limits = config.DefaultLimitsConfig()
	e := New(f, reg, opts)
	e.sleep = func(time.Duration) {}
	return e, reg
}

func TestSelfHealWithAlternativeSelector(t *testing.T) {
	f := browser.NewFake()
	f.SetVisible(`button:has-text("Buy now")`, true) // the real button

	e, _ := newTestExecutor(f, Options{
		IRLEnabled: true,
		FindAlternatives: func(_ context.Context, failed, _ string, _ error, _ string) ([]types.AlternativeSelector, error) {
			if failed != "button#buy" {
				t.Errorf("failed selector = %s", failed)
			}
			return []types.AlternativeSelector{
				{Selector: `button:has-text("Buy now")`, Strategy: "text", Confidence: 0.9},
				{Selector: `[role="button"]`, Strategy: "role", Confidence: 0.75},
			}, nil
		},
	})

	res := e.ExecuteAction(context.Background(),
		types.Action{Kind: types.ActionClick, Selector: "button#buy"},
		types.ContextDefault, nil)

	if !res.Success {
		t.Fatalf("heal failed: %v", res.FinalError)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if res.Healing == nil || res.Healing.Kind != "alternative_selector" {
		t.Fatalf("healing = %+v", res.Healing)
	}
	if res.Healing.HealedSelector != `button:has-text("Buy now")` || res.Healing.Strategy != "text" {
		t.Errorf("healing = %+v", res.Healing)
	}
	if res.AlternativeAction == nil || res.AlternativeAction.Selector != `button:has-text("Buy now")` {
		t.Errorf("alternative action = %+v", res.AlternativeAction)
	}
}

func TestVisionRepairPreferred(t *testing.T) {
	f := browser.NewFake()
	f.SetVisible("#real-submit", true)
	vc := &types.VisionContext{
		VisionValidated: true,
		Elements: []types.InteractiveElement{
			{Selector: "#real-submit", Text: "Submit order", VisionValidated: true, VisionVisible: true},
		},
	}
	altsCalled := false
	e, _ := newTestExecutor(f, Options{
		IRLEnabled: true,
		FindAlternatives: func(context.Context, string, string, error, string) ([]types.AlternativeSelector, error) {
			altsCalled = true
			return nil, nil
		},
	})

	res := e.ExecuteAction(context.Background(),
		types.Action{Kind: types.ActionClick, Selector: "#submit", Description: "click the submit order button"},
		types.ContextDefault, vc)

	if !res.Success || res.Healing == nil || res.Healing.Kind != "vision_match" {
		t.Fatalf("res = %+v healing = %+v", res, res.Healing)
	}
	if altsCalled {
		t.Error("alternative lookup ran although vision repair matched")
	}
}

func TestRetryExhaustionPropagatesError(t *testing.T) {
	f := browser.NewFake() // selector never exists
	e, _ := newTestExecutor(f, Options{IRLEnabled: true})
	res := e.ExecuteAction(context.Background(),
		types.Action{Kind: types.ActionClick, Selector: "#ghost"},
		types.ContextDefault, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.FinalError == nil || !strings.Contains(res.FinalError.Error(), "#ghost") {
		t.Errorf("final error = %v", res.FinalError)
	}
	if res.Healing != nil {
		t.Error("failed action must not report healing")
	}
}

func TestNonRetryableRunsOnce(t *testing.T) {
	f := browser.NewFake()
	e, _ := newTestExecutor(f, Options{IRLEnabled: true})
	res := e.ExecuteAction(context.Background(),
		types.Action{Kind: types.ActionScroll},
		types.ContextDefault, nil)
	if !res.Success || res.Attempts != 1 {
		t.Errorf("res = %+v", res)
	}
}

func TestCookieConsentContextBypassesIRL(t *testing.T) {
	f := browser.NewFake()
	calls := 0
	f.ClickHook = func(string, bool) error {
		calls++
		return errors.New("boom")
	}
	e, _ := newTestExecutor(f, Options{IRLEnabled: true})
	res := e.ExecuteAction(context.Background(),
		types.Action{Kind: types.ActionClick, Selector: "#x"},
		types.ContextCookieConsent, nil)
	if res.Success {
		t.Fatal("expected failure")
	}
	if calls != 1 {
		t.Errorf("driver hit %d times, want 1 (no retry in consent context)", calls)
	}
}

func TestIRLForbiddenDuringPreflight(t *testing.T) {
	f := browser.NewFake()
	reg := status.NewRegistry()
	reg.AdvancePreflight("run-1", status.InProgress)
	e := New(f, reg, Options{RunID: "run-1", Limits: config.DefaultLimitsConfig(), IRLEnabled: true})

	res := e.ExecuteAction(context.Background(),
		types.Action{Kind: types.ActionClick, Selector: "#x"},
		types.ContextDefault, nil)
	var iv *status.InvariantViolation
	if !errors.As(res.FinalError, &iv) {
		t.Fatalf("err = %v, want InvariantViolation", res.FinalError)
	}
}

func TestCaptureStateGatedOnPreflight(t *testing.T) {
	f := browser.NewFake()
	f.DOM = "<html></html>"
	reg := status.NewRegistry()
	e := New(f, reg, Options{RunID: "run-1", Limits: config.DefaultLimitsConfig()})

	if _, _, err := e.CaptureState(context.Background()); err == nil {
		t.Fatal("capture before preflight must fail")
	}
	reg.AdvancePreflight("run-1", status.Completed)
	png, dom, err := e.CaptureState(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(png) == 0 || dom != "<html></html>" {
		t.Errorf("png=%d dom=%q", len(png), dom)
	}
}

func TestAssertPredicates(t *testing.T) {
	f := browser.NewFake()
	f.SetVisible("#msg", true)
	f.Texts["#msg"] = "Welcome back, Jo"
	e, _ := newTestExecutor(f, Options{})
	ctx := context.Background()

	ok := e.ExecuteAction(ctx, types.Action{Kind: types.ActionAssert, Selector: "#msg", Predicate: "text", Value: "welcome"}, types.ContextDefault, nil)
	if !ok.Success {
		t.Errorf("text assert failed: %v", ok.FinalError)
	}
	bad := e.ExecuteAction(ctx, types.Action{Kind: types.ActionAssert, Selector: "#msg", Predicate: "text", Value: "goodbye"}, types.ContextDefault, nil)
	if bad.Success {
		t.Error("mismatched text assert passed")
	}
	vis := e.ExecuteAction(ctx, types.Action{Kind: types.ActionAssert, Selector: "#gone", Predicate: "visible"}, types.ContextDefault, nil)
	if vis.Success {
		t.Error("visibility assert on missing element passed")
	}
}

func TestRecoveryLadder(t *testing.T) {
	f := browser.NewFake()
	e, _ := newTestExecutor(f, Options{})
	ctx := context.Background()

	e.RecoverFromErrors(ctx, 2, "https://example.com", 5)
	e.RecoverFromErrors(ctx, 3, "https://example.com", 5)
	e.RecoverFromErrors(ctx, 5, "https://example.com", 5)
	e.RecoverFromErrors(ctx, 6, "https://example.com", 0)

	// One recovery per escalation level; the scroll-to-top rung must not
	// also navigate away and undo itself.
	ops := f.OpLog()
	want := []string{"wait-load", "scroll 600", "navigate https://example.com", "scroll-top"}
	if len(ops) != len(want) {
		t.Fatalf("ops = %v", ops)
	}
	for i := range want {
		if ops[i] != want[i] {
			t.Errorf("op %d = %s, want %s", i, ops[i], want[i])
		}
	}
	// Never any overlay interaction.
	for _, op := range ops {
		if strings.HasPrefix(op, "click") || strings.HasPrefix(op, "press") {
			t.Errorf("recovery touched overlays: %s", op)
		}
	}
}

func TestDismissOverlaysRefusesAfterPreflight(t *testing.T) {
	f := browser.NewFake()
	e, _ := newTestExecutor(f, Options{}) // preflight completed
	if err := e.DismissOverlays(context.Background()); err == nil {
		t.Fatal("overlay dismissal after preflight must be refused")
	}
	if len(f.OpLog()) != 0 {
		t.Error("dismissal touched the page")
	}
}

func TestCaptureElementBoundsDesktopOnly(t *testing.T) {
	f := browser.NewFake()
	f.Boxes["#a"] = types.Rect{X: 1, Y: 2, Width: 30, Height: 10}
	f.Boxes["#b"] = types.Rect{X: 5, Y: 50, Width: 60, Height: 20}
	vc := &types.VisionContext{Elements: []types.InteractiveElement{
		{Selector: "#a"}, {Selector: "#b"}, {Selector: "#no-box"},
	}}
	e, _ := newTestExecutor(f, Options{})
	ctx := context.Background()

	if got := e.CaptureElementBounds(ctx, vc, true, nil, nil); got != nil {
		t.Error("mobile capture must return nil")
	}
	action := &types.Action{Kind: types.ActionClick, Selector: "#a"}
	bounds := e.CaptureElementBounds(ctx, vc, false, action, nil)
	if len(bounds) != 2 {
		t.Fatalf("bounds = %+v", bounds)
	}
	if bounds[0].Selector != "#a" || bounds[0].Status != "clicked" {
		t.Errorf("target bound = %+v", bounds[0])
	}
	if bounds[1].Status != "" {
		t.Errorf("passive bound carries status: %+v", bounds[1])
	}
}
