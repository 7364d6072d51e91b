package planner

import (
	"context"
	"errors"
	"strings"
	"testing"

	"uirunner/internal/learned"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

type mockCaller struct {
	reply string
	err   error
	calls int
	last  string
}

func (m *mockCaller) Call(_ context.Context, prompt, _ string, _ tokens.CallType) (string, error) {
	m.calls++
	m.last = prompt
	return m.reply, m.err
}

func (m *mockCaller) CallWithVision(context.Context, []byte, string, string) (string, error) {
	return "", errors.New("not used")
}

func pageContext(selectors ...string) *types.VisionContext {
	vc := &types.VisionContext{}
	for _, s := range selectors {
		vc.Elements = append(vc.Elements, types.InteractiveElement{Selector: s, Type: "button", Text: "x"})
	}
	vc.TotalFound = len(vc.Elements)
	return vc
}

func TestGenerateActionFromModel(t *testing.T) {
	m := &mockCaller{reply: `{"action":"click","selector":"#login","confidence":0.9}`}
	p := New(m, nil)
	a, err := p.GenerateAction(context.Background(), pageContext("#login"), nil, "log in", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Kind != types.ActionClick || a.Selector != "#login" {
		t.Errorf("action = %+v", a)
	}
}

func TestGenerateActionRejectsInvalidPlan(t *testing.T) {
	m := &mockCaller{reply: `{"action":"click"}`} // click without selector
	p := New(m, nil)
	if _, err := p.GenerateAction(context.Background(), pageContext("#x"), nil, "", nil, nil); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestGenerateActionReplaysLearned(t *testing.T) {
	store, err := learned.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	url := "https://example.com/login"
	act := types.Action{Kind: types.ActionClick, Selector: "#submit"}
	for i := 0; i < 4; i++ {
		if err := store.Record(ctx, url, act, true); err != nil {
			t.Fatal(err)
		}
	}

	m := &mockCaller{reply: `{"action":"complete"}`}
	p := New(m, store)
	track := &Tracking{ProjectID: "proj-1", URL: url}
	a, err := p.GenerateAction(ctx, pageContext("#submit"), nil, "", track, nil)
	if err != nil {
		t.Fatal(err)
	}
	if a.Selector != "#submit" || a.Kind != types.ActionClick {
		t.Errorf("action = %+v", a)
	}
	if m.calls != 0 {
		t.Errorf("model called %d times despite reliable learned action", m.calls)
	}
}

func TestGenerateActionSkipsUnreliableLearned(t *testing.T) {
	store, err := learned.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	ctx := context.Background()
	url := "https://example.com/login"
	act := types.Action{Kind: types.ActionClick, Selector: "#submit"}
	store.Record(ctx, url, act, true)
	store.Record(ctx, url, act, false) // 0.5 reliability

	m := &mockCaller{reply: `{"action":"click","selector":"#submit"}`}
	p := New(m, store)
	track := &Tracking{ProjectID: "proj-1", URL: url}
	if _, err := p.GenerateAction(ctx, pageContext("#submit"), nil, "", track, nil); err != nil {
		t.Fatal(err)
	}
	if m.calls != 1 {
		t.Errorf("model calls = %d, want 1", m.calls)
	}
}

func TestGenerateActionPromptCarriesTracking(t *testing.T) {
	m := &mockCaller{reply: `{"action":"complete"}`}
	p := New(m, nil)
	track := &Tracking{
		VisitedURLs:   []string{"https://example.com"},
		UsedSelectors: []string{"#old"},
		BrowserQuirks: "webkit needs force clicks",
	}
	if _, err := p.GenerateAction(context.Background(), pageContext("#a"), []string{"clicked #old"}, "", track, nil); err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"#old", "webkit needs force clicks", "https://example.com"} {
		if !strings.Contains(m.last, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestParseTestInstructions(t *testing.T) {
	m := &mockCaller{reply: `{"primary_goal":"test login","specific_actions":["fill form"],"priority":"high","steps":[{"action":"type","selector":"#email","value":"a@b.c"}]}`}
	p := New(m, nil)
	plan, err := p.ParseTestInstructions(context.Background(), "log in with a@b.c", "https://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if plan.PrimaryGoal != "test login" || plan.Priority != "high" || len(plan.Steps) != 1 {
		t.Errorf("plan = %+v", plan)
	}
}

func TestParseTestInstructionsEmpty(t *testing.T) {
	p := New(&mockCaller{}, nil)
	if _, err := p.ParseTestInstructions(context.Background(), "  ", "", nil); err == nil {
		t.Fatal("expected error on empty instructions")
	}
}

func TestFindAlternativeSelectorsOrderedAndFiltered(t *testing.T) {
	m := &mockCaller{reply: `{"alternatives":[
		{"selector":".buy","strategy":"attribute","confidence":0.6},
		{"selector":"button:has-text(\"Buy now\")","strategy":"text","confidence":0.9},
		{"selector":"#buy","strategy":"text","confidence":0.95},
		{"selector":".x","strategy":"magic","confidence":0.99}
	]}`}
	p := New(m, nil)
	alts, err := p.FindAlternativeSelectors(context.Background(), "#buy", "<html></html>", errors.New("not found"), "Buy now", nil)
	if err != nil {
		t.Fatal(err)
	}
	// The failed selector and the unknown strategy are dropped.
	if len(alts) != 2 {
		t.Fatalf("alternatives = %+v", alts)
	}
	if alts[0].Confidence < alts[1].Confidence {
		t.Error("alternatives not sorted by confidence")
	}
	if alts[0].Strategy != "text" {
		t.Errorf("top strategy = %s", alts[0].Strategy)
	}
}
