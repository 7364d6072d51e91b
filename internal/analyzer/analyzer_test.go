package analyzer

import (
	"context"
	"strings"
	"testing"

	"uirunner/internal/budget"
	"uirunner/internal/config"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

// mockCaller implements model.Caller with scriptable replies.
type mockCaller struct {
	callFunc   func(prompt, system string, task tokens.CallType) (string, error)
	visionFunc func(png []byte, prompt, system string) (string, error)
	calls      int
	visions    int
}

func (m *mockCaller) Call(_ context.Context, prompt, system string, task tokens.CallType) (string, error) {
	m.calls++
	if m.callFunc != nil {
		return m.callFunc(prompt, system, task)
	}
	return "{}", nil
}

func (m *mockCaller) CallWithVision(_ context.Context, png []byte, prompt, system string) (string, error) {
	m.visions++
	if m.visionFunc != nil {
		return m.visionFunc(png, prompt, system)
	}
	return "{}", nil
}

func TestExtractElementsSelectorPriority(t *testing.T) {
	dom := `<html><body>
		<button id="save">Save</button>
		<button data-testid="submit-btn">Submit</button>
		<a href="/pricing">Pricing</a>
		<input name="email" type="email">
		<input type="password">
		<button aria-label="close dialog"></button>
		<textarea placeholder="Your message"></textarea>
		<button>Click me</button>
	</body></html>`

	els, total, err := ExtractElements(dom, 0)
	if err != nil {
		t.Fatal(err)
	}
	if total != 8 {
		t.Fatalf("total = %d, want 8", total)
	}
	want := map[int]string{
		0: "#save",
		1: `button[data-testid="submit-btn"]`,
		2: `a[href="/pricing"]`,
		3: `input[name="email"]`,
		4: `input[type="password"]`,
		5: `button[aria-label="close dialog"]`,
		6: `textarea[placeholder="Your message"]`,
		7: `button:has-text("Click me")`,
	}
	for i, sel := range want {
		if els[i].Selector != sel {
			t.Errorf("element %d selector = %q, want %q", i, els[i].Selector, sel)
		}
	}
}

func TestExtractElementsHiddenAndRequired(t *testing.T) {
	dom := `<form>
		<input type="hidden" name="csrf">
		<input type="text" name="user" required>
	</form>`
	els, _, err := ExtractElements(dom, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !els[0].IsHidden {
		t.Error("hidden input not flagged")
	}
	if !els[1].IsRequired {
		t.Error("required input not flagged")
	}
}

func TestExtractElementsCap(t *testing.T) {
	var b strings.Builder
	b.WriteString("<body>")
	for i := 0; i < 50; i++ {
		b.WriteString("<button>x</button>")
	}
	b.WriteString("</body>")
	els, total, err := ExtractElements(b.String(), 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(els) != 20 || total != 50 {
		t.Errorf("len=%d total=%d, want 20/50", len(els), total)
	}
}

func TestAccessibilitySummary(t *testing.T) {
	els := []types.InteractiveElement{
		{Selector: "#a", Text: "ok"},
		{Selector: "#b"},                // missing label
		{Selector: "#c", IsHidden: true}, // hidden
		{Selector: "#d", AriaLabel: "fine"},
	}
	issues := BuildAccessibilitySummary(els, 10)
	if len(issues) != 2 {
		t.Fatalf("issues = %d, want 2", len(issues))
	}
	if issues[0].Type != "missing_label" || issues[1].Type != "hidden_interactive" {
		t.Errorf("issue types = %s, %s", issues[0].Type, issues[1].Type)
	}
}

func TestAnalyzeWithoutVision(t *testing.T) {
	m := &mockCaller{}
	a := New(m, config.DefaultLimitsConfig(), false)
	vc, err := a.Analyze(context.Background(), `<button id="go">Go</button>`, []byte("png"), "goal", nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.visions != 0 {
		t.Error("vision called with validation disabled")
	}
	if vc.VisionValidated {
		t.Error("context marked vision-validated")
	}
	if len(vc.Elements) != 1 {
		t.Errorf("elements = %d", len(vc.Elements))
	}
}

func TestAnalyzeVisionFiltersToVisible(t *testing.T) {
	m := &mockCaller{
		visionFunc: func(_ []byte, _, _ string) (string, error) {
			return `{"elements":[{"index":0,"visible":true,"interactable":true},{"index":1,"visible":false}],"page_state":{"has_overlay":false,"loaded":true}}`, nil
		},
	}
	a := New(m, config.DefaultLimitsConfig(), true)
	dom := `<button id="a">A</button><button id="b">B</button>`
	vc, err := a.Analyze(context.Background(), dom, []byte("png"), "", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !vc.VisionValidated {
		t.Fatal("context not vision-validated")
	}
	if len(vc.Elements) != 1 || vc.Elements[0].Selector != "#a" {
		t.Errorf("filtered elements = %+v", vc.Elements)
	}
	if vc.PageState == nil || !vc.PageState.Loaded {
		t.Errorf("page state = %+v", vc.PageState)
	}
}

func TestAnalyzeVisionRespectsBudget(t *testing.T) {
	m := &mockCaller{}
	a := New(m, config.DefaultLimitsConfig(), true)
	bm := budget.NewManager()
	bud := bm.GetOrCreate("p", types.TierGuest, nil) // 1 vision call
	bud.RecordVisionCall()                           // spend it

	_, err := a.Analyze(context.Background(), `<button id="x">X</button>`, []byte("png"), "", bud)
	if err != nil {
		t.Fatal(err)
	}
	if m.visions != 0 {
		t.Error("vision called past the budget cap")
	}
}

func TestTestabilityFallbackOnBadJSON(t *testing.T) {
	m := &mockCaller{
		callFunc: func(_, _ string, _ tokens.CallType) (string, error) {
			return "definitely not json", nil
		},
	}
	a := New(m, config.DefaultLimitsConfig(), false)
	vc := &types.VisionContext{
		Elements:   []types.InteractiveElement{{Selector: "#x"}},
		TotalFound: 1,
	}
	report, err := a.AnalyzeTestability(context.Background(), vc, "https://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.What == "" || report.Result == "" {
		t.Errorf("fallback report incomplete: %+v", report)
	}
	if m.calls != 2 {
		t.Errorf("model calls = %d, want 2 (one re-ask)", m.calls)
	}
}

func TestTestabilityParsesModelReply(t *testing.T) {
	m := &mockCaller{
		callFunc: func(_, _ string, _ tokens.CallType) (string, error) {
			return "```json\n{\"what\":\"W\",\"how\":\"H\",\"why\":\"Y\",\"result\":\"R\",\"testable_components\":[\"#login\"]}\n```", nil
		},
	}
	a := New(m, config.DefaultLimitsConfig(), false)
	vc := &types.VisionContext{}
	report, err := a.AnalyzeTestability(context.Background(), vc, "https://example.com", nil)
	if err != nil {
		t.Fatal(err)
	}
	if report.What != "W" || len(report.TestableComponents) != 1 {
		t.Errorf("report = %+v", report)
	}
}

func TestExplainFailureFallback(t *testing.T) {
	m := &mockCaller{
		callFunc: func(_, _ string, _ tokens.CallType) (string, error) {
			return "", context.DeadlineExceeded
		},
	}
	a := New(m, config.DefaultLimitsConfig(), false)
	exp := a.ExplainFailure(context.Background(), context.DeadlineExceeded, nil, nil)
	if exp.RootCause == "" || exp.Suggestion == "" {
		t.Errorf("fallback explanation incomplete: %+v", exp)
	}
}
