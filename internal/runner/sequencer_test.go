package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"

	"go.uber.org/goleak"

	"uirunner/internal/browser"
	"uirunner/internal/budget"
	"uirunner/internal/config"
	"uirunner/internal/events"
	"uirunner/internal/learned"
	"uirunner/internal/model"
	"uirunner/internal/planner"
	"uirunner/internal/status"
	"uirunner/internal/tokens"
	"uirunner/internal/types"
)

type fakeOpener struct {
	mu     sync.Mutex
	drv    func() browser.Driver
	err    error
	opened int
}

func (f *fakeOpener) OpenSession(_ context.Context, _ *types.RunDescriptor) (browser.Driver, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.opened++
	return f.drv(), nil
}

// taskCaller scripts model replies per call type.
type taskCaller struct {
	mu      sync.Mutex
	replies map[tokens.CallType][]string
	calls   int
}

func (m *taskCaller) Call(_ context.Context, _, _ string, task tokens.CallType) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	queue := m.replies[task]
	if len(queue) == 0 {
		return "", fmt.Errorf("no reply scripted for %s", task)
	}
	reply := queue[0]
	if len(queue) > 1 {
		m.replies[task] = queue[1:]
	}
	return reply, nil
}

func (m *taskCaller) CallWithVision(context.Context, []byte, string, string) (string, error) {
	return "", errors.New("vision not scripted")
}

func (m *taskCaller) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newDeps(opener SessionOpener, caller model.Caller) (Deps, *events.MemorySink) {
	sink := &events.MemorySink{}
	return Deps{
		Sessions: opener,
		Model:    caller,
		Planner:  planner.New(caller, nil),
		Budgets:  budget.NewManager(),
		Registry: status.NewRegistry(),
		Steps:    NewMemoryStepStore(),
		Sink:     sink,
		Cfg:      config.Default(),
	}, sink
}

func descriptor(runID string, mode types.TestMode) *types.RunDescriptor {
	return &types.RunDescriptor{
		RunID:   runID,
		URLs:    []string{"https://example.com/"},
		Mode:    mode,
		Browser: types.BrowserChromium,
		Tier:    types.TierGuest,
	}
}

func interactivePage() browser.Driver {
	f := browser.NewFake()
	f.DOM = `<html><body><button id="b1">Go</button></body></html>`
	f.SetVisible("#b1", true)
	f.Boxes["#b1"] = types.Rect{X: 10, Y: 20, Width: 120, Height: 40}
	return f
}

func TestRunCompletesOnCompleteAction(t *testing.T) {
	caller := &taskCaller{replies: map[tokens.CallType][]string{
		tokens.CallAction: {
			`{"action":"click","selector":"#b1"}`,
			`{"action":"complete"}`,
		},
	}}
	opener := &fakeOpener{drv: interactivePage}
	deps, sink := newDeps(opener, caller)
	seq := New(deps)

	sum := seq.Run(context.Background(), descriptor("run-1", types.ModeGuest))
	if sum.Outcome != types.OutcomeCompleted {
		t.Fatalf("outcome = %s (%s)", sum.Outcome, sum.Error)
	}
	if sum.Steps != 2 || sum.Succeeded != 2 || sum.Failed != 0 {
		t.Errorf("summary = %+v", sum)
	}

	steps := deps.Steps.Steps("run-1")
	if len(steps) != 2 {
		t.Fatalf("persisted steps = %d", len(steps))
	}
	for i, rec := range steps {
		if rec.Order != i+1 {
			t.Errorf("step %d has order %d", i, rec.Order)
		}
	}
	if steps[0].Action.Kind != types.ActionClick || steps[1].Action.Kind != types.ActionComplete {
		t.Errorf("actions = %s, %s", steps[0].Action.Kind, steps[1].Action.Kind)
	}
	// Every persisted step carries its capture references and, on desktop,
	// the measured element bounds with the target marked.
	for i, rec := range steps {
		if rec.ScreenshotRef == "" || rec.DOMRef == "" {
			t.Errorf("step %d missing capture refs: %+v", i, rec)
		}
	}
	if len(steps[0].Bounds) != 1 {
		t.Fatalf("click step bounds = %+v", steps[0].Bounds)
	}
	if steps[0].Bounds[0].Selector != "#b1" || steps[0].Bounds[0].Status != "clicked" {
		t.Errorf("bounds = %+v", steps[0].Bounds[0])
	}

	evs := sink.Events()
	var states []string
	for _, ev := range evs {
		states = append(states, ev.State)
	}
	wantPrefix := []string{"CREATED", "NAVIGATING", "PREFLIGHT"}
	for i, w := range wantPrefix {
		if states[i] != w {
			t.Errorf("event %d = %s, want %s", i, states[i], w)
		}
	}
	if states[len(states)-1] != "FINALIZING" {
		t.Errorf("last event = %s", states[len(states)-1])
	}
}

func TestBudgetExhaustionStopsGracefully(t *testing.T) {
	caller := &taskCaller{replies: map[tokens.CallType][]string{}}
	opener := &fakeOpener{drv: interactivePage}
	deps, _ := newDeps(opener, caller)

	desc := descriptor("run-1", types.ModeGuest)
	desc.ParentRunID = "parent-1"
	bud := deps.Budgets.GetOrCreate("parent-1", types.TierGuest, nil)
	for i := 0; i < 10; i++ {
		bud.RecordLLMCall()
	}
	if bud.State() != budget.StateExhausted {
		t.Fatalf("budget state = %s", bud.State())
	}

	sum := New(deps).Run(context.Background(), desc)
	if sum.Outcome != types.OutcomeCompletedWithLimits {
		t.Fatalf("outcome = %s (%s)", sum.Outcome, sum.Error)
	}
	if caller.count() != 0 {
		t.Errorf("model called %d times after exhaustion", caller.count())
	}
}

func TestMonkeyModeNeedsNoModel(t *testing.T) {
	caller := &taskCaller{replies: map[tokens.CallType][]string{}}
	opener := &fakeOpener{drv: interactivePage}
	deps, _ := newDeps(opener, caller)

	sum := New(deps).Run(context.Background(), descriptor("run-1", types.ModeMonkey))
	if sum.Outcome != types.OutcomeCompleted {
		t.Fatalf("outcome = %s (%s)", sum.Outcome, sum.Error)
	}
	if sum.Steps != 50 {
		t.Errorf("steps = %d, want the full monkey cap", sum.Steps)
	}
	if caller.count() != 0 {
		t.Errorf("monkey mode consulted the model %d times", caller.count())
	}
}

func TestSessionFailureIsRecoverable(t *testing.T) {
	opener := &fakeOpener{err: errors.New("browser did not start")}
	deps, _ := newDeps(opener, &taskCaller{})
	sum := New(deps).Run(context.Background(), descriptor("run-1", types.ModeGuest))
	if sum.Outcome != types.OutcomeFailedRecoverable {
		t.Errorf("outcome = %s", sum.Outcome)
	}
	if sum.Error == "" {
		t.Error("summary missing the error")
	}
}

func TestUnknownModeFailsUnrecoverable(t *testing.T) {
	deps, _ := newDeps(&fakeOpener{drv: interactivePage}, &taskCaller{})
	sum := New(deps).Run(context.Background(), descriptor("run-1", types.TestMode("bogus")))
	if sum.Outcome != types.OutcomeFailedUnrecoverable {
		t.Errorf("outcome = %s", sum.Outcome)
	}
}

func TestCanceledRunIsAbandoned(t *testing.T) {
	caller := &taskCaller{replies: map[tokens.CallType][]string{
		tokens.CallAction: {`{"action":"click","selector":"#b1"}`},
	}}
	deps, _ := newDeps(&fakeOpener{drv: interactivePage}, caller)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum := New(deps).Run(ctx, descriptor("run-1", types.ModeGuest))
	// Cancellation before the first suspension point surfaces either as
	// abandoned or as a recoverable navigation failure, never as success.
	if sum.Outcome == types.OutcomeCompleted {
		t.Errorf("canceled run completed: %+v", sum)
	}
}

func TestSettleOutcome(t *testing.T) {
	seq := New(Deps{})
	if got := seq.settleOutcome(&types.RunSummary{Succeeded: 3, Failed: 1}); got != types.OutcomeCompleted {
		t.Errorf("mixed run = %s", got)
	}
	if got := seq.settleOutcome(&types.RunSummary{Failed: 4}); got != types.OutcomeFailedRecoverable {
		t.Errorf("all-failed run = %s", got)
	}
	if got := seq.settleOutcome(&types.RunSummary{}); got != types.OutcomeCompleted {
		t.Errorf("empty run = %s", got)
	}
}

// rateLimitedCaller answers every call with provider throttling.
type rateLimitedCaller struct{}

func (rateLimitedCaller) Call(context.Context, string, string, tokens.CallType) (string, error) {
	return "", &model.APIError{StatusCode: http.StatusTooManyRequests}
}

func (rateLimitedCaller) CallWithVision(context.Context, []byte, string, string) (string, error) {
	return "", &model.APIError{StatusCode: http.StatusTooManyRequests}
}

func TestProviderThrottlingDegradesBudget(t *testing.T) {
	deps, _ := newDeps(&fakeOpener{drv: interactivePage}, rateLimitedCaller{})
	desc := descriptor("run-1", types.ModeGuest)
	desc.ParentRunID = "parent-1"

	sum := New(deps).Run(context.Background(), desc)
	if sum.Outcome != types.OutcomeFailedRecoverable {
		t.Fatalf("outcome = %s (%s)", sum.Outcome, sum.Error)
	}
	bud := deps.Budgets.GetOrCreate("parent-1", types.TierGuest, nil)
	if bud.State() != budget.StateDegraded {
		t.Errorf("budget state after repeated 429s = %s, want %s", bud.State(), budget.StateDegraded)
	}
}

func TestFailedRunCarriesExplanation(t *testing.T) {
	caller := &taskCaller{replies: map[tokens.CallType][]string{
		tokens.CallPlanning: {
			`{"primary_goal":"press the buy button","steps":[{"action":"click","selector":"#missing"}]}`,
		},
	}}
	deps, sink := newDeps(&fakeOpener{drv: interactivePage}, caller)
	desc := descriptor("run-1", types.ModeGuest)
	desc.Instructions = "press the buy button"

	sum := New(deps).Run(context.Background(), desc)
	if sum.Outcome != types.OutcomeFailedRecoverable {
		t.Fatalf("outcome = %s (%s)", sum.Outcome, sum.Error)
	}
	if sum.Failure == nil || sum.Failure.RootCause == "" || sum.Failure.Suggestion == "" {
		t.Fatalf("failure explanation = %+v", sum.Failure)
	}
	found := false
	for _, state := range sink.States() {
		if state == "FAILURE_EXPLAINED" {
			found = true
		}
	}
	if !found {
		t.Error("no FAILURE_EXPLAINED event emitted")
	}
}

func TestHealedStepPersistsLearnedAction(t *testing.T) {
	store, err := learned.Open(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	caller := &taskCaller{replies: map[tokens.CallType][]string{
		tokens.CallAction: {
			`{"action":"click","selector":"#missing"}`,
			`{"action":"complete"}`,
		},
		tokens.CallHealing: {
			`{"alternatives":[{"selector":"#b1","strategy":"text","confidence":0.9}]}`,
		},
	}}
	deps, _ := newDeps(&fakeOpener{drv: interactivePage}, caller)
	deps.Learned = store
	deps.Planner = planner.New(caller, store)

	sum := New(deps).Run(context.Background(), descriptor("run-1", types.ModeGuest))
	if sum.Outcome != types.OutcomeCompleted {
		t.Fatalf("outcome = %s (%s)", sum.Outcome, sum.Error)
	}
	if sum.Healed != 1 {
		t.Errorf("healed = %d, want 1", sum.Healed)
	}

	ctx := context.Background()
	url := "https://example.com/"
	healed, err := store.Lookup(ctx, url, "#b1")
	if err != nil {
		t.Fatal(err)
	}
	if healed == nil || healed.Successes != 1 {
		t.Fatalf("healed selector not persisted: %+v", healed)
	}
	broken, err := store.Lookup(ctx, url, "#missing")
	if err != nil {
		t.Fatal(err)
	}
	if broken == nil || broken.Failures != 1 {
		t.Fatalf("broken selector not penalized: %+v", broken)
	}
}

func TestParallelRunsShareParentBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	caller := &taskCaller{replies: map[tokens.CallType][]string{
		tokens.CallAction: {`{"action":"complete"}`}, // repeated for every call
	}}
	deps, _ := newDeps(&fakeOpener{drv: interactivePage}, caller)
	seq := New(deps)

	var wg sync.WaitGroup
	outcomes := make([]types.RunOutcome, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			desc := descriptor(fmt.Sprintf("run-%d", i), types.ModeGuest)
			desc.ParentRunID = "parent-1"
			outcomes[i] = seq.Run(context.Background(), desc).Outcome
		}(i)
	}
	wg.Wait()

	for i, o := range outcomes {
		if o != types.OutcomeCompleted {
			t.Errorf("run %d outcome = %s", i, o)
		}
	}
	llm, _ := deps.Budgets.GetOrCreate("parent-1", types.TierGuest, nil).Usage()
	if llm != 2 {
		t.Errorf("shared parent budget counted %d llm calls, want 2", llm)
	}
}
