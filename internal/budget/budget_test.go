package budget

import (
	"errors"
	"testing"

	"uirunner/internal/types"
)

func TestTierCaps(t *testing.T) {
	cases := []struct {
		tier       types.UserTier
		llm, vision int
	}{
		{types.TierGuest, 10, 1},
		{types.TierStarter, 15, 2},
		{types.TierIndie, 20, 3},
		{types.TierPro, 30, 5},
		{types.TierAgency, 30, 5},
	}
	for _, tc := range cases {
		m := NewManager()
		b := m.GetOrCreate("p", tc.tier, nil)
		s := b.Snapshot()
		if s.MaxLLMCalls != tc.llm || s.MaxVisionCalls != tc.vision {
			t.Errorf("%s: caps = %d/%d, want %d/%d", tc.tier, s.MaxLLMCalls, s.MaxVisionCalls, tc.llm, tc.vision)
		}
	}
}

func TestGetOrCreateIsShared(t *testing.T) {
	m := NewManager()
	a := m.GetOrCreate("parent", types.TierGuest, nil)
	b := m.GetOrCreate("parent", types.TierPro, nil) // tier of later calls ignored
	if a != b {
		t.Fatal("same parent run must share one budget")
	}
}

func TestGuestEleventhLLMCallRejected(t *testing.T) {
	m := NewManager()
	b := m.GetOrCreate("p", types.TierGuest, nil)
	for i := 0; i < 10; i++ {
		if err := b.CanMakeLLMCall(); err != nil && i < 10 {
			// The 8th call onward is DEGRADED but still allowed.
			t.Fatalf("call %d rejected early: %v", i+1, err)
		}
		b.RecordLLMCall()
	}
	if b.State() != StateExhausted {
		t.Errorf("state after 10/10 = %s", b.State())
	}
	if err := b.CanMakeLLMCall(); !errors.Is(err, ErrExhausted) {
		t.Errorf("11th call: err = %v, want ErrExhausted", err)
	}
}

func TestGuestSecondVisionCallRejected(t *testing.T) {
	m := NewManager()
	b := m.GetOrCreate("p", types.TierGuest, nil)
	if err := b.CanMakeVisionCall(false); err != nil {
		t.Fatalf("first vision call: %v", err)
	}
	b.RecordVisionCall()
	if err := b.CanMakeVisionCall(false); !errors.Is(err, ErrExhausted) {
		t.Errorf("second vision call: err = %v, want ErrExhausted", err)
	}
	// Critical calls are also bounded by the hard cap.
	if err := b.CanMakeVisionCall(true); !errors.Is(err, ErrExhausted) {
		t.Errorf("critical vision past cap: err = %v, want ErrExhausted", err)
	}
}

func TestCriticalVisionAllowedWhileExhausted(t *testing.T) {
	m := NewManager()
	b := m.GetOrCreate("p", types.TierStarter, nil) // 15 llm, 2 vision
	for i := 0; i < 15; i++ {
		b.RecordLLMCall()
	}
	if b.State() != StateExhausted {
		t.Fatalf("state = %s", b.State())
	}
	if err := b.CanMakeVisionCall(false); err == nil {
		t.Error("non-critical vision should be rejected while EXHAUSTED")
	}
	if err := b.CanMakeVisionCall(true); err != nil {
		t.Errorf("critical vision should pass until vision cap: %v", err)
	}
}

func TestDegradedAtSeventyPercent(t *testing.T) {
	m := NewManager()
	b := m.GetOrCreate("p", types.TierGuest, nil) // cap 10
	for i := 0; i < 6; i++ {
		b.RecordLLMCall()
	}
	if b.State() != StateNormal {
		t.Errorf("state at 6/10 = %s, want NORMAL", b.State())
	}
	b.RecordLLMCall() // 7/10 = 70%
	if b.State() != StateDegraded {
		t.Errorf("state at 7/10 = %s, want DEGRADED", b.State())
	}
}

func TestRateLimitHitForcesDegraded(t *testing.T) {
	m := NewManager()
	b := m.GetOrCreate("p", types.TierPro, nil)
	b.RecordRateLimitHit()
	if b.State() != StateDegraded {
		t.Errorf("state after one 429 = %s, want DEGRADED", b.State())
	}
	b.RecordRateLimitHit()
	if b.State() != StateDegraded {
		t.Errorf("state after two 429s = %s, want DEGRADED", b.State())
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	m := NewManager()
	b := m.GetOrCreate("p", types.TierIndie, nil)
	b.RecordLLMCall()
	b.RecordLLMCall()
	b.RecordVisionCall()
	b.RecordRateLimitHit()

	snap := b.Snapshot()
	m2 := NewManager()
	restored := m2.Restore(snap)

	if got := restored.Snapshot(); got != snap {
		t.Errorf("restore mismatch:\ngot  %+v\nwant %+v", got, snap)
	}
	if restored.State() != b.State() {
		t.Errorf("restored state = %s, want %s", restored.State(), b.State())
	}
}

func TestOverrides(t *testing.T) {
	m := NewManager()
	b := m.GetOrCreate("p", types.TierGuest, &Overrides{MaxLLMCalls: 3, MaxVisionCalls: 1})
	s := b.Snapshot()
	if s.MaxLLMCalls != 3 || s.MaxVisionCalls != 1 {
		t.Errorf("override caps = %d/%d", s.MaxLLMCalls, s.MaxVisionCalls)
	}
}
