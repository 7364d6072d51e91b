// Package budget enforces the tier-aware AI call caps shared by sibling
// browser runs of one parent run. The budget outlives a single browser
// session and ends with the parent run; Snapshot/Restore lets a restarted
// worker pick up the counters.
package budget

import (
	"errors"
	"fmt"
	"sync"

	"uirunner/internal/logging"
	"uirunner/internal/types"
)

// State is the budget health derived from the counters.
type State string

const (
	StateNormal    State = "NORMAL"
	StateDegraded  State = "DEGRADED"
	StateExhausted State = "EXHAUSTED"
)

// ErrExhausted is returned when a non-critical call is requested after a cap
// has been reached.
var ErrExhausted = errors.New("ai budget exhausted")

// tierCaps maps user tiers to (LLM, vision) call caps.
var tierCaps = map[types.UserTier]struct{ llm, vision int }{
	types.TierGuest:   {10, 1},
	types.TierStarter: {15, 2},
	types.TierIndie:   {20, 3},
	types.TierPro:     {30, 5},
	types.TierAgency:  {30, 5},
}

// degradedLLMRatio is the usage fraction that forces DEGRADED.
const degradedLLMRatio = 0.7

// Snapshot is the persistable form of one budget.
type Snapshot struct {
	ParentRunID    string         `json:"parent_run_id"`
	Tier           types.UserTier `json:"tier"`
	MaxLLMCalls    int            `json:"max_llm_calls"`
	MaxVisionCalls int            `json:"max_vision_calls"`
	UsedLLM        int            `json:"used_llm"`
	UsedVision     int            `json:"used_vision"`
	RateLimitHits  int            `json:"rate_limit_hits"`
	State          State          `json:"state"`
}

// Budget tracks AI usage for one parent run.
type Budget struct {
	mu sync.Mutex

	parentRunID   string
	tier          types.UserTier
	maxLLM        int
	maxVision     int
	usedLLM       int
	usedVision    int
	rateLimitHits int
	state         State
}

// Overrides optionally replaces the tier caps at creation.
type Overrides struct {
	MaxLLMCalls    int
	MaxVisionCalls int
}

// Manager is the process-wide parent-run-id → budget store.
type Manager struct {
	mu      sync.Mutex
	budgets map[string]*Budget
}

// NewManager creates an empty budget manager.
func NewManager() *Manager {
	return &Manager{budgets: make(map[string]*Budget)}
}

// GetOrCreate returns the budget for a parent run, initializing counters
// from the tier table (or overrides) on first sight.
func (m *Manager) GetOrCreate(parentRunID string, tier types.UserTier, ov *Overrides) *Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.budgets[parentRunID]; ok {
		return b
	}
	caps, ok := tierCaps[tier]
	if !ok {
		caps = tierCaps[types.TierGuest]
	}
	b := &Budget{
		parentRunID: parentRunID,
		tier:        tier,
		maxLLM:      caps.llm,
		maxVision:   caps.vision,
		state:       StateNormal,
	}
	if ov != nil {
		if ov.MaxLLMCalls > 0 {
			b.maxLLM = ov.MaxLLMCalls
		}
		if ov.MaxVisionCalls > 0 {
			b.maxVision = ov.MaxVisionCalls
		}
	}
	m.budgets[parentRunID] = b
	logging.Get(logging.CategoryBudget).Infow("budget created",
		"parent_run", parentRunID, "tier", tier, "max_llm", b.maxLLM, "max_vision", b.maxVision)
	return b
}

// Release drops the budget when the parent run completes.
func (m *Manager) Release(parentRunID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.budgets, parentRunID)
}

// Restore installs a snapshot, replacing any existing budget.
func (m *Manager) Restore(s Snapshot) *Budget {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := &Budget{
		parentRunID:   s.ParentRunID,
		tier:          s.Tier,
		maxLLM:        s.MaxLLMCalls,
		maxVision:     s.MaxVisionCalls,
		usedLLM:       s.UsedLLM,
		usedVision:    s.UsedVision,
		rateLimitHits: s.RateLimitHits,
	}
	b.state = b.computeState()
	m.budgets[s.ParentRunID] = b
	return b
}

// CanMakeLLMCall reports whether one more text call is within budget.
func (b *Budget) CanMakeLLMCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateExhausted || b.usedLLM >= b.maxLLM {
		return fmt.Errorf("%w: llm %d/%d", ErrExhausted, b.usedLLM, b.maxLLM)
	}
	return nil
}

// CanMakeVisionCall reports whether one more vision call is within budget.
// Critical vision calls (a consent truth check, say) may consume remaining
// vision budget even while the overall state is EXHAUSTED.
func (b *Budget) CanMakeVisionCall(critical bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.usedVision >= b.maxVision {
		return fmt.Errorf("%w: vision %d/%d", ErrExhausted, b.usedVision, b.maxVision)
	}
	if b.state == StateExhausted && !critical {
		return fmt.Errorf("%w: state EXHAUSTED", ErrExhausted)
	}
	return nil
}

// RecordLLMCall counts a completed text call and recomputes state.
func (b *Budget) RecordLLMCall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedLLM++
	b.transition()
}

// RecordVisionCall counts a completed vision call and recomputes state.
func (b *Budget) RecordVisionCall() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.usedVision++
	b.transition()
}

// RecordRateLimitHit counts a provider 429 and recomputes state. A single
// hit already forces DEGRADED.
func (b *Budget) RecordRateLimitHit() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.rateLimitHits++
	b.transition()
}

func (b *Budget) computeState() State {
	switch {
	case b.usedLLM >= b.maxLLM || b.usedVision >= b.maxVision:
		return StateExhausted
	case float64(b.usedLLM)/float64(b.maxLLM) >= degradedLLMRatio || b.rateLimitHits >= 1:
		return StateDegraded
	default:
		return StateNormal
	}
}

func (b *Budget) transition() {
	next := b.computeState()
	if next != b.state {
		logging.Get(logging.CategoryBudget).Infow("budget state change",
			"parent_run", b.parentRunID, "from", b.state, "to", next,
			"llm", b.usedLLM, "vision", b.usedVision, "rate_limit_hits", b.rateLimitHits)
		b.state = next
	}
}

// State returns the current budget state.
func (b *Budget) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Usage returns the used counters.
func (b *Budget) Usage() (llm, vision int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.usedLLM, b.usedVision
}

// Snapshot captures the budget for persistence.
func (b *Budget) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		ParentRunID:    b.parentRunID,
		Tier:           b.tier,
		MaxLLMCalls:    b.maxLLM,
		MaxVisionCalls: b.maxVision,
		UsedLLM:        b.usedLLM,
		UsedVision:     b.usedVision,
		RateLimitHits:  b.rateLimitHits,
		State:          b.state,
	}
}
