package runner

import (
	"context"
	"sync"

	"uirunner/internal/types"
)

// StepStore persists step records in monotonically increasing order per
// run.
type StepStore interface {
	Save(ctx context.Context, rec types.StepRecord) error
	Steps(runID string) []types.StepRecord
}

// MemoryStepStore is the in-process store used by the CLI and tests.
type MemoryStepStore struct {
	mu   sync.Mutex
	recs map[string][]types.StepRecord
}

// NewMemoryStepStore creates an empty store.
func NewMemoryStepStore() *MemoryStepStore {
	return &MemoryStepStore{recs: make(map[string][]types.StepRecord)}
}

func (s *MemoryStepStore) Save(_ context.Context, rec types.StepRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.RunID] = append(s.recs[rec.RunID], rec)
	return nil
}

func (s *MemoryStepStore) Steps(runID string) []types.StepRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.StepRecord, len(s.recs[runID]))
	copy(out, s.recs[runID])
	return out
}
