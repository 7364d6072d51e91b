package model

import "sync"

// Cost per 1K tokens used for the admin estimate. Rough blended rate; the
// billing system owns the real numbers.
const (
	promptCostPer1K     = 0.00015
	completionCostPer1K = 0.0006
)

// Metrics aggregates admin-only call accounting for one client.
type Metrics struct {
	mu sync.Mutex

	TotalCalls       int
	Successes        int
	Failures         int
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func (m *Metrics) recordSuccess(usage *chatUsage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCalls++
	m.Successes++
	if usage != nil {
		m.PromptTokens += usage.PromptTokens
		m.CompletionTokens += usage.CompletionTokens
		m.TotalTokens += usage.TotalTokens
	}
}

func (m *Metrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.TotalCalls++
	m.Failures++
}

// MetricsSnapshot is a point-in-time copy with derived values.
type MetricsSnapshot struct {
	TotalCalls       int     `json:"total_calls"`
	Successes        int     `json:"successes"`
	Failures         int     `json:"failures"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	SuccessRate      float64 `json:"success_rate"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

// Snapshot returns the current counters plus success rate and estimated cost.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		TotalCalls:       m.TotalCalls,
		Successes:        m.Successes,
		Failures:         m.Failures,
		PromptTokens:     m.PromptTokens,
		CompletionTokens: m.CompletionTokens,
		TotalTokens:      m.TotalTokens,
	}
	if m.TotalCalls > 0 {
		s.SuccessRate = float64(m.Successes) / float64(m.TotalCalls)
	}
	s.EstimatedCostUSD = float64(m.PromptTokens)/1000*promptCostPer1K +
		float64(m.CompletionTokens)/1000*completionCostPer1K
	return s
}
