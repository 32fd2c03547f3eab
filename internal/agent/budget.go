// Package agent implements the turn orchestrator and its supporting
// pieces: token budgeting, routing glue, escalation analysis, tool
// execution, and the event sink surfaced to producers.
package agent

import "sync"

// Budget warning thresholds as fractions of the context window.
const (
	budgetHighThreshold     = 0.75
	budgetCriticalThreshold = 0.90
)

// BudgetLevel describes how full the context window is.
type BudgetLevel string

const (
	BudgetOK       BudgetLevel = "ok"
	BudgetHigh     BudgetLevel = "high"
	BudgetCritical BudgetLevel = "critical"
)

// BudgetStatus is a snapshot of context utilization.
type BudgetStatus struct {
	ContextLength     int
	LastInputTokens   int
	Utilization       float64
	Level             BudgetLevel
	TotalInputTokens  int
	TotalOutputTokens int
}

// TokenBudget tracks last-turn input tokens against the active context
// window and raises each warning level exactly once.
//
// Thread Safety: safe for concurrent use, though in practice a budget is
// owned by a single session run at a time.
type TokenBudget struct {
	mu            sync.Mutex
	contextLength int
	lastInput     int
	totalInput    int
	totalOutput   int
	warnedHigh    bool
	warnedCrit    bool
}

// NewTokenBudget creates a tracker for the given context window.
func NewTokenBudget(contextLength int) *TokenBudget {
	return &TokenBudget{contextLength: contextLength}
}

// SetContextLength re-homes the tracker when the run switches providers.
func (b *TokenBudget) SetContextLength(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.contextLength = n
}

// Record registers one turn's token usage.
func (b *TokenBudget) Record(inputTokens, outputTokens int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastInput = inputTokens
	b.totalInput += inputTokens
	b.totalOutput += outputTokens
}

// Status returns the current utilization snapshot. A zero context length
// reports zero utilization rather than dividing by zero.
func (b *TokenBudget) Status() BudgetStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.statusLocked()
}

func (b *TokenBudget) statusLocked() BudgetStatus {
	s := BudgetStatus{
		ContextLength:     b.contextLength,
		LastInputTokens:   b.lastInput,
		Level:             BudgetOK,
		TotalInputTokens:  b.totalInput,
		TotalOutputTokens: b.totalOutput,
	}
	if b.contextLength > 0 {
		s.Utilization = float64(b.lastInput) / float64(b.contextLength)
	}
	switch {
	case s.Utilization >= budgetCriticalThreshold:
		s.Level = BudgetCritical
	case s.Utilization >= budgetHighThreshold:
		s.Level = BudgetHigh
	}
	return s
}

// ShouldWarnHigh reports true exactly once, the first time utilization
// reaches the high threshold. A critical reading also trips it: critical
// is a high state.
func (b *TokenBudget) ShouldWarnHigh() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.statusLocked()
	if b.warnedHigh || s.Level == BudgetOK {
		return false
	}
	b.warnedHigh = true
	return true
}

// ShouldWarnCritical reports true exactly once, the first time utilization
// reaches the critical threshold.
func (b *TokenBudget) ShouldWarnCritical() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.statusLocked()
	if b.warnedCrit || s.Level != BudgetCritical {
		return false
	}
	b.warnedCrit = true
	return true
}
