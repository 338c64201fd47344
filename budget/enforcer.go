// Package budget enforces the cumulative token budget of a single run.
package budget

import (
	"sync"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/types"
)

// DefaultWarnThreshold is the fraction of the budget at which a single
// warning is logged.
const DefaultWarnThreshold = 0.8

// Enforcer tracks cumulative token usage against a configured maximum.
// It is consulted after every unit of work that accumulates usage.
// A zero max disables enforcement.
type Enforcer struct {
	maxTokens     int
	warnThreshold float64
	logger        *zap.Logger

	mu       sync.Mutex
	total    types.TokenUsage
	perAgent map[string]types.TokenUsage
	warned   bool
}

// NewEnforcer creates an Enforcer. warnThreshold <= 0 uses the default.
func NewEnforcer(maxTokens int, warnThreshold float64, logger *zap.Logger) *Enforcer {
	if warnThreshold <= 0 {
		warnThreshold = DefaultWarnThreshold
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Enforcer{
		maxTokens:     maxTokens,
		warnThreshold: warnThreshold,
		logger:        logger.With(zap.String("component", "budget_enforcer")),
		perAgent:      make(map[string]types.TokenUsage),
	}
}

// Seed preloads usage already committed to a session, so resumed runs
// enforce the budget cumulatively.
func (e *Enforcer) Seed(total types.TokenUsage, perAgent map[string]types.TokenUsage) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.total = total
	for id, u := range perAgent {
		e.perAgent[id] = u
	}
}

// Record accumulates usage for an agent and then checks the budget.
// It returns a fatal BUDGET_EXCEEDED error once cumulative usage reaches
// the maximum. The warn threshold logs exactly once per run.
func (e *Enforcer) Record(agentID string, usage types.TokenUsage) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.total.Add(usage)
	agg := e.perAgent[agentID]
	agg.Add(usage)
	e.perAgent[agentID] = agg

	return e.checkLocked()
}

// Check re-evaluates the budget without recording new usage.
func (e *Enforcer) Check() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.checkLocked()
}

func (e *Enforcer) checkLocked() error {
	if e.maxTokens <= 0 {
		return nil
	}

	used := e.total.TotalTokens
	if used >= e.maxTokens {
		e.logger.Error("token budget exceeded",
			zap.Int("used", used),
			zap.Int("max", e.maxTokens),
		)
		return types.NewErrorf(types.ErrBudgetExceeded,
			"token budget exceeded: %d of %d tokens used", used, e.maxTokens)
	}

	if !e.warned && float64(used) >= e.warnThreshold*float64(e.maxTokens) {
		e.warned = true
		e.logger.Warn("token budget warning threshold reached",
			zap.Int("used", used),
			zap.Int("max", e.maxTokens),
			zap.Float64("threshold", e.warnThreshold),
		)
	}
	return nil
}

// Total returns the cumulative usage recorded so far.
func (e *Enforcer) Total() types.TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.total
}

// PerAgent returns a copy of the per-agent usage breakdown.
func (e *Enforcer) PerAgent() map[string]types.TokenUsage {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]types.TokenUsage, len(e.perAgent))
	for id, u := range e.perAgent {
		out[id] = u
	}
	return out
}
