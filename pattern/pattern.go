// Package pattern implements the composition pattern executors: chain,
// dependency workflow, parallel fan-out, routing, and conditional graph.
// Every executor drives the same durable session state machine: execute a
// unit, commit it, checkpoint, and on resume skip everything already
// committed.
package pattern

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/budget"
	"github.com/agentloom/agentloom/hitl"
	"github.com/agentloom/agentloom/retry"
	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/template"
	"github.com/agentloom/agentloom/tokenizer"
	"github.com/agentloom/agentloom/types"
)

// Invoker executes one rendered prompt against an agent and returns the
// response text. Implementations wrap the actual model provider.
type Invoker interface {
	Invoke(ctx context.Context, agent spec.Agent, prompt string) (string, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, agent spec.Agent, prompt string) (string, error)

func (f InvokerFunc) Invoke(ctx context.Context, agent spec.Agent, prompt string) (string, error) {
	return f(ctx, agent, prompt)
}

// Outcome is the terminal result of an executor run. A Paused outcome means
// the session was durably parked on a human gate; errors are returned
// separately and mark the session failed.
type Outcome struct {
	Paused     bool
	Response   string
	FinalAgent string
}

// ExecState carries everything one executor run needs. It is scoped to a
// single run and not reused.
type ExecState struct {
	Spec      *spec.Workflow
	State     *session.State
	Repo      session.Repository
	Invoker   Invoker
	Retryer   *retry.Retryer
	Budget    *budget.Enforcer
	Estimator tokenizer.Estimator
	HITL      *hitl.Coordinator
	// Resume carries the human response supplied to a resume call. It is
	// consumed by the first gate that matches the persisted pause marker.
	Resume *hitl.Response
	Logger *zap.Logger

	// mu serializes state mutation and checkpointing across the concurrent
	// executors.
	mu sync.Mutex
}

// commit applies a state mutation and checkpoints the session under the
// repository's per-session lock. One commit equals one consistent
// checkpoint.
func (es *ExecState) commit(ctx context.Context, mutate func()) error {
	es.mu.Lock()
	defer es.mu.Unlock()
	if mutate != nil {
		mutate()
	}
	return es.Repo.Save(ctx, es.State)
}

// takeResume consumes the pending resume response, if any.
func (es *ExecState) takeResume() *hitl.Response {
	es.mu.Lock()
	defer es.mu.Unlock()
	r := es.Resume
	es.Resume = nil
	return r
}

// templateData builds the template context for one unit: user variables,
// then agent defaults, then unit-level overrides, then structured extras
// such as prior step responses or completed task outputs.
func (es *ExecState) templateData(agent spec.Agent, overrides map[string]string, extra map[string]any) map[string]any {
	es.mu.Lock()
	vars := template.MergeVars(es.State.Variables, agent.Vars, overrides)
	es.mu.Unlock()

	data := make(map[string]any, len(vars)+len(extra))
	for k, v := range vars {
		data[k] = v
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}

// invoke renders the agent prompt, executes it under the retry policy,
// estimates token usage and records it against the session and the budget.
// A budget violation surfaces as a fatal BUDGET_EXCEEDED error.
func (es *ExecState) invoke(ctx context.Context, agent spec.Agent, overrides map[string]string, extra map[string]any) (string, error) {
	if err := es.Budget.Check(); err != nil {
		return "", err
	}

	prompt, err := template.Render(agent.Prompt, es.templateData(agent, overrides, extra))
	if err != nil {
		return "", err
	}

	es.Logger.Debug("invoking agent",
		zap.String("agent", agent.ID),
		zap.String("prompt", template.Describe(prompt)),
	)

	response, err := es.Retryer.DoText(ctx, func() (string, error) {
		return es.Invoker.Invoke(ctx, agent, prompt)
	})
	if err != nil {
		return "", err
	}

	usage := types.TokenUsage{
		InputTokens:  es.Estimator.EstimateTokens(prompt),
		OutputTokens: es.Estimator.EstimateTokens(response),
	}
	usage.TotalTokens = usage.InputTokens + usage.OutputTokens

	es.mu.Lock()
	es.State.RecordUsage(agent.ID, usage)
	es.mu.Unlock()

	if err := es.Budget.Record(agent.ID, usage); err != nil {
		return "", err
	}
	return response, nil
}

// pause durably parks the session on a human gate: the marker pins the
// exact unit, the status flips to paused, and both are checkpointed before
// the executor returns.
func (es *ExecState) pause(ctx context.Context, ps session.PatternState, marker session.HITLState) (Outcome, error) {
	var transitionErr error
	err := es.commit(ctx, func() {
		ps.SetHITL(marker)
		transitionErr = es.State.SetStatus(session.StatusPaused)
	})
	if transitionErr != nil {
		return Outcome{}, transitionErr
	}
	if err != nil {
		return Outcome{}, err
	}
	es.Logger.Info("session paused for approval",
		zap.String("session_id", es.State.Metadata.ID),
		zap.String("unit", marker.Unit),
		zap.Int("unit_index", marker.UnitIndex),
		zap.String("unit_id", marker.UnitID),
	)
	return Outcome{Paused: true}, nil
}

// Executor runs one composition pattern over a session until it completes,
// pauses, or fails.
type Executor interface {
	Run(ctx context.Context, es *ExecState) (Outcome, error)
}

// ForPattern returns the executor for a pattern type.
func ForPattern(t spec.PatternType) (Executor, error) {
	switch t {
	case spec.PatternChain:
		return &ChainExecutor{}, nil
	case spec.PatternWorkflow:
		return &WorkflowExecutor{}, nil
	case spec.PatternParallel:
		return &ParallelExecutor{}, nil
	case spec.PatternRouting:
		return &RoutingExecutor{}, nil
	case spec.PatternGraph:
		return &GraphExecutor{}, nil
	default:
		return nil, types.NewErrorf(types.ErrConfiguration,
			"unknown pattern type %q", t)
	}
}
