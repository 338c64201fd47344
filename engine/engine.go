// Package engine wires the collaborators together and drives whole runs:
// it creates sessions, dispatches to the pattern executors, and turns
// outcomes into the caller-facing result contract.
package engine

import (
	"context"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/agentloom/agentloom/budget"
	"github.com/agentloom/agentloom/hitl"
	"github.com/agentloom/agentloom/pattern"
	"github.com/agentloom/agentloom/retry"
	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/tokenizer"
	"github.com/agentloom/agentloom/types"
)

// InvokerFactory builds a per-run invoker. The engine closes it when the
// run finishes if it implements io.Closer, so pooled provider resources
// never outlive the run.
type InvokerFactory func(ctx context.Context, wf *spec.Workflow) (pattern.Invoker, error)

// Engine orchestrates runs and resumes over a session repository.
type Engine struct {
	repo      session.Repository
	invoker   pattern.Invoker
	factory   InvokerFactory
	estimator tokenizer.Estimator
	prompter  hitl.Prompter
	limiter   *rate.Limiter
	logger    *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithEstimator replaces the default tiktoken estimator.
func WithEstimator(est tokenizer.Estimator) Option {
	return func(e *Engine) { e.estimator = est }
}

// WithPrompter enables interactive human-in-the-loop gates. Without it
// every gate pauses the session durably.
func WithPrompter(p hitl.Prompter) Option {
	return func(e *Engine) { e.prompter = p }
}

// WithRateLimit throttles agent invocations across the whole engine.
func WithRateLimit(rps float64, burst int) Option {
	return func(e *Engine) { e.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// WithInvokerFactory builds a fresh invoker per run instead of sharing the
// engine-wide one.
func WithInvokerFactory(f InvokerFactory) Option {
	return func(e *Engine) { e.factory = f }
}

// New creates an Engine over a repository and an agent invoker.
func New(repo session.Repository, invoker pattern.Invoker, opts ...Option) *Engine {
	e := &Engine{
		repo:    repo,
		invoker: invoker,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.estimator == nil {
		e.estimator = tokenizer.NewTiktoken("", e.logger)
	}
	e.logger = e.logger.With(zap.String("component", "engine"))
	return e
}

// RunOptions configures one run.
type RunOptions struct {
	// SessionID pins the session identifier; empty generates a UUID.
	SessionID string
	// Variables are the user-supplied template variables.
	Variables map[string]string
}

// Run creates a new session for the workflow and executes it to
// completion, pause, or failure.
func (e *Engine) Run(ctx context.Context, wf *spec.Workflow, opts RunOptions) (*types.Result, error) {
	id := opts.SessionID
	if id == "" {
		id = uuid.NewString()
	}
	if err := session.ValidateID(id); err != nil {
		return nil, err
	}

	st := session.NewState(id, wf, opts.Variables)
	if err := e.repo.Create(ctx, st, wf.Raw()); err != nil {
		return nil, err
	}

	e.logger.Info("run started",
		zap.String("session_id", id),
		zap.String("workflow", wf.Name),
		zap.String("pattern", string(wf.Pattern.Type)),
	)
	return e.execute(ctx, wf, st, nil)
}

// Resume loads a session and continues it from its last checkpoint. The
// response, when non-nil, answers the approval gate the session paused on.
func (e *Engine) Resume(ctx context.Context, sessionID string, response *hitl.Response) (*types.Result, error) {
	st, err := e.repo.Load(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	switch st.Metadata.Status {
	case session.StatusCompleted:
		// Resuming a finished session is a no-op, not a crash.
		return &types.Result{
			Success:    true,
			SessionID:  sessionID,
			Pattern:    st.Metadata.Pattern,
			StartedAt:  time.Now().UTC(),
			FinishedAt: time.Now().UTC(),
			Usage:      st.Usage.Total,
			Context:    map[string]any{"note": "session already completed"},
		}, nil
	case session.StatusFailed:
		return nil, types.NewErrorf(types.ErrSessionFailed,
			"session %q already failed: %s", sessionID, st.Metadata.Error)
	}

	snapshot, err := e.repo.LoadSnapshot(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wf, err := spec.Parse(snapshot)
	if err != nil {
		return nil, types.NewErrorf(types.ErrSessionCorrupted,
			"session %q spec snapshot no longer parses", sessionID).WithCause(err)
	}
	if wf.Hash() != st.Metadata.SpecHash {
		e.logger.Warn("spec snapshot drifted from recorded hash, continuing with snapshot",
			zap.String("session_id", sessionID),
			zap.String("recorded", st.Metadata.SpecHash),
			zap.String("snapshot", wf.Hash()),
		)
	}

	if st.Metadata.Status == session.StatusPaused {
		if err := st.SetStatus(session.StatusRunning); err != nil {
			return nil, err
		}
		if err := e.repo.Save(ctx, st); err != nil {
			return nil, err
		}
	}

	e.logger.Info("run resumed",
		zap.String("session_id", sessionID),
		zap.String("pattern", string(wf.Pattern.Type)),
	)
	return e.execute(ctx, wf, st, response)
}

func (e *Engine) execute(ctx context.Context, wf *spec.Workflow, st *session.State, response *hitl.Response) (*types.Result, error) {
	started := time.Now().UTC()

	policy, err := retry.NewPolicy(wf.Runtime.Retries, wf.Runtime.WaitMin.Std(), wf.Runtime.WaitMax.Std())
	if err != nil {
		return nil, err
	}

	enforcer := budget.NewEnforcer(wf.Runtime.MaxTokens, wf.Runtime.WarnThreshold, e.logger)
	enforcer.Seed(st.Usage.Total, st.Usage.PerAgent)

	invoker, cleanup, err := e.runInvoker(ctx, wf)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	executor, err := pattern.ForPattern(wf.Pattern.Type)
	if err != nil {
		return nil, err
	}

	es := &pattern.ExecState{
		Spec:      wf,
		State:     st,
		Repo:      e.repo,
		Invoker:   invoker,
		Retryer:   retry.NewRetryer(policy, e.logger),
		Budget:    enforcer,
		Estimator: e.estimator,
		HITL:      hitl.NewCoordinator(e.prompter, e.logger),
		Resume:    response,
		Logger:    e.logger.With(zap.String("session_id", st.Metadata.ID)),
	}

	out, err := executor.Run(ctx, es)
	if err != nil {
		e.failSession(st, err)
		return e.buildResult(st, out, started, err), err
	}

	if !out.Paused {
		if terr := st.SetStatus(session.StatusCompleted); terr != nil {
			return nil, terr
		}
		if serr := e.repo.Save(ctx, st); serr != nil {
			return nil, serr
		}
		e.logger.Info("run completed",
			zap.String("session_id", st.Metadata.ID),
			zap.Int("total_tokens", st.Usage.Total.TotalTokens),
		)
	}

	return e.buildResult(st, out, started, nil), nil
}

// runInvoker resolves the invoker for one run, wrapping it with the
// engine-wide rate limiter. The cleanup closes per-run invokers on every
// exit path.
func (e *Engine) runInvoker(ctx context.Context, wf *spec.Workflow) (pattern.Invoker, func(), error) {
	invoker := e.invoker
	cleanup := func() {}

	if e.factory != nil {
		built, err := e.factory(ctx, wf)
		if err != nil {
			return nil, nil, err
		}
		invoker = built
		if closer, ok := built.(io.Closer); ok {
			cleanup = func() {
				if cerr := closer.Close(); cerr != nil {
					e.logger.Warn("closing run invoker failed", zap.Error(cerr))
				}
			}
		}
	}

	if e.limiter != nil {
		inner := invoker
		invoker = pattern.InvokerFunc(func(ctx context.Context, agent spec.Agent, prompt string) (string, error) {
			if err := e.limiter.Wait(ctx); err != nil {
				return "", err
			}
			return inner.Invoke(ctx, agent, prompt)
		})
	}
	return invoker, cleanup, nil
}

// failSession persists the failed state best-effort: a persistence error is
// logged but never masks the execution error.
func (e *Engine) failSession(st *session.State, execErr error) {
	if err := st.Fail(execErr.Error()); err != nil {
		e.logger.Warn("marking session failed was rejected",
			zap.String("session_id", st.Metadata.ID),
			zap.Error(err),
		)
		return
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.repo.Save(saveCtx, st); err != nil {
		e.logger.Warn("persisting failed session state failed",
			zap.String("session_id", st.Metadata.ID),
			zap.Error(err),
		)
	}
}

func (e *Engine) buildResult(st *session.State, out pattern.Outcome, started time.Time, execErr error) *types.Result {
	finished := time.Now().UTC()
	res := &types.Result{
		Success:       execErr == nil && !out.Paused,
		Paused:        out.Paused,
		SessionID:     st.Metadata.ID,
		Response:      out.Response,
		FinalAgent:    out.FinalAgent,
		Pattern:       st.Metadata.Pattern,
		StartedAt:     started,
		FinishedAt:    finished,
		Duration:      finished.Sub(started),
		Usage:         st.Usage.Total,
		ArtifactPaths: st.ArtifactPaths,
		Context:       patternContext(st),
	}
	if execErr != nil {
		res.Error = execErr.Error()
	}
	return res
}

// patternContext exposes the committed execution context to the caller.
func patternContext(st *session.State) map[string]any {
	ps := st.Pattern
	ctx := make(map[string]any)

	switch spec.PatternType(st.Metadata.Pattern) {
	case spec.PatternChain:
		ctx["steps"] = ps.ChainSteps()
	case spec.PatternWorkflow:
		ctx["task_results"] = ps.TaskResults()
		if failures := ps.TaskFailures(); len(failures) > 0 {
			ctx["task_failures"] = failures
		}
	case spec.PatternParallel:
		ctx["branches"] = ps.BranchResults()
	case spec.PatternRouting:
		ctx["route"] = ps.Route()
		ctx["steps"] = ps.Nested().ChainSteps()
	case spec.PatternGraph:
		ctx["node_results"] = ps.NodeResults()
	}
	return ctx
}
