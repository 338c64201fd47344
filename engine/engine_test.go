package engine

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/hitl"
	"github.com/agentloom/agentloom/pattern"
	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/tokenizer"
	"github.com/agentloom/agentloom/types"
)

const chainYAML = `
name: review
agents:
  - id: writer
    prompt: "write about {{.topic}}"
  - id: publisher
    prompt: "publish"
pattern:
  type: chain
  steps:
    - agent: writer
    - agent: publisher
`

type countingInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fn    func(agent spec.Agent) (string, error)
}

func newCountingInvoker(fn func(agent spec.Agent) (string, error)) *countingInvoker {
	if fn == nil {
		fn = func(agent spec.Agent) (string, error) { return "r-" + agent.ID, nil }
	}
	return &countingInvoker{calls: make(map[string]int), fn: fn}
}

func (ci *countingInvoker) Invoke(_ context.Context, agent spec.Agent, _ string) (string, error) {
	ci.mu.Lock()
	ci.calls[agent.ID]++
	ci.mu.Unlock()
	return ci.fn(agent)
}

func (ci *countingInvoker) count(id string) int {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	return ci.calls[id]
}

func newTestEngine(repo session.Repository, inv pattern.Invoker, opts ...Option) *Engine {
	opts = append(opts, WithEstimator(tokenizer.NewHeuristic()))
	return New(repo, inv, opts...)
}

func TestRunChainToCompletion(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	eng := newTestEngine(repo, newCountingInvoker(nil))

	res, err := eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Paused)
	assert.Equal(t, "run-1", res.SessionID)
	assert.Equal(t, "r-publisher", res.Response)
	assert.Equal(t, "publisher", res.FinalAgent)
	assert.Equal(t, "chain", res.Pattern)
	assert.Positive(t, res.Usage.TotalTokens)
	assert.NotEmpty(t, res.Context["steps"])

	st, err := repo.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, st.Metadata.Status)
}

func TestRunGeneratesSessionID(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	eng := newTestEngine(repo, newCountingInvoker(nil))

	res, err := eng.Run(context.Background(), wf, RunOptions{
		Variables: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionID)
	assert.NoError(t, session.ValidateID(res.SessionID))
}

func TestRunRejectsDuplicateSessionID(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	eng := newTestEngine(repo, newCountingInvoker(nil))

	vars := map[string]string{"topic": "go"}
	_, err = eng.Run(context.Background(), wf, RunOptions{SessionID: "dup", Variables: vars})
	require.NoError(t, err)

	_, err = eng.Run(context.Background(), wf, RunOptions{SessionID: "dup", Variables: vars})
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionExists, types.GetErrorCode(err))
}

func TestRunFailurePersistsFailedSession(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	inv := newCountingInvoker(func(agent spec.Agent) (string, error) {
		if agent.ID == "publisher" {
			return "", types.NewError(types.ErrPermanent, "provider rejected")
		}
		return "draft", nil
	})
	eng := newTestEngine(repo, inv)

	res, err := eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.Error(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, "provider rejected")

	st, lerr := repo.Load(context.Background(), "run-1")
	require.NoError(t, lerr)
	assert.Equal(t, session.StatusFailed, st.Metadata.Status)
	assert.Contains(t, st.Metadata.Error, "provider rejected")
}

func TestResumeContinuesCrashedRun(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()

	// First step committed, then the process "crashed": simulate by
	// building the checkpoint directly.
	st := session.NewState("run-1", wf, map[string]string{"topic": "go"})
	require.NoError(t, repo.Create(context.Background(), st, wf.Raw()))
	st.Pattern.AppendChainStep(session.StepRecord{Index: 0, Agent: "writer", Response: "draft"})
	require.NoError(t, repo.Save(context.Background(), st))

	inv := newCountingInvoker(nil)
	eng := newTestEngine(repo, inv)
	res, err := eng.Resume(context.Background(), "run-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "r-publisher", res.Response)
	assert.Equal(t, 0, inv.count("writer"))
	assert.Equal(t, 1, inv.count("publisher"))
}

func TestResumeCompletedSessionIsNoop(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	inv := newCountingInvoker(nil)
	eng := newTestEngine(repo, inv)

	_, err = eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)
	before := inv.count("writer") + inv.count("publisher")

	res, err := eng.Resume(context.Background(), "run-1", nil)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, before, inv.count("writer")+inv.count("publisher"))
	assert.Equal(t, "session already completed", res.Context["note"])
}

func TestResumeFailedSessionIsRejected(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	inv := newCountingInvoker(func(spec.Agent) (string, error) {
		return "", types.NewError(types.ErrPermanent, "dead")
	})
	eng := newTestEngine(repo, inv)

	_, err = eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.Error(t, err)

	_, err = eng.Resume(context.Background(), "run-1", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionFailed, types.GetErrorCode(err))
}

func TestResumeUnknownSession(t *testing.T) {
	eng := newTestEngine(session.NewMemoryRepository(), newCountingInvoker(nil))
	_, err := eng.Resume(context.Background(), "nope", nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrSessionNotFound, types.GetErrorCode(err))
}

const gatedYAML = `
name: review
agents:
  - id: writer
    prompt: "write about {{.topic}}"
  - id: publisher
    prompt: "publish"
pattern:
  type: chain
  steps:
    - agent: writer
    - agent: publisher
      require_approval: true
      approval_prompt: "publish the draft?"
`

func TestPauseAndResumeThroughEngine(t *testing.T) {
	wf, err := spec.Parse([]byte(gatedYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	inv := newCountingInvoker(nil)
	eng := newTestEngine(repo, inv)

	res, err := eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)
	assert.True(t, res.Paused)
	assert.False(t, res.Success)

	st, err := repo.Load(context.Background(), "run-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusPaused, st.Metadata.Status)

	res, err = eng.Resume(context.Background(), "run-1", &hitl.Response{Approved: true})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "r-publisher", res.Response)
	assert.Equal(t, 1, inv.count("writer"))
	assert.Equal(t, 1, inv.count("publisher"))
}

func TestInteractivePrompterAvoidsPause(t *testing.T) {
	wf, err := spec.Parse([]byte(gatedYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	inv := newCountingInvoker(nil)
	eng := newTestEngine(repo, inv, WithPrompter(hitl.PrompterFunc(
		func(context.Context, hitl.Interrupt) (hitl.Response, error) {
			return hitl.Response{Approved: true}, nil
		})))

	res, err := eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.False(t, res.Paused)
}

func TestBudgetExceededFailsRun(t *testing.T) {
	raw := `
name: review
runtime:
  max_tokens: 1
agents:
  - id: writer
    prompt: "write about {{.topic}}"
pattern:
  type: chain
  steps:
    - agent: writer
`
	wf, err := spec.Parse([]byte(raw))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	eng := newTestEngine(repo, newCountingInvoker(nil))

	_, err = eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.Error(t, err)
	assert.True(t, types.IsBudgetExceeded(err))

	st, lerr := repo.Load(context.Background(), "run-1")
	require.NoError(t, lerr)
	assert.Equal(t, session.StatusFailed, st.Metadata.Status)
}

type closableInvoker struct {
	pattern.Invoker
	mu     sync.Mutex
	closed bool
}

func (ci *closableInvoker) Close() error {
	ci.mu.Lock()
	defer ci.mu.Unlock()
	ci.closed = true
	return nil
}

func TestPerRunInvokerIsClosed(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()

	var built *closableInvoker
	eng := newTestEngine(repo, nil, WithInvokerFactory(
		func(context.Context, *spec.Workflow) (pattern.Invoker, error) {
			built = &closableInvoker{Invoker: newCountingInvoker(nil)}
			return built, nil
		}))

	_, err = eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)
	require.NotNil(t, built)
	built.mu.Lock()
	defer built.mu.Unlock()
	assert.True(t, built.closed)
}

func TestRateLimitedRunStillCompletes(t *testing.T) {
	wf, err := spec.Parse([]byte(chainYAML))
	require.NoError(t, err)
	repo := session.NewMemoryRepository()
	eng := newTestEngine(repo, newCountingInvoker(nil), WithRateLimit(1000, 1))

	res, err := eng.Run(context.Background(), wf, RunOptions{
		SessionID: "run-1",
		Variables: map[string]string{"topic": "go"},
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
}
