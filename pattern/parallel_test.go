package pattern

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentloom/agentloom/hitl"
	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/types"
)

const parallelYAML = `
name: fanout
agents:
  - id: coder
    prompt: "code"
  - id: tester
    prompt: "test"
  - id: documenter
    prompt: "document"
pattern:
  type: parallel
  branches:
    - id: build
      steps:
        - agent: coder
        - agent: tester
    - id: docs
      steps:
        - agent: documenter
`

func TestParallelRunsAllBranches(t *testing.T) {
	wf := parseWorkflow(t, parallelYAML)
	repo := session.NewMemoryRepository()
	st := startSession(t, repo, wf, nil)

	inv := echoInvoker()
	out, err := (&ParallelExecutor{}).Run(context.Background(), newExec(wf, st, repo, inv))
	require.NoError(t, err)
	assert.False(t, out.Paused)
	// Branch results join in sorted branch-id order.
	assert.Equal(t, "r-tester\n\nr-documenter", out.Response)
	assert.Equal(t, "documenter", out.FinalAgent)

	reloaded := reloadSession(t, repo)
	results := reloaded.Pattern.BranchResults()
	require.Len(t, results, 2)
	assert.Equal(t, "r-tester", results["build"].Response)
	assert.Equal(t, "r-documenter", results["docs"].Response)
}

func TestParallelResumeSkipsCommittedBranches(t *testing.T) {
	wf := parseWorkflow(t, parallelYAML)
	repo := session.NewMemoryRepository()
	st := startSession(t, repo, wf, nil)

	st.Pattern.SetBranchResult(session.BranchRecord{ID: "build", Response: "committed earlier"})
	require.NoError(t, repo.Save(context.Background(), st))

	inv := echoInvoker()
	out, err := (&ParallelExecutor{}).Run(context.Background(), newExec(wf, st, repo, inv))
	require.NoError(t, err)
	assert.Equal(t, "committed earlier\n\nr-documenter", out.Response)
	assert.Equal(t, 0, inv.count("coder"))
	assert.Equal(t, 0, inv.count("tester"))
	assert.Equal(t, 1, inv.count("documenter"))
}

func TestParallelFailFastAbortsRun(t *testing.T) {
	wf := parseWorkflow(t, parallelYAML)
	repo := session.NewMemoryRepository()
	st := startSession(t, repo, wf, nil)

	inv := newScriptedInvoker(func(agent spec.Agent, _ string, _ int) (string, error) {
		if agent.ID == "tester" {
			return "", permanentErr("tests red")
		}
		return "r-" + agent.ID, nil
	})

	_, err := (&ParallelExecutor{}).Run(context.Background(), newExec(wf, st, repo, inv))
	require.Error(t, err)
	assert.Equal(t, types.ErrExecution, types.GetErrorCode(err))

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "build", terr.Unit)
}

const parallelContinueYAML = `
name: fanout
runtime:
  on_error: continue
agents:
  - id: coder
    prompt: "code"
  - id: documenter
    prompt: "document"
pattern:
  type: parallel
  branches:
    - id: build
      steps:
        - agent: coder
    - id: docs
      steps:
        - agent: documenter
`

func TestParallelBestEffortReportsFailuresAlongsideSuccesses(t *testing.T) {
	wf := parseWorkflow(t, parallelContinueYAML)
	repo := session.NewMemoryRepository()
	st := startSession(t, repo, wf, nil)

	inv := newScriptedInvoker(func(agent spec.Agent, _ string, _ int) (string, error) {
		if agent.ID == "coder" {
			return "", permanentErr("compiler crash")
		}
		return "r-" + agent.ID, nil
	})

	out, err := (&ParallelExecutor{}).Run(context.Background(), newExec(wf, st, repo, inv))
	require.NoError(t, err)
	assert.Contains(t, out.Response, "build failed:")
	assert.Contains(t, out.Response, "r-documenter")

	reloaded := reloadSession(t, repo)
	assert.Contains(t, reloaded.Pattern.BranchResults()["build"].Error, "compiler crash")
}

func TestParallelAllBranchesFailed(t *testing.T) {
	wf := parseWorkflow(t, parallelContinueYAML)
	repo := session.NewMemoryRepository()
	st := startSession(t, repo, wf, nil)

	inv := newScriptedInvoker(func(spec.Agent, string, int) (string, error) {
		return "", permanentErr("down")
	})

	_, err := (&ParallelExecutor{}).Run(context.Background(), newExec(wf, st, repo, inv))
	require.Error(t, err)
	assert.Equal(t, types.ErrExecution, types.GetErrorCode(err))
}

const gatedParallelYAML = `
name: fanout
runtime:
  max_concurrency: 1
agents:
  - id: coder
    prompt: "code"
  - id: deployer
    prompt: "deploy"
pattern:
  type: parallel
  branches:
    - id: build
      steps:
        - agent: coder
    - id: ship
      steps:
        - agent: deployer
          require_approval: true
`

func TestParallelGatePauseAndResume(t *testing.T) {
	wf := parseWorkflow(t, gatedParallelYAML)
	repo := session.NewMemoryRepository()
	st := startSession(t, repo, wf, nil)

	first := echoInvoker()
	out, err := (&ParallelExecutor{}).Run(context.Background(), newExec(wf, st, repo, first))
	require.NoError(t, err)
	assert.True(t, out.Paused)

	paused := reloadSession(t, repo)
	assert.Equal(t, session.StatusPaused, paused.Metadata.Status)

	require.NoError(t, paused.SetStatus(session.StatusRunning))
	second := echoInvoker()
	es := newExec(wf, paused, repo, second)
	es.Resume = &hitl.Response{Approved: true}

	out, err = (&ParallelExecutor{}).Run(context.Background(), es)
	require.NoError(t, err)
	assert.False(t, out.Paused)
	assert.Contains(t, out.Response, "r-deployer")

	// Across both phases each agent ran exactly once.
	assert.Equal(t, 1, first.count("coder")+second.count("coder"))
	assert.Equal(t, 1, first.count("deployer")+second.count("deployer"))
}

const pausingParallelYAML = `
name: release
agents:
  - id: deployer
    prompt: "deploy"
  - id: documenter
    prompt: "document"
pattern:
  type: parallel
  branches:
    - id: docs
      steps:
        - agent: documenter
    - id: ship
      steps:
        - agent: deployer
          require_approval: true
`

func TestParallelPauseLeavesInterruptedSiblingUncommitted(t *testing.T) {
	wf := parseWorkflow(t, pausingParallelYAML)
	repo := session.NewMemoryRepository()
	st := startSession(t, repo, wf, nil)

	// The sibling sits in flight until the gate pauses and cancels the
	// group. Only the docs branch reaches the invoker: the ship branch
	// pauses at its gate before invoking anything.
	blocker := InvokerFunc(func(ctx context.Context, _ spec.Agent, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	out, err := (&ParallelExecutor{}).Run(context.Background(), newExec(wf, st, repo, blocker))
	require.NoError(t, err)
	assert.True(t, out.Paused)

	// The cancellation is not a branch verdict: docs stays uncommitted.
	paused := reloadSession(t, repo)
	_, committed := paused.Pattern.BranchResults()["docs"]
	assert.False(t, committed)

	require.NoError(t, paused.SetStatus(session.StatusRunning))
	second := echoInvoker()
	es := newExec(wf, paused, repo, second)
	es.Resume = &hitl.Response{Approved: true}

	out, err = (&ParallelExecutor{}).Run(context.Background(), es)
	require.NoError(t, err)
	assert.False(t, out.Paused)
	assert.Equal(t, 1, second.count("documenter"))

	final := reloadSession(t, repo).Pattern.BranchResults()
	assert.Equal(t, "r-documenter", final["docs"].Response)
	assert.Empty(t, final["docs"].Error)
	assert.Equal(t, "r-deployer", final["ship"].Response)
}
