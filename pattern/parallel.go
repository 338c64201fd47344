package pattern

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/types"
)

// errBranchPaused signals through the errgroup that a branch parked the
// session on a human gate. It never escapes the executor.
var errBranchPaused = errors.New("branch paused")

// ParallelExecutor fans all branches out concurrently, bounded by the
// runtime's max concurrency. Each branch is a small chain with its own
// nested state scope; a completed branch is committed as a whole and never
// re-executed on resume.
type ParallelExecutor struct{}

// Run implements Executor.
func (e *ParallelExecutor) Run(ctx context.Context, es *ExecState) (Outcome, error) {
	branches := es.Spec.Pattern.Branches
	ps := es.State.Pattern
	abort := es.Spec.Runtime.OnError != spec.OnErrorContinue

	committed := ps.BranchResults()
	var pending []spec.Branch
	scopes := make(map[string]session.PatternState)
	for _, b := range branches {
		if _, done := committed[b.ID]; done {
			continue
		}
		pending = append(pending, b)
		// Scopes are created up front; goroutines only touch their own.
		scopes[b.ID] = ps.BranchScope(b.ID)
	}

	var paused atomic.Bool
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxConcurrency(es))

	for _, branch := range pending {
		branch := branch
		scope := scopes[branch.ID]
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			out, err := runChainScope(gctx, es, chainScope{
				steps:  branch.Steps,
				ps:     scope,
				unit:   "branch",
				unitID: branch.ID,
				extra:  map[string]any{"branch": branch.ID},
			})
			if err != nil {
				// A group cancellation is not a verdict on this branch.
				// Leaving it uncommitted lets resume re-run it, with its
				// already-committed steps skipped.
				if gctx.Err() != nil && errors.Is(err, gctx.Err()) {
					return err
				}
				if abort || types.IsBudgetExceeded(err) {
					return types.NewErrorf(types.ErrExecution,
						"branch %q failed", branch.ID).WithCause(err).WithUnit(branch.ID)
				}
				es.Logger.Warn("branch failed, continuing",
					zap.String("branch", branch.ID),
					zap.Error(err),
				)
				return es.commit(gctx, func() {
					es.State.Pattern.SetBranchResult(session.BranchRecord{
						ID:    branch.ID,
						Error: err.Error(),
					})
				})
			}
			if out.Paused {
				paused.Store(true)
				return errBranchPaused
			}

			return es.commit(gctx, func() {
				es.State.Pattern.SetBranchResult(session.BranchRecord{
					ID:       branch.ID,
					Response: out.Response,
				})
			})
		})
	}

	if err := g.Wait(); err != nil {
		if paused.Load() {
			// Siblings interrupted by the pause re-run on resume; their
			// committed steps are skipped.
			return Outcome{Paused: true}, nil
		}
		return Outcome{}, err
	}

	results := es.State.Pattern.BranchResults()
	failed := 0
	for _, rec := range results {
		if rec.Error != "" {
			failed++
		}
	}
	if failed == len(branches) {
		return Outcome{}, types.NewErrorf(types.ErrExecution,
			"all %d branches failed", len(branches))
	}

	return Outcome{
		Response:   joinBranchResults(branches, results),
		FinalAgent: finalBranchAgent(branches, results),
	}, nil
}

// joinBranchResults assembles the final response in deterministic branch-id
// order, reporting failures alongside successes.
func joinBranchResults(branches []spec.Branch, results map[string]session.BranchRecord) string {
	ids := make([]string, 0, len(branches))
	for _, b := range branches {
		ids = append(ids, b.ID)
	}
	sort.Strings(ids)

	var parts []string
	for _, id := range ids {
		rec, ok := results[id]
		switch {
		case !ok:
			continue
		case rec.Error != "":
			parts = append(parts, id+" failed: "+rec.Error)
		default:
			parts = append(parts, rec.Response)
		}
	}
	return strings.Join(parts, "\n\n")
}

// finalBranchAgent returns the last step's agent of the highest-sorted
// branch that succeeded.
func finalBranchAgent(branches []spec.Branch, results map[string]session.BranchRecord) string {
	byID := make(map[string]spec.Branch, len(branches))
	ids := make([]string, 0, len(branches))
	for _, b := range branches {
		byID[b.ID] = b
		ids = append(ids, b.ID)
	}
	sort.Strings(ids)

	agent := ""
	for _, id := range ids {
		rec, ok := results[id]
		if !ok || rec.Error != "" {
			continue
		}
		steps := byID[id].Steps
		if len(steps) > 0 {
			agent = steps[len(steps)-1].Agent
		}
	}
	return agent
}
