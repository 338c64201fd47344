package pattern

import (
	"context"
	"sort"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/types"
)

// WorkflowExecutor runs a dependency DAG layer by layer. Tasks within a
// layer execute concurrently, bounded by the runtime's max concurrency.
// Each completed task is committed individually, the layer index advances
// only when the whole layer is done; a resume therefore re-executes only
// the current layer's unfinished tasks.
type WorkflowExecutor struct{}

// Run implements Executor.
func (e *WorkflowExecutor) Run(ctx context.Context, es *ExecState) (Outcome, error) {
	tasks := es.Spec.Pattern.Tasks
	layers, err := spec.Layers(tasks)
	if err != nil {
		return Outcome{}, err
	}

	byID := make(map[string]spec.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	abort := es.Spec.Runtime.OnError != spec.OnErrorContinue

	ps := es.State.Pattern
	for li := ps.LayerIndex(); li < len(layers); li++ {
		var pending []spec.Task
		for _, id := range layers[li] {
			if !ps.TaskCompleted(id) {
				pending = append(pending, byID[id])
			}
		}

		if len(pending) > 0 {
			es.Logger.Debug("executing layer",
				zap.Int("layer", li),
				zap.Int("tasks", len(pending)),
			)
			if err := es.runLayer(ctx, pending, abort); err != nil {
				return Outcome{}, err
			}
		}

		if err := es.commit(ctx, func() { ps.SetLayerIndex(li + 1) }); err != nil {
			return Outcome{}, err
		}
	}

	results := ps.TaskResults()
	failures := ps.TaskFailures()
	if len(failures) == len(tasks) {
		return Outcome{}, types.NewErrorf(types.ErrExecution,
			"all %d tasks failed", len(tasks))
	}

	lastLayer := layers[len(layers)-1]
	return Outcome{
		Response:   joinLayerResults(lastLayer, results, failures),
		FinalAgent: finalLayerAgent(lastLayer, byID, results),
	}, nil
}

// runLayer executes one layer's pending tasks concurrently. Under the
// abort policy the first failure cancels in-flight siblings and fails the
// run; under continue the failure is committed and siblings finish.
func (es *ExecState) runLayer(ctx context.Context, pending []spec.Task, abort bool) error {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(maxConcurrency(es))

	for _, task := range pending {
		task := task
		// Acquiring before launch keeps task starts in layer order under
		// a bounded concurrency.
		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)

			agent, ok := es.Spec.AgentByID(task.Agent)
			if !ok {
				return types.NewErrorf(types.ErrConfiguration,
					"task %q references unknown agent %q", task.ID, task.Agent)
			}

			extra := map[string]any{"tasks": es.taskResults()}
			response, err := es.invoke(gctx, agent, task.Vars, extra)
			if err != nil {
				if abort || types.IsBudgetExceeded(err) {
					return types.NewErrorf(types.ErrExecution,
						"task %q failed", task.ID).WithCause(err).WithUnit(task.ID)
				}
				es.Logger.Warn("task failed, continuing layer",
					zap.String("task", task.ID),
					zap.Error(err),
				)
				return es.commit(gctx, func() {
					es.State.Pattern.MarkTaskFailed(task.ID, err.Error())
				})
			}

			return es.commit(gctx, func() {
				es.State.Pattern.MarkTaskCompleted(task.ID, response)
			})
		})
	}
	return g.Wait()
}

func (es *ExecState) taskResults() map[string]string {
	es.mu.Lock()
	defer es.mu.Unlock()
	return es.State.Pattern.TaskResults()
}

func maxConcurrency(es *ExecState) int64 {
	if es.Spec.Runtime.MaxConcurrency > 0 {
		return int64(es.Spec.Runtime.MaxConcurrency)
	}
	return 1
}

// joinLayerResults assembles the final response from the last layer's
// outcomes, in deterministic task-id order.
func joinLayerResults(taskIDs []string, results, failures map[string]string) string {
	ids := append([]string(nil), taskIDs...)
	sort.Strings(ids)

	var parts []string
	for _, id := range ids {
		if r, ok := results[id]; ok {
			parts = append(parts, r)
		} else if msg, ok := failures[id]; ok {
			parts = append(parts, id+" failed: "+msg)
		}
	}
	return strings.Join(parts, "\n\n")
}

func finalLayerAgent(taskIDs []string, byID map[string]spec.Task, results map[string]string) string {
	ids := append([]string(nil), taskIDs...)
	sort.Strings(ids)

	agent := ""
	for _, id := range ids {
		if _, ok := results[id]; ok {
			agent = byID[id].Agent
		}
	}
	return agent
}
