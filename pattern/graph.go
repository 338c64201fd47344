package pattern

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/types"
)

// GraphExecutor walks a conditional node graph from its entry node. Each
// executed node's output is committed before edges are evaluated, so a
// resumed walk replays the committed path without re-invoking any node.
type GraphExecutor struct{}

// Run implements Executor.
func (e *GraphExecutor) Run(ctx context.Context, es *ExecState) (Outcome, error) {
	graph := es.Spec.Pattern.Graph

	current := graph.Entry
	finalResponse := ""
	finalAgent := ""

	// The loader guarantees the edge set is acyclic; the step budget is a
	// hard stop against state corruption.
	for visited := 0; visited <= len(graph.Nodes); visited++ {
		node, ok := graph.NodeByID(current)
		if !ok {
			return Outcome{}, types.NewErrorf(types.ErrConfiguration,
				"graph references unknown node %q", current)
		}

		response, done, err := es.runNode(ctx, node)
		if err != nil {
			return Outcome{}, err
		}
		if done {
			return Outcome{Paused: true}, nil
		}
		if response != "" {
			finalResponse = response
			finalAgent = node.Agent
		}

		next, ok := nextNode(graph.Edges, current, response)
		if !ok {
			return Outcome{Response: finalResponse, FinalAgent: finalAgent}, nil
		}
		current = next
	}

	return Outcome{}, types.NewErrorf(types.ErrExecution,
		"graph walk exceeded %d nodes, state is inconsistent", len(graph.Nodes))
}

// runNode executes one node unless its output is already committed. A gated
// node consults the coordinator first; denial commits an empty output and
// the walk continues, a pause parks the session at node granularity.
func (es *ExecState) runNode(ctx context.Context, node spec.GraphNode) (response string, paused bool, err error) {
	ps := es.State.Pattern
	if committed, ok := ps.NodeResults()[node.ID]; ok {
		return committed, false, nil
	}

	if node.RequireApproval {
		dec, out, done, err := es.resolveGate(ctx, chainScope{ps: ps, unit: "node", unitID: node.ID}, gate{
			id:     node.ID,
			prompt: node.ApprovalPrompt,
		})
		if err != nil {
			return "", false, err
		}
		if done {
			return "", out.Paused, nil
		}
		if !dec.Approved {
			es.Logger.Info("node denied, recording empty output",
				zap.String("node", node.ID),
			)
			if err := es.commit(ctx, func() {
				ps.ClearHITL()
				ps.SetNodeResult(node.ID, "")
			}); err != nil {
				return "", false, err
			}
			return "", false, nil
		}
	}

	agent, ok := es.Spec.AgentByID(node.Agent)
	if !ok {
		return "", false, types.NewErrorf(types.ErrConfiguration,
			"node %q references unknown agent %q", node.ID, node.Agent)
	}

	response, err = es.invoke(ctx, agent, node.Vars, map[string]any{
		"nodes": ps.NodeResults(),
	})
	if err != nil {
		return "", false, err
	}

	if err := es.commit(ctx, func() {
		ps.ClearHITL()
		ps.SetNodeResult(node.ID, response)
	}); err != nil {
		return "", false, err
	}
	return response, false, nil
}

// nextNode picks the first outgoing edge whose condition matches the node's
// output, in declaration order.
func nextNode(edges []spec.GraphEdge, from, output string) (string, bool) {
	for _, edge := range edges {
		if edge.From != from {
			continue
		}
		if matchCondition(edge.When, output) {
			return edge.To, true
		}
	}
	return "", false
}

// matchCondition evaluates an edge guard against a node output. An empty
// guard always matches; "contains:" is a case-insensitive substring check;
// "equals:" compares the trimmed output exactly.
func matchCondition(when, output string) bool {
	switch {
	case when == "":
		return true
	case strings.HasPrefix(when, "contains:"):
		needle := strings.TrimPrefix(when, "contains:")
		return strings.Contains(strings.ToLower(output), strings.ToLower(needle))
	case strings.HasPrefix(when, "equals:"):
		return strings.TrimSpace(output) == strings.TrimPrefix(when, "equals:")
	default:
		return false
	}
}
