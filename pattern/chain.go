package pattern

import (
	"context"
	"time"

	"github.com/agentloom/agentloom/hitl"
	"github.com/agentloom/agentloom/session"
	"github.com/agentloom/agentloom/spec"
	"github.com/agentloom/agentloom/template"
	"github.com/agentloom/agentloom/types"
)

// ChainExecutor runs steps strictly in order. Every committed step is
// checkpointed before the next one starts, so a resume after k of n
// committed steps performs exactly n-k further invocations.
type ChainExecutor struct{}

// Run implements Executor.
func (e *ChainExecutor) Run(ctx context.Context, es *ExecState) (Outcome, error) {
	return runChainScope(ctx, es, chainScope{
		steps: es.Spec.Pattern.Steps,
		ps:    es.State.Pattern,
		unit:  "step",
	})
}

// chainScope is one sequential run of steps over a pattern-state scope.
// The top-level chain uses the session's root scope; routing and parallel
// reuse the same machinery over nested scopes.
type chainScope struct {
	steps  []spec.Step
	ps     session.PatternState
	unit   string
	unitID string
	// extra is merged into every step's template context.
	extra map[string]any
}

func runChainScope(ctx context.Context, es *ExecState, sc chainScope) (Outcome, error) {
	recorded := sc.ps.ChainSteps()
	responses := make([]string, 0, len(sc.steps))
	finalAgent := ""
	for _, rec := range recorded {
		responses = append(responses, rec.Response)
		if !rec.Skipped {
			finalAgent = rec.Agent
		}
	}
	finalResponse := lastNonEmpty(responses)

	for i := len(recorded); i < len(sc.steps); i++ {
		step := sc.steps[i]
		agent, ok := es.Spec.AgentByID(step.Agent)
		if !ok {
			return Outcome{}, types.NewErrorf(types.ErrConfiguration,
				"step %d references unknown agent %q", i, step.Agent)
		}

		approvalText := ""
		if step.RequireApproval {
			dec, out, done, err := es.resolveGate(ctx, sc, gate{
				index:     i,
				id:        sc.unitID,
				prompt:    step.ApprovalPrompt,
				def:       step.ApprovalDefault,
				timeout:   step.ApprovalTimeout.Std(),
				onTimeout: step.OnTimeout,
			})
			if err != nil {
				return Outcome{}, err
			}
			if done {
				return out, nil
			}
			if !dec.Approved {
				// Denied: the step is cancelled and recorded as skipped,
				// the chain continues.
				if err := es.commit(ctx, func() {
					sc.ps.ClearHITL()
					sc.ps.AppendChainStep(session.StepRecord{
						Index:   i,
						Agent:   agent.ID,
						Skipped: true,
						At:      time.Now().UTC(),
					})
				}); err != nil {
					return Outcome{}, err
				}
				responses = append(responses, "")
				continue
			}
			approvalText = dec.Text
		}

		extra := map[string]any{
			"steps": append([]string(nil), responses...),
		}
		for k, v := range sc.extra {
			extra[k] = v
		}
		if approvalText != "" {
			extra["approval"] = approvalText
		}

		response, err := es.invoke(ctx, agent, step.Vars, extra)
		if err != nil {
			return Outcome{}, err
		}

		if err := es.commit(ctx, func() {
			sc.ps.ClearHITL()
			sc.ps.AppendChainStep(session.StepRecord{
				Index:    i,
				Agent:    agent.ID,
				Response: response,
				At:       time.Now().UTC(),
			})
		}); err != nil {
			return Outcome{}, err
		}

		responses = append(responses, response)
		finalResponse = response
		finalAgent = agent.ID
	}

	return Outcome{Response: finalResponse, FinalAgent: finalAgent}, nil
}

// gate describes one approval gate about to be resolved.
type gate struct {
	index     int
	id        string
	prompt    string
	def       string
	timeout   time.Duration
	onTimeout string
}

// resolveGate resolves an approval gate. If the session is resuming on
// exactly this gate and a human response was supplied, that response is the
// decision; otherwise the coordinator is consulted. A pause decision parks
// the session and returns done=true with the paused outcome.
func (es *ExecState) resolveGate(ctx context.Context, sc chainScope, g gate) (hitl.Decision, Outcome, bool, error) {
	marker, hasMarker := sc.ps.HITL()
	atMarker := hasMarker &&
		marker.Unit == sc.unit &&
		marker.UnitIndex == g.index &&
		marker.UnitID == g.id

	if atMarker {
		if resp := es.takeResume(); resp != nil {
			return hitl.Decision{Approved: resp.Approved, Text: resp.Text}, Outcome{}, false, nil
		}
	}

	prompt := g.prompt
	if rendered, err := template.RenderStrings(g.prompt, es.State.Variables); err == nil {
		prompt = rendered
	}

	dec, err := es.HITL.Decide(ctx, hitl.Interrupt{
		Unit:      sc.unit,
		UnitIndex: g.index,
		UnitID:    g.id,
		Prompt:    prompt,
		Default:   g.def,
		Timeout:   g.timeout,
		Fallback:  hitl.ParseFallback(g.onTimeout),
	})
	if err != nil {
		return hitl.Decision{}, Outcome{}, false, err
	}
	if dec.Pause {
		out, err := es.pause(ctx, sc.ps, session.HITLState{
			Unit:           sc.unit,
			UnitIndex:      g.index,
			UnitID:         g.id,
			Prompt:         prompt,
			Default:        g.def,
			TimeoutSeconds: int(g.timeout / time.Second),
		})
		return hitl.Decision{}, out, true, err
	}
	return dec, Outcome{}, false, nil
}

func lastNonEmpty(responses []string) string {
	for i := len(responses) - 1; i >= 0; i-- {
		if responses[i] != "" {
			return responses[i]
		}
	}
	return ""
}
