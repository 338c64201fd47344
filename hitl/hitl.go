// Package hitl coordinates human-in-the-loop approval gates. A gated unit
// asks the coordinator for a decision; depending on the configured prompter
// the run either blocks on a synchronous human answer or pauses durably
// and waits for an out-of-band resume.
package hitl

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/types"
)

// Fallback is what happens when an approval times out without an answer.
type Fallback string

const (
	// FallbackDeny cancels the gated unit and lets the run continue.
	FallbackDeny Fallback = "deny"
	// FallbackApprove proceeds as if the human had approved.
	FallbackApprove Fallback = "approve"
	// FallbackAbort fails the whole run.
	FallbackAbort Fallback = "abort"
)

// ParseFallback maps a config string onto a Fallback, defaulting to deny.
func ParseFallback(s string) Fallback {
	switch Fallback(s) {
	case FallbackApprove:
		return FallbackApprove
	case FallbackAbort:
		return FallbackAbort
	default:
		return FallbackDeny
	}
}

// Interrupt describes one approval gate about to block a run.
type Interrupt struct {
	// Unit is the kind of unit being gated: step, task, branch, or node.
	Unit string
	// UnitIndex positions indexed units (chain steps).
	UnitIndex int
	// UnitID names identified units (graph nodes).
	UnitID string
	// ActionInput is the rendered input the gated unit is about to execute.
	ActionInput string
	// Prompt is the question shown to the human.
	Prompt string
	// Default is the answer assumed when the fallback approves.
	Default string
	// Timeout bounds the synchronous wait; zero waits indefinitely.
	Timeout time.Duration
	// Fallback applies when the timeout fires without an answer.
	Fallback Fallback
}

// Response is a human answer to an interrupt.
type Response struct {
	Approved bool
	// Text optionally replaces or annotates the gated unit's input.
	Text string
}

// Decision is the coordinator's verdict on an interrupt.
type Decision struct {
	// Pause means no human is reachable in-process: the executor must
	// persist a paused session and return.
	Pause bool
	// Approved applies when Pause is false.
	Approved bool
	// Text carries the human's answer text, if any.
	Text string
}

// Prompter asks a human synchronously. Implementations block until the
// human answers or ctx is done.
type Prompter interface {
	Prompt(ctx context.Context, intr Interrupt) (Response, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, intr Interrupt) (Response, error)

func (f PrompterFunc) Prompt(ctx context.Context, intr Interrupt) (Response, error) {
	return f(ctx, intr)
}

// Coordinator resolves approval gates. With a prompter it asks inline and
// applies the timeout fallback; without one every gate becomes a durable
// pause.
type Coordinator struct {
	prompter Prompter
	logger   *zap.Logger
}

// NewCoordinator creates a coordinator. A nil prompter selects the
// non-interactive mode where every gate pauses the session.
func NewCoordinator(prompter Prompter, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		prompter: prompter,
		logger:   logger.With(zap.String("component", "hitl")),
	}
}

// Decide resolves one interrupt. It returns an error only for the abort
// fallback or a cancelled context; deny and approve outcomes are decisions,
// not errors.
func (c *Coordinator) Decide(ctx context.Context, intr Interrupt) (Decision, error) {
	if c.prompter == nil {
		c.logger.Info("pausing for approval",
			zap.String("unit", intr.Unit),
			zap.Int("unit_index", intr.UnitIndex),
			zap.String("unit_id", intr.UnitID),
		)
		return Decision{Pause: true}, nil
	}

	promptCtx := ctx
	if intr.Timeout > 0 {
		var cancel context.CancelFunc
		promptCtx, cancel = context.WithTimeout(ctx, intr.Timeout)
		defer cancel()
	}

	resp, err := c.prompter.Prompt(promptCtx, intr)
	if err == nil {
		c.logger.Info("approval answered",
			zap.String("unit", intr.Unit),
			zap.Bool("approved", resp.Approved),
		)
		return Decision{Approved: resp.Approved, Text: resp.Text}, nil
	}
	if ctx.Err() != nil {
		// The run itself was cancelled, not just the prompt window.
		return Decision{}, ctx.Err()
	}

	c.logger.Warn("approval timed out",
		zap.String("unit", intr.Unit),
		zap.Duration("timeout", intr.Timeout),
		zap.String("fallback", string(intr.Fallback)),
	)
	switch intr.Fallback {
	case FallbackApprove:
		return Decision{Approved: true, Text: intr.Default}, nil
	case FallbackAbort:
		return Decision{}, types.NewErrorf(types.ErrExecution,
			"approval for %s timed out after %s with abort fallback",
			intr.Unit, intr.Timeout)
	default:
		return Decision{Approved: false}, nil
	}
}
