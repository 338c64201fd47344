package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/types"
)

// Retryer runs functions under a Policy with exponential backoff.
// Only transient errors are retried; permanent and configuration errors
// propagate immediately. Exhaustion escalates to an execution error.
type Retryer struct {
	policy Policy
	logger *zap.Logger

	// sleep is replaceable in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a Retryer for the given policy.
func NewRetryer(policy Policy, logger *zap.Logger) *Retryer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retryer{
		policy: policy,
		logger: logger.With(zap.String("component", "retryer")),
		sleep:  sleepCtx,
	}
}

// Do runs fn, retrying transient failures per the policy.
func (r *Retryer) Do(ctx context.Context, fn func() error) error {
	_, err := r.DoText(ctx, func() (string, error) {
		return "", fn()
	})
	return err
}

// DoText runs fn and returns its text result, retrying transient failures
// with exponential backoff capped at the policy's wait_max.
func (r *Retryer) DoText(ctx context.Context, fn func() (string, error)) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := r.backoff(attempt)
			r.logger.Debug("retrying after transient failure",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", r.policy.MaxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr),
			)
			if err := r.sleep(ctx, delay); err != nil {
				return "", err
			}
		}

		result, err := fn()
		if err == nil {
			if attempt > 1 {
				r.logger.Info("retry succeeded", zap.Int("attempt", attempt))
			}
			return result, nil
		}
		lastErr = err

		if !types.IsTransient(err) {
			// Permanent and configuration failures are never retried.
			return "", err
		}
	}

	r.logger.Warn("retry attempts exhausted",
		zap.Int("attempts", r.policy.MaxAttempts),
		zap.Error(lastErr),
	)
	return "", types.NewErrorf(types.ErrExecution,
		"failed after %d attempts", r.policy.MaxAttempts).WithCause(lastErr)
}

// backoff computes the delay before the given attempt (attempt >= 2).
// Exponential with factor 2, capped at wait_max, with ±25% jitter to avoid
// synchronized retries.
func (r *Retryer) backoff(attempt int) time.Duration {
	delay := float64(r.policy.WaitMin) * math.Pow(2, float64(attempt-2))
	if delay > float64(r.policy.WaitMax) {
		delay = float64(r.policy.WaitMax)
	}

	jitter := delay * 0.25
	delay += (rand.Float64()*2 - 1) * jitter

	if delay < float64(r.policy.WaitMin) {
		delay = float64(r.policy.WaitMin)
	}
	return time.Duration(delay)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
