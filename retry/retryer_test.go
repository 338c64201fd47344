package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/agentloom/agentloom/types"
)

func noSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}

func newTestRetryer(t *testing.T, retries int) *Retryer {
	t.Helper()
	policy, err := NewPolicy(retries, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	r := NewRetryer(policy, zap.NewNop())
	r.sleep = noSleep
	return r
}

func TestNewPolicyValidation(t *testing.T) {
	_, err := NewPolicy(-1, time.Second, time.Minute)
	assert.True(t, types.IsConfiguration(err))

	_, err = NewPolicy(3, time.Minute, time.Second)
	assert.True(t, types.IsConfiguration(err))

	p, err := NewPolicy(2, time.Second, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 3, p.MaxAttempts)
}

func TestNewPolicyDefaultsZeroWaits(t *testing.T) {
	p, err := NewPolicy(0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.MaxAttempts)
	assert.Equal(t, time.Second, p.WaitMin)
	assert.Equal(t, 60*time.Second, p.WaitMax)
}

func TestDoTextRetriesTransient(t *testing.T) {
	r := newTestRetryer(t, 3)

	calls := 0
	result, err := r.DoText(context.Background(), func() (string, error) {
		calls++
		if calls < 3 {
			return "", types.NewError(types.ErrTransient, "timeout")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, calls)
}

func TestDoTextPermanentNotRetried(t *testing.T) {
	r := newTestRetryer(t, 3)

	calls := 0
	_, err := r.DoText(context.Background(), func() (string, error) {
		calls++
		return "", types.NewError(types.ErrPermanent, "bad request")
	})

	assert.True(t, types.IsPermanent(err))
	assert.Equal(t, 1, calls)
}

func TestDoTextExhaustionEscalates(t *testing.T) {
	r := newTestRetryer(t, 2)

	calls := 0
	_, err := r.DoText(context.Background(), func() (string, error) {
		calls++
		return "", types.NewError(types.ErrTransient, "timeout")
	})

	assert.Equal(t, 3, calls)
	assert.True(t, types.IsCode(err, types.ErrExecution))
	// The transient cause stays reachable for diagnosis.
	var inner *types.Error
	require.True(t, errors.As(errors.Unwrap(err), &inner))
	assert.Equal(t, types.ErrTransient, inner.Code)
}

func TestDoTextContextCancelled(t *testing.T) {
	r := newTestRetryer(t, 5)

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := r.DoText(ctx, func() (string, error) {
		calls++
		cancel()
		return "", types.NewError(types.ErrTransient, "timeout")
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestBackoffCappedAtWaitMax(t *testing.T) {
	policy, err := NewPolicy(10, time.Second, 4*time.Second)
	require.NoError(t, err)
	r := NewRetryer(policy, zap.NewNop())

	for attempt := 2; attempt <= 11; attempt++ {
		d := r.backoff(attempt)
		// Cap plus 25% jitter headroom.
		assert.LessOrEqual(t, d, 5*time.Second, "attempt %d", attempt)
		assert.GreaterOrEqual(t, d, time.Second, "attempt %d", attempt)
	}
}
