package retry

import (
	"time"

	"github.com/agentloom/agentloom/types"
)

// Policy defines the retry behavior for agent invocations.
// It is a value object validated eagerly at construction, before any
// execution starts.
type Policy struct {
	// MaxAttempts is the total number of invocation attempts (retries + 1).
	MaxAttempts int
	// WaitMin is the backoff before the first retry.
	WaitMin time.Duration
	// WaitMax caps the exponential backoff.
	WaitMax time.Duration
}

// DefaultPolicy returns the default policy: 3 attempts, 1s..60s backoff.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		WaitMin:     1 * time.Second,
		WaitMax:     60 * time.Second,
	}
}

// NewPolicy builds a Policy from a retry count and backoff bounds.
// Violations are configuration errors, raised before any execution.
func NewPolicy(retries int, waitMin, waitMax time.Duration) (Policy, error) {
	if retries < 0 {
		return Policy{}, types.NewErrorf(types.ErrConfiguration,
			"retries must be >= 0, got %d", retries)
	}
	if waitMin <= 0 {
		waitMin = time.Second
	}
	if waitMax <= 0 {
		waitMax = 60 * time.Second
	}
	if waitMin > waitMax {
		return Policy{}, types.NewErrorf(types.ErrConfiguration,
			"wait_min %s exceeds wait_max %s", waitMin, waitMax)
	}
	return Policy{
		MaxAttempts: retries + 1,
		WaitMin:     waitMin,
		WaitMax:     waitMax,
	}, nil
}
