package kernel

import (
	"math/rand"
	"time"
)

// RetryPolicy configures the delay between re-runs of a failed stage.
// Exponential backoff with jitter avoids synchronized retry storms when many
// workflows hit the same failing collaborator.
type RetryPolicy struct {
	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the exponential growth.
	MaxDelay time.Duration
}

// DefaultRetryPolicy backs off from one second up to thirty.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Second, MaxDelay: 30 * time.Second}
}

// Delay computes the backoff before retry number attempt (zero-based):
// min(base * 2^attempt, max) + jitter(0, base).
func (p RetryPolicy) Delay(attempt int, rng *rand.Rand) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	delay := p.BaseDelay * (1 << attempt)
	if delay > p.MaxDelay || delay <= 0 {
		delay = p.MaxDelay
	}
	if rng != nil {
		delay += time.Duration(rng.Int63n(int64(p.BaseDelay)))
	}
	return delay
}
