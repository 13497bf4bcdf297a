package workflow

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidRetryPolicy indicates a retry policy that violates its
// constraints (see RetryPolicy.Validate).
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy defines automatic retry configuration for failing steps.
//
// When a step attempt fails, the policy determines how many attempts are
// allowed and how long to wait between them. Backoff is exponential and
// capped: delay(n) = min(DelaySeconds * BackoffMultiplier^(n-1),
// MaxDelaySeconds) for the n-th failed attempt.
//
// The delay is deliberately deterministic (no jitter): step.retrying
// events carry the exact delay, and tests assert on it. Step locks
// already serialize executors, so synchronized retries across a fleet
// are not a concern here.
type RetryPolicy struct {
	// MaxAttempts is the total number of execution attempts, including
	// the first. Must be >= 1; 1 means no retries.
	MaxAttempts int `json:"max_attempts"`

	// DelaySeconds is the base delay before the first retry. Must be >= 1.
	DelaySeconds int `json:"delay_seconds"`

	// BackoffMultiplier scales the delay for each subsequent retry.
	// Must be >= 1.0.
	BackoffMultiplier float64 `json:"backoff_multiplier"`

	// MaxDelaySeconds caps the computed delay. Must be >= DelaySeconds.
	MaxDelaySeconds int `json:"max_delay_seconds"`
}

// DefaultRetryPolicy returns the policy applied to steps that do not
// configure their own: three attempts, 1s base delay doubling up to 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		DelaySeconds:      1,
		BackoffMultiplier: 2.0,
		MaxDelaySeconds:   60,
	}
}

// Validate checks the policy constraints:
//   - MaxAttempts >= 1
//   - DelaySeconds >= 1
//   - BackoffMultiplier >= 1.0
//   - MaxDelaySeconds >= DelaySeconds
//
// A zero-valued policy is also accepted; it is normalized to
// DefaultRetryPolicy at execution time.
func (rp RetryPolicy) Validate() error {
	if rp == (RetryPolicy{}) {
		return nil
	}
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.DelaySeconds < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.BackoffMultiplier < 1.0 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelaySeconds < rp.DelaySeconds {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// orDefault normalizes a zero-valued policy to the default.
func (rp RetryPolicy) orDefault() RetryPolicy {
	if rp == (RetryPolicy{}) {
		return DefaultRetryPolicy()
	}
	return rp
}

// backoffDelay computes the wait before retrying a failed step.
//
// attempt is 1-indexed: the delay after the n-th failed attempt is
// DelaySeconds * BackoffMultiplier^(n-1), capped at MaxDelaySeconds.
// Consecutive delays are therefore non-decreasing and bounded, which
// the event-stream invariants rely on.
func (rp RetryPolicy) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := float64(rp.DelaySeconds) * math.Pow(rp.BackoffMultiplier, float64(attempt-1))
	if capped := float64(rp.MaxDelaySeconds); delay > capped {
		delay = capped
	}

	return time.Duration(delay * float64(time.Second))
}
