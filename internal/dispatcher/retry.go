package dispatcher

import "time"

const (
	// DefaultMaxAttempts is the retry ceiling when config leaves it unset.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the fixed requeue delay between attempts.
	DefaultRetryDelay = 30 * time.Second
)

// RetryPolicy decides when a failing item becomes terminally failed and how
// long a requeued item waits before becoming eligible again. The backoff is
// a fixed delay: no exponential growth, no jitter.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy returns the fixed-delay policy with a ceiling of
// DefaultMaxAttempts.
func DefaultRetryPolicy() RetryPolicy {
	return FixedDelayPolicy(DefaultMaxAttempts, DefaultRetryDelay)
}

// FixedDelayPolicy builds a policy with the given ceiling and a constant
// requeue delay regardless of attempt number.
func FixedDelayPolicy(maxAttempts int, delay time.Duration) RetryPolicy {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	if delay <= 0 {
		delay = DefaultRetryDelay
	}
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		Backoff: func(int) time.Duration {
			return delay
		},
	}
}

// Exhausted reports whether an item that has been claimed attempts times
// has no retries left.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return attempts >= p.MaxAttempts
}

// RetryDelay returns the wait before the next attempt becomes eligible.
func (p RetryPolicy) RetryDelay(attempt int) time.Duration {
	if p.Backoff == nil {
		return DefaultRetryDelay
	}
	return p.Backoff(attempt)
}
