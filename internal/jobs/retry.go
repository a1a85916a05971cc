package jobs

import (
	"math"
	"time"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
	}
}

// Backoff returns BaseDelay * 2^attempts capped at MaxDelay.
// attempts is the count after the failed attempt was recorded.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempts))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}

// Exhausted reports whether a job with the given attempt count must not be
// retried again.
func (p RetryPolicy) Exhausted(attempts, maxAttempts int) bool {
	if maxAttempts <= 0 {
		maxAttempts = p.MaxAttempts
	}
	return attempts >= maxAttempts
}
