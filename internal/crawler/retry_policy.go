package crawler

import (
	"errors"
	"time"
)

// ExponentialRetryPolicy decides whether a failed job is re-queued and when.
type ExponentialRetryPolicy struct {
	maxDelay time.Duration
}

// NewExponentialRetryPolicy builds a policy whose delays never exceed maxDelay.
// A zero maxDelay disables the cap.
func NewExponentialRetryPolicy(maxDelay time.Duration) *ExponentialRetryPolicy {
	return &ExponentialRetryPolicy{maxDelay: maxDelay}
}

// ShouldRetry reports whether the item has attempts left and the error is retryable.
func (p *ExponentialRetryPolicy) ShouldRetry(err error, item QueueItem) bool {
	if err == nil || errors.Is(err, ErrPermanent) {
		return false
	}
	return item.Attempt < item.MaxAttempts
}

// Backoff returns item.Backoff * 2^(attempt-1) for the attempt that just failed.
func (p *ExponentialRetryPolicy) Backoff(item QueueItem) time.Duration {
	delay := item.Backoff
	for i := 1; i < item.Attempt; i++ {
		delay *= 2
		if p.maxDelay > 0 && delay >= p.maxDelay {
			return p.maxDelay
		}
	}
	if p.maxDelay > 0 && delay > p.maxDelay {
		return p.maxDelay
	}
	return delay
}
