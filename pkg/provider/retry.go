package provider

import (
	"context"
	"time"
)

// RetryPolicy defines bounded retry with optional exponential backoff for
// individual provider API calls. Job-level retry is handled separately by the
// transfer pipeline.
type RetryPolicy struct {
	MaxRetries         int           `json:"max_retries"`
	InitialDelay       time.Duration `json:"initial_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`
}

// DefaultRetryPolicy matches the providers' throttling guidance.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxRetries:         3,
		InitialDelay:       2 * time.Second,
		ExponentialBackoff: true,
	}
}

// Do runs operation up to MaxRetries+1 times, backing off between attempts.
// Auth, not-found and validation errors abort immediately; only transient
// provider errors are retried here.
func (rp *RetryPolicy) Do(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt <= rp.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := rp.InitialDelay
			if rp.ExponentialBackoff {
				delay = delay * time.Duration(1<<uint(attempt-1))
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		if lastErr = operation(); lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
	}

	return lastErr
}
