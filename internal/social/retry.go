package social

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy defines how transient failures of idempotent calls are retried.
type RetryPolicy struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryPolicy returns the policy used for reads and media uploads.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// NoRetry disables retries.
func NoRetry() RetryPolicy {
	return RetryPolicy{}
}

// retryable reports whether err is a transient PlatformError. Rate limits
// are not retried here; the caller decides what to do with them.
func retryable(err error) bool {
	return IsKind(err, KindTransient)
}

// Retry executes fn with exponential backoff while it keeps failing with a
// transient error.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !retryable(err) {
			return err
		}

		// Don't sleep after the last attempt
		if attempt == policy.MaxRetries {
			break
		}

		backoff := calculateBackoff(policy, attempt)

		var perr *PlatformError
		if errors.As(err, &perr) && perr.RetryAfter > 0 {
			backoff = perr.RetryAfter
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", errors.Join(ctx.Err(), lastErr))
		case <-timer.C:
		}
	}

	if policy.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("max retries exceeded (%d): %w", policy.MaxRetries, lastErr)
}

// calculateBackoff computes the backoff duration for a given attempt.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	// initialBackoff * (factor ^ attempt)
	backoff := float64(policy.InitialBackoff) * math.Pow(policy.BackoffFactor, float64(attempt))

	if backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}

	duration := time.Duration(backoff)

	// +/-10%
	if policy.Jitter {
		duration += time.Duration(float64(duration) * 0.1 * (2*rand.Float64() - 1))
	}

	return duration
}
