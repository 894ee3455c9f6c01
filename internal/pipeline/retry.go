package pipeline

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy defines retry behavior for the pre-cleanup and schema steps
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	MaxDelay        time.Duration
	Multiplier      float64
	RandomizeFactor float64
}

// NewRetryPolicy creates a policy with exponential backoff starting at
// initialDelay. Fewer than one attempt is treated as one.
func NewRetryPolicy(maxAttempts int, initialDelay time.Duration) *RetryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &RetryPolicy{
		MaxAttempts:     maxAttempts,
		InitialDelay:    initialDelay,
		MaxDelay:        5 * time.Minute,
		Multiplier:      2.0,
		RandomizeFactor: 0.25,
	}
}

// NoRetryPolicy returns a policy that runs once
func NoRetryPolicy() *RetryPolicy {
	return &RetryPolicy{MaxAttempts: 1}
}

// Execute calls fn until it succeeds, the attempts are used up, or ctx is
// done. fn receives the 1-based attempt number. The last error is returned
// unchanged so callers can inspect it.
func (rp *RetryPolicy) Execute(ctx context.Context, fn func(attempt int) error) error {
	return rp.ExecuteWithCondition(ctx, fn, func(error) bool { return true })
}

// ExecuteWithCondition is Execute that stops early when shouldRetry rejects
// an error.
func (rp *RetryPolicy) ExecuteWithCondition(ctx context.Context, fn func(attempt int) error, shouldRetry func(error) bool) error {
	var lastErr error

	for attempt := 0; attempt < rp.MaxAttempts; attempt++ {
		err := fn(attempt + 1)
		if err == nil {
			return nil
		}
		lastErr = err

		if !shouldRetry(err) || attempt == rp.MaxAttempts-1 {
			break
		}

		timer := time.NewTimer(rp.calculateDelay(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return lastErr
		case <-timer.C:
		}
	}

	return lastErr
}

// calculateDelay calculates the delay before the attempt following attempt
func (rp *RetryPolicy) calculateDelay(attempt int) time.Duration {
	delay := float64(rp.InitialDelay) * math.Pow(rp.Multiplier, float64(attempt))

	if rp.MaxDelay > 0 && delay > float64(rp.MaxDelay) {
		delay = float64(rp.MaxDelay)
	}

	if rp.RandomizeFactor > 0 {
		delta := delay * rp.RandomizeFactor
		minDelay := delay - delta
		maxDelay := delay + delta
		delay = minDelay + (rand.Float64() * (maxDelay - minDelay)) //nolint:gosec // G404: jitter only
	}

	return time.Duration(delay)
}

// GetDelay returns the delay after a given attempt (for testing/preview)
func (rp *RetryPolicy) GetDelay(attempt int) time.Duration {
	return rp.calculateDelay(attempt)
}
