package presence

import (
	"context"
	"fmt"
	"time"
)

var defaultRetryBackoff = []time.Duration{
	0,
	time.Second,
	5 * time.Second,
	15 * time.Second,
}

// RetryPolicy retries an operation a bounded number of times with a delay
// schedule. Attempts beyond the schedule length reuse the last delay.
type RetryPolicy struct {
	// MaxAttempts bounds the total number of calls. Values < 1 mean one call.
	MaxAttempts int
	// Backoff holds the delay applied before each attempt. Empty uses the
	// default schedule.
	Backoff []time.Duration
}

func (p RetryPolicy) delayForAttempt(attempt int) time.Duration {
	backoff := p.Backoff
	if len(backoff) == 0 {
		backoff = defaultRetryBackoff
	}
	if attempt < len(backoff) {
		return backoff[attempt]
	}
	return backoff[len(backoff)-1]
}

// Do runs fn until it succeeds, attempts are exhausted, or ctx is cancelled.
// The terminal failure wraps the last error returned by fn.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if delay := p.delayForAttempt(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			}
		}

		if err := fn(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	return fmt.Errorf("retries exhausted after %d attempts: %w", attempts, lastErr)
}
