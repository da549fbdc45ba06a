package storage

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy bounds how often a failed backend call is repeated. Delays
// double from Initial up to Max.
type RetryPolicy struct {
	Attempts int
	Initial  time.Duration
	Max      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 4, Initial: 100 * time.Millisecond, Max: 2 * time.Second}
}

// Do runs op until it succeeds, returns a non-retryable error, the attempts
// run out, or ctx is done.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) || attempt == attempts-1 {
			break
		}
		select {
		case <-time.After(p.Backoff(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// Backoff returns the wait after the given zero-based failed attempt.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	delay := p.Initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if p.Max > 0 && delay >= p.Max {
			return p.Max
		}
	}
	if p.Max > 0 {
		return min(delay, p.Max)
	}
	return delay
}

func retryable(err error) bool {
	switch {
	case errors.Is(err, ErrObjectNotFound),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, errInvalidKey):
		return false
	}
	return true
}
