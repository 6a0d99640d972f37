package docstore

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy is the single retry/backoff policy injected into every store
// client. Centralizing it keeps behavior uniform and testable in isolation.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultRetryPolicy matches the store defaults: 3 attempts, 100ms base,
// 2s ceiling.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, BaseBackoff: 100 * time.Millisecond, MaxBackoff: 2 * time.Second}
}

// Do runs fn, retrying transient failures with exponential backoff. Logical
// failures (not-found, missing-index) are never retried: retrying them cannot
// change the outcome.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	backoff := p.BaseBackoff
	for i := 0; i < attempts; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var mie *MissingIndexError
		if errors.Is(lastErr, ErrNotFound) || errors.As(lastErr, &mie) {
			return lastErr
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
		if p.MaxBackoff > 0 && backoff > p.MaxBackoff {
			backoff = p.MaxBackoff
		}
	}
	return lastErr
}
