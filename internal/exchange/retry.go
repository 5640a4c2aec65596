package exchange

import (
	"context"
	"time"
)

const maxBackoff = 10 * time.Second

// WithRetry runs fn up to attempts times with exponential backoff.
// Only transient errors are retried; auth errors and context
// cancellation abort immediately.
func WithRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	var err error
	backoff := base
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return err
}
