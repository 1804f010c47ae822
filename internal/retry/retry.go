package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jpillora/backoff"
)

// ErrPermanent marks an error that must not be retried; wrap it with Permanent
var ErrPermanent = errors.New("permanent error")

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() []error { return []error{e.err, ErrPermanent} }

// Permanent stops Do from retrying err
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// RetryConfig represents retry configuration
type RetryConfig struct {
	MaxRetries int
	// RetryDelay is the first delay; it doubles per attempt up to MaxDelay
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Jitter     bool
}

// Do executes a function with retry logic
func Do(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 1
	}
	b := &backoff.Backoff{
		Min:    cfg.RetryDelay,
		Max:    cfg.MaxDelay,
		Factor: 2,
		Jitter: cfg.Jitter,
	}
	if b.Max <= 0 {
		b.Max = 10 * time.Second
	}

	var lastErr error
	for i := 0; i < cfg.MaxRetries; i++ {
		// Check context cancellation
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrPermanent) {
			return err
		}

		lastErr = err

		// Don't retry on last attempt
		if i < cfg.MaxRetries-1 {
			timer := time.NewTimer(b.Duration())
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}
