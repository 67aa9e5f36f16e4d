// Package retry provides bounded retry with exponential backoff for transient
// failures of external collaborators (embedding providers, index backends).
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Default policy: one retry after a short jittered pause.
const (
	DefaultMaxRetries = 1
	DefaultBaseDelay  = 200 * time.Millisecond
	DefaultMaxDelay   = 2 * time.Second
)

// Policy bounds how often and how long Do waits between attempts.
type Policy struct {
	MaxRetries int // Attempts after the first; zero disables retrying
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy returns the engine-wide policy for transient failures.
func DefaultPolicy() Policy {
	return Policy{
		MaxRetries: DefaultMaxRetries,
		BaseDelay:  DefaultBaseDelay,
		MaxDelay:   DefaultMaxDelay,
	}
}

// Backoff returns the delay before the given attempt (1-indexed) using
// exponential backoff with full jitter, capped at MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay > 0 {
		delay = time.Duration(rand.Int64N(int64(delay) + 1))
	}
	return delay
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Do runs fn until it succeeds, returns a Permanent error, the context ends,
// or the policy's retries are exhausted.
func Do(ctx context.Context, p Policy, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(p.Backoff(attempt)):
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err
		if ctx.Err() != nil {
			return lastErr
		}
	}
	if p.MaxRetries == 0 {
		return lastErr
	}
	return fmt.Errorf("%w (after %d retries)", lastErr, p.MaxRetries)
}
