// Package retry provides the bounded retry combinator shared by the RPC client
// and the history fetcher.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrExhausted is returned (wrapped) when every attempt failed.
var ErrExhausted = errors.New("retry attempts exhausted")

// Policy describes how many times an operation is attempted and how long to
// wait between attempts. The delay before attempt n (0-based, n >= 1) is
// BaseDelay * 2^(n-1), capped at MaxDelay when MaxDelay > 0.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration

	// OnRetry is called after a failed attempt that will be retried.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy mirrors the RPC defaults: 3 attempts, 1s, 2s.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Backoff returns the delay to wait after the given failed attempt (0-based).
func (p Policy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	if attempt > 30 {
		attempt = 30
	}
	d := p.BaseDelay << uint(attempt)
	if d <= 0 || (p.MaxDelay > 0 && d > p.MaxDelay) {
		return p.MaxDelay
	}
	return d
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Do returns the wrapped error
// unchanged when it sees one.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the context is
// done, or the policy runs out of attempts. There is no sleep after the final
// attempt. Exhaustion returns an error wrapping both ErrExhausted and the last
// error from op.
func Do(ctx context.Context, p Policy, op func(ctx context.Context, attempt int) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("%w: %w", lastErr, err)
			}
			return err
		}

		err := op(ctx, attempt)
		if err == nil {
			return nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == attempts-1 {
			break
		}

		delay := p.Backoff(attempt)
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, delay)
		}
		if delay <= 0 {
			continue
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w: %w", lastErr, ctx.Err())
		case <-timer.C:
		}
	}

	return fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}
