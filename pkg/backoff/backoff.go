// Package backoff provides the retry policy used for per-device command
// dispatch: exponential delays with a cap and a bounded attempt budget,
// testable in isolation from any network I/O.
package backoff

import (
	"context"
	"errors"
	"time"

	"k8s.io/apimachinery/pkg/util/wait"
)

// Policy parameterizes retry-with-backoff.
type Policy struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries int
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
}

// Default returns the deployment dispatch policy: 3 retries, 1s initial
// delay, doubled each attempt, capped at 30s.
func Default() Policy {
	return Policy{
		MaxRetries:   3,
		InitialDelay: time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2,
	}
}

// Delay returns the delay preceding the given retry (0-based). Delays are
// non-decreasing and never exceed MaxDelay.
func (p Policy) Delay(retry int) time.Duration {
	d := p.InitialDelay
	for i := 0; i < retry; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Attempts is the total attempt budget (first attempt plus retries).
func (p Policy) Attempts() int {
	return p.MaxRetries + 1
}

func (p Policy) backoff() wait.Backoff {
	return wait.Backoff{
		Duration: p.InitialDelay,
		Factor:   p.Multiplier,
		Cap:      p.MaxDelay,
		Steps:    p.Attempts(),
	}
}

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retry gives up immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry runs op until it succeeds, the attempt budget is exhausted, op
// returns a Permanent error, or ctx is cancelled. The last error is returned.
func (p Policy) Retry(ctx context.Context, op func(ctx context.Context) error) error {
	var lastErr error
	err := wait.ExponentialBackoffWithContext(ctx, p.backoff(), func(ctx context.Context) (bool, error) {
		lastErr = op(ctx)
		if lastErr == nil {
			return true, nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			lastErr = perm.err
			return false, lastErr
		}
		return false, nil
	})
	if err != nil && lastErr != nil {
		return lastErr
	}
	return err
}
