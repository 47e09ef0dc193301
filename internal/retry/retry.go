// Package retry runs a backend attempt under a per-attempt timeout and retries
// transport-class failures with linear backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/diagnosis/bus-reserve/internal/domain"
)

// Policy configures one Do call. Zero values fall back to no timeout, no
// retries and no delay.
type Policy struct {
	Timeout    time.Duration
	MaxRetries int
	RetryDelay time.Duration

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnRetry is called before every attempt after the first.
	OnRetry func(attempt int, last *domain.ReserveError)
}

// Delay returns the wait before the given attempt (1-based). The first attempt
// never waits; attempt n waits RetryDelay*(n-1).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt <= 1 || p.RetryDelay <= 0 {
		return 0
	}
	return p.RetryDelay * time.Duration(attempt-1)
}

// Do runs fn up to MaxRetries+1 times. It returns the value of the first
// successful attempt, the number of attempts made, and otherwise the last
// classified error. Terminal errors stop the loop immediately.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var zero T
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	attempts := p.MaxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	var last *domain.ReserveError
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			if p.OnRetry != nil {
				p.OnRetry(attempt, last)
			}
			if err := sleep(ctx, p.Delay(attempt)); err != nil {
				return zero, attempt - 1, domain.NewError(domain.CodeNetworkError, "", err)
			}
		}

		v, err := runAttempt(ctx, p.Timeout, fn)
		if err == nil {
			return v, attempt, nil
		}

		last = Classify(err)
		if !last.Retryable || ctx.Err() != nil {
			return zero, attempt, last
		}
	}
	return zero, attempts, last
}

// Classify turns an attempt error into a ReserveError. Classified errors pass
// through; deadlines and any other unclassified failure are network errors.
func Classify(err error) *domain.ReserveError {
	var re *domain.ReserveError
	if errors.As(err, &re) {
		return re
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return domain.NewError(domain.CodeNetworkError, "request timed out", err)
	}
	return domain.NewError(domain.CodeNetworkError, "", err)
}

type result[T any] struct {
	v   T
	err error
}

func runAttempt[T any](ctx context.Context, timeout time.Duration, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result[T], 1)
	go func() {
		v, err := fn(attemptCtx)
		done <- result[T]{v, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && attemptCtx.Err() != nil && ctx.Err() == nil {
			return r.v, domain.NewError(domain.CodeNetworkError, "request timed out", attemptCtx.Err())
		}
		return r.v, r.err
	case <-attemptCtx.Done():
		var zero T
		return zero, domain.NewError(domain.CodeNetworkError, "request timed out", attemptCtx.Err())
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
