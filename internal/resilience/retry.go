package resilience

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// maxJitter is the upper bound of the random component added to every
// computed backoff delay.
const maxJitter = 100 * time.Millisecond

// RetryPolicy parameterizes retry behaviour for outbound calls.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts int

	// InitialDelay seeds the exponential backoff.
	InitialDelay time.Duration

	// MaxDelay caps the computed delay before jitter.
	MaxDelay time.Duration

	// sleep is replaceable for tests.
	sleep func(context.Context, time.Duration) error
}

type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// Retryable marks an error as eligible for retry: network-level failures,
// idempotent-request failures and 5xx responses. Unmarked errors are
// permanent and returned immediately.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// IsRetryable reports whether err carries the retryable marker.
func IsRetryable(err error) bool {
	var marker *retryableError
	return errors.As(err, &marker)
}

// Delay computes the backoff before the given attempt (1-based):
// min(initial * 2^(attempt-1), max) plus random jitter.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay << (attempt - 1)
	if delay > p.MaxDelay || delay < 0 {
		delay = p.MaxDelay
	}
	return delay + rand.N(maxJitter)
}

// Do runs op, retrying marked-retryable failures up to MaxAttempts with
// exponential backoff. The retryable marker is stripped from the returned
// error. Context cancellation interrupts the backoff sleep.
func (p RetryPolicy) Do(ctx context.Context, op func(context.Context) error) error {
	sleep := p.sleep
	if sleep == nil {
		sleep = sleepContext
	}

	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = op(ctx)
		if err == nil || !IsRetryable(err) || attempt >= attempts {
			break
		}

		if sleepErr := sleep(ctx, p.Delay(attempt)); sleepErr != nil {
			return sleepErr
		}
	}

	var marker *retryableError
	if errors.As(err, &marker) {
		return marker.err
	}
	return err
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
