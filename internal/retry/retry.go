package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ErrTransientIO marks a store operation that kept failing after its retries.
var ErrTransientIO = errors.New("transient io")

// Policy is a bounded fixed-delay retry.
type Policy struct {
	Attempts uint
	Delay    time.Duration
}

// StorePolicy is the retry applied to store writes.
func StorePolicy() Policy {
	return Policy{Attempts: 3, Delay: 50 * time.Millisecond}
}

// TransientError wraps the last store error once retries are exhausted.
type TransientError struct {
	Op       string
	Attempts uint
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient io: %s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// Is reports ErrTransientIO.
func (e *TransientError) Is(target error) bool { return target == ErrTransientIO }

// Permanent stops retries for err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Do runs fn with policy. Context errors and errors wrapped by Permanent are not retried.
func Do(ctx context.Context, op string, policy Policy, fn func(ctx context.Context) error) error {
	_, err := Value(ctx, op, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Value is Do for operations returning a result.
func Value[T any](ctx context.Context, op string, policy Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if policy.Attempts == 0 {
		policy.Attempts = 1
	}
	var zero T
	attempts := uint(0)
	stopped := false
	res, err := backoff.Retry(ctx, func() (T, error) {
		attempts++
		value, err := fn(ctx)
		if err == nil {
			return value, nil
		}
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			stopped = true
			return value, err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			stopped = true
			return value, backoff.Permanent(err)
		}
		return value, err
	},
		backoff.WithBackOff(backoff.NewConstantBackOff(policy.Delay)),
		backoff.WithMaxTries(policy.Attempts),
	)
	if err == nil {
		return res, nil
	}
	// Retry unwraps PermanentError itself; the flag keeps non-retryable errors untouched.
	if stopped {
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return zero, permanent.Err
		}
		return zero, err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return zero, err
	}
	return zero, &TransientError{Op: op, Attempts: attempts, Err: err}
}
