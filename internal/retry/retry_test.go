package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fastPolicy = Policy{Attempts: 3, Delay: time.Millisecond}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "write", fastPolicy, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDoWrapsExhaustedErrorAsTransient(t *testing.T) {
	calls := 0
	err := Do(context.Background(), "write", fastPolicy, func(context.Context) error {
		calls++
		return errors.New("connection reset")
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTransientIO))
	var transient *TransientError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, uint(3), transient.Attempts)
	assert.Equal(t, "write", transient.Op)
	assert.Equal(t, 3, calls)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	sentinel := errors.New("bad input")
	calls := 0
	err := Do(context.Background(), "write", fastPolicy, func(context.Context) error {
		calls++
		return Permanent(sentinel)
	})
	assert.ErrorIs(t, err, sentinel)
	assert.False(t, errors.Is(err, ErrTransientIO))
	assert.Equal(t, 1, calls)
}

func TestValueReturnsResult(t *testing.T) {
	got, err := Value(context.Background(), "read", fastPolicy, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, got)
}

func TestPermanentNotFoundKeepsItsIdentity(t *testing.T) {
	notFound := errors.New("device x: not found")
	_, err := Value(context.Background(), "device lookup", fastPolicy, func(context.Context) (int, error) {
		return 0, Permanent(notFound)
	})
	require.Error(t, err)
	assert.Same(t, notFound, err)
	var transient *TransientError
	assert.False(t, errors.As(err, &transient))
}

func TestCancelledContextIsNotTransient(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Do(ctx, "write", fastPolicy, func(ctx context.Context) error {
		return ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.Is(err, ErrTransientIO))
}
