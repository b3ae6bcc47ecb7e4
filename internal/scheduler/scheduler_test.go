package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edgefleet/internal/apperr"
)

func TestNewValidatesTasks(t *testing.T) {
	noop := func(context.Context) (int, error) { return 0, nil }

	_, err := New(nil, Task{Name: "", Run: noop})
	assert.Error(t, err)
	_, err = New(nil, Task{Name: "a", Run: noop}, Task{Name: "a", Run: noop})
	assert.Error(t, err)

	s, err := New(nil, Task{Name: "b", Run: noop}, Task{Name: "a", Every: time.Second, Run: noop})
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, s.Tasks())
	assert.Equal(t, DefaultCadence, s.tasks["b"].Every)
}

func TestRunNow(t *testing.T) {
	s, err := New(nil, Task{Name: TaskOfflineSweep, Run: func(context.Context) (int, error) { return 3, nil }})
	require.NoError(t, err)

	n, err := s.RunNow(context.Background(), TaskOfflineSweep)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	_, err = s.RunNow(context.Background(), "missing")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestLoopKeepsRunningAfterErrors(t *testing.T) {
	var calls atomic.Int32
	s, err := New(nil, Task{
		Name:  TaskEscalationSweep,
		Every: 5 * time.Millisecond,
		Run: func(context.Context) (int, error) {
			if calls.Add(1)%2 == 1 {
				return 0, errors.New("store down")
			}
			return 1, nil
		},
	})
	require.NoError(t, err)

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return calls.Load() >= 4 }, time.Second, time.Millisecond)
	s.Stop()

	after := calls.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, calls.Load())
}

func TestPanicIsReportedAsError(t *testing.T) {
	s, err := New(nil, Task{Name: "boom", Run: func(context.Context) (int, error) { panic("nil map") }})
	require.NoError(t, err)

	_, err = s.RunNow(context.Background(), "boom")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestRunsDoNotOverlap(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	s, err := New(nil, Task{Name: "slow", Run: func(context.Context) (int, error) {
		cur := active.Add(1)
		if cur > peak.Load() {
			peak.Store(cur)
		}
		<-release
		active.Add(-1)
		return 0, nil
	}})
	require.NoError(t, err)

	done := make(chan struct{}, 2)
	for i := 0; i < 2; i++ {
		go func() {
			_, _ = s.RunNow(context.Background(), "slow")
			done <- struct{}{}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	<-done
	<-done
	assert.Equal(t, int32(1), peak.Load())
}
