package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	health "edgefleet/internal/health/domain"
	syncer "edgefleet/internal/syncer/domain"
	"edgefleet/internal/syncer/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeTransport struct {
	mu         sync.Mutex
	deliverErr error
	success    bool
	reportErr  error
	delivered  []syncer.Batch
	reports    []syncer.TerminalFailure
}

func (f *fakeTransport) Deliver(_ context.Context, batch syncer.Batch) (syncer.SyncLog, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, batch)
	if f.deliverErr != nil {
		return syncer.SyncLog{}, f.deliverErr
	}
	return syncer.SyncLog{BatchID: batch.ID, Success: f.success, Accepted: len(batch.Submissions), ErrorCode: "unavailable"}, nil
}

func (f *fakeTransport) ReportFailure(_ context.Context, _ string, failure syncer.TerminalFailure) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reportErr != nil {
		return f.reportErr
	}
	f.reports = append(f.reports, failure)
	return nil
}

func newCoordinator(t *testing.T, transport Transport) (*Coordinator, *memory.Buffer, *fakeClock) {
	t.Helper()
	buf := memory.NewBuffer()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	seq := 0
	c, err := NewCoordinator(buf, transport,
		WithClock(clock),
		WithIDGenerator(func() string { seq++; return fmt.Sprintf("id-%d", seq) }),
	)
	require.NoError(t, err)
	return c, buf, clock
}

func submissions(at time.Time) []syncer.Submission {
	return []syncer.Submission{{Timestamp: at, Sample: health.Sample{CPU: 20}}}
}

func TestScheduleDelays(t *testing.T) {
	s := DefaultSchedule()
	assert.Equal(t, 5*time.Second, s.Delay(1))
	assert.Equal(t, 10*time.Second, s.Delay(2))
	assert.Equal(t, 20*time.Second, s.Delay(3))
	assert.Equal(t, 160*time.Second, s.Delay(6))
	assert.Equal(t, 5*time.Minute, s.Delay(7))
	assert.Equal(t, 5*time.Minute, s.Delay(9))
}

func TestFlushDeliversAndDrains(t *testing.T) {
	transport := &fakeTransport{success: true}
	c, buf, clock := newCoordinator(t, transport)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "dev-1", submissions(clock.Now()))
	require.NoError(t, err)

	logs, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.True(t, logs[0].Success)
	assert.Equal(t, 0, logs[0].RetryCount)
	assert.Equal(t, 1, logs[0].Accepted)

	pending, err := buf.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlushReschedulesWithBackoff(t *testing.T) {
	transport := &fakeTransport{deliverErr: errors.New("connection refused")}
	c, buf, clock := newCoordinator(t, transport)
	ctx := context.Background()

	_, err := c.Enqueue(ctx, "dev-1", submissions(clock.Now()))
	require.NoError(t, err)

	logs, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Contains(t, logs[0].ErrorMessage, "connection refused")

	pending, _ := buf.List(ctx)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].Attempts)
	assert.Equal(t, clock.Now().Add(5*time.Second), pending[0].NextAttemptAt)

	// not due yet
	logs, err = c.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)

	clock.Advance(5 * time.Second)
	logs, err = c.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, 1, logs[0].RetryCount)
	pending, _ = buf.List(ctx)
	assert.Equal(t, clock.Now().Add(10*time.Second), pending[0].NextAttemptAt)
}

func TestUnsuccessfulRemoteLogIsRetried(t *testing.T) {
	transport := &fakeTransport{success: false}
	c, buf, clock := newCoordinator(t, transport)
	ctx := context.Background()
	_, err := c.Enqueue(ctx, "dev-1", submissions(clock.Now()))
	require.NoError(t, err)

	logs, err := c.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.False(t, logs[0].Success)
	assert.Equal(t, "unavailable", logs[0].ErrorCode)
	pending, _ := buf.List(ctx)
	assert.Len(t, pending, 1)
}

func TestTerminalAfterMaxAttemptsIsReported(t *testing.T) {
	transport := &fakeTransport{deliverErr: errors.New("timeout"), reportErr: errors.New("engine down")}
	c, buf, clock := newCoordinator(t, transport)
	ctx := context.Background()
	batch, err := c.Enqueue(ctx, "dev-1", submissions(clock.Now()))
	require.NoError(t, err)

	for i := 0; i < syncer.MaxAttempts; i++ {
		logs, err := c.Flush(ctx)
		require.NoError(t, err)
		require.Len(t, logs, 1, "attempt %d", i+1)
		clock.Advance(10 * time.Minute)
	}
	assert.Len(t, transport.delivered, syncer.MaxAttempts)

	pending, _ := buf.List(ctx)
	require.Len(t, pending, 1)
	assert.True(t, pending[0].Terminal)
	assert.Equal(t, syncer.MaxAttempts, pending[0].Attempts)
	assert.Empty(t, transport.reports)

	// the report is retried on the next flush without another delivery
	transport.reportErr = nil
	logs, err := c.Flush(ctx)
	require.NoError(t, err)
	assert.Empty(t, logs)
	assert.Len(t, transport.delivered, syncer.MaxAttempts)
	require.Len(t, transport.reports, 1)
	assert.Equal(t, batch.ID, transport.reports[0].BatchID)
	assert.Equal(t, syncer.MaxAttempts, transport.reports[0].Attempts)
	assert.Equal(t, "timeout", transport.reports[0].LastError)

	pending, _ = buf.List(ctx)
	assert.Empty(t, pending)
}

func TestRejectedBatchIsTerminalImmediately(t *testing.T) {
	transport := &fakeTransport{deliverErr: fmt.Errorf("%w: status 400", ErrRejected)}
	c, buf, clock := newCoordinator(t, transport)
	ctx := context.Background()
	_, err := c.Enqueue(ctx, "dev-1", submissions(clock.Now()))
	require.NoError(t, err)

	_, err = c.Flush(ctx)
	require.NoError(t, err)
	require.Len(t, transport.reports, 1)
	assert.Equal(t, 1, transport.reports[0].Attempts)
	pending, _ := buf.List(ctx)
	assert.Empty(t, pending)
}

func TestEnqueueRejectsEmptyBatch(t *testing.T) {
	c, _, _ := newCoordinator(t, &fakeTransport{})
	_, err := c.Enqueue(context.Background(), "dev-1", nil)
	assert.ErrorIs(t, err, syncer.ErrEmptyBatch)
}
