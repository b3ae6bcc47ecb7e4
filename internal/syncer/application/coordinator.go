package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	syncer "edgefleet/internal/syncer/domain"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrRejected marks a batch the engine refused outright. It is not retried.
var ErrRejected = errors.New("syncer: batch rejected")

// Transport delivers batches and terminal failures to the engine.
type Transport interface {
	Deliver(ctx context.Context, batch syncer.Batch) (syncer.SyncLog, error)
	ReportFailure(ctx context.Context, deviceID string, failure syncer.TerminalFailure) error
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Schedule is the retry cadence between attempts of one batch.
type Schedule struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
}

// DefaultSchedule is 5s doubling up to 5m, ten attempts.
func DefaultSchedule() Schedule {
	return Schedule{Initial: 5 * time.Second, Multiplier: 2, Max: 5 * time.Minute, MaxAttempts: syncer.MaxAttempts}
}

// Delay returns the wait after the given number of failed attempts.
func (s Schedule) Delay(failed int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     s.Initial,
		RandomizationFactor: 0,
		Multiplier:          s.Multiplier,
		MaxInterval:         s.Max,
	}
	b.Reset()
	delay := s.Initial
	for i := 0; i < failed; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

// Coordinator buffers batches on the device and delivers them with retries.
type Coordinator struct {
	buffer    syncer.Buffer
	transport Transport
	clock     Clock
	logger    *zap.Logger
	schedule  Schedule
	newID     func() string

	mu sync.Mutex
}

// Option configures the coordinator.
type Option func(*Coordinator)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithSchedule overrides the retry schedule.
func WithSchedule(schedule Schedule) Option {
	return func(c *Coordinator) {
		if schedule.Initial > 0 && schedule.MaxAttempts > 0 {
			c.schedule = schedule
		}
	}
}

// WithIDGenerator overrides batch and log ids.
func WithIDGenerator(fn func() string) Option {
	return func(c *Coordinator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// NewCoordinator constructs a coordinator.
func NewCoordinator(buffer syncer.Buffer, transport Transport, opts ...Option) (*Coordinator, error) {
	if buffer == nil {
		return nil, errors.New("syncer: nil buffer")
	}
	if transport == nil {
		return nil, errors.New("syncer: nil transport")
	}
	c := &Coordinator{
		buffer:    buffer,
		transport: transport,
		clock:     systemClock{},
		logger:    zap.NewNop(),
		schedule:  DefaultSchedule(),
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Enqueue stores a new batch for delivery on the next flush.
func (c *Coordinator) Enqueue(ctx context.Context, deviceID string, submissions []syncer.Submission) (syncer.Batch, error) {
	now := c.clock.Now()
	batch := syncer.Batch{
		ID:            c.newID(),
		DeviceID:      deviceID,
		Submissions:   submissions,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if err := batch.Validate(); err != nil {
		return syncer.Batch{}, err
	}
	if err := c.buffer.Put(ctx, batch); err != nil {
		return syncer.Batch{}, fmt.Errorf("syncer: buffer batch %s: %w", batch.ID, err)
	}
	return batch, nil
}

// Flush attempts every due batch once and reports terminal failures.
// It returns one SyncLog per delivery attempt.
func (c *Coordinator) Flush(ctx context.Context) ([]syncer.SyncLog, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	batches, err := c.buffer.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("syncer: list buffer: %w", err)
	}
	var logs []syncer.SyncLog
	for _, batch := range batches {
		if err := ctx.Err(); err != nil {
			return logs, err
		}
		if batch.Terminal {
			c.report(ctx, batch)
			continue
		}
		if !batch.Due(c.clock.Now()) {
			continue
		}
		log, err := c.attempt(ctx, batch)
		logs = append(logs, log)
		if err != nil {
			return logs, err
		}
	}
	return logs, nil
}

// Run flushes on every tick until ctx is done.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.schedule.Initial
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := c.Flush(ctx); err != nil && ctx.Err() == nil {
			c.logger.Warn("sync flush failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Pending returns the buffered batches.
func (c *Coordinator) Pending(ctx context.Context) ([]syncer.Batch, error) {
	return c.buffer.List(ctx)
}

func (c *Coordinator) attempt(ctx context.Context, batch syncer.Batch) (syncer.SyncLog, error) {
	started := c.clock.Now()
	remote, deliverErr := c.transport.Deliver(ctx, batch)
	finished := c.clock.Now()

	log := syncer.SyncLog{
		ID:         c.newID(),
		BatchID:    batch.ID,
		DeviceID:   batch.DeviceID,
		StartedAt:  started,
		FinishedAt: finished,
		RetryCount: batch.Attempts,
		Accepted:   remote.Accepted,
		Rejected:   remote.Rejected,
		ErrorCode:  remote.ErrorCode,
	}
	batch.Attempts++

	if deliverErr == nil && remote.Success {
		log.Success = true
		if err := c.buffer.Delete(ctx, batch.ID); err != nil {
			return log, fmt.Errorf("syncer: drop delivered batch %s: %w", batch.ID, err)
		}
		c.logger.Info("batch delivered",
			zap.String("batch_id", batch.ID),
			zap.Int("attempts", batch.Attempts),
			zap.Int("accepted", remote.Accepted),
			zap.Int("rejected", remote.Rejected),
		)
		return log, nil
	}

	if deliverErr == nil {
		deliverErr = fmt.Errorf("engine reported %s: %s", remote.ErrorCode, remote.ErrorMessage)
	}
	log.ErrorMessage = deliverErr.Error()
	if log.ErrorCode == "" {
		log.ErrorCode = "delivery"
	}
	batch.LastError = deliverErr.Error()

	if batch.Attempts >= c.schedule.MaxAttempts || errors.Is(deliverErr, ErrRejected) {
		batch.Terminal = true
		c.logger.Warn("batch terminal",
			zap.String("batch_id", batch.ID),
			zap.Int("attempts", batch.Attempts),
			zap.Error(deliverErr),
		)
		if err := c.buffer.Put(ctx, batch); err != nil {
			return log, fmt.Errorf("syncer: persist terminal batch %s: %w", batch.ID, err)
		}
		c.report(ctx, batch)
		return log, nil
	}

	batch.NextAttemptAt = finished.Add(c.schedule.Delay(batch.Attempts))
	c.logger.Debug("batch delivery failed",
		zap.String("batch_id", batch.ID),
		zap.Int("attempts", batch.Attempts),
		zap.Time("next_attempt_at", batch.NextAttemptAt),
		zap.Error(deliverErr),
	)
	if err := c.buffer.Put(ctx, batch); err != nil {
		return log, fmt.Errorf("syncer: reschedule batch %s: %w", batch.ID, err)
	}
	return log, nil
}

// report sends the terminal failure and drops the batch once the engine has it.
// A failed report leaves the batch buffered for the next flush.
func (c *Coordinator) report(ctx context.Context, batch syncer.Batch) {
	failure := syncer.TerminalFailure{
		BatchID:   batch.ID,
		Attempts:  batch.Attempts,
		LastError: batch.LastError,
		FailedAt:  c.clock.Now(),
	}
	if err := c.transport.ReportFailure(ctx, batch.DeviceID, failure); err != nil {
		c.logger.Warn("report terminal batch failed", zap.String("batch_id", batch.ID), zap.Error(err))
		return
	}
	if err := c.buffer.Delete(ctx, batch.ID); err != nil {
		c.logger.Warn("drop reported batch failed", zap.String("batch_id", batch.ID), zap.Error(err))
	}
}
