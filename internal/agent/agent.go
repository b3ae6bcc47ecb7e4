package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	devices "edgefleet/internal/devices/domain"
	health "edgefleet/internal/health/domain"
	syncer "edgefleet/internal/syncer/domain"
)

// Sampler takes one health reading.
type Sampler interface {
	Sample(ctx context.Context) (health.Sample, error)
}

// Enqueuer buffers a batch for delivery.
type Enqueuer interface {
	Enqueue(ctx context.Context, deviceID string, submissions []syncer.Submission) (syncer.Batch, error)
}

// Agent samples on the device reporting interval and groups samples into
// batches of BatchSize.
type Agent struct {
	deviceID  string
	sampler   Sampler
	queue     Enqueuer
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	pending []syncer.Submission
}

// New constructs an agent. batchSize <= 0 sends every sample on its own.
func New(deviceID string, sampler Sampler, queue Enqueuer, interval time.Duration, batchSize int, logger *zap.Logger) (*Agent, error) {
	if deviceID == "" {
		return nil, errors.New("agent: device id required; run register first")
	}
	if sampler == nil || queue == nil {
		return nil, errors.New("agent: nil dependency")
	}
	if interval <= 0 {
		interval = devices.DefaultConfig().ReportingInterval()
	}
	if batchSize <= 0 {
		batchSize = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Agent{
		deviceID:  deviceID,
		sampler:   sampler,
		queue:     queue,
		interval:  interval,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger,
	}, nil
}

// Tick takes one sample and enqueues a batch once enough are pending.
func (a *Agent) Tick(ctx context.Context) error {
	sample, err := a.sampler.Sample(ctx)
	if err != nil {
		return fmt.Errorf("agent: sample: %w", err)
	}
	a.mu.Lock()
	a.pending = append(a.pending, syncer.Submission{Timestamp: a.now(), Sample: sample})
	full := len(a.pending) >= a.batchSize
	a.mu.Unlock()
	if !full {
		return nil
	}
	return a.Drain(ctx)
}

// Drain enqueues whatever is pending. Samples stay pending if the buffer write fails.
func (a *Agent) Drain(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.pending) == 0 {
		return nil
	}
	batch, err := a.queue.Enqueue(ctx, a.deviceID, a.pending)
	if err != nil {
		return err
	}
	a.logger.Debug("batch buffered", zap.String("batch_id", batch.ID), zap.Int("samples", len(batch.Submissions)))
	a.pending = nil
	return nil
}

// Run ticks until ctx is done, then drains pending samples.
func (a *Agent) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	for {
		if err := a.Tick(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("agent tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			if err := a.Drain(context.WithoutCancel(ctx)); err != nil {
				a.logger.Error("drain pending samples failed", zap.Error(err))
			}
			return
		case <-ticker.C:
		}
	}
}

// Identity is what the agent keeps after registering.
type Identity struct {
	DeviceID string         `json:"device_id"`
	StoreID  string         `json:"store_id"`
	Config   devices.Config `json:"config"`
}

// SaveIdentity writes identity to path, creating parent directories.
func SaveIdentity(path string, identity Identity) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	body, err := json.MarshalIndent(identity, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, body, 0o600)
}

// LoadIdentity reads identity from path.
func LoadIdentity(path string) (Identity, error) {
	var identity Identity
	body, err := os.ReadFile(path)
	if err != nil {
		return identity, err
	}
	if err := json.Unmarshal(body, &identity); err != nil {
		return identity, fmt.Errorf("agent: identity %s: %w", path, err)
	}
	return identity, nil
}
