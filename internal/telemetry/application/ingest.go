package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	alerts "edgefleet/internal/alerts/domain"
	"edgefleet/internal/apperr"
	devices "edgefleet/internal/devices/domain"
	health "edgefleet/internal/health/domain"
	"edgefleet/internal/keylock"
	"edgefleet/internal/observability/metrics"
	"edgefleet/internal/retry"
	syncer "edgefleet/internal/syncer/domain"
	telemetry "edgefleet/internal/telemetry/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceDirectory resolves devices. Get returns apperr.NotFound for unknown ids.
type DeviceDirectory interface {
	Get(ctx context.Context, deviceID string) (*devices.Device, error)
	MarkSeen(ctx context.Context, deviceID string, at time.Time) error
}

// AlertRaiser is the alert surface used by ingest.
type AlertRaiser interface {
	Raise(ctx context.Context, sig alerts.Signal) (*alerts.Alert, bool, error)
	ResolveOpen(ctx context.Context, deviceID string, alertType alerts.Type, notes string) (*alerts.Alert, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Result is the outcome of one submission.
type Result struct {
	DeviceID  string    `json:"device_id"`
	Timestamp time.Time `json:"timestamp"`
	Accepted  bool      `json:"accepted"`
	Status    string    `json:"status,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	RecordID  string    `json:"record_id,omitempty"`
}

// Service accepts device telemetry.
type Service struct {
	devices    DeviceDirectory
	records    telemetry.Repository
	states     health.StateRepository
	alerts     AlertRaiser
	logs       syncer.LogRepository
	locks      *keylock.Locker
	clock      Clock
	logger     *zap.Logger
	policy     retry.Policy
	hysteresis int
	newID      func() string
}

// Option configures the ingest service.
type Option func(*Service)

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocker shares the per-device lock table, typically with the offline sweeper.
func WithLocker(locks *keylock.Locker) Option {
	return func(s *Service) {
		if locks != nil {
			s.locks = locks
		}
	}
}

// WithSyncLogs persists batch summaries.
func WithSyncLogs(logs syncer.LogRepository) Option {
	return func(s *Service) {
		s.logs = logs
	}
}

// WithHysteresis sets the healthy streak required to auto-resolve.
func WithHysteresis(samples int) Option {
	return func(s *Service) {
		if samples > 0 {
			s.hysteresis = samples
		}
	}
}

// WithRetryPolicy overrides the store retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithIDGenerator overrides record and sync log ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs an ingest service.
func NewService(directory DeviceDirectory, records telemetry.Repository, states health.StateRepository, raiser AlertRaiser, opts ...Option) (*Service, error) {
	if directory == nil {
		return nil, errors.New("ingest: nil device directory")
	}
	if records == nil {
		return nil, errors.New("ingest: nil record repository")
	}
	if states == nil {
		return nil, errors.New("ingest: nil state repository")
	}
	s := &Service{
		devices:    directory,
		records:    records,
		states:     states,
		alerts:     raiser,
		locks:      keylock.New(),
		clock:      systemClock{},
		logger:     zap.NewNop(),
		policy:     retry.StorePolicy(),
		hysteresis: health.DefaultHysteresisSamples,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Locks exposes the per-device lock table.
func (s *Service) Locks() *keylock.Locker {
	return s.locks
}

// Submit validates and stores one sample, then classifies it and updates alerts.
// Rejections return a populated Result together with the typed error.
func (s *Service) Submit(ctx context.Context, deviceID string, sample health.Sample, ts time.Time) (Result, error) {
	return s.submit(ctx, deviceID, "", sample, ts)
}

func (s *Service) submit(ctx context.Context, deviceID, batchID string, sample health.Sample, ts time.Time) (res Result, err error) {
	start := time.Now()
	// Postgres keeps microseconds; every store compares watermarks at that precision.
	ts = ts.UTC().Truncate(time.Microsecond)
	res = Result{DeviceID: deviceID, Timestamp: ts}
	defer func() {
		if err != nil {
			res.Accepted = false
			res.Reason = apperr.ReasonCode(err)
			metrics.IncIngestRejected(res.Reason)
			metrics.ObserveIngest("rejected", time.Since(start))
			return
		}
		metrics.ObserveIngest("accepted", time.Since(start))
	}()

	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return res, apperr.Invalid("health_record", "", "device_id", "required")
	}
	if ts.IsZero() {
		return res, apperr.Invalid("health_record", deviceID, "timestamp", "required")
	}
	if err := sample.Validate(deviceID); err != nil {
		return res, err
	}

	device, err := retry.Value(ctx, "device lookup", s.policy, func(ctx context.Context) (*devices.Device, error) {
		device, err := s.devices.Get(ctx, deviceID)
		if errors.Is(err, apperr.ErrNotFound) || errors.Is(err, apperr.ErrValidation) {
			return nil, retry.Permanent(err)
		}
		return device, err
	})
	if err != nil {
		return res, err
	}
	if !device.Active {
		return res, &apperr.InactiveError{DeviceID: deviceID}
	}

	unlock := s.locks.Lock(deviceID)
	defer unlock()

	now := s.clock.Now()
	status := health.Classify(sample, device.Config.Thresholds)
	rec := telemetry.HealthRecord{
		ID:         s.newID(),
		DeviceID:   deviceID,
		StoreID:    device.StoreID,
		Timestamp:  ts.UTC(),
		Sample:     sample,
		Status:     health.Label(status),
		BatchID:    batchID,
		ReceivedAt: now,
	}
	err = retry.Do(ctx, "health record append", s.policy, func(ctx context.Context) error {
		err := s.records.Append(ctx, rec)
		if errors.Is(err, apperr.ErrStale) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return res, err
	}

	if err := s.devices.MarkSeen(ctx, deviceID, now); err != nil {
		s.logger.Warn("mark seen failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	s.applyHealth(ctx, device, status, now)

	res.Accepted = true
	res.Status = rec.Status
	res.RecordID = rec.ID
	return res, nil
}

// applyHealth updates hysteresis state and alerts. Failures are logged only.
func (s *Service) applyHealth(ctx context.Context, device *devices.Device, status health.Status, now time.Time) {
	prev, err := s.states.Get(ctx, device.ID)
	if err != nil {
		s.logger.Warn("load health state failed", zap.String("device_id", device.ID), zap.Error(err))
	}
	if prev == nil {
		prev = &health.State{DeviceID: device.ID}
	}
	next, resolve := prev.Apply(status, s.hysteresis, now)

	health.Match(status,
		func(health.Healthy) struct{} {
			if resolve && s.resolveOpen(ctx, device.ID) {
				next = next.MarkResolved()
			}
			return struct{}{}
		},
		func(w health.Warning) struct{} {
			s.raise(ctx, device, alerts.SeverityWarning, w.Findings)
			return struct{}{}
		},
		func(c health.Critical) struct{} {
			s.raise(ctx, device, alerts.SeverityCritical, c.Findings)
			return struct{}{}
		},
	)

	err = retry.Do(ctx, "health state save", s.policy, func(ctx context.Context) error {
		return s.states.Save(ctx, next)
	})
	if err != nil {
		s.logger.Warn("save health state failed", zap.String("device_id", device.ID), zap.Error(err))
	}
}

func (s *Service) raise(ctx context.Context, device *devices.Device, severity alerts.Severity, findings []health.Finding) {
	if s.alerts == nil {
		return
	}
	_, _, err := s.alerts.Raise(ctx, alerts.Signal{
		DeviceID: device.ID,
		StoreID:  device.StoreID,
		Type:     alerts.TypeResource,
		Severity: severity,
		Summary:  summarize(findings),
		Context:  map[string]any{"findings": findingsContext(findings)},
	})
	if err != nil {
		s.logger.Error("raise resource alert failed",
			zap.String("device_id", device.ID),
			zap.String("severity", string(severity)),
			zap.Error(err),
		)
	}
}

// resolveOpen clears resource and connectivity alerts and reports whether both succeeded.
func (s *Service) resolveOpen(ctx context.Context, deviceID string) bool {
	if s.alerts == nil {
		return true
	}
	ok := true
	for _, alertType := range []alerts.Type{alerts.TypeResource, alerts.TypeConnectivity} {
		if _, err := s.alerts.ResolveOpen(ctx, deviceID, alertType, "auto-resolved after consecutive healthy samples"); err != nil {
			ok = false
			s.logger.Error("auto-resolve failed",
				zap.String("device_id", deviceID),
				zap.String("type", string(alertType)),
				zap.Error(err),
			)
		}
	}
	return ok
}

func summarize(findings []health.Finding) string {
	parts := make([]string, 0, len(findings))
	for _, f := range findings {
		parts = append(parts, fmt.Sprintf("%s %.1f above %s %.1f", f.Metric, f.Value, f.Level, f.Threshold))
	}
	if len(parts) == 0 {
		return "resource threshold exceeded"
	}
	return strings.Join(parts, "; ")
}

func findingsContext(findings []health.Finding) []map[string]any {
	out := make([]map[string]any, 0, len(findings))
	for _, f := range findings {
		out = append(out, map[string]any{
			"metric":    string(f.Metric),
			"value":     f.Value,
			"threshold": f.Threshold,
			"level":     f.Level.String(),
		})
	}
	return out
}
