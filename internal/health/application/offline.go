package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	alerts "edgefleet/internal/alerts/domain"
	devices "edgefleet/internal/devices/domain"
	health "edgefleet/internal/health/domain"
	"edgefleet/internal/keylock"

	"go.uber.org/zap"
)

// DeviceLister is the registry surface the sweeper reads.
type DeviceLister interface {
	ListActive(ctx context.Context) ([]devices.Device, error)
	Get(ctx context.Context, deviceID string) (*devices.Device, error)
}

// AlertRaiser raises alerts.
type AlertRaiser interface {
	Raise(ctx context.Context, sig alerts.Signal) (*alerts.Alert, bool, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// OfflineSweeper marks silent devices Critical(offline).
type OfflineSweeper struct {
	devices DeviceLister
	states  health.StateRepository
	alerts  AlertRaiser
	locks   *keylock.Locker
	clock   Clock
	logger  *zap.Logger
}

// SweeperOption configures the sweeper.
type SweeperOption func(*OfflineSweeper)

// WithClock assigns a clock.
func WithClock(clock Clock) SweeperOption {
	return func(s *OfflineSweeper) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) SweeperOption {
	return func(s *OfflineSweeper) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithLocker shares the per-device lock table with ingest.
func WithLocker(locks *keylock.Locker) SweeperOption {
	return func(s *OfflineSweeper) {
		if locks != nil {
			s.locks = locks
		}
	}
}

// NewOfflineSweeper constructs a sweeper.
func NewOfflineSweeper(lister DeviceLister, states health.StateRepository, raiser AlertRaiser, opts ...SweeperOption) (*OfflineSweeper, error) {
	if lister == nil || states == nil || raiser == nil {
		return nil, errors.New("offline sweeper: nil dependency")
	}
	s := &OfflineSweeper{
		devices: lister,
		states:  states,
		alerts:  raiser,
		locks:   keylock.New(),
		clock:   systemClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Sweep checks every active device once and returns how many went offline.
// Devices busy in ingest are skipped until the next pass.
func (s *OfflineSweeper) Sweep(ctx context.Context) (int, error) {
	active, err := s.devices.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("offline sweep: list devices: %w", err)
	}
	ids := make([]string, 0, len(active))
	for _, device := range active {
		ids = append(ids, device.ID)
	}
	states, err := s.states.ListByDevices(ctx, ids)
	if err != nil {
		return 0, fmt.Errorf("offline sweep: load states: %w", err)
	}

	now := s.clock.Now()
	marked := 0
	var errs []error
	for _, device := range active {
		if err := ctx.Err(); err != nil {
			return marked, err
		}
		if states[device.ID].Offline || !isOffline(device, now) {
			continue
		}
		unlock, ok := s.locks.TryLock(device.ID)
		if !ok {
			s.logger.Debug("offline sweep skipped busy device", zap.String("device_id", device.ID))
			continue
		}
		changed, err := s.markOffline(ctx, device.ID, now)
		unlock()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if changed {
			marked++
		}
	}
	return marked, errors.Join(errs...)
}

// markOffline re-reads the device under its lock since ingest may have run
// between the listing and the lock.
func (s *OfflineSweeper) markOffline(ctx context.Context, deviceID string, now time.Time) (bool, error) {
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	if !device.Active || !isOffline(*device, now) {
		return false, nil
	}
	current, err := s.states.Get(ctx, deviceID)
	if err != nil {
		return false, err
	}
	state := health.State{DeviceID: deviceID}
	if current != nil {
		state = *current
	}
	if state.Offline {
		return false, nil
	}

	_, _, err = s.alerts.Raise(ctx, alerts.Signal{
		DeviceID: deviceID,
		StoreID:  device.StoreID,
		Type:     alerts.TypeConnectivity,
		Severity: alerts.SeverityCritical,
		Summary:  fmt.Sprintf("no report since %s", lastHeard(*device).Format(time.RFC3339)),
		Context: map[string]any{
			"last_seen_at":  device.LastSeenAt,
			"never_seen":    device.LastSeenAt.IsZero(),
			"offline_after": device.Config.OfflineAfter().String(),
		},
	})
	if err != nil {
		s.logger.Warn("raise connectivity alert failed", zap.String("device_id", deviceID), zap.Error(err))
	}
	if err := s.states.Save(ctx, state.MarkOffline(now)); err != nil {
		return false, fmt.Errorf("offline sweep: save state %s: %w", deviceID, err)
	}
	s.logger.Info("device offline",
		zap.String("device_id", deviceID),
		zap.Time("last_seen_at", device.LastSeenAt),
	)
	return true, nil
}

func isOffline(device devices.Device, now time.Time) bool {
	status := health.ClassifyPresence(lastHeard(device), now, device.Config)
	return health.ReasonOf(status) == health.ReasonOffline
}

// lastHeard falls back to the registration time for a device that never reported.
func lastHeard(device devices.Device) time.Time {
	if device.LastSeenAt.IsZero() {
		return device.RegisteredAt
	}
	return device.LastSeenAt
}
