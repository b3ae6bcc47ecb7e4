package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	alerts "edgefleet/internal/alerts/domain"
	"edgefleet/internal/apperr"
	devices "edgefleet/internal/devices/domain"
	fleet "edgefleet/internal/fleet/domain"
	health "edgefleet/internal/health/domain"
	installation "edgefleet/internal/installation/domain"
)

// DeviceLister lists a store's devices.
type DeviceLister interface {
	ListByStore(ctx context.Context, storeID string) ([]devices.Device, error)
}

// StateReader loads derived health states.
type StateReader interface {
	ListByDevices(ctx context.Context, deviceIDs []string) (map[string]health.State, error)
}

// AlertLister lists alerts.
type AlertLister interface {
	List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error)
}

// CheckReader returns the latest installation check per device of a store.
type CheckReader interface {
	LatestByStore(ctx context.Context, storeID string, window time.Duration) ([]installation.Check, error)
}

// Cache stores computed summaries. Get returns nil, nil on a miss.
type Cache interface {
	Get(ctx context.Context, key string) (*fleet.Summary, error)
	Set(ctx context.Context, key string, summary fleet.Summary, ttl time.Duration) error
}

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Aggregator builds store summaries.
type Aggregator struct {
	devices DeviceLister
	states  StateReader
	alerts  AlertLister
	checks  CheckReader
	cache   Cache
	ttl     time.Duration
	clock   Clock
	logger  *zap.Logger
}

// Option configures the aggregator.
type Option func(*Aggregator)

// WithCache enables summary caching for ttl.
func WithCache(cache Cache, ttl time.Duration) Option {
	return func(a *Aggregator) {
		if cache != nil && ttl > 0 {
			a.cache = cache
			a.ttl = ttl
		}
	}
}

// WithClock sets the clock.
func WithClock(clock Clock) Option {
	return func(a *Aggregator) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAggregator constructs an aggregator.
func NewAggregator(deviceLister DeviceLister, states StateReader, alertLister AlertLister, checks CheckReader, opts ...Option) (*Aggregator, error) {
	if deviceLister == nil || states == nil || alertLister == nil || checks == nil {
		return nil, errors.New("fleet aggregator: nil dependency")
	}
	a := &Aggregator{
		devices: deviceLister,
		states:  states,
		alerts:  alertLister,
		checks:  checks,
		clock:   systemClock{},
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Summary returns the store summary over window. Cache failures degrade to a fresh computation.
func (a *Aggregator) Summary(ctx context.Context, storeID string, window time.Duration) (fleet.Summary, error) {
	if storeID == "" {
		return fleet.Summary{}, apperr.Invalid("fleet", "", "store_id", "required")
	}
	if window <= 0 {
		window = fleet.DefaultWindow
	}
	key := cacheKey(storeID, window)
	if a.cache != nil {
		cached, err := a.cache.Get(ctx, key)
		if err != nil {
			a.logger.Warn("fleet cache read failed", zap.String("store_id", storeID), zap.Error(err))
		} else if cached != nil {
			return *cached, nil
		}
	}

	summary, err := a.compute(ctx, storeID, window)
	if err != nil {
		return fleet.Summary{}, err
	}
	if a.cache != nil {
		if err := a.cache.Set(ctx, key, summary, a.ttl); err != nil {
			a.logger.Warn("fleet cache write failed", zap.String("store_id", storeID), zap.Error(err))
		}
	}
	return summary, nil
}

func (a *Aggregator) compute(ctx context.Context, storeID string, window time.Duration) (fleet.Summary, error) {
	summary := fleet.Summary{
		StoreID:     storeID,
		WindowHours: window.Hours(),
		GeneratedAt: a.clock.Now(),
	}

	list, err := a.devices.ListByStore(ctx, storeID)
	if err != nil {
		return fleet.Summary{}, fmt.Errorf("fleet: list devices: %w", err)
	}
	ids := make([]string, 0, len(list))
	for _, d := range list {
		if d.Active {
			ids = append(ids, d.ID)
		}
	}
	states, err := a.states.ListByDevices(ctx, ids)
	if err != nil {
		return fleet.Summary{}, fmt.Errorf("fleet: load health states: %w", err)
	}
	for _, d := range list {
		summary.Devices.Total++
		if !d.Active {
			summary.Devices.Inactive++
			continue
		}
		state, ok := states[d.ID]
		if !ok {
			summary.Devices.Unknown++
			continue
		}
		status, ok := state.Current()
		if !ok {
			summary.Devices.Unknown++
			continue
		}
		counter := health.Match(status,
			func(health.Healthy) *int { return &summary.Devices.Healthy },
			func(health.Warning) *int { return &summary.Devices.Warning },
			func(health.Critical) *int { return &summary.Devices.Critical },
		)
		*counter++
	}

	open, err := a.alerts.List(ctx, alerts.Filter{StoreID: storeID, OpenOnly: true})
	if err != nil {
		return fleet.Summary{}, fmt.Errorf("fleet: list alerts: %w", err)
	}
	for _, alert := range open {
		summary.Alerts.Total++
		switch alert.Severity {
		case alerts.SeverityCritical:
			summary.Alerts.Critical++
		case alerts.SeverityWarning:
			summary.Alerts.Warning++
		}
	}

	checks, err := a.checks.LatestByStore(ctx, storeID, window)
	if err != nil {
		return fleet.Summary{}, fmt.Errorf("fleet: list installation checks: %w", err)
	}
	total := 0.0
	for _, check := range checks {
		summary.Readiness.Checked++
		if check.Passed() {
			summary.Readiness.Passed++
		} else {
			summary.Readiness.Failed++
		}
		total += check.Score
	}
	if summary.Readiness.Checked > 0 {
		summary.Readiness.AverageScore = math.Round(total/float64(summary.Readiness.Checked)*100) / 100
	}
	return summary, nil
}

func cacheKey(storeID string, window time.Duration) string {
	return fmt.Sprintf("fleet:summary:%s:%d", storeID, int64(window/time.Second))
}
