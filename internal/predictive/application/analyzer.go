package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	alerts "edgefleet/internal/alerts/domain"
	devices "edgefleet/internal/devices/domain"
	"edgefleet/internal/observability/metrics"
	predictive "edgefleet/internal/predictive/domain"
	telemetry "edgefleet/internal/telemetry/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DeviceReader resolves devices.
type DeviceReader interface {
	Get(ctx context.Context, deviceID string) (*devices.Device, error)
	ListActive(ctx context.Context) ([]devices.Device, error)
}

// RecordReader reads health history.
type RecordReader interface {
	ListRange(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.HealthRecord, error)
}

// AlertLister reads alert history.
type AlertLister interface {
	List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Analyzer computes advisory failure forecasts. It never raises alerts.
type Analyzer struct {
	devices DeviceReader
	records RecordReader
	alerts  AlertLister
	repo    predictive.Repository
	window  time.Duration
	clock   Clock
	logger  *zap.Logger
	newID   func() string
}

// Option configures the analyzer.
type Option func(*Analyzer)

// WithWindow overrides the trailing window.
func WithWindow(window time.Duration) Option {
	return func(a *Analyzer) {
		if window > 0 {
			a.window = window
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(a *Analyzer) {
		if clock != nil {
			a.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Analyzer) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithIDGenerator overrides forecast ids.
func WithIDGenerator(fn func() string) Option {
	return func(a *Analyzer) {
		if fn != nil {
			a.newID = fn
		}
	}
}

// NewAnalyzer constructs an analyzer. repo may be nil to skip persistence.
func NewAnalyzer(deviceReader DeviceReader, records RecordReader, alertLister AlertLister, repo predictive.Repository, opts ...Option) (*Analyzer, error) {
	if deviceReader == nil || records == nil || alertLister == nil {
		return nil, errors.New("predictive: nil dependency")
	}
	a := &Analyzer{
		devices: deviceReader,
		records: records,
		alerts:  alertLister,
		repo:    repo,
		window:  predictive.DefaultWindow,
		clock:   systemClock{},
		logger:  zap.NewNop(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Forecast computes and stores the forecast of one device over the trailing window.
func (a *Analyzer) Forecast(ctx context.Context, deviceID string) (*predictive.Forecast, error) {
	device, err := a.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	forecast, err := a.compute(ctx, *device)
	metrics.IncForecast(err)
	if err != nil {
		return nil, err
	}
	return forecast, nil
}

// Latest returns the stored forecast of a device, or nil.
func (a *Analyzer) Latest(ctx context.Context, deviceID string) (*predictive.Forecast, error) {
	if _, err := a.devices.Get(ctx, deviceID); err != nil {
		return nil, err
	}
	if a.repo == nil {
		return nil, nil
	}
	return a.repo.Latest(ctx, deviceID)
}

func (a *Analyzer) compute(ctx context.Context, device devices.Device) (*predictive.Forecast, error) {
	now := a.clock.Now()
	from := now.Add(-a.window)

	records, err := a.records.ListRange(ctx, device.ID, from, now)
	if err != nil {
		return nil, fmt.Errorf("predictive: load records %s: %w", device.ID, err)
	}
	history, err := a.alerts.List(ctx, alerts.Filter{DeviceID: device.ID, Since: from, Until: now})
	if err != nil {
		return nil, fmt.Errorf("predictive: load alerts %s: %w", device.ID, err)
	}

	var cpu, mem, disk, temp []predictive.Point
	for _, rec := range records {
		cpu = append(cpu, predictive.Point{At: rec.Timestamp, Value: rec.Sample.CPU})
		mem = append(mem, predictive.Point{At: rec.Timestamp, Value: rec.Sample.Memory})
		disk = append(disk, predictive.Point{At: rec.Timestamp, Value: rec.Sample.Disk})
		temp = append(temp, predictive.Point{At: rec.Timestamp, Value: rec.Sample.Temperature})
	}
	slopes := predictive.Slopes{
		CPU:         predictive.Slope(cpu),
		Memory:      predictive.Slope(mem),
		Disk:        predictive.Slope(disk),
		Temperature: predictive.Slope(temp),
	}
	forecast := &predictive.Forecast{
		ID:          a.newID(),
		DeviceID:    device.ID,
		StoreID:     device.StoreID,
		Score:       predictive.Score(slopes, len(history)),
		TopFactor:   predictive.TopFactor(slopes),
		Slopes:      slopes,
		AlertCount:  len(history),
		SampleCount: len(records),
		WindowHours: int(a.window / time.Hour),
		ComputedAt:  now,
	}
	if a.repo != nil {
		if err := a.repo.Save(ctx, *forecast); err != nil {
			return nil, fmt.Errorf("predictive: save forecast %s: %w", device.ID, err)
		}
	}
	a.logger.Debug("forecast computed",
		zap.String("device_id", device.ID),
		zap.Float64("score", forecast.Score),
		zap.String("top_factor", forecast.TopFactor),
	)
	return forecast, nil
}
