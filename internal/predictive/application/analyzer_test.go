package application

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
	alertmemory "edgefleet/internal/alerts/infrastructure/memory"
	"edgefleet/internal/apperr"
	deviceapp "edgefleet/internal/devices/application"
	devices "edgefleet/internal/devices/domain"
	devicememory "edgefleet/internal/devices/infrastructure/memory"
	health "edgefleet/internal/health/domain"
	predictive "edgefleet/internal/predictive/domain"
	predictivememory "edgefleet/internal/predictive/infrastructure/memory"
	telemetry "edgefleet/internal/telemetry/domain"
	telemetrymemory "edgefleet/internal/telemetry/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var now = time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

type fixture struct {
	registry  *deviceapp.Registry
	records   *telemetrymemory.RecordRepository
	alerts    *alertapp.Service
	forecasts *predictivememory.ForecastRepository
	analyzer  *Analyzer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := fixedClock{now: now}
	var seq int64
	nextID := func() string { return fmt.Sprintf("id-%d", atomic.AddInt64(&seq, 1)) }
	registry, err := deviceapp.NewRegistry(devicememory.NewDeviceRepository(), devices.Profiles{},
		deviceapp.WithClock(clock), deviceapp.WithIDGenerator(nextID))
	require.NoError(t, err)
	alertSvc, err := alertapp.NewService(alertmemory.NewAlertRepository(),
		alertapp.WithClock(clock), alertapp.WithIDGenerator(nextID))
	require.NoError(t, err)
	f := &fixture{
		registry:  registry,
		records:   telemetrymemory.NewRecordRepository(),
		alerts:    alertSvc,
		forecasts: predictivememory.NewForecastRepository(),
	}
	f.analyzer, err = NewAnalyzer(registry, f.records, alertSvc, f.forecasts,
		WithClock(clock), WithIDGenerator(nextID))
	require.NoError(t, err)
	return f
}

func (f *fixture) device(t *testing.T, serial string) string {
	t.Helper()
	res, err := f.registry.Register(context.Background(), deviceapp.RegisterRequest{
		Fingerprint: devices.Fingerprint{Serial: serial},
		StoreID:     "store-1",
		DeviceType:  "pos",
	})
	require.NoError(t, err)
	return res.DeviceID
}

// seed appends one sample per day for the last len(disk) days.
func (f *fixture) seed(t *testing.T, deviceID string, disk []float64) {
	t.Helper()
	start := now.Add(-time.Duration(len(disk)) * 24 * time.Hour)
	for i, d := range disk {
		require.NoError(t, f.records.Append(context.Background(), telemetry.HealthRecord{
			ID:        fmt.Sprintf("%s-%d", deviceID, i),
			DeviceID:  deviceID,
			Timestamp: start.Add(time.Duration(i) * 24 * time.Hour),
			Sample:    health.Sample{CPU: 30, Memory: 40, Disk: d, Temperature: 45},
		}))
	}
}

func TestForecastUsesDiskTrendAndAlerts(t *testing.T) {
	f := newFixture(t)
	id := f.device(t, "SN-1")
	f.seed(t, id, []float64{60, 62, 64, 66, 68})
	_, _, err := f.alerts.Raise(context.Background(), alerts.Signal{
		DeviceID: id, Type: alerts.TypeResource, Severity: alerts.SeverityWarning, Summary: "disk 85%",
	})
	require.NoError(t, err)

	forecast, err := f.analyzer.Forecast(context.Background(), id)
	require.NoError(t, err)
	assert.InDelta(t, 2.0, forecast.Slopes.Disk, 1e-9)
	assert.InDelta(t, 0.0, forecast.Slopes.CPU, 1e-9)
	assert.Equal(t, predictive.FactorDisk, forecast.TopFactor)
	assert.Equal(t, 1, forecast.AlertCount)
	assert.Equal(t, 5, forecast.SampleCount)
	assert.Equal(t, 168, forecast.WindowHours)
	// z = -3 + 0.5*2 + 0.4*1
	assert.InDelta(t, 1/(1+math.Exp(1.6)), forecast.Score, 1e-9)

	latest, err := f.analyzer.Latest(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, latest)
	assert.Equal(t, forecast.ID, latest.ID)
}

func TestForecastWithoutHistory(t *testing.T) {
	f := newFixture(t)
	id := f.device(t, "SN-2")
	forecast, err := f.analyzer.Forecast(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, predictive.FactorNone, forecast.TopFactor)
	assert.InDelta(t, 1/(1+math.Exp(3)), forecast.Score, 1e-12)
}

func TestForecastUnknownDevice(t *testing.T) {
	f := newFixture(t)
	_, err := f.analyzer.Forecast(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestForecastNeverRaisesAlerts(t *testing.T) {
	f := newFixture(t)
	id := f.device(t, "SN-3")
	f.seed(t, id, []float64{10, 30, 50, 70, 90})
	_, err := f.analyzer.Forecast(context.Background(), id)
	require.NoError(t, err)
	list, err := f.alerts.List(context.Background(), alerts.Filter{DeviceID: id})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRecomputeFleet(t *testing.T) {
	f := newFixture(t)
	ids := []string{f.device(t, "SN-10"), f.device(t, "SN-11"), f.device(t, "SN-12")}
	jobs, err := NewJobs(f.analyzer, 2)
	require.NoError(t, err)

	job, err := jobs.RecomputeFleet(context.Background())
	require.NoError(t, err)
	assert.Equal(t, predictive.JobCompleted, job.Status)
	assert.Equal(t, 3, job.Total)
	assert.Equal(t, 3, job.Processed)
	for _, id := range ids {
		assert.Equal(t, 1, f.forecasts.Count(id))
	}
	assert.Len(t, jobs.List(), 1)
}

// gatedRecords blocks ListRange until released so a job can be cancelled mid-run.
type gatedRecords struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	calls   atomic.Int32
}

func (g *gatedRecords) ListRange(ctx context.Context, _ string, _, _ time.Time) ([]telemetry.HealthRecord, error) {
	g.calls.Add(1)
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCancelJobStopsBetweenDevices(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 5; i++ {
		f.device(t, fmt.Sprintf("SN-C%d", i))
	}
	gate := &gatedRecords{started: make(chan struct{}), release: make(chan struct{})}
	analyzer, err := NewAnalyzer(f.registry, gate, f.alerts, nil, WithClock(fixedClock{now: now}))
	require.NoError(t, err)
	jobs, err := NewJobs(analyzer, 1)
	require.NoError(t, err)

	job, err := jobs.Start(context.Background())
	require.NoError(t, err)
	<-gate.started

	_, err = jobs.Cancel(job.ID)
	require.NoError(t, err)
	final, err := jobs.Wait(context.Background(), job.ID)
	require.NoError(t, err)

	assert.Equal(t, predictive.JobCancelled, final.Status)
	assert.Less(t, int(gate.calls.Load()), 5)
	assert.False(t, final.FinishedAt.IsZero())
}

func TestJobLookupErrors(t *testing.T) {
	f := newFixture(t)
	jobs, err := NewJobs(f.analyzer, 0)
	require.NoError(t, err)
	_, err = jobs.Get("nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = jobs.Cancel("nope")
	assert.True(t, errors.Is(err, apperr.ErrNotFound))
}
