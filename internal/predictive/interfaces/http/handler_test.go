package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alertmemory "edgefleet/internal/alerts/infrastructure/memory"
	"edgefleet/internal/audit"
	deviceapp "edgefleet/internal/devices/application"
	devices "edgefleet/internal/devices/domain"
	devicememory "edgefleet/internal/devices/infrastructure/memory"
	predictiveapp "edgefleet/internal/predictive/application"
	predictive "edgefleet/internal/predictive/domain"
	predictivememory "edgefleet/internal/predictive/infrastructure/memory"
	telemetrymemory "edgefleet/internal/telemetry/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*ForecastHandler, *JobsHandler, *audit.MemoryLog, string) {
	t.Helper()
	registry, err := deviceapp.NewRegistry(devicememory.NewDeviceRepository(), devices.Profiles{})
	require.NoError(t, err)
	res, err := registry.Register(context.Background(), deviceapp.RegisterRequest{
		Fingerprint: devices.Fingerprint{Hostname: "till-01"},
		StoreID:     "store-1",
		DeviceType:  "pos",
	})
	require.NoError(t, err)
	alertSvc, err := alertapp.NewService(alertmemory.NewAlertRepository())
	require.NoError(t, err)
	analyzer, err := predictiveapp.NewAnalyzer(registry, telemetrymemory.NewRecordRepository(), alertSvc,
		predictivememory.NewForecastRepository())
	require.NoError(t, err)
	jobs, err := predictiveapp.NewJobs(analyzer, 2)
	require.NoError(t, err)
	fh, err := NewForecastHandler(analyzer)
	require.NoError(t, err)
	log := audit.NewMemoryLog()
	jh, err := NewJobsHandler(jobs, log)
	require.NoError(t, err)
	return fh, jh, log, res.DeviceID
}

func TestForecastEndpoint(t *testing.T) {
	fh, _, _, id := setup(t)

	rec := httptest.NewRecorder()
	fh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+id+"/forecast?cached=true", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+id+"/forecast", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var forecast predictive.Forecast
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &forecast))
	assert.Equal(t, id, forecast.DeviceID)
	assert.Equal(t, predictive.FactorNone, forecast.TopFactor)

	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+id+"/forecast?cached=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	fh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/missing/forecast", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestJobLifecycle(t *testing.T) {
	_, jh, log, _ := setup(t)

	rec := httptest.NewRecorder()
	jh.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/forecasts/jobs", nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var job predictive.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	require.NotEmpty(t, job.ID)

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		jh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/forecasts/jobs/"+job.ID, nil))
		var got predictive.Job
		_ = json.Unmarshal(rec.Body.Bytes(), &got)
		return got.Status == predictive.JobCompleted
	}, time.Second, 10*time.Millisecond)

	rec = httptest.NewRecorder()
	jh.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/v1/forecasts/jobs/"+job.ID, nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	jh.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/forecasts/jobs/unknown", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	actions := []string{}
	for _, e := range log.Entries() {
		actions = append(actions, e.Action)
	}
	assert.Equal(t, []string{"forecast.job.start", "forecast.job.cancel"}, actions)
}
