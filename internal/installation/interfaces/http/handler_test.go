package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	alertapp "edgefleet/internal/alerts/application"
	alertmemory "edgefleet/internal/alerts/infrastructure/memory"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"
	deviceapp "edgefleet/internal/devices/application"
	devices "edgefleet/internal/devices/domain"
	devicememory "edgefleet/internal/devices/infrastructure/memory"
	installationapp "edgefleet/internal/installation/application"
	installation "edgefleet/internal/installation/domain"
	installmemory "edgefleet/internal/installation/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type okProbe struct{ name string }

func (p okProbe) Name() string { return p.name }

func (p okProbe) Run(context.Context, devices.Device, installation.Requirements) (installation.SubCheck, error) {
	return installation.SubCheck{Passed: true, Score: 100}, nil
}

func newHandler(t *testing.T) (*Handler, *audit.MemoryLog, string) {
	t.Helper()
	registry, err := deviceapp.NewRegistry(devicememory.NewDeviceRepository(), devices.Profiles{})
	require.NoError(t, err)
	res, err := registry.Register(context.Background(), deviceapp.RegisterRequest{
		Fingerprint: devices.Fingerprint{Serial: "SN-42"},
		StoreID:     "store-1",
		DeviceType:  "pos",
		Hardware:    devices.Hardware{CPUCores: 4, MemoryMB: 8192, DiskGB: 128},
	})
	require.NoError(t, err)
	alertSvc, err := alertapp.NewService(alertmemory.NewAlertRepository())
	require.NoError(t, err)
	v, err := installationapp.NewValidator(registry, installmemory.NewCheckRepository(), alertSvc,
		installationapp.WithProbe(okProbe{installation.CheckNetwork}),
		installationapp.WithProbe(okProbe{installation.CheckMasterData}),
	)
	require.NoError(t, err)
	log := audit.NewMemoryLog()
	h, err := NewHandler(v, log)
	require.NoError(t, err)
	return h, log, res.DeviceID
}

func TestRunAndListChecks(t *testing.T) {
	h, log, id := newHandler(t)
	path := fmt.Sprintf("/api/v1/devices/%s/installation-checks", id)

	req := httptest.NewRequest(http.MethodPost, path, nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.RoleInstaller, "tech-7"))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)
	var check installation.Check
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &check))
	assert.Equal(t, installation.VerdictPass, check.Verdict)

	entries := log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "installation.check", entries[0].Action)
	assert.Equal(t, "tech-7", entries[0].Actor)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var checks []installation.Check
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &checks))
	require.Len(t, checks, 1)
	assert.Equal(t, check.ID, checks[0].ID)
}

func TestRunCheckUnknownDevice(t *testing.T) {
	h, _, _ := newHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/devices/missing/installation-checks", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListRejectsBadLimit(t *testing.T) {
	h, _, id := newHandler(t)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/devices/"+id+"/installation-checks?limit=x", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
