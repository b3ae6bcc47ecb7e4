package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
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
	installation "edgefleet/internal/installation/domain"
	installmemory "edgefleet/internal/installation/infrastructure/memory"
	telemetry "edgefleet/internal/telemetry/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

type stubProbe struct {
	name   string
	result installation.SubCheck
	err    error
	block  bool
}

func (p stubProbe) Name() string { return p.name }

func (p stubProbe) Run(ctx context.Context, _ devices.Device, _ installation.Requirements) (installation.SubCheck, error) {
	if p.block {
		<-ctx.Done()
		return installation.SubCheck{}, ctx.Err()
	}
	return p.result, p.err
}

func passing(name string) stubProbe {
	return stubProbe{name: name, result: installation.SubCheck{Passed: true, Score: 100}}
}

type validatorFixture struct {
	registry *deviceapp.Registry
	checks   *installmemory.CheckRepository
	alerts   *alertapp.Service
	deviceID string
}

func newValidatorFixture(t *testing.T) *validatorFixture {
	t.Helper()
	clock := fixedClock{now: t0}
	seq := 0
	nextID := func() string { seq++; return fmt.Sprintf("id-%d", seq) }
	registry, err := deviceapp.NewRegistry(devicememory.NewDeviceRepository(), devices.Profiles{},
		deviceapp.WithClock(clock), deviceapp.WithIDGenerator(nextID))
	require.NoError(t, err)
	alertSvc, err := alertapp.NewService(alertmemory.NewAlertRepository(),
		alertapp.WithClock(clock), alertapp.WithIDGenerator(nextID))
	require.NoError(t, err)
	res, err := registry.Register(context.Background(), deviceapp.RegisterRequest{
		Fingerprint:     devices.Fingerprint{MAC: "aa:bb:cc:00:00:01"},
		StoreID:         "store-1",
		DeviceType:      "pos",
		Hardware:        devices.Hardware{Arch: "amd64", CPUCores: 4, MemoryMB: 4096, DiskGB: 64},
		FirmwareVersion: "2.4.1",
		Software:        map[string]string{"pos-app": "1.8.0"},
	})
	require.NoError(t, err)
	return &validatorFixture{
		registry: registry,
		checks:   installmemory.NewCheckRepository(),
		alerts:   alertSvc,
		deviceID: res.DeviceID,
	}
}

func (f *validatorFixture) validator(t *testing.T, opts ...Option) *Validator {
	t.Helper()
	base := []Option{
		WithClock(fixedClock{now: t0}),
		WithProbe(passing(installation.CheckNetwork)),
		WithProbe(passing(installation.CheckMasterData)),
	}
	v, err := NewValidator(f.registry, f.checks, f.alerts, append(base, opts...)...)
	require.NoError(t, err)
	return v
}

func (f *validatorFixture) openInstallationAlert(t *testing.T) *alerts.Alert {
	t.Helper()
	open, err := f.alerts.List(context.Background(), alerts.Filter{DeviceID: f.deviceID, Type: alerts.TypeInstallation, OpenOnly: true})
	require.NoError(t, err)
	if len(open) == 0 {
		return nil
	}
	return &open[0]
}

func TestRunCheckPasses(t *testing.T) {
	f := newValidatorFixture(t)
	check, err := f.validator(t).RunCheck(context.Background(), f.deviceID)
	require.NoError(t, err)
	assert.Equal(t, installation.VerdictPass, check.Verdict)
	assert.Equal(t, 100.0, check.Score)
	require.Len(t, check.Results, 4)
	for i, name := range installation.Order {
		assert.Equal(t, name, check.Results[i].Name)
	}
	assert.Nil(t, f.openInstallationAlert(t))
}

func TestRunCheckNetworkHardFailRaisesCritical(t *testing.T) {
	f := newValidatorFixture(t)
	v := f.validator(t, WithProbe(stubProbe{name: installation.CheckNetwork, err: errors.New("dial timeout")}))

	check, err := v.RunCheck(context.Background(), f.deviceID)
	require.NoError(t, err)
	assert.Equal(t, installation.VerdictFail, check.Verdict)
	assert.Equal(t, 70.0, check.Score)
	net, _ := check.Result(installation.CheckNetwork)
	assert.False(t, net.Passed)
	assert.Equal(t, 0.0, net.Score)
	assert.Contains(t, net.Detail, "dial timeout")

	alert := f.openInstallationAlert(t)
	require.NotNil(t, alert)
	assert.Equal(t, alerts.SeverityCritical, alert.Severity)
}

func TestRunCheckMasterDataOnlyRaisesWarningThenResolves(t *testing.T) {
	f := newValidatorFixture(t)
	failing := f.validator(t, WithProbe(stubProbe{
		name:   installation.CheckMasterData,
		result: installation.SubCheck{Passed: false, Score: 50},
	}))
	check, err := failing.RunCheck(context.Background(), f.deviceID)
	require.NoError(t, err)
	assert.Equal(t, 90.0, check.Score)
	assert.Equal(t, installation.VerdictFail, check.Verdict)
	alert := f.openInstallationAlert(t)
	require.NotNil(t, alert)
	assert.Equal(t, alerts.SeverityWarning, alert.Severity)

	// re-check after remediation keeps history and resolves the alert
	_, err = f.validator(t).RunCheck(context.Background(), f.deviceID)
	require.NoError(t, err)
	assert.Nil(t, f.openInstallationAlert(t))

	history, err := f.checks.ListByDevice(context.Background(), f.deviceID, 0)
	require.NoError(t, err)
	assert.Len(t, history, 2)
}

func TestRunCheckProbeTimeout(t *testing.T) {
	f := newValidatorFixture(t)
	v := f.validator(t,
		WithProbeTimeout(20*time.Millisecond),
		WithProbe(stubProbe{name: installation.CheckNetwork, block: true}),
	)
	check, err := v.RunCheck(context.Background(), f.deviceID)
	require.NoError(t, err)
	net, _ := check.Result(installation.CheckNetwork)
	assert.False(t, net.Passed)
	assert.Contains(t, net.Detail, "timed out")
}

func TestRunCheckUnknownDevice(t *testing.T) {
	f := newValidatorFixture(t)
	_, err := f.validator(t).RunCheck(context.Background(), "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestLatestByStoreKeepsNewestPerDevice(t *testing.T) {
	checks := []installation.Check{
		{ID: "a", DeviceID: "d1", CreatedAt: t0},
		{ID: "b", DeviceID: "d1", CreatedAt: t0.Add(time.Hour)},
		{ID: "c", DeviceID: "d2", CreatedAt: t0},
	}
	latest := LatestPerDevice(checks)
	require.Len(t, latest, 2)
	assert.Equal(t, "b", latest[0].ID)
	assert.Equal(t, "c", latest[1].ID)
}

func TestHardwareAndSoftwareProbes(t *testing.T) {
	device := devices.Device{
		Hardware:        devices.Hardware{Arch: "arm64", CPUCores: 2, MemoryMB: 1024, DiskGB: 32},
		FirmwareVersion: "1.9.0",
		Software:        map[string]string{"scanner-driver": "v3.1.0"},
	}
	req := installation.Requirements{
		MinCPUCores: 2,
		MinMemoryMB: 2048,
		MinDiskGB:   16,
		Arch:        []string{"amd64"},
		MinFirmware: "2.0.0",
		Packages:    map[string]string{"scanner-driver": "3.0.0", "pos-app": "1.0.0"},
	}

	hw, err := HardwareProbe{}.Run(context.Background(), device, req)
	require.NoError(t, err)
	assert.False(t, hw.Passed)
	assert.Equal(t, 50.0, hw.Score)
	assert.Contains(t, hw.Detail, "memory 1024MB < 2048MB")

	sw, err := SoftwareProbe{}.Run(context.Background(), device, req)
	require.NoError(t, err)
	assert.False(t, sw.Passed)
	assert.InDelta(t, 33.33, sw.Score, 0.01)
	assert.Contains(t, sw.Detail, "package pos-app missing")
	assert.Contains(t, sw.Remediation, "update firmware to 2.0.0")
}

func TestVersionAtLeast(t *testing.T) {
	assert.True(t, versionAtLeast("2.10.0", "2.9.1"))
	assert.True(t, versionAtLeast("v1.0", "1.0.0"))
	assert.False(t, versionAtLeast("1.0.0-rc1", "1.0.0"))
	assert.False(t, versionAtLeast("garbage", "1.0.0"))
}

func TestNetworkProbeEndpoint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	probe := NewNetworkProbe(nil, nil, nil)
	res, err := probe.Run(context.Background(), devices.Device{ProbeURL: srv.URL}, installation.Requirements{MaxLatencyMs: 2000})
	require.NoError(t, err)
	assert.True(t, res.Passed)
	assert.Equal(t, 100.0, res.Score)

	srv.Close()
	res, err = probe.Run(context.Background(), devices.Device{ProbeURL: srv.URL}, installation.Requirements{MaxLatencyMs: 2000})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Contains(t, res.Detail, "unreachable")
}

type latestStub struct{ rec *telemetry.HealthRecord }

func (s latestStub) Latest(context.Context, string) (*telemetry.HealthRecord, error) { return s.rec, nil }

func TestNetworkProbeFromTelemetry(t *testing.T) {
	device := devices.Device{ID: "d1", Config: devices.DefaultConfig(), LastSeenAt: t0.Add(-30 * time.Second)}
	req := installation.DefaultRequirements()
	rec := &telemetry.HealthRecord{DeviceID: "d1", Sample: health.Sample{LatencyMs: 80, SignalDBm: -92}}

	probe := NewNetworkProbe(nil, latestStub{rec: rec}, fixedClock{now: t0})
	res, err := probe.Run(context.Background(), device, req)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.InDelta(t, 66.67, res.Score, 0.01)
	assert.Contains(t, res.Detail, "signal -92dBm")

	none := NewNetworkProbe(nil, latestStub{}, fixedClock{now: t0})
	res, err = none.Run(context.Background(), device, req)
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, "no telemetry received", res.Detail)
}

func TestMasterDataProbe(t *testing.T) {
	status := StoreStatus{CatalogAvailable: true, ProductCount: 1200}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stores/store-1/status", r.URL.Path)
		assert.Equal(t, "Bearer md-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(status)
	}))
	defer srv.Close()

	client, err := NewMasterDataClient(srv.URL, "md-token", time.Second)
	require.NoError(t, err)
	probe := NewMasterDataProbe(client)
	device := devices.Device{StoreID: "store-1"}

	res, err := probe.Run(context.Background(), device, installation.Requirements{})
	require.NoError(t, err)
	assert.True(t, res.Passed)

	status = StoreStatus{CatalogAvailable: true}
	res, err = probe.Run(context.Background(), device, installation.Requirements{})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 50.0, res.Score)

	status = StoreStatus{}
	res, err = probe.Run(context.Background(), device, installation.Requirements{})
	require.NoError(t, err)
	assert.False(t, res.Passed)
	assert.Equal(t, 0.0, res.Score)
}
