package application

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"edgefleet/internal/apperr"
	devices "edgefleet/internal/devices/domain"
	"edgefleet/internal/devices/infrastructure/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func newTestRegistry(t *testing.T, profiles devices.Profiles) (*Registry, *memory.DeviceRepository) {
	t.Helper()
	repo := memory.NewDeviceRepository()
	var seq int64
	registry, err := NewRegistry(repo, profiles,
		WithClock(fixedClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}),
		WithIDGenerator(func() string { return fmt.Sprintf("dev-%d", atomic.AddInt64(&seq, 1)) }),
	)
	require.NoError(t, err)
	return registry, repo
}

func TestRegisterSameFingerprintReturnsSameID(t *testing.T) {
	registry, _ := newTestRegistry(t, devices.Profiles{})
	ctx := context.Background()

	first, err := registry.Register(ctx, RegisterRequest{
		Fingerprint: devices.Fingerprint{MAC: "aa:bb:cc"},
		StoreID:     "s1",
		DeviceType:  "pos",
	})
	require.NoError(t, err)
	assert.True(t, first.Created)

	second, err := registry.Register(ctx, RegisterRequest{
		Fingerprint: devices.Fingerprint{MAC: "AA-BB-CC"},
		StoreID:     "s2",
		DeviceType:  "pos",
	})
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.DeviceID, second.DeviceID)

	device, err := registry.Get(ctx, first.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, "s2", device.StoreID)
}

func TestRegisterConcurrentSameFingerprintYieldsOneDevice(t *testing.T) {
	registry, repo := newTestRegistry(t, devices.Profiles{})
	ctx := context.Background()

	const workers = 16
	ids := make([]string, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := registry.Register(ctx, RegisterRequest{
				Fingerprint: devices.Fingerprint{Serial: "SN-42"},
				StoreID:     "s1",
				DeviceType:  "scanner",
			})
			if assert.NoError(t, err) {
				ids[i] = res.DeviceID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	active, err := repo.ListActive(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestRegisterMergesProfilesAndRequestOverrides(t *testing.T) {
	registry, _ := newTestRegistry(t, devices.Profiles{
		Types:  map[string]devices.Config{"kiosk": {ReportingIntervalSeconds: 60}},
		Stores: map[string]devices.Config{"s1": {Thresholds: devices.Thresholds{Temperature: devices.Threshold{Critical: 80}}}},
	})

	res, err := registry.Register(context.Background(), RegisterRequest{
		Fingerprint: devices.Fingerprint{Hostname: "kiosk-7"},
		StoreID:     "s1",
		DeviceType:  "kiosk",
		Config:      devices.Config{Thresholds: devices.Thresholds{CPU: devices.Threshold{Warning: 75}}},
	})
	require.NoError(t, err)
	assert.Equal(t, 60, res.Config.ReportingIntervalSeconds)
	assert.Equal(t, 80.0, res.Config.Thresholds.Temperature.Critical)
	assert.Equal(t, 75.0, res.Config.Thresholds.CPU.Warning)

	cfg, err := registry.GetConfig(context.Background(), res.DeviceID)
	require.NoError(t, err)
	assert.Equal(t, res.Config, cfg)
}

func TestRegisterRejectsMissingFields(t *testing.T) {
	registry, _ := newTestRegistry(t, devices.Profiles{})
	_, err := registry.Register(context.Background(), RegisterRequest{StoreID: "s1", DeviceType: "pos"})
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = registry.Register(context.Background(), RegisterRequest{Fingerprint: devices.Fingerprint{MAC: "aa"}, DeviceType: "pos"})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestDeactivateIsIdempotentAndReactivatedByRegistration(t *testing.T) {
	registry, _ := newTestRegistry(t, devices.Profiles{})
	ctx := context.Background()
	req := RegisterRequest{Fingerprint: devices.Fingerprint{MAC: "aa:bb:cc"}, StoreID: "s1", DeviceType: "pos"}

	res, err := registry.Register(ctx, req)
	require.NoError(t, err)

	require.NoError(t, registry.Deactivate(ctx, res.DeviceID))
	require.NoError(t, registry.Deactivate(ctx, res.DeviceID))
	device, err := registry.Get(ctx, res.DeviceID)
	require.NoError(t, err)
	assert.False(t, device.Active)

	again, err := registry.Register(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, res.DeviceID, again.DeviceID)
	device, err = registry.Get(ctx, res.DeviceID)
	require.NoError(t, err)
	assert.True(t, device.Active)
}

func TestUnknownDeviceIsNotFound(t *testing.T) {
	registry, _ := newTestRegistry(t, devices.Profiles{})
	_, err := registry.GetConfig(context.Background(), "dev-missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, registry.Deactivate(context.Background(), "dev-missing"), apperr.ErrNotFound)
}
