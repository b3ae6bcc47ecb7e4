package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	devices "edgefleet/internal/devices/domain"
)

// DeviceRepository keeps devices in memory.
type DeviceRepository struct {
	mu    sync.Mutex
	byID  map[string]*devices.Device
	byKey map[string]string
}

// NewDeviceRepository constructs an empty repository.
func NewDeviceRepository() *DeviceRepository {
	return &DeviceRepository{
		byID:  make(map[string]*devices.Device),
		byKey: make(map[string]string),
	}
}

// Upsert inserts or updates the device sharing the fingerprint key.
func (r *DeviceRepository) Upsert(_ context.Context, device *devices.Device) (string, bool, error) {
	if device == nil {
		return "", false, errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return "", false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[device.FingerprintKey]; ok {
		existing := r.byID[id]
		existing.Fingerprint = device.Fingerprint
		existing.StoreID = device.StoreID
		existing.DeviceType = device.DeviceType
		existing.Hardware = device.Hardware
		existing.FirmwareVersion = device.FirmwareVersion
		existing.Software = copySoftware(device.Software)
		existing.ProbeURL = device.ProbeURL
		existing.Config = device.Config
		existing.Active = true
		existing.DeactivatedAt = time.Time{}
		existing.UpdatedAt = device.UpdatedAt
		return id, false, nil
	}

	stored := *device
	stored.Software = copySoftware(device.Software)
	r.byID[stored.ID] = &stored
	r.byKey[stored.FingerprintKey] = stored.ID
	return stored.ID, true, nil
}

// Get loads a device by id.
func (r *DeviceRepository) Get(_ context.Context, id string) (*devices.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	out := *device
	out.Software = copySoftware(device.Software)
	return &out, nil
}

// ListByStore loads devices for a store.
func (r *DeviceRepository) ListByStore(_ context.Context, storeID string) ([]devices.Device, error) {
	return r.filter(func(d *devices.Device) bool { return d.StoreID == storeID }), nil
}

// ListActive loads active devices.
func (r *DeviceRepository) ListActive(_ context.Context) ([]devices.Device, error) {
	return r.filter(func(d *devices.Device) bool { return d.Active }), nil
}

// Deactivate clears the active flag, keeping the first deactivation time.
func (r *DeviceRepository) Deactivate(_ context.Context, id string, at time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byID[id]
	if !ok {
		return false, nil
	}
	if device.Active {
		device.Active = false
		device.DeactivatedAt = at
		device.UpdatedAt = at
	}
	return true, nil
}

// MarkSeen records the latest receipt time.
func (r *DeviceRepository) MarkSeen(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.byID[id]
	if !ok {
		return nil
	}
	if at.After(device.LastSeenAt) {
		device.LastSeenAt = at
	}
	return nil
}

func (r *DeviceRepository) filter(keep func(*devices.Device) bool) []devices.Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []devices.Device
	for _, device := range r.byID {
		if keep(device) {
			copied := *device
			copied.Software = copySoftware(device.Software)
			out = append(out, copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func copySoftware(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
