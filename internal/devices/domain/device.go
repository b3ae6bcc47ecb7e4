package devices

import (
	"context"
	"errors"
	"time"
)

// Hardware is the inventory a device reports at registration.
type Hardware struct {
	Model    string `json:"model,omitempty"`
	Arch     string `json:"arch,omitempty"`
	CPUCores int    `json:"cpu_cores,omitempty"`
	MemoryMB int    `json:"memory_mb,omitempty"`
	DiskGB   int    `json:"disk_gb,omitempty"`
}

// Device is a registered edge device.
type Device struct {
	ID              string            `json:"id"`
	Fingerprint     Fingerprint       `json:"fingerprint"`
	FingerprintKey  string            `json:"fingerprint_key"`
	StoreID         string            `json:"store_id"`
	DeviceType      string            `json:"device_type"`
	Hardware        Hardware          `json:"hardware"`
	FirmwareVersion string            `json:"firmware_version,omitempty"`
	Software        map[string]string `json:"software,omitempty"`
	ProbeURL        string            `json:"probe_url,omitempty"`
	Config          Config            `json:"config"`
	Active          bool              `json:"active"`
	RegisteredAt    time.Time         `json:"registered_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
	LastSeenAt      time.Time         `json:"last_seen_at,omitempty"`
	DeactivatedAt   time.Time         `json:"deactivated_at,omitempty"`
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.FingerprintKey == "" {
		return errors.New("device: empty fingerprint key")
	}
	if d.StoreID == "" {
		return errors.New("device: empty store id")
	}
	if d.DeviceType == "" {
		return errors.New("device: empty device type")
	}
	return d.Config.Validate()
}

// Repository manages device persistence.
// Upsert is atomic on FingerprintKey and returns the id of the surviving row.
type Repository interface {
	Upsert(ctx context.Context, device *Device) (id string, created bool, err error)
	Get(ctx context.Context, id string) (*Device, error)
	ListByStore(ctx context.Context, storeID string) ([]Device, error)
	ListActive(ctx context.Context) ([]Device, error)
	Deactivate(ctx context.Context, id string, at time.Time) (bool, error)
	MarkSeen(ctx context.Context, id string, at time.Time) error
}
