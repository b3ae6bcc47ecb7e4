package application

import (
	"context"
	"errors"
	"strings"
	"time"

	"edgefleet/internal/apperr"
	devices "edgefleet/internal/devices/domain"
	"edgefleet/internal/observability/metrics"
	"edgefleet/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// RegisterRequest is the registration payload a device sends.
type RegisterRequest struct {
	Fingerprint     devices.Fingerprint `json:"fingerprint"`
	StoreID         string              `json:"store_id" validate:"required"`
	DeviceType      string              `json:"device_type" validate:"required"`
	Hardware        devices.Hardware    `json:"hardware"`
	FirmwareVersion string              `json:"firmware_version,omitempty"`
	Software        map[string]string   `json:"software,omitempty"`
	ProbeURL        string              `json:"probe_url,omitempty" validate:"omitempty,url"`
	Config          devices.Config      `json:"config"`
}

// RegisterResult reports the surviving device identity and its effective config.
type RegisterResult struct {
	DeviceID string         `json:"device_id"`
	Created  bool           `json:"created"`
	Config   devices.Config `json:"config"`
}

// Registry owns device identity and configuration.
type Registry struct {
	repo     devices.Repository
	profiles devices.Profiles
	clock    Clock
	logger   *zap.Logger
	newID    func() string
	policy   retry.Policy
}

// RegistryOption customizes the registry.
type RegistryOption func(*Registry)

// WithClock assigns a clock.
func WithClock(clock Clock) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithIDGenerator overrides device id generation.
func WithIDGenerator(fn func() string) RegistryOption {
	return func(r *Registry) {
		if fn != nil {
			r.newID = fn
		}
	}
}

// WithRetryPolicy overrides the store retry policy.
func WithRetryPolicy(policy retry.Policy) RegistryOption {
	return func(r *Registry) {
		r.policy = policy
	}
}

// NewRegistry constructs a registry.
func NewRegistry(repo devices.Repository, profiles devices.Profiles, opts ...RegistryOption) (*Registry, error) {
	if repo == nil {
		return nil, errors.New("registry: nil repository")
	}
	r := &Registry{
		repo:     repo,
		profiles: profiles,
		clock:    systemClock{},
		logger:   zap.NewNop(),
		newID:    uuid.NewString,
		policy:   retry.StorePolicy(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Register upserts a device by fingerprint and returns its id.
func (r *Registry) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	key, err := req.Fingerprint.Key()
	if err != nil {
		return nil, apperr.Invalid("device", "", "fingerprint", "one of mac, serial or hostname is required")
	}
	storeID := strings.TrimSpace(req.StoreID)
	deviceType := strings.TrimSpace(req.DeviceType)
	if storeID == "" {
		return nil, apperr.Invalid("device", key, "store_id", "required")
	}
	if deviceType == "" {
		return nil, apperr.Invalid("device", key, "device_type", "required")
	}

	cfg := devices.Merge(r.profiles.Resolve(storeID, deviceType), req.Config)
	if err := cfg.Validate(); err != nil {
		return nil, apperr.Invalid("device", key, "config", err.Error())
	}

	now := r.clock.Now()
	device := &devices.Device{
		ID:              r.newID(),
		Fingerprint:     req.Fingerprint.Normalize(),
		FingerprintKey:  key,
		StoreID:         storeID,
		DeviceType:      deviceType,
		Hardware:        req.Hardware,
		FirmwareVersion: strings.TrimSpace(req.FirmwareVersion),
		Software:        req.Software,
		ProbeURL:        strings.TrimSpace(req.ProbeURL),
		Config:          cfg,
		Active:          true,
		RegisteredAt:    now,
		UpdatedAt:       now,
	}

	type upsertResult struct {
		id      string
		created bool
	}
	res, err := retry.Value(ctx, "device upsert", r.policy, func(ctx context.Context) (upsertResult, error) {
		id, created, err := r.repo.Upsert(ctx, device)
		return upsertResult{id: id, created: created}, err
	})
	if err != nil {
		return nil, err
	}

	result := "updated"
	if res.created {
		result = "created"
	}
	metrics.IncRegistration(result)
	r.logger.Info("device registered",
		zap.String("device_id", res.id),
		zap.String("fingerprint", key),
		zap.String("store_id", storeID),
		zap.String("device_type", deviceType),
		zap.Bool("created", res.created),
	)
	return &RegisterResult{DeviceID: res.id, Created: res.created, Config: cfg}, nil
}

// Deactivate marks a device inactive. Deactivating twice is a no-op.
func (r *Registry) Deactivate(ctx context.Context, deviceID string) error {
	if deviceID == "" {
		return apperr.Invalid("device", "", "id", "required")
	}
	found, err := retry.Value(ctx, "device deactivate", r.policy, func(ctx context.Context) (bool, error) {
		return r.repo.Deactivate(ctx, deviceID, r.clock.Now())
	})
	if err != nil {
		return err
	}
	if !found {
		return apperr.NotFound("device", deviceID)
	}
	r.logger.Info("device deactivated", zap.String("device_id", deviceID))
	return nil
}

// Get loads a device.
func (r *Registry) Get(ctx context.Context, deviceID string) (*devices.Device, error) {
	if deviceID == "" {
		return nil, apperr.Invalid("device", "", "id", "required")
	}
	device, err := r.repo.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, apperr.NotFound("device", deviceID)
	}
	return device, nil
}

// GetConfig returns the effective config of a device.
func (r *Registry) GetConfig(ctx context.Context, deviceID string) (devices.Config, error) {
	device, err := r.Get(ctx, deviceID)
	if err != nil {
		return devices.Config{}, err
	}
	return device.Config, nil
}

// MarkSeen records server-side receipt time.
func (r *Registry) MarkSeen(ctx context.Context, deviceID string, at time.Time) error {
	return retry.Do(ctx, "device mark seen", r.policy, func(ctx context.Context) error {
		return r.repo.MarkSeen(ctx, deviceID, at)
	})
}

// ListActive returns every active device.
func (r *Registry) ListActive(ctx context.Context) ([]devices.Device, error) {
	return r.repo.ListActive(ctx)
}

// ListByStore returns the devices registered to a store.
func (r *Registry) ListByStore(ctx context.Context, storeID string) ([]devices.Device, error) {
	if storeID == "" {
		return nil, apperr.Invalid("store", "", "id", "required")
	}
	return r.repo.ListByStore(ctx, storeID)
}
