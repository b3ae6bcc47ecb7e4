package application

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	alerts "edgefleet/internal/alerts/domain"
	devices "edgefleet/internal/devices/domain"
	installation "edgefleet/internal/installation/domain"
	"edgefleet/internal/observability/metrics"
	"edgefleet/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultProbeTimeout bounds each sub-check.
const DefaultProbeTimeout = 30 * time.Second

// DeviceReader resolves devices. Get returns apperr.NotFound for unknown ids.
type DeviceReader interface {
	Get(ctx context.Context, deviceID string) (*devices.Device, error)
}

// AlertRaiser is the alert surface used by the validator.
type AlertRaiser interface {
	Raise(ctx context.Context, sig alerts.Signal) (*alerts.Alert, bool, error)
	ResolveOpen(ctx context.Context, deviceID string, alertType alerts.Type, notes string) (*alerts.Alert, error)
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// Validator runs readiness checks.
type Validator struct {
	devices DeviceReader
	repo    installation.Repository
	alerts  AlertRaiser
	probes  map[string]Probe
	catalog installation.Catalog
	timeout time.Duration
	clock   Clock
	logger  *zap.Logger
	policy  retry.Policy
	newID   func() string
}

// Option configures the validator.
type Option func(*Validator)

// WithProbe registers or replaces the probe for its sub-check name.
func WithProbe(probe Probe) Option {
	return func(v *Validator) {
		if probe != nil {
			v.probes[probe.Name()] = probe
		}
	}
}

// WithCatalog sets per-type requirements.
func WithCatalog(catalog installation.Catalog) Option {
	return func(v *Validator) {
		v.catalog = catalog
	}
}

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(v *Validator) {
		if timeout > 0 {
			v.timeout = timeout
		}
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) Option {
	return func(v *Validator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(v *Validator) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// WithRetryPolicy overrides the store retry policy.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(v *Validator) {
		v.policy = policy
	}
}

// WithIDGenerator overrides check ids.
func WithIDGenerator(fn func() string) Option {
	return func(v *Validator) {
		if fn != nil {
			v.newID = fn
		}
	}
}

// NewValidator constructs a validator with the hardware and software probes.
// Network and master-data probes are supplied with WithProbe; a missing probe
// fails its sub-check.
func NewValidator(deviceReader DeviceReader, repo installation.Repository, raiser AlertRaiser, opts ...Option) (*Validator, error) {
	if deviceReader == nil {
		return nil, errors.New("installation: nil device reader")
	}
	if repo == nil {
		return nil, errors.New("installation: nil repository")
	}
	v := &Validator{
		devices: deviceReader,
		repo:    repo,
		alerts:  raiser,
		probes: map[string]Probe{
			installation.CheckHardware: HardwareProbe{},
			installation.CheckSoftware: SoftwareProbe{},
		},
		timeout: DefaultProbeTimeout,
		clock:   systemClock{},
		logger:  zap.NewNop(),
		policy:  retry.StorePolicy(),
		newID:   uuid.NewString,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v, nil
}

// RunCheck executes every sub-check in order, persists a new check and
// raises or resolves the device's installation alert.
func (v *Validator) RunCheck(ctx context.Context, deviceID string) (*installation.Check, error) {
	started := time.Now()
	device, err := v.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	req := v.catalog.For(device.DeviceType)

	check := installation.Check{
		ID:        v.newID(),
		DeviceID:  device.ID,
		StoreID:   device.StoreID,
		CreatedAt: v.clock.Now(),
	}
	for _, name := range installation.Order {
		check.Results = append(check.Results, v.runProbe(ctx, name, *device, req))
	}
	check.Evaluate()

	err = retry.Do(ctx, "installation.save", v.policy, func(ctx context.Context) error {
		return v.repo.Save(ctx, check)
	})
	if err != nil {
		return nil, err
	}
	metrics.ObserveInstallationCheck(check.Verdict, time.Since(started))
	v.applyAlert(ctx, *device, check)

	v.logger.Info("installation check completed",
		zap.String("check_id", check.ID),
		zap.String("device_id", device.ID),
		zap.Float64("score", check.Score),
		zap.String("verdict", check.Verdict),
		zap.Strings("hard_failed", check.HardFailed),
	)
	return &check, nil
}

// ListChecks returns a device's checks, newest first.
func (v *Validator) ListChecks(ctx context.Context, deviceID string, limit int) ([]installation.Check, error) {
	if _, err := v.devices.Get(ctx, deviceID); err != nil {
		return nil, err
	}
	return v.repo.ListByDevice(ctx, deviceID, limit)
}

// LatestByStore returns the newest check of each device of a store within window.
func (v *Validator) LatestByStore(ctx context.Context, storeID string, window time.Duration) ([]installation.Check, error) {
	since := time.Time{}
	if window > 0 {
		since = v.clock.Now().Add(-window)
	}
	checks, err := v.repo.ListByStore(ctx, storeID, since)
	if err != nil {
		return nil, err
	}
	return LatestPerDevice(checks), nil
}

// LatestPerDevice keeps the newest check of every device, in first-seen order.
func LatestPerDevice(checks []installation.Check) []installation.Check {
	index := make(map[string]int)
	var out []installation.Check
	for _, c := range checks {
		i, ok := index[c.DeviceID]
		if !ok {
			index[c.DeviceID] = len(out)
			out = append(out, c)
			continue
		}
		if c.CreatedAt.After(out[i].CreatedAt) {
			out[i] = c
		}
	}
	return out
}

func (v *Validator) runProbe(ctx context.Context, name string, device devices.Device, req installation.Requirements) installation.SubCheck {
	probe, ok := v.probes[name]
	if !ok {
		return installation.Failed(name, "probe not configured", "")
	}
	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type outcome struct {
		result installation.SubCheck
		err    error
	}
	started := time.Now()
	done := make(chan outcome, 1)
	go func() {
		res, err := probe.Run(probeCtx, device, req)
		done <- outcome{res, err}
	}()

	var res installation.SubCheck
	select {
	case out := <-done:
		res = out.result
		if out.err != nil {
			res = installation.Failed(name, out.err.Error(), "")
		}
	case <-probeCtx.Done():
		res = installation.Failed(name, fmt.Sprintf("timed out after %s", v.timeout), "retry once the device is reachable")
		if ctx.Err() != nil {
			res.Detail = ctx.Err().Error()
		}
	}
	res.Name = name
	res.DurationMs = time.Since(started).Milliseconds()
	switch {
	case res.Score < 0:
		res.Score = 0
	case res.Score > 100:
		res.Score = 100
	}
	if !res.Passed {
		v.logger.Debug("installation sub-check failed",
			zap.String("device_id", device.ID),
			zap.String("check", name),
			zap.String("detail", res.Detail),
		)
	}
	return res
}

// applyAlert raises an installation alert on hard failure and resolves it on
// pass. Alert errors are logged only.
func (v *Validator) applyAlert(ctx context.Context, device devices.Device, check installation.Check) {
	if v.alerts == nil {
		return
	}
	if check.Passed() {
		if _, err := v.alerts.ResolveOpen(ctx, device.ID, alerts.TypeInstallation, "installation check passed"); err != nil {
			v.logger.Warn("resolve installation alert failed", zap.String("device_id", device.ID), zap.Error(err))
		}
		return
	}
	if len(check.HardFailed) == 0 {
		return
	}
	severity := alerts.SeverityWarning
	for _, name := range check.HardFailed {
		if name == installation.CheckNetwork {
			severity = alerts.SeverityCritical
		}
	}
	_, _, err := v.alerts.Raise(ctx, alerts.Signal{
		DeviceID: device.ID,
		StoreID:  device.StoreID,
		Type:     alerts.TypeInstallation,
		Severity: severity,
		Summary:  fmt.Sprintf("installation check failed: %s", strings.Join(check.HardFailed, ", ")),
		Context: map[string]any{
			"check_id":    check.ID,
			"score":       check.Score,
			"hard_failed": check.HardFailed,
			"remediation": check.Remediation,
		},
	})
	if err != nil {
		v.logger.Warn("raise installation alert failed", zap.String("device_id", device.ID), zap.Error(err))
	}
}
