package devices

import (
	"errors"
	"fmt"
	"time"
)

// Threshold is a warning/critical pair for one metric.
type Threshold struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// Thresholds holds the health thresholds applied to a device.
type Thresholds struct {
	CPU              Threshold `json:"cpu" yaml:"cpu"`
	Memory           Threshold `json:"memory" yaml:"memory"`
	Disk             Threshold `json:"disk" yaml:"disk"`
	Temperature      Threshold `json:"temperature" yaml:"temperature"`
	LatencyWarningMs float64   `json:"latency_warning_ms" yaml:"latency_warning_ms"`
}

// Config is the effective configuration of a device.
type Config struct {
	ReportingIntervalSeconds int        `json:"reporting_interval_seconds" yaml:"reporting_interval_seconds"`
	Thresholds               Thresholds `json:"thresholds" yaml:"thresholds"`
	Features                 []string   `json:"features,omitempty" yaml:"features,omitempty"`
}

// ReportingInterval returns the expected telemetry cadence.
func (c Config) ReportingInterval() time.Duration {
	return time.Duration(c.ReportingIntervalSeconds) * time.Second
}

// OfflineAfter is the silence after which a device counts as offline.
func (c Config) OfflineAfter() time.Duration {
	return 2 * c.ReportingInterval()
}

// DefaultConfig returns the built-in device configuration.
func DefaultConfig() Config {
	return Config{
		ReportingIntervalSeconds: 30,
		Thresholds: Thresholds{
			CPU:              Threshold{Warning: 80, Critical: 90},
			Memory:           Threshold{Warning: 85, Critical: 95},
			Disk:             Threshold{Warning: 85, Critical: 95},
			Temperature:      Threshold{Warning: 70, Critical: 85},
			LatencyWarningMs: 200,
		},
	}
}

// Validate checks config invariants.
func (c Config) Validate() error {
	if c.ReportingIntervalSeconds <= 0 {
		return errors.New("config: reporting interval must be positive")
	}
	pairs := map[string]Threshold{
		"cpu":         c.Thresholds.CPU,
		"memory":      c.Thresholds.Memory,
		"disk":        c.Thresholds.Disk,
		"temperature": c.Thresholds.Temperature,
	}
	for name, th := range pairs {
		if th.Warning > th.Critical {
			return fmt.Errorf("config: %s warning %.1f above critical %.1f", name, th.Warning, th.Critical)
		}
	}
	return nil
}

// Merge overlays the non-zero fields of override onto base.
func Merge(base, override Config) Config {
	out := base
	if override.ReportingIntervalSeconds > 0 {
		out.ReportingIntervalSeconds = override.ReportingIntervalSeconds
	}
	out.Thresholds.CPU = mergeThreshold(base.Thresholds.CPU, override.Thresholds.CPU)
	out.Thresholds.Memory = mergeThreshold(base.Thresholds.Memory, override.Thresholds.Memory)
	out.Thresholds.Disk = mergeThreshold(base.Thresholds.Disk, override.Thresholds.Disk)
	out.Thresholds.Temperature = mergeThreshold(base.Thresholds.Temperature, override.Thresholds.Temperature)
	if override.Thresholds.LatencyWarningMs > 0 {
		out.Thresholds.LatencyWarningMs = override.Thresholds.LatencyWarningMs
	}
	if override.Features != nil {
		out.Features = append([]string(nil), override.Features...)
	}
	return out
}

func mergeThreshold(base, override Threshold) Threshold {
	if override.Warning > 0 {
		base.Warning = override.Warning
	}
	if override.Critical > 0 {
		base.Critical = override.Critical
	}
	return base
}

// Profiles layers configuration defaults by device type and store.
type Profiles struct {
	Defaults Config            `yaml:"defaults"`
	Types    map[string]Config `yaml:"types"`
	Stores   map[string]Config `yaml:"stores"`
}

// Resolve returns defaults <- device type <- store.
func (p Profiles) Resolve(storeID, deviceType string) Config {
	cfg := Merge(DefaultConfig(), p.Defaults)
	if override, ok := p.Types[deviceType]; ok {
		cfg = Merge(cfg, override)
	}
	if override, ok := p.Stores[storeID]; ok {
		cfg = Merge(cfg, override)
	}
	return cfg
}
