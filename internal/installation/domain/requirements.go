package installation

// Requirements are the readiness criteria for one device type.
type Requirements struct {
	MinCPUCores int      `json:"min_cpu_cores" yaml:"min_cpu_cores"`
	MinMemoryMB int      `json:"min_memory_mb" yaml:"min_memory_mb"`
	MinDiskGB   int      `json:"min_disk_gb" yaml:"min_disk_gb"`
	Arch        []string `json:"arch,omitempty" yaml:"arch,omitempty"`

	MinFirmware string            `json:"min_firmware,omitempty" yaml:"min_firmware,omitempty"`
	Packages    map[string]string `json:"packages,omitempty" yaml:"packages,omitempty"`

	MaxLatencyMs     float64 `json:"max_latency_ms" yaml:"max_latency_ms"`
	MinBandwidthMbps float64 `json:"min_bandwidth_mbps" yaml:"min_bandwidth_mbps"`
	MinSignalDBm     float64 `json:"min_signal_dbm" yaml:"min_signal_dbm"`
}

// DefaultRequirements applies to device types without their own entry.
func DefaultRequirements() Requirements {
	return Requirements{
		MinCPUCores:  2,
		MinMemoryMB:  2048,
		MinDiskGB:    16,
		MaxLatencyMs: 500,
		MinSignalDBm: -85,
	}
}

// Catalog maps device types to requirements.
type Catalog struct {
	Default Requirements            `yaml:"default"`
	Types   map[string]Requirements `yaml:"types"`
}

// For returns the requirements of deviceType, overlaying its non-zero fields on the default.
func (c Catalog) For(deviceType string) Requirements {
	base := c.Default
	if base.MaxLatencyMs == 0 && base.MinCPUCores == 0 && base.MinMemoryMB == 0 {
		base = DefaultRequirements()
	}
	override, ok := c.Types[deviceType]
	if !ok {
		return base
	}
	if override.MinCPUCores > 0 {
		base.MinCPUCores = override.MinCPUCores
	}
	if override.MinMemoryMB > 0 {
		base.MinMemoryMB = override.MinMemoryMB
	}
	if override.MinDiskGB > 0 {
		base.MinDiskGB = override.MinDiskGB
	}
	if len(override.Arch) > 0 {
		base.Arch = override.Arch
	}
	if override.MinFirmware != "" {
		base.MinFirmware = override.MinFirmware
	}
	if len(override.Packages) > 0 {
		base.Packages = override.Packages
	}
	if override.MaxLatencyMs > 0 {
		base.MaxLatencyMs = override.MaxLatencyMs
	}
	if override.MinBandwidthMbps > 0 {
		base.MinBandwidthMbps = override.MinBandwidthMbps
	}
	if override.MinSignalDBm < 0 {
		base.MinSignalDBm = override.MinSignalDBm
	}
	return base
}
