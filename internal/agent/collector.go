// Package agent collects local health samples on an edge device and hands
// them to the sync coordinator.
package agent

import (
	"context"
	"net"
	"runtime"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	devices "edgefleet/internal/devices/domain"
	health "edgefleet/internal/health/domain"
)

// Collector reads host metrics through gopsutil. The function fields are
// swapped in tests.
type Collector struct {
	DiskPath  string
	PingURL   string
	SignalDBm func(ctx context.Context) (float64, bool)

	cpuPercent  func(ctx context.Context, interval time.Duration, percpu bool) ([]float64, error)
	virtualMem  func(ctx context.Context) (*mem.VirtualMemoryStat, error)
	diskUsage   func(ctx context.Context, path string) (*disk.UsageStat, error)
	temperature func(ctx context.Context) ([]host.TemperatureStat, error)
	http        *resty.Client
	logger      *zap.Logger
}

// NewCollector builds a collector for the root filesystem. pingURL, when
// set, is fetched to measure uplink latency.
func NewCollector(pingURL string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	diskPath := "/"
	if runtime.GOOS == "windows" {
		diskPath = `C:\`
	}
	return &Collector{
		DiskPath:    diskPath,
		PingURL:     pingURL,
		cpuPercent:  cpu.PercentWithContext,
		virtualMem:  mem.VirtualMemoryWithContext,
		diskUsage:   disk.UsageWithContext,
		temperature: host.SensorsTemperaturesWithContext,
		http:        resty.New().SetTimeout(5 * time.Second),
		logger:      logger,
	}
}

// Sample takes one reading. CPU and memory failures are fatal; the rest
// degrade to zero values with a warning.
func (c *Collector) Sample(ctx context.Context) (health.Sample, error) {
	var s health.Sample

	usage, err := c.cpuPercent(ctx, 200*time.Millisecond, false)
	if err != nil {
		return s, err
	}
	if len(usage) > 0 {
		s.CPU = clampPercent(usage[0])
	}

	vm, err := c.virtualMem(ctx)
	if err != nil {
		return s, err
	}
	s.Memory = clampPercent(vm.UsedPercent)

	if du, err := c.diskUsage(ctx, c.DiskPath); err != nil {
		c.logger.Warn("disk usage unavailable", zap.String("path", c.DiskPath), zap.Error(err))
	} else {
		s.Disk = clampPercent(du.UsedPercent)
	}

	if temps, err := c.temperature(ctx); err != nil && len(temps) == 0 {
		c.logger.Debug("temperature sensors unavailable", zap.Error(err))
	} else {
		s.Temperature = hottest(temps)
	}

	if c.PingURL != "" {
		start := time.Now()
		if _, err := c.http.R().SetContext(ctx).Get(c.PingURL); err != nil {
			c.logger.Warn("uplink ping failed", zap.Error(err))
		} else {
			s.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
		}
	}
	if c.SignalDBm != nil {
		if dbm, ok := c.SignalDBm(ctx); ok {
			s.SignalDBm = dbm
		}
	}
	return s, nil
}

// Hardware describes the local machine for registration.
func Hardware(ctx context.Context, diskPath string) devices.Hardware {
	hw := devices.Hardware{Arch: runtime.GOARCH}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		hw.CPUCores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		hw.MemoryMB = int(vm.Total / (1 << 20))
	}
	if du, err := disk.UsageWithContext(ctx, diskPath); err == nil {
		hw.DiskGB = int(du.Total / (1 << 30))
	}
	return hw
}

// Fingerprint identifies the local machine by its first hardware MAC, host
// id and hostname.
func Fingerprint(ctx context.Context) devices.Fingerprint {
	var fp devices.Fingerprint
	if info, err := host.InfoWithContext(ctx); err == nil {
		fp.Hostname = info.Hostname
		fp.Serial = info.HostID
	}
	if ifaces, err := net.Interfaces(); err == nil {
		for _, iface := range ifaces {
			if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
				continue
			}
			fp.MAC = strings.ToUpper(iface.HardwareAddr.String())
			break
		}
	}
	return fp
}

func hottest(temps []host.TemperatureStat) float64 {
	hot := 0.0
	for _, t := range temps {
		if t.Temperature > hot && t.Temperature < 150 {
			hot = t.Temperature
		}
	}
	return hot
}

func clampPercent(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
