package application

import (
	"context"
	"fmt"
	"slices"
	"strings"

	devices "edgefleet/internal/devices/domain"
	installation "edgefleet/internal/installation/domain"

	"golang.org/x/mod/semver"
)

// Probe runs one sub-check against a device. Returned errors become a
// failed sub-check with score 0.
type Probe interface {
	Name() string
	Run(ctx context.Context, device devices.Device, req installation.Requirements) (installation.SubCheck, error)
}

// criteria accumulates met/unmet conditions into a proportional score.
type criteria struct {
	name        string
	total       int
	met         int
	details     []string
	remediation []string
}

func (c *criteria) check(ok bool, detail, fix string) {
	c.total++
	if ok {
		c.met++
		return
	}
	c.details = append(c.details, detail)
	c.remediation = append(c.remediation, fix)
}

func (c *criteria) result() installation.SubCheck {
	if c.total == 0 {
		return installation.SubCheck{Name: c.name, Passed: true, Score: 100, Detail: "no requirements"}
	}
	out := installation.SubCheck{
		Name:   c.name,
		Passed: c.met == c.total,
		Score:  float64(c.met) * 100 / float64(c.total),
	}
	if out.Passed {
		out.Detail = fmt.Sprintf("%d/%d requirements met", c.met, c.total)
		return out
	}
	out.Detail = strings.Join(c.details, "; ")
	out.Remediation = strings.Join(c.remediation, "; ")
	return out
}

// HardwareProbe compares the registered inventory with the type requirements.
type HardwareProbe struct{}

func (HardwareProbe) Name() string { return installation.CheckHardware }

func (HardwareProbe) Run(_ context.Context, device devices.Device, req installation.Requirements) (installation.SubCheck, error) {
	hw := device.Hardware
	c := criteria{name: installation.CheckHardware}
	if req.MinCPUCores > 0 {
		c.check(hw.CPUCores >= req.MinCPUCores,
			fmt.Sprintf("cpu cores %d < %d", hw.CPUCores, req.MinCPUCores),
			fmt.Sprintf("use hardware with at least %d cores", req.MinCPUCores))
	}
	if req.MinMemoryMB > 0 {
		c.check(hw.MemoryMB >= req.MinMemoryMB,
			fmt.Sprintf("memory %dMB < %dMB", hw.MemoryMB, req.MinMemoryMB),
			fmt.Sprintf("upgrade memory to %dMB", req.MinMemoryMB))
	}
	if req.MinDiskGB > 0 {
		c.check(hw.DiskGB >= req.MinDiskGB,
			fmt.Sprintf("disk %dGB < %dGB", hw.DiskGB, req.MinDiskGB),
			fmt.Sprintf("provide at least %dGB disk", req.MinDiskGB))
	}
	if len(req.Arch) > 0 {
		c.check(slices.Contains(req.Arch, strings.ToLower(hw.Arch)),
			fmt.Sprintf("arch %q not in %v", hw.Arch, req.Arch),
			"replace with a supported architecture")
	}
	return c.result(), nil
}

// SoftwareProbe checks firmware and package versions using semantic versioning.
type SoftwareProbe struct{}

func (SoftwareProbe) Name() string { return installation.CheckSoftware }

func (SoftwareProbe) Run(_ context.Context, device devices.Device, req installation.Requirements) (installation.SubCheck, error) {
	c := criteria{name: installation.CheckSoftware}
	if req.MinFirmware != "" {
		c.check(versionAtLeast(device.FirmwareVersion, req.MinFirmware),
			fmt.Sprintf("firmware %q below %s", device.FirmwareVersion, req.MinFirmware),
			fmt.Sprintf("update firmware to %s or later", req.MinFirmware))
	}
	names := make([]string, 0, len(req.Packages))
	for name := range req.Packages {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		minVersion := req.Packages[name]
		installed, ok := device.Software[name]
		if !ok {
			c.check(false, fmt.Sprintf("package %s missing", name), fmt.Sprintf("install %s %s", name, minVersion))
			continue
		}
		c.check(versionAtLeast(installed, minVersion),
			fmt.Sprintf("package %s %s below %s", name, installed, minVersion),
			fmt.Sprintf("upgrade %s to %s", name, minVersion))
	}
	return c.result(), nil
}

// versionAtLeast compares semantic versions; unparseable versions never satisfy.
func versionAtLeast(have, want string) bool {
	h, w := canonical(have), canonical(want)
	if h == "" || w == "" {
		return false
	}
	return semver.Compare(h, w) >= 0
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return ""
	}
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return semver.Canonical(v)
}
