package application

import (
	"context"
	"fmt"
	"time"

	devices "edgefleet/internal/devices/domain"
	installation "edgefleet/internal/installation/domain"
	telemetry "edgefleet/internal/telemetry/domain"

	"github.com/go-resty/resty/v2"
)

// LatestReader returns the newest accepted health record of a device.
type LatestReader interface {
	Latest(ctx context.Context, deviceID string) (*telemetry.HealthRecord, error)
}

// NetworkProbe probes the device endpoint when one is registered and falls
// back to the latest telemetry otherwise.
type NetworkProbe struct {
	client  *resty.Client
	records LatestReader
	clock   Clock
}

// NewNetworkProbe constructs the probe. client may be nil.
func NewNetworkProbe(client *resty.Client, records LatestReader, clock Clock) *NetworkProbe {
	if client == nil {
		client = resty.New()
	}
	if clock == nil {
		clock = systemClock{}
	}
	return &NetworkProbe{client: client, records: records, clock: clock}
}

func (p *NetworkProbe) Name() string { return installation.CheckNetwork }

func (p *NetworkProbe) Run(ctx context.Context, device devices.Device, req installation.Requirements) (installation.SubCheck, error) {
	if device.ProbeURL != "" {
		return p.probeEndpoint(ctx, device, req)
	}
	return p.fromTelemetry(ctx, device, req)
}

func (p *NetworkProbe) probeEndpoint(ctx context.Context, device devices.Device, req installation.Requirements) (installation.SubCheck, error) {
	started := time.Now()
	resp, err := p.client.R().SetContext(ctx).Get(device.ProbeURL)
	if err != nil {
		return installation.Failed(installation.CheckNetwork,
			fmt.Sprintf("probe %s unreachable: %v", device.ProbeURL, err),
			"check cabling, firewall rules and the device probe endpoint"), nil
	}
	if resp.IsError() {
		return installation.Failed(installation.CheckNetwork,
			fmt.Sprintf("probe %s returned %d", device.ProbeURL, resp.StatusCode()),
			"restart the device agent"), nil
	}
	elapsed := time.Since(started)
	latencyMs := float64(elapsed.Microseconds()) / 1000
	c := criteria{name: installation.CheckNetwork}
	c.check(req.MaxLatencyMs <= 0 || latencyMs <= req.MaxLatencyMs,
		fmt.Sprintf("latency %.0fms above %.0fms", latencyMs, req.MaxLatencyMs),
		"move the device to a lower latency link")
	if req.MinBandwidthMbps > 0 && elapsed > 0 {
		mbps := float64(len(resp.Body())) * 8 / elapsed.Seconds() / 1e6
		c.check(mbps >= req.MinBandwidthMbps,
			fmt.Sprintf("bandwidth %.2fMbps below %.2fMbps", mbps, req.MinBandwidthMbps),
			"upgrade the store uplink")
	}
	out := c.result()
	if out.Passed {
		out.Detail = fmt.Sprintf("reachable, latency %.0fms", latencyMs)
	}
	return out, nil
}

func (p *NetworkProbe) fromTelemetry(ctx context.Context, device devices.Device, req installation.Requirements) (installation.SubCheck, error) {
	if p.records == nil {
		return installation.Failed(installation.CheckNetwork, "no probe url and no telemetry source",
			"register a probe url for the device"), nil
	}
	rec, err := p.records.Latest(ctx, device.ID)
	if err != nil {
		return installation.SubCheck{}, err
	}
	if rec == nil {
		return installation.Failed(installation.CheckNetwork, "no telemetry received",
			"start the edge agent and confirm it reports"), nil
	}
	c := criteria{name: installation.CheckNetwork}
	window := device.Config.OfflineAfter()
	lastSeen := device.LastSeenAt
	if lastSeen.IsZero() {
		lastSeen = rec.ReceivedAt
	}
	c.check(window <= 0 || p.clock.Now().Sub(lastSeen) <= window,
		fmt.Sprintf("last report %s ago", p.clock.Now().Sub(lastSeen).Truncate(time.Second)),
		"restore connectivity so the device reports on schedule")
	c.check(req.MaxLatencyMs <= 0 || rec.Sample.LatencyMs <= req.MaxLatencyMs,
		fmt.Sprintf("latency %.0fms above %.0fms", rec.Sample.LatencyMs, req.MaxLatencyMs),
		"move the device to a lower latency link")
	c.check(req.MinSignalDBm == 0 || rec.Sample.SignalDBm >= req.MinSignalDBm,
		fmt.Sprintf("signal %.0fdBm below %.0fdBm", rec.Sample.SignalDBm, req.MinSignalDBm),
		"reposition the device or add an access point")
	return c.result(), nil
}
