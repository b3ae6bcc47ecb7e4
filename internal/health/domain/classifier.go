package health

import (
	"time"

	devices "edgefleet/internal/devices/domain"
)

// Classify derives the status of one sample. It has no side effects.
func Classify(sample Sample, th devices.Thresholds) Status {
	resources := []struct {
		metric Metric
		value  float64
		limit  devices.Threshold
	}{
		{MetricCPU, sample.CPU, th.CPU},
		{MetricMemory, sample.Memory, th.Memory},
		{MetricDisk, sample.Disk, th.Disk},
		{MetricTemperature, sample.Temperature, th.Temperature},
	}

	var (
		findings []Finding
		reason   Reason
	)
	for _, r := range resources {
		switch {
		case r.limit.Critical > 0 && r.value > r.limit.Critical:
			findings = append(findings, Finding{Metric: r.metric, Value: r.value, Threshold: r.limit.Critical, Level: LevelCritical})
			if reason == "" {
				reason = Reason(r.metric)
			}
		case r.limit.Warning > 0 && r.value > r.limit.Warning:
			findings = append(findings, Finding{Metric: r.metric, Value: r.value, Threshold: r.limit.Warning, Level: LevelWarning})
		}
	}
	if th.LatencyWarningMs > 0 && sample.LatencyMs > th.LatencyWarningMs {
		findings = append(findings, Finding{Metric: MetricLatency, Value: sample.LatencyMs, Threshold: th.LatencyWarningMs, Level: LevelWarning})
	}

	switch {
	case reason != "":
		return Critical{Reason: reason, Findings: findings}
	case len(findings) > 0:
		return Warning{Findings: findings}
	default:
		return Healthy{}
	}
}

// ClassifyPresence reports Critical(offline) once lastSeen is older than 2x the reporting interval.
func ClassifyPresence(lastSeen, now time.Time, cfg devices.Config) Status {
	window := cfg.OfflineAfter()
	if window <= 0 || lastSeen.IsZero() {
		return Healthy{}
	}
	if now.Sub(lastSeen) > window {
		return Critical{Reason: ReasonOffline}
	}
	return Healthy{}
}
