package health

import "edgefleet/internal/apperr"

// Sample is the health data a device reports in one submission.
type Sample struct {
	CPU             float64  `json:"cpu"`
	Memory          float64  `json:"memory"`
	Disk            float64  `json:"disk"`
	Temperature     float64  `json:"temperature"`
	LatencyMs       float64  `json:"latency_ms"`
	SignalDBm       float64  `json:"signal_dbm"`
	POSAccuracy     *float64 `json:"pos_accuracy,omitempty"`
	ScannerAccuracy *float64 `json:"scanner_accuracy,omitempty"`
	Transactions    *int64   `json:"transactions,omitempty"`
	QueueDepth      *int64   `json:"queue_depth,omitempty"`
}

// Validate checks value ranges.
func (s Sample) Validate(deviceID string) error {
	percentages := []percentage{
		{"cpu", s.CPU},
		{"memory", s.Memory},
		{"disk", s.Disk},
	}
	if s.POSAccuracy != nil {
		percentages = append(percentages, percentage{"pos_accuracy", *s.POSAccuracy})
	}
	if s.ScannerAccuracy != nil {
		percentages = append(percentages, percentage{"scanner_accuracy", *s.ScannerAccuracy})
	}
	for _, p := range percentages {
		if p.value < 0 || p.value > 100 {
			return apperr.OutOfRange("health_record", deviceID, p.field, p.value, 0, 100)
		}
	}
	if s.SignalDBm < -100 || s.SignalDBm > 0 {
		return apperr.OutOfRange("health_record", deviceID, "signal_dbm", s.SignalDBm, -100, 0)
	}
	if s.LatencyMs < 0 {
		return apperr.OutOfRange("health_record", deviceID, "latency_ms", s.LatencyMs, 0, maxLatencyMs)
	}
	if s.Temperature < -50 || s.Temperature > 150 {
		return apperr.OutOfRange("health_record", deviceID, "temperature", s.Temperature, -50, 150)
	}
	if s.Transactions != nil && *s.Transactions < 0 {
		return apperr.Invalid("health_record", deviceID, "transactions", "must be >= 0")
	}
	if s.QueueDepth != nil && *s.QueueDepth < 0 {
		return apperr.Invalid("health_record", deviceID, "queue_depth", "must be >= 0")
	}
	return nil
}

const maxLatencyMs = 600000

type percentage struct {
	field string
	value float64
}
