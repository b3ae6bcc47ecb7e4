package telemetry

import (
	"context"
	"time"

	health "edgefleet/internal/health/domain"
)

// HealthRecord is one accepted sample. Records are append-only.
type HealthRecord struct {
	ID         string        `json:"id"`
	DeviceID   string        `json:"device_id"`
	StoreID    string        `json:"store_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Sample     health.Sample `json:"sample"`
	Status     string        `json:"status"`
	BatchID    string        `json:"batch_id,omitempty"`
	ReceivedAt time.Time     `json:"received_at"`
}

// Repository persists health records.
//
// Append advances the device watermark and inserts rec atomically. When
// rec.Timestamp is not strictly after the watermark it stores nothing and
// returns *apperr.StaleSubmissionError.
type Repository interface {
	Append(ctx context.Context, rec HealthRecord) error
	LastAccepted(ctx context.Context, deviceID string) (time.Time, error)
	Latest(ctx context.Context, deviceID string) (*HealthRecord, error)
	ListRange(ctx context.Context, deviceID string, from, to time.Time) ([]HealthRecord, error)
}
