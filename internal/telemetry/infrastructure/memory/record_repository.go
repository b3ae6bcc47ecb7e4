package memory

import (
	"context"
	"sync"
	"time"

	"edgefleet/internal/apperr"
	telemetry "edgefleet/internal/telemetry/domain"
)

// RecordRepository keeps health records in process.
type RecordRepository struct {
	mu         sync.RWMutex
	records    map[string][]telemetry.HealthRecord
	watermarks map[string]time.Time
	failures   int
	failErr    error
}

// NewRecordRepository constructs an empty repository.
func NewRecordRepository() *RecordRepository {
	return &RecordRepository{
		records:    make(map[string][]telemetry.HealthRecord),
		watermarks: make(map[string]time.Time),
	}
}

// FailNext makes the next n Append calls return err.
func (r *RecordRepository) FailNext(n int, err error) {
	r.mu.Lock()
	r.failures = n
	r.failErr = err
	r.mu.Unlock()
}

// Append implements telemetry.Repository.
func (r *RecordRepository) Append(_ context.Context, rec telemetry.HealthRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failures > 0 {
		r.failures--
		return r.failErr
	}
	last, ok := r.watermarks[rec.DeviceID]
	if ok && !rec.Timestamp.After(last) {
		return &apperr.StaleSubmissionError{DeviceID: rec.DeviceID, Timestamp: rec.Timestamp, LastAccepted: last}
	}
	r.watermarks[rec.DeviceID] = rec.Timestamp
	r.records[rec.DeviceID] = append(r.records[rec.DeviceID], rec)
	return nil
}

// LastAccepted implements telemetry.Repository.
func (r *RecordRepository) LastAccepted(_ context.Context, deviceID string) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.watermarks[deviceID], nil
}

// Latest implements telemetry.Repository.
func (r *RecordRepository) Latest(_ context.Context, deviceID string) (*telemetry.HealthRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.records[deviceID]
	if len(list) == 0 {
		return nil, nil
	}
	rec := list[len(list)-1]
	return &rec, nil
}

// ListRange implements telemetry.Repository. Bounds are inclusive.
func (r *RecordRepository) ListRange(_ context.Context, deviceID string, from, to time.Time) ([]telemetry.HealthRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []telemetry.HealthRecord
	for _, rec := range r.records[deviceID] {
		if rec.Timestamp.Before(from) || rec.Timestamp.After(to) {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count returns the number of stored records for a device.
func (r *RecordRepository) Count(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records[deviceID])
}
