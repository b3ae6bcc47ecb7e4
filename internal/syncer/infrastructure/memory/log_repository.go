package memory

import (
	"context"
	"sync"

	syncer "edgefleet/internal/syncer/domain"
)

// LogRepository keeps sync logs in process.
type LogRepository struct {
	mu   sync.RWMutex
	logs []syncer.SyncLog
}

// NewLogRepository constructs an empty repository.
func NewLogRepository() *LogRepository {
	return &LogRepository{}
}

// Save implements syncer.LogRepository.
func (r *LogRepository) Save(_ context.Context, log syncer.SyncLog) error {
	r.mu.Lock()
	r.logs = append(r.logs, log)
	r.mu.Unlock()
	return nil
}

// ListByDevice returns the newest logs first.
func (r *LogRepository) ListByDevice(_ context.Context, deviceID string, limit int) ([]syncer.SyncLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []syncer.SyncLog
	for i := len(r.logs) - 1; i >= 0; i-- {
		if r.logs[i].DeviceID != deviceID {
			continue
		}
		out = append(out, r.logs[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
