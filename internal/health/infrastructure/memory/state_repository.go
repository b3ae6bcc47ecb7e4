package memory

import (
	"context"
	"sync"

	health "edgefleet/internal/health/domain"
)

// StateRepository keeps device health state in memory.
type StateRepository struct {
	mu     sync.RWMutex
	states map[string]health.State
}

// NewStateRepository constructs an empty repository.
func NewStateRepository() *StateRepository {
	return &StateRepository{states: make(map[string]health.State)}
}

// Get loads the state of a device.
func (r *StateRepository) Get(_ context.Context, deviceID string) (*health.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	state, ok := r.states[deviceID]
	if !ok {
		return nil, nil
	}
	return &state, nil
}

// Save stores the state.
func (r *StateRepository) Save(_ context.Context, state health.State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[state.DeviceID] = state
	return nil
}

// ListByDevices loads states for the given devices.
func (r *StateRepository) ListByDevices(_ context.Context, deviceIDs []string) (map[string]health.State, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]health.State, len(deviceIDs))
	for _, id := range deviceIDs {
		if state, ok := r.states[id]; ok {
			out[id] = state
		}
	}
	return out, nil
}
