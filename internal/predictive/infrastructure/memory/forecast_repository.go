package memory

import (
	"context"
	"sync"

	predictive "edgefleet/internal/predictive/domain"
)

// ForecastRepository keeps the forecast history in memory.
type ForecastRepository struct {
	mu      sync.RWMutex
	history map[string][]predictive.Forecast
}

// NewForecastRepository constructs an empty repository.
func NewForecastRepository() *ForecastRepository {
	return &ForecastRepository{history: make(map[string][]predictive.Forecast)}
}

// Save appends a forecast.
func (r *ForecastRepository) Save(_ context.Context, f predictive.Forecast) error {
	r.mu.Lock()
	r.history[f.DeviceID] = append(r.history[f.DeviceID], f)
	r.mu.Unlock()
	return nil
}

// Latest returns the newest forecast of a device, or nil.
func (r *ForecastRepository) Latest(_ context.Context, deviceID string) (*predictive.Forecast, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := r.history[deviceID]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[0]
	for _, f := range list[1:] {
		if !f.ComputedAt.Before(latest.ComputedAt) {
			latest = f
		}
	}
	return &latest, nil
}

// Count returns the number of stored forecasts of a device.
func (r *ForecastRepository) Count(deviceID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.history[deviceID])
}
