package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	installation "edgefleet/internal/installation/domain"
)

// CheckRepository keeps installation checks in memory.
type CheckRepository struct {
	mu     sync.RWMutex
	checks []installation.Check
}

// NewCheckRepository constructs an empty repository.
func NewCheckRepository() *CheckRepository {
	return &CheckRepository{}
}

// Save appends a check.
func (r *CheckRepository) Save(_ context.Context, check installation.Check) error {
	r.mu.Lock()
	r.checks = append(r.checks, check)
	r.mu.Unlock()
	return nil
}

// Get returns a check by id, or nil.
func (r *CheckRepository) Get(_ context.Context, id string) (*installation.Check, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.checks {
		if c.ID == id {
			out := c
			return &out, nil
		}
	}
	return nil, nil
}

// ListByDevice returns checks of a device, newest first.
func (r *CheckRepository) ListByDevice(_ context.Context, deviceID string, limit int) ([]installation.Check, error) {
	out := r.filter(func(c installation.Check) bool { return c.DeviceID == deviceID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ListByStore returns checks of a store created at or after since, newest first.
func (r *CheckRepository) ListByStore(_ context.Context, storeID string, since time.Time) ([]installation.Check, error) {
	return r.filter(func(c installation.Check) bool {
		return c.StoreID == storeID && !c.CreatedAt.Before(since)
	}), nil
}

func (r *CheckRepository) filter(keep func(installation.Check) bool) []installation.Check {
	r.mu.RLock()
	var out []installation.Check
	for _, c := range r.checks {
		if keep(c) {
			out = append(out, c)
		}
	}
	r.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}
