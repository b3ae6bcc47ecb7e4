package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	alerts "edgefleet/internal/alerts/domain"
)

// AlertRepository keeps alerts in memory.
type AlertRepository struct {
	mu     sync.Mutex
	byID   map[string]*alerts.Alert
	open   map[string]string
	failOn map[string]error
}

// NewAlertRepository constructs an empty repository.
func NewAlertRepository() *AlertRepository {
	return &AlertRepository{
		byID:   make(map[string]*alerts.Alert),
		open:   make(map[string]string),
		failOn: make(map[string]error),
	}
}

// FailOn makes op ("raise", "update") return err until cleared with a nil error.
func (r *AlertRepository) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failOn, op)
		return
	}
	r.failOn[op] = err
}

// Raise inserts candidate or merges it into the open alert with the same dedup key.
func (r *AlertRepository) Raise(_ context.Context, candidate *alerts.Alert) (alerts.RaiseResult, error) {
	if candidate == nil {
		return alerts.RaiseResult{}, errors.New("alert repo: nil alert")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn["raise"]; err != nil {
		return alerts.RaiseResult{}, err
	}

	if id, ok := r.open[candidate.DedupKey]; ok {
		existing := r.byID[id]
		previous := existing.Severity
		existing.Merge(alerts.Signal{
			DeviceID: candidate.DeviceID,
			StoreID:  candidate.StoreID,
			Type:     candidate.Type,
			Severity: candidate.Severity,
			Summary:  candidate.Summary,
			Context:  candidate.Context,
		}, candidate.LastSeenAt)
		existing.Version++
		out := existing.Clone()
		return alerts.RaiseResult{Alert: &out, Previous: previous}, nil
	}

	stored := candidate.Clone()
	r.byID[stored.ID] = &stored
	r.open[stored.DedupKey] = stored.ID
	out := stored.Clone()
	return alerts.RaiseResult{Alert: &out, Created: true}, nil
}

// Get loads an alert by id.
func (r *AlertRepository) Get(_ context.Context, id string) (*alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	alert, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	out := alert.Clone()
	return &out, nil
}

// FindOpen loads the open alert for a device and type.
func (r *AlertRepository) FindOpen(_ context.Context, deviceID string, alertType alerts.Type) (*alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.open[alerts.DedupKey(deviceID, alertType)]
	if !ok {
		return nil, nil
	}
	out := r.byID[id].Clone()
	return &out, nil
}

// Update stores alert when its version matches the stored one.
func (r *AlertRepository) Update(_ context.Context, alert *alerts.Alert) error {
	if alert == nil {
		return errors.New("alert repo: nil alert")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.failOn["update"]; err != nil {
		return err
	}
	current, ok := r.byID[alert.ID]
	if !ok {
		return alerts.ErrNotFound
	}
	if current.Status == alerts.StatusResolved {
		return alerts.ErrImmutable
	}
	if current.Version != alert.Version {
		return alerts.ErrConflict
	}
	stored := alert.Clone()
	stored.Version++
	r.byID[stored.ID] = &stored
	if stored.Status == alerts.StatusResolved {
		delete(r.open, stored.DedupKey)
	}
	alert.Version = stored.Version
	return nil
}

// List returns alerts matching filter, newest first.
func (r *AlertRepository) List(_ context.Context, filter alerts.Filter) ([]alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerts.Alert
	for _, alert := range r.byID {
		if matches(alert, filter) {
			out = append(out, alert.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// ListEscalationCandidates returns active alerts of severity created before the cutoff.
func (r *AlertRepository) ListEscalationCandidates(_ context.Context, severity alerts.Severity, createdBefore time.Time) ([]alerts.Alert, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []alerts.Alert
	for _, alert := range r.byID {
		if alert.Status == alerts.StatusActive && alert.Severity == severity && !alert.CreatedAt.After(createdBefore) {
			out = append(out, alert.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matches(alert *alerts.Alert, f alerts.Filter) bool {
	switch {
	case f.StoreID != "" && alert.StoreID != f.StoreID:
		return false
	case f.DeviceID != "" && alert.DeviceID != f.DeviceID:
		return false
	case f.Type != "" && alert.Type != f.Type:
		return false
	case f.Severity != "" && alert.Severity != f.Severity:
		return false
	case f.Status != "" && alert.Status != f.Status:
		return false
	case f.OpenOnly && !alert.IsOpen():
		return false
	case !f.Since.IsZero() && alert.CreatedAt.Before(f.Since):
		return false
	case !f.Until.IsZero() && alert.CreatedAt.After(f.Until):
		return false
	}
	return true
}
