package health

import (
	"context"
	"time"
)

// DefaultHysteresisSamples is the healthy streak that clears resource alerts.
const DefaultHysteresisSamples = 2

// State is the per-device classification memory used for hysteresis.
type State struct {
	DeviceID      string    `json:"device_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	HealthyStreak int       `json:"healthy_streak"`
	Unresolved    bool      `json:"unresolved"`
	Offline       bool      `json:"offline"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Apply folds a classified sample into the state.
// The second result is true when open alerts should be auto-resolved.
func (s State) Apply(status Status, required int, at time.Time) (State, bool) {
	if required <= 0 {
		required = DefaultHysteresisSamples
	}
	next := s
	next.Status = Label(status)
	next.Reason = string(ReasonOf(status))
	next.Offline = false
	next.UpdatedAt = at

	resolve := Match(status,
		func(Healthy) bool {
			next.HealthyStreak++
			return next.Unresolved && next.HealthyStreak >= required
		},
		func(Warning) bool {
			next.HealthyStreak = 0
			next.Unresolved = true
			return false
		},
		func(Critical) bool {
			next.HealthyStreak = 0
			next.Unresolved = true
			return false
		},
	)
	return next, resolve
}

// MarkOffline records the offline critical condition.
func (s State) MarkOffline(at time.Time) State {
	s.Status = LabelCritical
	s.Reason = string(ReasonOffline)
	s.HealthyStreak = 0
	s.Unresolved = true
	s.Offline = true
	s.UpdatedAt = at
	return s
}

// Current rehydrates the stored status. ok is false for a missing or unrecognised label.
// Findings are not persisted, so Warning and Critical come back without them.
func (s State) Current() (Status, bool) {
	switch s.Status {
	case LabelHealthy:
		return Healthy{}, true
	case LabelWarning:
		return Warning{}, true
	case LabelCritical:
		return Critical{Reason: Reason(s.Reason)}, true
	default:
		return nil, false
	}
}

// MarkResolved clears the pending auto-resolution.
func (s State) MarkResolved() State {
	s.Unresolved = false
	return s
}

// StateRepository persists per-device health state.
type StateRepository interface {
	Get(ctx context.Context, deviceID string) (*State, error)
	Save(ctx context.Context, state State) error
	ListByDevices(ctx context.Context, deviceIDs []string) (map[string]State, error)
}
