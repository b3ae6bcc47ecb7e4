package alerts

import (
	"context"
	"errors"
	"time"
)

// Type classifies the condition behind an alert.
type Type string

const (
	TypeResource     Type = "resource"
	TypeConnectivity Type = "connectivity"
	TypeInstallation Type = "installation"
	TypeSyncFailure  Type = "sync-failure"
)

// Valid reports whether t is a known type.
func (t Type) Valid() bool {
	switch t {
	case TypeResource, TypeConnectivity, TypeInstallation, TypeSyncFailure:
		return true
	default:
		return false
	}
}

// Severity of an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	default:
		return 0
	}
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool { return s.Rank() > 0 }

// MaxSeverity returns the higher of a and b.
func MaxSeverity(a, b Severity) Severity {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// Status of an alert.
type Status string

const (
	StatusActive       Status = "active"
	StatusAcknowledged Status = "acknowledged"
	StatusEscalated    Status = "escalated"
	StatusResolved     Status = "resolved"
)

var (
	ErrNotFound  = errors.New("alert: not found")
	ErrConflict  = errors.New("alert: version conflict")
	ErrImmutable = errors.New("alert: resolved alerts are immutable")
)

// Alert is one occurrence window of a condition on a device.
type Alert struct {
	ID              string         `json:"id"`
	DedupKey        string         `json:"dedup_key"`
	DeviceID        string         `json:"device_id"`
	StoreID         string         `json:"store_id"`
	Type            Type           `json:"type"`
	Severity        Severity       `json:"severity"`
	Status          Status         `json:"status"`
	Summary         string         `json:"summary"`
	Context         map[string]any `json:"context,omitempty"`
	Occurrences     int            `json:"occurrences"`
	CreatedAt       time.Time      `json:"created_at"`
	LastSeenAt      time.Time      `json:"last_seen_at"`
	AcknowledgedAt  *time.Time     `json:"acknowledged_at,omitempty"`
	AcknowledgedBy  string         `json:"acknowledged_by,omitempty"`
	EscalatedAt     *time.Time     `json:"escalated_at,omitempty"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      string         `json:"resolved_by,omitempty"`
	ResolutionNotes string         `json:"resolution_notes,omitempty"`
	Version         int            `json:"version"`
}

// Signal reports a condition that may open or refresh an alert.
type Signal struct {
	DeviceID string
	StoreID  string
	Type     Type
	Severity Severity
	Summary  string
	Context  map[string]any
}

// Validate checks signal invariants.
func (s Signal) Validate() error {
	if s.DeviceID == "" {
		return errors.New("alert signal: empty device id")
	}
	if !s.Type.Valid() {
		return errors.New("alert signal: unknown type " + string(s.Type))
	}
	if !s.Severity.Valid() {
		return errors.New("alert signal: unknown severity " + string(s.Severity))
	}
	return nil
}

// DedupKey is the identity of the open alert for a device and type.
func DedupKey(deviceID string, t Type) string {
	return deviceID + "|" + string(t)
}

// NewAlert opens an alert for sig.
func NewAlert(id string, sig Signal, at time.Time) *Alert {
	return &Alert{
		ID:          id,
		DedupKey:    DedupKey(sig.DeviceID, sig.Type),
		DeviceID:    sig.DeviceID,
		StoreID:     sig.StoreID,
		Type:        sig.Type,
		Severity:    sig.Severity,
		Status:      StatusActive,
		Summary:     sig.Summary,
		Context:     copyContext(sig.Context),
		Occurrences: 1,
		CreatedAt:   at,
		LastSeenAt:  at,
		Version:     1,
	}
}

// IsOpen reports whether the alert is not resolved.
func (a *Alert) IsOpen() bool {
	return a != nil && a.Status != StatusResolved
}

// Merge folds a repeated signal into the open alert.
// It returns true when the severity increased.
func (a *Alert) Merge(sig Signal, at time.Time) bool {
	raised := sig.Severity.Rank() > a.Severity.Rank()
	a.Severity = MaxSeverity(a.Severity, sig.Severity)
	if sig.Summary != "" {
		a.Summary = sig.Summary
	}
	if a.Context == nil && len(sig.Context) > 0 {
		a.Context = make(map[string]any, len(sig.Context))
	}
	for k, v := range sig.Context {
		a.Context[k] = v
	}
	if at.After(a.LastSeenAt) {
		a.LastSeenAt = at
	}
	a.Occurrences++
	return raised
}

// Acknowledge moves an active or escalated alert to acknowledged.
func (a *Alert) Acknowledge(by string, at time.Time) bool {
	if a.Status != StatusActive && a.Status != StatusEscalated {
		return false
	}
	a.Status = StatusAcknowledged
	a.AcknowledgedAt = &at
	a.AcknowledgedBy = by
	return true
}

// Escalate moves an active alert to escalated.
func (a *Alert) Escalate(at time.Time) bool {
	if a.Status != StatusActive {
		return false
	}
	a.Status = StatusEscalated
	a.EscalatedAt = &at
	return true
}

// Resolve closes the alert. Resolved alerts never change again.
func (a *Alert) Resolve(by, notes string, at time.Time) bool {
	if a.Status == StatusResolved {
		return false
	}
	a.Status = StatusResolved
	a.ResolvedAt = &at
	a.ResolvedBy = by
	a.ResolutionNotes = notes
	return true
}

// RaiseResult reports the outcome of an atomic raise.
type RaiseResult struct {
	Alert    *Alert
	Created  bool
	Previous Severity
}

// SeverityRaised reports whether a merge increased the severity of the open alert.
func (r RaiseResult) SeverityRaised() bool {
	return !r.Created && r.Previous != "" && r.Alert != nil && r.Alert.Severity.Rank() > r.Previous.Rank()
}

// Filter narrows alert queries.
type Filter struct {
	StoreID  string
	DeviceID string
	Type     Type
	Severity Severity
	Status   Status
	OpenOnly bool
	Since    time.Time
	Until    time.Time
	Limit    int
}

// Repository persists alerts.
// Raise is atomic on the open dedup key: it inserts candidate or merges it into the open alert.
// Update is optimistic on Version and returns ErrConflict on a lost race.
type Repository interface {
	Raise(ctx context.Context, candidate *Alert) (RaiseResult, error)
	Get(ctx context.Context, id string) (*Alert, error)
	FindOpen(ctx context.Context, deviceID string, alertType Type) (*Alert, error)
	Update(ctx context.Context, alert *Alert) error
	List(ctx context.Context, filter Filter) ([]Alert, error)
	ListEscalationCandidates(ctx context.Context, severity Severity, createdBefore time.Time) ([]Alert, error)
}

func copyContext(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// Clone returns a deep copy of the alert.
func (a Alert) Clone() Alert {
	a.Context = copyContext(a.Context)
	return a
}
