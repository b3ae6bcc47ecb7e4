package application

import (
	"context"
	"errors"
	"time"

	alerts "edgefleet/internal/alerts/domain"
	"edgefleet/internal/apperr"
	"edgefleet/internal/observability/metrics"
	"edgefleet/internal/retry"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Lifecycle event names.
const (
	EventRaised       = "raised"
	EventSeverityUp   = "severity_raised"
	EventAcknowledged = "acknowledged"
	EventEscalated    = "escalated"
	EventResolved     = "resolved"
)

// AlertNotifier publishes alert lifecycle events. Implementations must not block.
type AlertNotifier interface {
	Notify(ctx context.Context, event AlertEvent)
}

// AlertEvent represents a lifecycle update.
type AlertEvent struct {
	Type  string       `json:"type"`
	Alert alerts.Alert `json:"alert"`
}

// Clock provides time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// EscalationPolicy holds the unacknowledged age after which an alert escalates.
type EscalationPolicy struct {
	Critical time.Duration `yaml:"critical"`
	Warning  time.Duration `yaml:"warning"`
}

// DefaultEscalationPolicy escalates critical alerts after 15 minutes and warnings after 2 hours.
func DefaultEscalationPolicy() EscalationPolicy {
	return EscalationPolicy{Critical: 15 * time.Minute, Warning: 2 * time.Hour}
}

func (p EscalationPolicy) timeout(severity alerts.Severity) time.Duration {
	switch severity {
	case alerts.SeverityCritical:
		return p.Critical
	case alerts.SeverityWarning:
		return p.Warning
	default:
		return 0
	}
}

const maxConflictRetries = 5

// Service owns alert lifecycle.
type Service struct {
	repo       alerts.Repository
	notifier   AlertNotifier
	clock      Clock
	logger     *zap.Logger
	escalation EscalationPolicy
	policy     retry.Policy
	newID      func() string
}

// ServiceOption customizes the alert service.
type ServiceOption func(*Service)

// WithNotifier assigns a notifier.
func WithNotifier(notifier AlertNotifier) ServiceOption {
	return func(s *Service) {
		s.notifier = notifier
	}
}

// WithClock assigns a clock.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithEscalationPolicy overrides escalation timeouts.
func WithEscalationPolicy(policy EscalationPolicy) ServiceOption {
	return func(s *Service) {
		s.escalation = policy
	}
}

// WithRetryPolicy overrides the store retry policy.
func WithRetryPolicy(policy retry.Policy) ServiceOption {
	return func(s *Service) {
		s.policy = policy
	}
}

// WithIDGenerator overrides alert id generation.
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewService constructs an alert service.
func NewService(repo alerts.Repository, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("alerts: nil repository")
	}
	s := &Service{
		repo:       repo,
		clock:      systemClock{},
		logger:     zap.NewNop(),
		escalation: DefaultEscalationPolicy(),
		policy:     retry.StorePolicy(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Raise opens an alert for sig, or folds sig into the open alert with the same device and type.
func (s *Service) Raise(ctx context.Context, sig alerts.Signal) (*alerts.Alert, bool, error) {
	if err := sig.Validate(); err != nil {
		return nil, false, apperr.Invalid("alert", sig.DeviceID, "signal", err.Error())
	}
	candidate := alerts.NewAlert(s.newID(), sig, s.clock.Now())

	res, err := retry.Value(ctx, "alert raise", s.policy, func(ctx context.Context) (alerts.RaiseResult, error) {
		return s.repo.Raise(ctx, candidate)
	})
	if err != nil {
		return nil, false, err
	}

	switch {
	case res.Created:
		s.logger.Info("alert raised",
			zap.String("alert_id", res.Alert.ID),
			zap.String("device_id", res.Alert.DeviceID),
			zap.String("type", string(res.Alert.Type)),
			zap.String("severity", string(res.Alert.Severity)),
		)
		s.notify(ctx, EventRaised, *res.Alert)
	case res.SeverityRaised():
		s.logger.Info("alert severity raised",
			zap.String("alert_id", res.Alert.ID),
			zap.String("from", string(res.Previous)),
			zap.String("to", string(res.Alert.Severity)),
		)
		s.notify(ctx, EventSeverityUp, *res.Alert)
	}
	return res.Alert, res.Created, nil
}

// Acknowledge marks an alert acknowledged. Already acknowledged or resolved alerts are left unchanged.
func (s *Service) Acknowledge(ctx context.Context, alertID, by string) (*alerts.Alert, error) {
	alert, _, err := s.transition(ctx, alertID, EventAcknowledged, func(a *alerts.Alert, now time.Time) bool {
		return a.Acknowledge(by, now)
	})
	return alert, err
}

// Resolve closes an alert. Resolving a resolved alert is a no-op.
func (s *Service) Resolve(ctx context.Context, alertID, by, notes string) (*alerts.Alert, error) {
	alert, _, err := s.transition(ctx, alertID, EventResolved, func(a *alerts.Alert, now time.Time) bool {
		return a.Resolve(by, notes, now)
	})
	return alert, err
}

// Escalate moves an active alert to escalated.
func (s *Service) Escalate(ctx context.Context, alertID string) (*alerts.Alert, error) {
	alert, _, err := s.transition(ctx, alertID, EventEscalated, func(a *alerts.Alert, now time.Time) bool {
		return a.Escalate(now)
	})
	return alert, err
}

// ResolveOpen resolves the open alert of a device and type, if any.
func (s *Service) ResolveOpen(ctx context.Context, deviceID string, alertType alerts.Type, notes string) (*alerts.Alert, error) {
	open, err := retry.Value(ctx, "alert find open", s.policy, func(ctx context.Context) (*alerts.Alert, error) {
		return s.repo.FindOpen(ctx, deviceID, alertType)
	})
	if err != nil || open == nil {
		return nil, err
	}
	return s.Resolve(ctx, open.ID, "system", notes)
}

// EscalateOverdue escalates every active alert older than its severity timeout.
func (s *Service) EscalateOverdue(ctx context.Context) (int, error) {
	now := s.clock.Now()
	escalated := 0
	for _, severity := range []alerts.Severity{alerts.SeverityCritical, alerts.SeverityWarning} {
		timeout := s.escalation.timeout(severity)
		if timeout <= 0 {
			continue
		}
		candidates, err := s.repo.ListEscalationCandidates(ctx, severity, now.Add(-timeout))
		if err != nil {
			return escalated, err
		}
		for _, candidate := range candidates {
			if err := ctx.Err(); err != nil {
				return escalated, err
			}
			_, changed, err := s.transition(ctx, candidate.ID, EventEscalated, func(a *alerts.Alert, at time.Time) bool {
				return a.Escalate(at)
			})
			if err != nil {
				s.logger.Warn("alert escalation failed", zap.String("alert_id", candidate.ID), zap.Error(err))
				continue
			}
			if changed {
				escalated++
			}
		}
	}
	return escalated, nil
}

// Get loads an alert.
func (s *Service) Get(ctx context.Context, alertID string) (*alerts.Alert, error) {
	alert, err := s.repo.Get(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, apperr.NotFound("alert", alertID)
	}
	return alert, nil
}

// List queries alerts.
func (s *Service) List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error) {
	return s.repo.List(ctx, filter)
}

func (s *Service) transition(ctx context.Context, alertID, event string, apply func(*alerts.Alert, time.Time) bool) (*alerts.Alert, bool, error) {
	if alertID == "" {
		return nil, false, apperr.Invalid("alert", "", "id", "required")
	}
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		alert, err := retry.Value(ctx, "alert get", s.policy, func(ctx context.Context) (*alerts.Alert, error) {
			return s.repo.Get(ctx, alertID)
		})
		if err != nil {
			return nil, false, err
		}
		if alert == nil {
			return nil, false, apperr.NotFound("alert", alertID)
		}
		if !apply(alert, s.clock.Now()) {
			return alert, false, nil
		}
		err = retry.Do(ctx, "alert update", s.policy, func(ctx context.Context) error {
			err := s.repo.Update(ctx, alert)
			if errors.Is(err, alerts.ErrConflict) || errors.Is(err, alerts.ErrImmutable) || errors.Is(err, alerts.ErrNotFound) {
				return retry.Permanent(err)
			}
			return err
		})
		switch {
		case err == nil:
			s.logger.Info("alert "+event, zap.String("alert_id", alert.ID), zap.String("status", string(alert.Status)))
			s.notify(ctx, event, *alert)
			return alert, true, nil
		case errors.Is(err, alerts.ErrConflict), errors.Is(err, alerts.ErrImmutable):
			continue
		case errors.Is(err, alerts.ErrNotFound):
			return nil, false, apperr.NotFound("alert", alertID)
		default:
			return nil, false, err
		}
	}
	return nil, false, alerts.ErrConflict
}

func (s *Service) notify(ctx context.Context, event string, alert alerts.Alert) {
	metrics.IncAlertEvent(event, string(alert.Type))
	if s.notifier == nil {
		return
	}
	s.notifier.Notify(ctx, AlertEvent{Type: event, Alert: alert})
}
