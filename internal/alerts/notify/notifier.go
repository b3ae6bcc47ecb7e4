package notify

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"sync"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
	"edgefleet/internal/observability/metrics"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Clock provides time for dedupe bookkeeping.
type Clock interface {
	Now() time.Time
}

type sendRecord struct {
	at   time.Time
	hash string
}

// Notifier renders alert events and delivers them to channels from a
// background worker, so Notify never blocks the alert lifecycle.
type Notifier struct {
	channels       []Channel
	template       *Template
	clock          Clock
	logger         *zap.Logger
	limiter        *rate.Limiter
	dedupeWindow   time.Duration
	requestTimeout time.Duration

	queue  chan alertapp.AlertEvent
	mu     sync.Mutex
	sent   map[string]sendRecord
	closed bool
	done   chan struct{}
}

// Option configures the notifier.
type Option func(*Notifier)

// WithClock overrides the default clock.
func WithClock(clock Clock) Option {
	return func(n *Notifier) {
		if clock != nil {
			n.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(n *Notifier) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// WithTemplate overrides the rendering template.
func WithTemplate(tpl *Template) Option {
	return func(n *Notifier) {
		if tpl != nil {
			n.template = tpl
		}
	}
}

// WithRateLimit caps deliveries per second across all channels.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(n *Notifier) {
		if perSecond > 0 {
			if burst <= 0 {
				burst = 1
			}
			n.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
		}
	}
}

// WithDedupeWindow suppresses identical notifications within the window.
func WithDedupeWindow(window time.Duration) Option {
	return func(n *Notifier) {
		if window > 0 {
			n.dedupeWindow = window
		}
	}
}

// WithQueueSize sets the pending event capacity. Events beyond it are dropped.
func WithQueueSize(size int) Option {
	return func(n *Notifier) {
		if size > 0 {
			n.queue = make(chan alertapp.AlertEvent, size)
		}
	}
}

// WithRequestTimeout bounds each channel delivery.
func WithRequestTimeout(timeout time.Duration) Option {
	return func(n *Notifier) {
		if timeout > 0 {
			n.requestTimeout = timeout
		}
	}
}

// NewNotifier constructs a notifier and starts its delivery worker.
func NewNotifier(channels []Channel, opts ...Option) (*Notifier, error) {
	active := make([]Channel, 0, len(channels))
	for _, ch := range channels {
		if ch != nil {
			active = append(active, ch)
		}
	}
	if len(active) == 0 {
		return nil, errors.New("alert notifier: no channels")
	}
	tpl, err := NewTemplate("")
	if err != nil {
		return nil, err
	}
	n := &Notifier{
		channels:       active,
		template:       tpl,
		clock:          systemClock{},
		logger:         zap.NewNop(),
		requestTimeout: 10 * time.Second,
		queue:          make(chan alertapp.AlertEvent, 256),
		sent:           make(map[string]sendRecord),
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	go n.run()
	return n, nil
}

// Notify implements application.AlertNotifier. It enqueues and returns.
func (n *Notifier) Notify(_ context.Context, event alertapp.AlertEvent) {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		n.logger.Debug("alert notifier closed, event dropped", zap.String("alert_id", event.Alert.ID))
		return
	}
	select {
	case n.queue <- event:
	default:
		metrics.IncNotification("queue", errors.New("queue full"))
		n.logger.Warn("alert notification queue full, event dropped",
			zap.String("alert_id", event.Alert.ID),
			zap.String("event", event.Type),
		)
	}
}

// Close stops accepting events and waits for queued events to be delivered.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	<-n.done
}

func (n *Notifier) run() {
	defer close(n.done)
	for event := range n.queue {
		n.dispatch(event)
	}
}

func (n *Notifier) dispatch(event alertapp.AlertEvent) {
	content, err := n.template.Render(buildTemplateData(event.Type, event.Alert))
	if err != nil {
		n.logger.Error("render alert notification", zap.Error(err))
		return
	}
	if !n.shouldSend(event.Alert.DedupKey, event.Type, content) {
		return
	}
	if n.limiter != nil {
		if err := n.limiter.Wait(context.Background()); err != nil {
			return
		}
	}
	msg := Message{Event: event.Type, Alert: event.Alert, Content: content}
	delivered := false
	for _, ch := range n.channels {
		ctx, cancel := context.WithTimeout(context.Background(), n.requestTimeout)
		err := ch.Send(ctx, msg)
		cancel()
		metrics.IncNotification(ch.Name(), err)
		if err != nil {
			n.logger.Warn("alert notification failed",
				zap.String("channel", ch.Name()),
				zap.String("alert_id", event.Alert.ID),
				zap.String("event", event.Type),
				zap.Error(err),
			)
			continue
		}
		delivered = true
	}
	if delivered {
		n.markSent(event.Alert.DedupKey, event.Type, content)
	}
}

func buildTemplateData(eventType string, alert alerts.Alert) TemplateData {
	return TemplateData{
		AlertID:     alert.ID,
		DeviceID:    alert.DeviceID,
		StoreID:     alert.StoreID,
		Type:        string(alert.Type),
		Severity:    string(alert.Severity),
		Status:      string(alert.Status),
		Summary:     alert.Summary,
		Occurrences: alert.Occurrences,
		CreatedAt:   alert.CreatedAt.UTC().Format(time.RFC3339),
		LastSeenAt:  alert.LastSeenAt.UTC().Format(time.RFC3339),
		Suggestion:  suggestionFor(alert),
		Notes:       alert.ResolutionNotes,
		Event:       eventType,
		EventLabel:  eventLabel(eventType),
	}
}

func eventLabel(event string) string {
	switch event {
	case alertapp.EventRaised:
		return "Raised"
	case alertapp.EventSeverityUp:
		return "Severity Raised"
	case alertapp.EventAcknowledged:
		return "Acknowledged"
	case alertapp.EventEscalated:
		return "Escalated"
	case alertapp.EventResolved:
		return "Resolved"
	default:
		return event
	}
}

func suggestionFor(alert alerts.Alert) string {
	switch alert.Type {
	case alerts.TypeConnectivity:
		return "Check power and network at the store."
	case alerts.TypeInstallation:
		return "Re-run the installation check after correcting the failed items."
	case alerts.TypeSyncFailure:
		return "Inspect the device's local buffer and uplink."
	}
	if alert.Severity == alerts.SeverityCritical {
		return "Investigate immediately and mitigate risk."
	}
	return "Monitor the device."
}

func (n *Notifier) shouldSend(key, eventType, content string) bool {
	if n.dedupeWindow <= 0 {
		return true
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	record, ok := n.sent[notificationKey(key, eventType)]
	n.mu.Unlock()
	if !ok {
		return true
	}
	return record.hash != hashContent(content) || now.Sub(record.at) >= n.dedupeWindow
}

func (n *Notifier) markSent(key, eventType, content string) {
	if n.dedupeWindow <= 0 {
		return
	}
	now := n.clock.Now().UTC()
	n.mu.Lock()
	n.sent[notificationKey(key, eventType)] = sendRecord{at: now, hash: hashContent(content)}
	for k, rec := range n.sent {
		if now.Sub(rec.at) >= n.dedupeWindow {
			delete(n.sent, k)
		}
	}
	n.mu.Unlock()
}

func notificationKey(key, eventType string) string {
	return key + "|" + eventType
}

func hashContent(content string) string {
	sum := sha1.Sum([]byte(content))
	return hex.EncodeToString(sum[:8])
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }
