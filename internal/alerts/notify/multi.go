package notify

import (
	"context"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
)

// Route binds a sink to the events it wants. Empty Events accepts every event;
// MinSeverity drops alerts ranked below it.
type Route struct {
	Notifier    alertapp.AlertNotifier
	Events      []string
	MinSeverity alerts.Severity
}

func (r Route) accepts(event alertapp.AlertEvent) bool {
	if r.MinSeverity != "" && event.Alert.Severity.Rank() < r.MinSeverity.Rank() {
		return false
	}
	if len(r.Events) == 0 {
		return true
	}
	for _, name := range r.Events {
		if name == event.Type {
			return true
		}
	}
	return false
}

// MultiNotifier routes alert events to several sinks.
type MultiNotifier struct {
	routes []Route
}

// NewMultiNotifier constructs a MultiNotifier. Routes without a notifier are ignored.
func NewMultiNotifier(routes ...Route) *MultiNotifier {
	m := &MultiNotifier{}
	for _, r := range routes {
		if r.Notifier != nil {
			m.routes = append(m.routes, r)
		}
	}
	return m
}

// Notify forwards event to every route that accepts it.
func (m *MultiNotifier) Notify(ctx context.Context, event alertapp.AlertEvent) {
	if m == nil {
		return
	}
	for _, r := range m.routes {
		if r.accepts(event) {
			r.Notifier.Notify(ctx, event)
		}
	}
}
