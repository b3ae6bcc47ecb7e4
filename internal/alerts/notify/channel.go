package notify

import (
	"context"

	alerts "edgefleet/internal/alerts/domain"
)

// Message is one rendered notification.
type Message struct {
	Event   string       `json:"event"`
	Alert   alerts.Alert `json:"alert"`
	Content string       `json:"content"`
}

// Channel delivers rendered notifications.
type Channel interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
