package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
)

// StreamFilter narrows the events one SSE client receives. Zero fields match everything.
type StreamFilter struct {
	StoreID     string
	DeviceID    string
	MinSeverity alerts.Severity
}

func (f StreamFilter) matches(alert alerts.Alert) bool {
	if f.StoreID != "" && alert.StoreID != f.StoreID {
		return false
	}
	if f.DeviceID != "" && alert.DeviceID != f.DeviceID {
		return false
	}
	return f.MinSeverity == "" || alert.Severity.Rank() >= f.MinSeverity.Rank()
}

type streamFrame struct {
	id      uint64
	payload []byte
}

// Subscription is one connected stream client.
type Subscription struct {
	filter StreamFilter
	frames chan streamFrame
}

// SSEBroker numbers alert events and hands them to matching subscribers.
// A subscriber whose buffer is full misses the event.
type SSEBroker struct {
	mu      sync.Mutex
	seq     uint64
	clients map[*Subscription]struct{}
}

// NewSSEBroker constructs a broker.
func NewSSEBroker() *SSEBroker {
	return &SSEBroker{clients: make(map[*Subscription]struct{})}
}

// Notify implements application.AlertNotifier.
func (b *SSEBroker) Notify(_ context.Context, event alertapp.AlertEvent) {
	if b == nil {
		return
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	frame := streamFrame{id: b.seq, payload: payload}
	for sub := range b.clients {
		if !sub.filter.matches(event.Alert) {
			continue
		}
		select {
		case sub.frames <- frame:
		default:
		}
	}
}

// Subscribe registers a client with filter.
func (b *SSEBroker) Subscribe(filter StreamFilter) *Subscription {
	sub := &Subscription{filter: filter, frames: make(chan streamFrame, 16)}
	b.mu.Lock()
	b.clients[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Unsubscribe removes a client. It is safe to call twice.
func (b *SSEBroker) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	_, ok := b.clients[sub]
	delete(b.clients, sub)
	b.mu.Unlock()
	if ok {
		close(sub.frames)
	}
}

// Clients reports the number of connected subscribers.
func (b *SSEBroker) Clients() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}

// StreamHandler serves the SSE alert stream.
type StreamHandler struct {
	broker    *SSEBroker
	keepAlive time.Duration
}

// NewStreamHandler constructs a stream handler.
func NewStreamHandler(broker *SSEBroker) *StreamHandler {
	return &StreamHandler{broker: broker, keepAlive: 30 * time.Second}
}

// ServeHTTP handles GET /api/v1/alerts/stream?store=&device=&severity=.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h == nil || h.broker == nil {
		http.Error(w, "stream not ready", http.StatusServiceUnavailable)
		return
	}
	query := r.URL.Query()
	filter := StreamFilter{
		StoreID:     query.Get("store"),
		DeviceID:    query.Get("device"),
		MinSeverity: alerts.Severity(query.Get("severity")),
	}
	if filter.MinSeverity != "" && !filter.MinSeverity.Valid() {
		http.Error(w, "invalid severity", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "stream unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := h.broker.Subscribe(filter)
	defer h.broker.Unsubscribe(sub)

	fmt.Fprintf(w, "retry: %d\nevent: ready\ndata: {}\n\n", (5 * time.Second).Milliseconds())
	flusher.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-sub.frames:
			if !ok {
				return
			}
			fmt.Fprintf(w, "id: %d\nevent: alert\ndata: %s\n\n", frame.id, frame.payload)
			flusher.Flush()
		case <-ticker.C:
			_, _ = w.Write([]byte(": keep-alive\n\n"))
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}
