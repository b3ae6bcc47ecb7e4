package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureChannel struct {
	mu   sync.Mutex
	name string
	err  error
	msgs []Message
}

func (c *captureChannel) Name() string { return c.name }

func (c *captureChannel) Send(_ context.Context, msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return c.err
}

func (c *captureChannel) events() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.msgs))
	for _, m := range c.msgs {
		out = append(out, m.Event)
	}
	return out
}

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

func sampleAlert() alerts.Alert {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return alerts.Alert{
		ID:          "alert-1",
		DedupKey:    alerts.DedupKey("dev-1", alerts.TypeResource),
		DeviceID:    "dev-1",
		StoreID:     "store-7",
		Type:        alerts.TypeResource,
		Severity:    alerts.SeverityCritical,
		Status:      alerts.StatusActive,
		Summary:     "cpu 95.0 above 90.0",
		Occurrences: 1,
		CreatedAt:   at,
		LastSeenAt:  at,
		Version:     1,
	}
}

func TestWebhookChannelPayload(t *testing.T) {
	payloadCh := make(chan webhookPayload, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		var payload webhookPayload
		if err := json.Unmarshal(body, &payload); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		payloadCh <- payload
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	require.NoError(t, err)
	notifier, err := NewNotifier([]Channel{channel})
	require.NoError(t, err)

	notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventRaised, Alert: sampleAlert()})
	notifier.Close()

	select {
	case payload := <-payloadCh:
		assert.Equal(t, "text", payload.MsgType)
		assert.Equal(t, alertapp.EventRaised, payload.Event)
		assert.Equal(t, "alert-1", payload.AlertID)
		for _, want := range []string{"[Alert Raised]", "Device: dev-1", "Store: store-7", "Severity: critical", "cpu 95.0 above 90.0"} {
			assert.Contains(t, payload.Text.Content, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected webhook payload")
	}
}

func TestWebhookChannelNon2xx(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	channel, err := NewWebhookChannel(server.URL)
	require.NoError(t, err)
	err = channel.Send(context.Background(), Message{Event: "raised", Content: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNotifierDedupeWindow(t *testing.T) {
	capture := &captureChannel{name: "capture"}
	clock := fixedClock{now: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)}
	notifier, err := NewNotifier([]Channel{capture}, WithClock(clock), WithDedupeWindow(time.Minute))
	require.NoError(t, err)

	alert := sampleAlert()
	notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventRaised, Alert: alert})
	notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventRaised, Alert: alert})
	notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventAcknowledged, Alert: alert})
	notifier.Close()

	assert.Equal(t, []string{alertapp.EventRaised, alertapp.EventAcknowledged}, capture.events())
}

func TestNotifierContinuesAfterChannelFailure(t *testing.T) {
	failing := &captureChannel{name: "failing", err: errors.New("boom")}
	healthy := &captureChannel{name: "healthy"}
	notifier, err := NewNotifier([]Channel{failing, healthy}, WithRateLimit(1000, 10))
	require.NoError(t, err)

	notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventResolved, Alert: sampleAlert()})
	notifier.Close()

	assert.Len(t, failing.events(), 1)
	assert.Equal(t, []string{alertapp.EventResolved}, healthy.events())
}

func TestNotifierAfterCloseIsNoop(t *testing.T) {
	capture := &captureChannel{name: "capture"}
	notifier, err := NewNotifier([]Channel{capture})
	require.NoError(t, err)
	notifier.Close()

	assert.NotPanics(t, func() {
		notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventRaised, Alert: sampleAlert()})
	})
	notifier.Close()
	assert.Empty(t, capture.events())
}

func TestNewNotifierRequiresChannel(t *testing.T) {
	_, err := NewNotifier(nil)
	require.Error(t, err)
}

func TestRedisStreamChannel(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	channel, err := NewRedisStreamChannel(client, "", 0)
	require.NoError(t, err)
	require.NoError(t, channel.Send(context.Background(), Message{Event: alertapp.EventEscalated, Alert: sampleAlert()}))

	entries, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, alertapp.EventEscalated, entries[0].Values["event"])
	assert.Equal(t, "alert-1", entries[0].Values["alert_id"])

	var decoded alerts.Alert
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["alert"].(string)), &decoded))
	assert.Equal(t, "dev-1", decoded.DeviceID)
}

type capturePublisher struct {
	subjects []string
	payloads [][]byte
}

func (p *capturePublisher) Publish(subj string, data []byte) error {
	p.subjects = append(p.subjects, subj)
	p.payloads = append(p.payloads, data)
	return nil
}

func TestNatsChannelSubject(t *testing.T) {
	pub := &capturePublisher{}
	channel, err := NewNatsChannel(pub, "")
	require.NoError(t, err)

	require.NoError(t, channel.Send(context.Background(), Message{Event: alertapp.EventResolved, Alert: sampleAlert(), Content: "done"}))
	require.Len(t, pub.subjects, 1)
	assert.Equal(t, "edgefleet.alerts.resolved", pub.subjects[0])
	assert.True(t, strings.Contains(string(pub.payloads[0]), `"content":"done"`))
}

func TestMultiNotifierRoutesByEventAndSeverity(t *testing.T) {
	all := &recordingNotifier{}
	pager := &recordingNotifier{}
	multi := NewMultiNotifier(
		Route{Notifier: all},
		Route{Notifier: nil},
		Route{Notifier: pager, Events: []string{alertapp.EventRaised, alertapp.EventEscalated}, MinSeverity: alerts.SeverityCritical},
	)

	critical := sampleAlert()
	warning := sampleAlert()
	warning.Severity = alerts.SeverityWarning

	multi.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventRaised, Alert: critical})
	multi.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventAcknowledged, Alert: critical})
	multi.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventRaised, Alert: warning})
	multi.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventEscalated, Alert: critical})

	assert.Equal(t, 4, all.count)
	assert.Equal(t, []string{alertapp.EventRaised, alertapp.EventEscalated}, pager.events)
}

func TestNotifierCloseRacesWithNotify(t *testing.T) {
	capture := &captureChannel{name: "capture"}
	notifier, err := NewNotifier([]Channel{capture}, WithQueueSize(4))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventRaised, Alert: sampleAlert()})
			}
		}()
	}
	notifier.Close()
	wg.Wait()
	delivered := len(capture.events())
	notifier.Notify(context.Background(), alertapp.AlertEvent{Type: alertapp.EventResolved, Alert: sampleAlert()})
	notifier.Close()
	assert.Len(t, capture.events(), delivered)
}

type recordingNotifier struct {
	count  int
	events []string
}

func (r *recordingNotifier) Notify(_ context.Context, event alertapp.AlertEvent) {
	r.count++
	r.events = append(r.events, event.Type)
}
