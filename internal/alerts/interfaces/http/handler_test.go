package http

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
	alertmemory "edgefleet/internal/alerts/infrastructure/memory"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestHandler(t *testing.T, opts ...alertapp.ServiceOption) (*Handler, *alertapp.Service, *audit.MemoryLog) {
	t.Helper()
	svc, err := alertapp.NewService(alertmemory.NewAlertRepository(), opts...)
	require.NoError(t, err)
	log := audit.NewMemoryLog()
	h, err := NewHandler(svc, log)
	require.NoError(t, err)
	return h, svc, log
}

func raise(t *testing.T, svc *alertapp.Service, device, store string, typ alerts.Type, sev alerts.Severity) *alerts.Alert {
	t.Helper()
	alert, _, err := svc.Raise(context.Background(), alerts.Signal{
		DeviceID: device,
		StoreID:  store,
		Type:     typ,
		Severity: sev,
		Summary:  "test",
	})
	require.NoError(t, err)
	return alert
}

func TestListFiltersByStoreAndSeverity(t *testing.T) {
	h, svc, _ := newTestHandler(t)
	raise(t, svc, "dev-1", "store-1", alerts.TypeResource, alerts.SeverityCritical)
	raise(t, svc, "dev-2", "store-1", alerts.TypeConnectivity, alerts.SeverityWarning)
	raise(t, svc, "dev-3", "store-2", alerts.TypeResource, alerts.SeverityCritical)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?store=store-1&severity=critical", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var list []alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "dev-1", list[0].DeviceID)
}

func TestListRejectsUnknownSeverity(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/alerts?severity=major", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAckAndResolveAreAudited(t *testing.T) {
	h, svc, log := newTestHandler(t)
	alert := raise(t, svc, "dev-1", "store-1", alerts.TypeResource, alerts.SeverityWarning)
	ctx := auth.WithIdentity(context.Background(), auth.RoleOperator, "alice")

	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+alert.ID+"/ack", nil).WithContext(ctx)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var acked alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &acked))
	assert.Equal(t, alerts.StatusAcknowledged, acked.Status)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	req = httptest.NewRequest(http.MethodPost, "/api/v1/alerts/"+alert.ID+"/resolve", strings.NewReader(`{"notes":"replaced fan"}`)).WithContext(ctx)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	var resolved alerts.Alert
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resolved))
	assert.Equal(t, alerts.StatusResolved, resolved.Status)
	assert.Equal(t, "replaced fan", resolved.ResolutionNotes)

	entries := log.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "alert.ack", entries[0].Action)
	assert.Equal(t, "alert.resolve", entries[1].Action)
	assert.Equal(t, "alice", entries[1].Actor)
	assert.Equal(t, "dev-1", entries[1].DeviceID)
}

func TestActionUnknownAlert(t *testing.T) {
	h, _, _ := newTestHandler(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/missing/ack", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamDeliversEvents(t *testing.T) {
	broker := NewSSEBroker()
	server := httptest.NewServer(NewStreamHandler(broker))
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: ready\n", line)

	require.Eventually(t, func() bool { return broker.Clients() == 1 }, time.Second, 10*time.Millisecond)
	broker.Notify(context.Background(), alertapp.AlertEvent{
		Type:  alertapp.EventRaised,
		Alert: alerts.Alert{ID: "alert-9", DeviceID: "dev-9"},
	})

	var data string
	for {
		line, err = reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "alert-9") {
			data = strings.TrimPrefix(strings.TrimSpace(line), "data: ")
			break
		}
	}
	var event alertapp.AlertEvent
	require.NoError(t, json.Unmarshal([]byte(data), &event))
	assert.Equal(t, alertapp.EventRaised, event.Type)
	assert.Equal(t, "dev-9", event.Alert.DeviceID)
}

func TestStreamFiltersByStoreAndSeverity(t *testing.T) {
	broker := NewSSEBroker()
	server := httptest.NewServer(NewStreamHandler(broker))
	defer server.Close()

	resp, err := http.Get(server.URL + "?store=store-1&severity=critical")
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)

	require.Eventually(t, func() bool { return broker.Clients() == 1 }, time.Second, 10*time.Millisecond)
	ctx := context.Background()
	broker.Notify(ctx, alertapp.AlertEvent{Type: alertapp.EventRaised,
		Alert: alerts.Alert{ID: "other-store", StoreID: "store-2", Severity: alerts.SeverityCritical}})
	broker.Notify(ctx, alertapp.AlertEvent{Type: alertapp.EventRaised,
		Alert: alerts.Alert{ID: "warning-only", StoreID: "store-1", Severity: alerts.SeverityWarning}})
	broker.Notify(ctx, alertapp.AlertEvent{Type: alertapp.EventRaised,
		Alert: alerts.Alert{ID: "wanted", StoreID: "store-1", Severity: alerts.SeverityCritical}})

	var lines []string
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		lines = append(lines, line)
		if strings.HasPrefix(line, "data: ") && strings.Contains(line, "wanted") {
			break
		}
	}
	joined := strings.Join(lines, "")
	assert.NotContains(t, joined, "other-store")
	assert.NotContains(t, joined, "warning-only")
	// ids keep counting across filtered events
	assert.Contains(t, joined, "id: 3\n")
}

func TestStreamRejectsUnknownSeverity(t *testing.T) {
	rec := httptest.NewRecorder()
	NewStreamHandler(NewSSEBroker()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/alerts/stream?severity=loud", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
