package uplink

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"edgefleet/internal/auth"
	health "edgefleet/internal/health/domain"
	syncerapp "edgefleet/internal/syncer/application"
	syncer "edgefleet/internal/syncer/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("ingest-secret")

func verified(t *testing.T, r *http.Request) []byte {
	t.Helper()
	mw := auth.NewIngestAuthMiddleware(secret, time.Minute)
	require.NoError(t, mw.Verify(r))
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	return body
}

func TestDeliverSignsAndDecodesSyncLog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/telemetry", r.URL.Path)
		var req batchRequest
		require.NoError(t, json.Unmarshal(verified(t, r), &req))
		assert.Equal(t, "b-1", req.BatchID)
		assert.Equal(t, 2, req.Attempts)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"sync_log": syncer.SyncLog{BatchID: req.BatchID, Success: true, Accepted: len(req.Samples)},
		})
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, secret, time.Second)
	require.NoError(t, err)
	log, err := client.Deliver(context.Background(), syncer.Batch{
		ID:          "b-1",
		DeviceID:    "dev-1",
		Attempts:    2,
		Submissions: []syncer.Submission{{Timestamp: time.Now().UTC(), Sample: health.Sample{CPU: 5}}},
	})
	require.NoError(t, err)
	assert.True(t, log.Success)
	assert.Equal(t, 1, log.Accepted)
}

func TestDeliverMapsStatuses(t *testing.T) {
	status := http.StatusBadRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"error":"bad batch","reason":"invalid-range"}`))
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, secret, time.Second)
	require.NoError(t, err)
	batch := syncer.Batch{ID: "b-1", DeviceID: "dev-1"}

	_, err = client.Deliver(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, errors.Is(err, syncerapp.ErrRejected))
	assert.Contains(t, err.Error(), "bad batch")

	status = http.StatusServiceUnavailable
	_, err = client.Deliver(context.Background(), batch)
	require.Error(t, err)
	assert.False(t, errors.Is(err, syncerapp.ErrRejected))
}

func TestReportFailurePostsToDevicePath(t *testing.T) {
	var got syncer.TerminalFailure
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/devices/dev-9/sync-failures", r.URL.Path)
		require.NoError(t, json.Unmarshal(verified(t, r), &got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	client, err := NewClient(srv.URL, secret, time.Second)
	require.NoError(t, err)
	err = client.ReportFailure(context.Background(), "dev-9", syncer.TerminalFailure{BatchID: "b-3", Attempts: 10, FailedAt: time.Now().UTC()})
	require.NoError(t, err)
	assert.Equal(t, "b-3", got.BatchID)
	assert.Equal(t, 10, got.Attempts)
}

func TestNewClientRequiresSecret(t *testing.T) {
	_, err := NewClient("http://engine", nil, time.Second)
	assert.Error(t, err)
}
