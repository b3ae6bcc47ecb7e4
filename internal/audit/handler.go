package audit

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
)

// DeviceLister reads a device's audit trail.
type DeviceLister interface {
	ListByDevice(ctx context.Context, deviceID string, limit int) ([]Entry, error)
}

// DeviceHandler serves GET /api/v1/devices/{id}/audit.
type DeviceHandler struct {
	lister DeviceLister
}

// NewDeviceHandler constructs the handler.
func NewDeviceHandler(lister DeviceLister) *DeviceHandler {
	return &DeviceHandler{lister: lister}
}

func (h *DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest, _ := strings.CutPrefix(r.URL.Path, "/api/v1/devices/")
	deviceID, _, _ := strings.Cut(rest, "/")
	if deviceID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.lister.ListByDevice(r.Context(), deviceID, limit)
	if err != nil {
		http.Error(w, "audit unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []Entry{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(entries)
}
