package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	alertapp "edgefleet/internal/alerts/application"
	alerts "edgefleet/internal/alerts/domain"
	"edgefleet/internal/apperr"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"
)

const timeLayout = time.RFC3339

// Handler provides alert HTTP endpoints.
type Handler struct {
	service     *alertapp.Service
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *alertapp.Service, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("alerts handler: nil service")
	}
	return &Handler{service: service, auditLogger: auditLogger}, nil
}

// ServeHTTP handles /api/v1/alerts and subroutes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/api/v1/alerts":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleList(w, r)
		return
	case strings.HasPrefix(r.URL.Path, "/api/v1/alerts/"):
		h.handleAction(w, r)
		return
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	filter, err := parseFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := h.service.List(r.Context(), filter)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if list == nil {
		list = []alerts.Alert{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(list)
}

type resolveRequest struct {
	Notes string `json:"notes"`
}

func (h *Handler) handleAction(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/")
	parts := strings.Split(path, "/")
	if len(parts) == 1 && parts[0] != "" && r.Method == http.MethodGet {
		alert, err := h.service.Get(r.Context(), parts[0])
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(alert)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if len(parts) != 2 {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	id := parts[0]
	action := parts[1]
	actor := auth.SubjectFromContext(r.Context())
	if actor == "" {
		actor = "operator"
	}

	var (
		alert *alerts.Alert
		err   error
		notes string
	)
	switch action {
	case "ack":
		alert, err = h.service.Acknowledge(r.Context(), id, actor)
	case "resolve":
		var req resolveRequest
		if r.Body != nil {
			if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil && !errors.Is(decodeErr, io.EOF) {
				http.Error(w, "invalid json", http.StatusBadRequest)
				return
			}
		}
		notes = req.Notes
		alert, err = h.service.Resolve(r.Context(), id, actor, notes)
	default:
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	h.logAudit(r, "alert."+action, alert, map[string]any{"status": alert.Status, "notes": notes})
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(alert)
}

func (h *Handler) logAudit(r *http.Request, action string, alert *alerts.Alert, meta map[string]any) {
	if h.auditLogger == nil || alert == nil {
		return
	}
	payload, _ := json.Marshal(meta)
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "alert",
		ResourceID:   alert.ID,
		DeviceID:     alert.DeviceID,
		Metadata:     payload,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func parseFilter(r *http.Request) (alerts.Filter, error) {
	q := r.URL.Query()
	filter := alerts.Filter{
		StoreID:  q.Get("store"),
		DeviceID: q.Get("device"),
	}
	if v := q.Get("type"); v != "" {
		t := alerts.Type(v)
		if !t.Valid() {
			return filter, errors.New("unknown type")
		}
		filter.Type = t
	}
	if v := q.Get("severity"); v != "" {
		s := alerts.Severity(v)
		if !s.Valid() {
			return filter, errors.New("unknown severity")
		}
		filter.Severity = s
	}
	switch v := q.Get("status"); v {
	case "":
	case "open":
		filter.OpenOnly = true
	case string(alerts.StatusActive), string(alerts.StatusAcknowledged), string(alerts.StatusEscalated), string(alerts.StatusResolved):
		filter.Status = alerts.Status(v)
	default:
		return filter, errors.New("unknown status")
	}
	var err error
	if filter.Since, err = parseTimeQuery(r, "from"); err != nil {
		return filter, err
	}
	if filter.Until, err = parseTimeQuery(r, "to"); err != nil {
		return filter, err
	}
	if !filter.Since.IsZero() && !filter.Until.IsZero() && !filter.Until.After(filter.Since) {
		return filter, errors.New("to must be after from")
	}
	if v := q.Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return filter, errors.New("limit must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func parseTimeQuery(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}
