package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	alerts "edgefleet/internal/alerts/domain"
	"edgefleet/internal/apperr"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"
	deviceapp "edgefleet/internal/devices/application"
	health "edgefleet/internal/health/domain"
	syncer "edgefleet/internal/syncer/domain"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// SyncFailureReporter records terminal batch failures reported by agents.
type SyncFailureReporter interface {
	ReportSyncFailure(ctx context.Context, deviceID string, failure syncer.TerminalFailure) (*alerts.Alert, error)
}

// Handler serves /api/v1/devices and its subroutes. Sub-resources owned by
// other contexts are attached with Mount.
type Handler struct {
	registry    *deviceapp.Registry
	failures    SyncFailureReporter
	logs        syncer.LogRepository
	states      health.StateRepository
	mounts      map[string]http.Handler
	auditLogger audit.Logger
	validate    *validator.Validate
	logger      *zap.Logger
}

// Option configures the handler.
type Option func(*Handler)

// WithSyncFailures enables POST /{id}/sync-failures.
func WithSyncFailures(reporter SyncFailureReporter) Option {
	return func(h *Handler) { h.failures = reporter }
}

// WithSyncLogs enables GET /{id}/sync-logs.
func WithSyncLogs(logs syncer.LogRepository) Option {
	return func(h *Handler) { h.logs = logs }
}

// WithHealthStates enables GET /{id}/health.
func WithHealthStates(states health.StateRepository) Option {
	return func(h *Handler) { h.states = states }
}

// WithAudit records operator actions.
func WithAudit(logger audit.Logger) Option {
	return func(h *Handler) { h.auditLogger = logger }
}

// WithLogger assigns a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a handler.
func NewHandler(registry *deviceapp.Registry, opts ...Option) (*Handler, error) {
	if registry == nil {
		return nil, errors.New("devices handler: nil registry")
	}
	h := &Handler{
		registry: registry,
		mounts:   make(map[string]http.Handler),
		validate: validator.New(),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Mount routes /api/v1/devices/{id}/{action} to next.
func (h *Handler) Mount(action string, next http.Handler) {
	if action == "" || next == nil {
		return
	}
	h.mounts[action] = next
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, ok := strings.CutPrefix(r.URL.Path, "/api/v1/devices/")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if rest == "register" {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h.handleRegister(w, r)
		return
	}

	id, action, _ := strings.Cut(rest, "/")
	if id == "" || strings.Contains(action, "/") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if next, ok := h.mounts[action]; ok {
		next.ServeHTTP(w, r)
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		h.handleGet(w, r, id)
	case action == "config" && r.Method == http.MethodGet:
		h.handleConfig(w, r, id)
	case action == "deactivate" && r.Method == http.MethodPost:
		h.handleDeactivate(w, r, id)
	case action == "sync-failures" && r.Method == http.MethodPost && h.failures != nil:
		h.handleSyncFailure(w, r, id)
	case action == "sync-logs" && r.Method == http.MethodGet && h.logs != nil:
		h.handleSyncLogs(w, r, id)
	case action == "health" && r.Method == http.MethodGet && h.states != nil:
		h.handleHealth(w, r, id)
	case action == "" || action == "config" || action == "deactivate" || action == "sync-failures" ||
		action == "sync-logs" || action == "health":
		w.WriteHeader(http.StatusMethodNotAllowed)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req deviceapp.RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.registry.Register(r.Context(), req)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	device, err := h.registry.Get(r.Context(), id)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request, id string) {
	cfg, err := h.registry.GetConfig(r.Context(), id)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cfg)
}

func (h *Handler) handleDeactivate(w http.ResponseWriter, r *http.Request, id string) {
	if err := h.registry.Deactivate(r.Context(), id); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	h.logAudit(r, "device.deactivate", id)
	device, err := h.registry.Get(r.Context(), id)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (h *Handler) handleSyncFailure(w http.ResponseWriter, r *http.Request, id string) {
	var failure syncer.TerminalFailure
	if !h.decode(w, r, &failure) {
		return
	}
	alert, err := h.failures.ReportSyncFailure(r.Context(), id, failure)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, alert)
}

func (h *Handler) handleSyncLogs(w http.ResponseWriter, r *http.Request, id string) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	logs, err := h.logs.ListByDevice(r.Context(), id, limit)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if logs == nil {
		logs = []syncer.SyncLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := h.registry.Get(r.Context(), id); err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	state, err := h.states.Get(r.Context(), id)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if state == nil {
		state = &health.State{DeviceID: id, Status: health.LabelUnknown}
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("request", "", "body", "unreadable"))
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("request", "", "body", "invalid json"))
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("request", "", "body", err.Error()))
		return false
	}
	return true
}

func (h *Handler) logAudit(r *http.Request, action, deviceID string) {
	if h.auditLogger == nil {
		return
	}
	err := h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "device",
		ResourceID:   deviceID,
		DeviceID:     deviceID,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
	if err != nil {
		h.logger.Warn("audit log failed", zap.String("action", action), zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
