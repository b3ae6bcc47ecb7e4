package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"edgefleet/internal/apperr"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"
	installationapp "edgefleet/internal/installation/application"
	installation "edgefleet/internal/installation/domain"
)

// Handler serves /api/v1/devices/{id}/installation-checks.
type Handler struct {
	validator   *installationapp.Validator
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(validator *installationapp.Validator, auditLogger audit.Logger) (*Handler, error) {
	if validator == nil {
		return nil, errors.New("installation handler: nil validator")
	}
	return &Handler{validator: validator, auditLogger: auditLogger}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID, ok := deviceIDFromPath(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	switch r.Method {
	case http.MethodPost:
		h.handleRun(w, r, deviceID)
	case http.MethodGet:
		h.handleList(w, r, deviceID)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handleRun(w http.ResponseWriter, r *http.Request, deviceID string) {
	check, err := h.validator.RunCheck(r.Context(), deviceID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if h.auditLogger != nil {
		meta, _ := json.Marshal(map[string]any{
			"score":       check.Score,
			"verdict":     check.Verdict,
			"hard_failed": check.HardFailed,
		})
		_ = h.auditLogger.Log(r.Context(), audit.Entry{
			Actor:        auth.SubjectFromContext(r.Context()),
			Role:         string(auth.RoleFromContext(r.Context())),
			Action:       "installation.check",
			ResourceType: "installation_check",
			ResourceID:   check.ID,
			DeviceID:     deviceID,
			Metadata:     meta,
			IP:           audit.ClientIP(r),
			UserAgent:    r.UserAgent(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(check)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request, deviceID string) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	checks, err := h.validator.ListChecks(r.Context(), deviceID, limit)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if checks == nil {
		checks = []installation.Check{}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(checks)
}

func deviceIDFromPath(path string) (string, bool) {
	rest, ok := strings.CutPrefix(path, "/api/v1/devices/")
	if !ok {
		return "", false
	}
	id, action, ok := strings.Cut(rest, "/")
	if !ok || id == "" || action != "installation-checks" {
		return "", false
	}
	return id, true
}
