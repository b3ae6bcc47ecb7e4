package scheduler

import (
	"encoding/json"
	"net/http"
	"strings"

	"edgefleet/internal/apperr"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"
)

// Handler serves POST /api/v1/scheduler/{task}/run.
type Handler struct {
	scheduler   *Scheduler
	auditLogger audit.Logger
}

// NewHandler constructs a manual trigger handler.
func NewHandler(s *Scheduler, auditLogger audit.Logger) *Handler {
	return &Handler{scheduler: s, auditLogger: auditLogger}
}

type runResponse struct {
	Task     string `json:"task"`
	Affected int    `json:"affected"`
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rest, _ := strings.CutPrefix(r.URL.Path, "/api/v1/scheduler/")
	name, action, _ := strings.Cut(rest, "/")
	if name == "" || action != "run" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n, err := h.scheduler.RunNow(r.Context(), name)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	if h.auditLogger != nil {
		meta, _ := json.Marshal(map[string]any{"affected": n})
		_ = h.auditLogger.Log(r.Context(), audit.Entry{
			Actor:        auth.SubjectFromContext(r.Context()),
			Role:         string(auth.RoleFromContext(r.Context())),
			Action:       "scheduler.run",
			ResourceType: "scheduler_task",
			ResourceID:   name,
			Metadata:     meta,
			IP:           audit.ClientIP(r),
			UserAgent:    r.UserAgent(),
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(runResponse{Task: name, Affected: n})
}
