package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"edgefleet/internal/apperr"
	"edgefleet/internal/audit"
	"edgefleet/internal/auth"
	predictiveapp "edgefleet/internal/predictive/application"
)

// ForecastHandler serves GET /api/v1/devices/{id}/forecast. ?cached=true
// returns the stored forecast instead of recomputing.
type ForecastHandler struct {
	analyzer *predictiveapp.Analyzer
}

// NewForecastHandler constructs a handler.
func NewForecastHandler(analyzer *predictiveapp.Analyzer) (*ForecastHandler, error) {
	if analyzer == nil {
		return nil, errors.New("forecast handler: nil analyzer")
	}
	return &ForecastHandler{analyzer: analyzer}, nil
}

func (h *ForecastHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	rest, _ := strings.CutPrefix(r.URL.Path, "/api/v1/devices/")
	deviceID, action, _ := strings.Cut(rest, "/")
	if deviceID == "" || action != "forecast" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.URL.Query().Get("cached") == "true" {
		forecast, err := h.analyzer.Latest(r.Context(), deviceID)
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		if forecast == nil {
			apperr.WriteHTTP(w, apperr.NotFound("forecast", deviceID))
			return
		}
		writeJSON(w, http.StatusOK, forecast)
		return
	}
	forecast, err := h.analyzer.Forecast(r.Context(), deviceID)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, forecast)
}

// JobsHandler serves /api/v1/forecasts/jobs.
type JobsHandler struct {
	jobs        *predictiveapp.Jobs
	auditLogger audit.Logger
}

// NewJobsHandler constructs a handler.
func NewJobsHandler(jobs *predictiveapp.Jobs, auditLogger audit.Logger) (*JobsHandler, error) {
	if jobs == nil {
		return nil, errors.New("forecast jobs handler: nil jobs")
	}
	return &JobsHandler{jobs: jobs, auditLogger: auditLogger}, nil
}

func (h *JobsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id, _ := strings.CutPrefix(r.URL.Path, "/api/v1/forecasts/jobs")
	id = strings.Trim(id, "/")
	switch {
	case id == "" && r.Method == http.MethodPost:
		job, err := h.jobs.Start(r.Context())
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		h.logAudit(r, "forecast.job.start", job.ID)
		writeJSON(w, http.StatusAccepted, job)
	case id == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, h.jobs.List())
	case id != "" && !strings.Contains(id, "/") && r.Method == http.MethodGet:
		job, err := h.jobs.Get(id)
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		writeJSON(w, http.StatusOK, job)
	case id != "" && !strings.Contains(id, "/") && r.Method == http.MethodDelete:
		job, err := h.jobs.Cancel(id)
		if err != nil {
			apperr.WriteHTTP(w, err)
			return
		}
		h.logAudit(r, "forecast.job.cancel", job.ID)
		writeJSON(w, http.StatusAccepted, job)
	case strings.Contains(id, "/"):
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *JobsHandler) logAudit(r *http.Request, action, jobID string) {
	if h.auditLogger == nil {
		return
	}
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       action,
		ResourceType: "forecast_job",
		ResourceID:   jobID,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
