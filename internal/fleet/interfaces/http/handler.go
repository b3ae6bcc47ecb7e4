package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"edgefleet/internal/apperr"
	fleet "edgefleet/internal/fleet/domain"
)

// Summarizer produces store summaries.
type Summarizer interface {
	Summary(ctx context.Context, storeID string, window time.Duration) (fleet.Summary, error)
}

// Handler serves GET /api/v1/fleet/stores/{store}/summary[.xlsx|.pdf].
type Handler struct {
	summarizer Summarizer
}

// NewHandler constructs a handler.
func NewHandler(summarizer Summarizer) (*Handler, error) {
	if summarizer == nil {
		return nil, errors.New("fleet handler: nil summarizer")
	}
	return &Handler{summarizer: summarizer}, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	storeID, format, ok := parsePath(r.URL.Path)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			apperr.WriteHTTP(w, apperr.Invalid("fleet", storeID, "window", "positive duration"))
			return
		}
		window = parsed
	}

	summary, err := h.summarizer.Summary(r.Context(), storeID, window)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	switch format {
	case "xlsx":
		body, err := BuildSummaryXLSX(summary)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		writeFile(w, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", storeID+"-summary.xlsx", body)
	case "pdf":
		body, err := BuildSummaryPDF(summary)
		if err != nil {
			http.Error(w, "export failed", http.StatusInternalServerError)
			return
		}
		writeFile(w, "application/pdf", storeID+"-summary.pdf", body)
	default:
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(summary)
	}
}

func parsePath(path string) (storeID, format string, ok bool) {
	rest, found := strings.CutPrefix(path, "/api/v1/fleet/stores/")
	if !found {
		return "", "", false
	}
	storeID, resource, found := strings.Cut(rest, "/")
	if !found || storeID == "" {
		return "", "", false
	}
	switch resource {
	case "summary":
		return storeID, "json", true
	case "summary.xlsx":
		return storeID, "xlsx", true
	case "summary.pdf":
		return storeID, "pdf", true
	}
	return "", "", false
}

func writeFile(w http.ResponseWriter, contentType, name string, body []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
