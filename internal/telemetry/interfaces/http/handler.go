package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"edgefleet/internal/apperr"
	health "edgefleet/internal/health/domain"
	syncer "edgefleet/internal/syncer/domain"
	telemetryapp "edgefleet/internal/telemetry/application"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

const maxBodyBytes = 4 << 20

// IngestHandler accepts telemetry from edge agents.
type IngestHandler struct {
	service  *telemetryapp.Service
	validate *validator.Validate
	logger   *zap.Logger
}

// NewIngestHandler constructs an ingest handler.
func NewIngestHandler(service *telemetryapp.Service, logger *zap.Logger) (*IngestHandler, error) {
	if service == nil {
		return nil, errors.New("telemetry ingest: nil service")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IngestHandler{service: service, validate: validator.New(), logger: logger}, nil
}

type ingestRequest struct {
	DeviceID  string         `json:"device_id" validate:"required"`
	BatchID   string         `json:"batch_id"`
	Attempts  int            `json:"attempts" validate:"gte=0"`
	Timestamp *time.Time     `json:"timestamp"`
	Sample    *health.Sample `json:"sample"`
	Samples   []ingestSample `json:"samples" validate:"omitempty,max=1000,dive"`
}

type ingestSample struct {
	Timestamp time.Time     `json:"timestamp" validate:"required"`
	Sample    health.Sample `json:"sample"`
}

// ServeHTTP handles POST /api/v1/telemetry.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.logger.Warn("telemetry ingest: read body error", zap.Error(err))
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req ingestRequest
	if err := json.Unmarshal(body, &req); err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("telemetry", "", "body", "invalid json"))
		return
	}
	if err := h.validate.Struct(req); err != nil {
		apperr.WriteHTTP(w, apperr.Invalid("telemetry", req.DeviceID, "body", err.Error()))
		return
	}

	if len(req.Samples) == 0 {
		if req.Sample == nil || req.Timestamp == nil {
			apperr.WriteHTTP(w, apperr.Invalid("telemetry", req.DeviceID, "samples", "sample and timestamp or samples are required"))
			return
		}
		res, err := h.service.Submit(r.Context(), req.DeviceID, *req.Sample, *req.Timestamp)
		status := http.StatusAccepted
		if err != nil {
			status = apperr.HTTPStatus(err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(res)
		return
	}

	batch := syncer.Batch{
		ID:          req.BatchID,
		DeviceID:    req.DeviceID,
		Attempts:    req.Attempts,
		Submissions: make([]syncer.Submission, 0, len(req.Samples)),
	}
	for _, s := range req.Samples {
		batch.Submissions = append(batch.Submissions, syncer.Submission{Timestamp: s.Timestamp, Sample: s.Sample})
	}
	outcome, err := h.service.SubmitBatch(r.Context(), batch)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(outcome)
}
