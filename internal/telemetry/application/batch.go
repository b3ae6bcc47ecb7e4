package application

import (
	"context"
	"errors"

	"edgefleet/internal/apperr"
	"edgefleet/internal/observability/metrics"
	syncer "edgefleet/internal/syncer/domain"

	"go.uber.org/zap"
)

// BatchOutcome is the reply to a batch submission.
type BatchOutcome struct {
	Log     syncer.SyncLog        `json:"sync_log"`
	Results []syncer.SampleResult `json:"results"`
}

// SubmitBatch submits every sample of batch in client-timestamp order and
// records a SyncLog. Stale samples count as delivered so resent batches succeed.
func (s *Service) SubmitBatch(ctx context.Context, batch syncer.Batch) (BatchOutcome, error) {
	if batch.ID == "" {
		batch.ID = s.newID()
	}
	if err := batch.Validate(); err != nil {
		return BatchOutcome{}, apperr.Invalid("batch", batch.ID, "submissions", err.Error())
	}

	log := syncer.SyncLog{
		ID:         s.newID(),
		BatchID:    batch.ID,
		DeviceID:   batch.DeviceID,
		StartedAt:  s.clock.Now(),
		RetryCount: batch.Attempts,
	}
	results := make([]syncer.SampleResult, 0, len(batch.Submissions))
	var firstErr error
	unavailable := false
	for _, sub := range batch.Ordered() {
		if ctx.Err() != nil {
			results = append(results, syncer.SampleResult{Timestamp: sub.Timestamp, Reason: apperr.ReasonUnavailable})
			log.Rejected++
			unavailable = true
			continue
		}
		res, err := s.submit(ctx, batch.DeviceID, batch.ID, sub.Sample, sub.Timestamp)
		results = append(results, syncer.SampleResult{
			Timestamp: res.Timestamp,
			Accepted:  res.Accepted,
			Status:    res.Status,
			Reason:    res.Reason,
		})
		if err == nil {
			log.Accepted++
			continue
		}
		log.Rejected++
		if errors.Is(err, apperr.ErrStale) {
			continue
		}
		if firstErr == nil {
			firstErr = err
		}
		if apperr.ReasonCode(err) == apperr.ReasonUnavailable {
			unavailable = true
		}
	}

	log.FinishedAt = s.clock.Now()
	log.Success = !unavailable
	if firstErr != nil {
		log.ErrorCode = apperr.ReasonCode(firstErr)
		log.ErrorMessage = firstErr.Error()
	} else if unavailable {
		log.ErrorCode = apperr.ReasonUnavailable
		log.ErrorMessage = ctx.Err().Error()
	}
	if log.Success {
		metrics.IncSyncAttempt("success")
	} else {
		metrics.IncSyncAttempt("failure")
	}

	if s.logs != nil {
		if err := s.logs.Save(ctx, log); err != nil {
			s.logger.Warn("save sync log failed", zap.String("batch_id", batch.ID), zap.Error(err))
		}
	}
	s.logger.Info("telemetry batch processed",
		zap.String("batch_id", batch.ID),
		zap.String("device_id", batch.DeviceID),
		zap.Int("accepted", log.Accepted),
		zap.Int("rejected", log.Rejected),
		zap.Bool("success", log.Success),
	)
	return BatchOutcome{Log: log, Results: results}, nil
}
