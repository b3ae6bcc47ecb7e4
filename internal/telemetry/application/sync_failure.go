package application

import (
	"context"
	"errors"
	"fmt"

	alerts "edgefleet/internal/alerts/domain"
	"edgefleet/internal/apperr"
	syncer "edgefleet/internal/syncer/domain"

	"go.uber.org/zap"
)

// ReportSyncFailure records a batch the agent gave up on and raises a
// sync-failure alert for the device. Reports are idempotent per open alert.
func (s *Service) ReportSyncFailure(ctx context.Context, deviceID string, failure syncer.TerminalFailure) (*alerts.Alert, error) {
	if failure.BatchID == "" {
		return nil, apperr.Invalid("sync_failure", deviceID, "batch_id", "required")
	}
	device, err := s.devices.Get(ctx, deviceID)
	if err != nil {
		return nil, err
	}
	if s.alerts == nil {
		return nil, errors.New("ingest: alerts not configured")
	}

	terminal := &apperr.TerminalSyncFailureError{
		BatchID:   failure.BatchID,
		DeviceID:  deviceID,
		Attempts:  failure.Attempts,
		LastError: failure.LastError,
	}
	if s.logs != nil {
		now := s.clock.Now()
		err := s.logs.Save(ctx, syncer.SyncLog{
			ID:           s.newID(),
			BatchID:      failure.BatchID,
			DeviceID:     deviceID,
			StartedAt:    failure.FailedAt,
			FinishedAt:   now,
			Success:      false,
			RetryCount:   failure.Attempts,
			ErrorCode:    "terminal",
			ErrorMessage: terminal.Error(),
		})
		if err != nil {
			s.logger.Warn("save terminal sync log failed", zap.String("batch_id", failure.BatchID), zap.Error(err))
		}
	}

	alert, _, err := s.alerts.Raise(ctx, alerts.Signal{
		DeviceID: deviceID,
		StoreID:  device.StoreID,
		Type:     alerts.TypeSyncFailure,
		Severity: alerts.SeverityWarning,
		Summary:  fmt.Sprintf("batch %s undelivered after %d attempts", failure.BatchID, failure.Attempts),
		Context: map[string]any{
			"batch_id":   failure.BatchID,
			"attempts":   failure.Attempts,
			"last_error": failure.LastError,
		},
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("terminal sync failure reported", zap.Error(terminal))
	return alert, nil
}
