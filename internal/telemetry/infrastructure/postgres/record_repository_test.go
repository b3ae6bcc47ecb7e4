package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"edgefleet/internal/apperr"
	health "edgefleet/internal/health/domain"
	telemetry "edgefleet/internal/telemetry/domain"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRecord(at time.Time) telemetry.HealthRecord {
	return telemetry.HealthRecord{
		ID:         "rec-1",
		DeviceID:   "dev-1",
		StoreID:    "store-1",
		Timestamp:  at,
		Sample:     health.Sample{CPU: 95, Memory: 40, Disk: 50, Temperature: 45, LatencyMs: 20, SignalDBm: -60},
		Status:     "critical",
		ReceivedAt: at,
	}
}

func TestRecordRepositoryAppendAdvancesWatermark(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 8, 0, 30, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO telemetry_watermarks .* WHERE telemetry_watermarks.last_accepted_at < EXCLUDED.last_accepted_at`).
		WithArgs("dev-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"last_accepted_at"}).AddRow(at))
	mock.ExpectExec(`INSERT INTO health_records`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	repo := NewRecordRepository(db)
	require.NoError(t, repo.Append(context.Background(), sampleRecord(at)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepositoryAppendStale(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 8, 0, 30, 0, time.UTC)
	last := at.Add(30 * time.Second)
	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO telemetry_watermarks`).
		WithArgs("dev-1", at).
		WillReturnRows(sqlmock.NewRows([]string{"last_accepted_at"}))
	mock.ExpectQuery(`SELECT last_accepted_at FROM telemetry_watermarks`).
		WithArgs("dev-1").
		WillReturnRows(sqlmock.NewRows([]string{"last_accepted_at"}).AddRow(last))
	mock.ExpectRollback()

	repo := NewRecordRepository(db)
	err = repo.Append(context.Background(), sampleRecord(at))
	require.Error(t, err)
	var stale *apperr.StaleSubmissionError
	require.True(t, errors.As(err, &stale))
	assert.Equal(t, last, stale.LastAccepted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordRepositoryLastAcceptedNone(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery(`SELECT last_accepted_at FROM telemetry_watermarks`).
		WithArgs("dev-9").
		WillReturnRows(sqlmock.NewRows([]string{"last_accepted_at"}))

	repo := NewRecordRepository(db)
	last, err := repo.LastAccepted(context.Background(), "dev-9")
	require.NoError(t, err)
	assert.True(t, last.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}
