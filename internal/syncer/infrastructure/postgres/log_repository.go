package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	syncer "edgefleet/internal/syncer/domain"
)

const defaultLogTable = "sync_logs"

// LogRepository persists sync logs in Postgres.
type LogRepository struct {
	db    *sql.DB
	table string
}

// LogOption configures the repository.
type LogOption func(*LogRepository)

// WithLogTable overrides the default table name.
func WithLogTable(table string) LogOption {
	return func(repo *LogRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewLogRepository constructs a repository.
func NewLogRepository(db *sql.DB, opts ...LogOption) *LogRepository {
	repo := &LogRepository{db: db, table: defaultLogTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Save inserts a sync log. Replayed logs with the same id are ignored.
func (r *LogRepository) Save(ctx context.Context, log syncer.SyncLog) error {
	if r == nil || r.db == nil {
		return errors.New("sync log repo: nil db")
	}
	if log.ID == "" || log.DeviceID == "" {
		return errors.New("sync log repo: id and device id are required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, batch_id, device_id, started_at, finished_at, success, retry_count,
	accepted, rejected, error_code, error_message
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (id) DO NOTHING`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		log.ID,
		log.BatchID,
		log.DeviceID,
		log.StartedAt.UTC(),
		log.FinishedAt.UTC(),
		log.Success,
		log.RetryCount,
		log.Accepted,
		log.Rejected,
		log.ErrorCode,
		log.ErrorMessage,
	)
	return err
}

// ListByDevice returns the newest logs of a device first.
func (r *LogRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]syncer.SyncLog, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("sync log repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	query := fmt.Sprintf(`
SELECT id, batch_id, device_id, started_at, finished_at, success, retry_count,
	accepted, rejected, error_code, error_message
FROM %s
WHERE device_id = $1
ORDER BY finished_at DESC
LIMIT $2`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []syncer.SyncLog
	for rows.Next() {
		var log syncer.SyncLog
		if err := rows.Scan(
			&log.ID,
			&log.BatchID,
			&log.DeviceID,
			&log.StartedAt,
			&log.FinishedAt,
			&log.Success,
			&log.RetryCount,
			&log.Accepted,
			&log.Rejected,
			&log.ErrorCode,
			&log.ErrorMessage,
		); err != nil {
			return nil, err
		}
		log.StartedAt = log.StartedAt.UTC()
		log.FinishedAt = log.FinishedAt.UTC()
		out = append(out, log)
	}
	return out, rows.Err()
}
