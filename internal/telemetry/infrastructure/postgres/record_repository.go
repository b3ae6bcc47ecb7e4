package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"edgefleet/internal/apperr"
	telemetry "edgefleet/internal/telemetry/domain"
)

const (
	defaultRecordTable    = "health_records"
	defaultWatermarkTable = "telemetry_watermarks"
)

const recordColumns = `id, device_id, store_id, ts, cpu, memory, disk, temperature, latency_ms, signal_dbm,
	pos_accuracy, scanner_accuracy, transactions, queue_depth, status, batch_id, received_at`

// RecordRepository is a Postgres implementation for health records.
type RecordRepository struct {
	db         *sql.DB
	table      string
	watermarks string
}

// RecordOption configures the repository.
type RecordOption func(*RecordRepository)

// WithRecordTable overrides the default record table name.
func WithRecordTable(table string) RecordOption {
	return func(repo *RecordRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// WithWatermarkTable overrides the default watermark table name.
func WithWatermarkTable(table string) RecordOption {
	return func(repo *RecordRepository) {
		if table != "" {
			repo.watermarks = table
		}
	}
}

// NewRecordRepository constructs a repository.
func NewRecordRepository(db *sql.DB, opts ...RecordOption) *RecordRepository {
	repo := &RecordRepository{db: db, table: defaultRecordTable, watermarks: defaultWatermarkTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Append advances the watermark with a conditional upsert and inserts the
// record in the same transaction.
func (r *RecordRepository) Append(ctx context.Context, rec telemetry.HealthRecord) error {
	if r == nil || r.db == nil {
		return errors.New("record repo: nil db")
	}
	if rec.ID == "" || rec.DeviceID == "" || rec.Timestamp.IsZero() {
		return errors.New("record repo: invalid record")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	advance := fmt.Sprintf(`
INSERT INTO %s (device_id, last_accepted_at)
VALUES ($1, $2)
ON CONFLICT (device_id) DO UPDATE SET last_accepted_at = EXCLUDED.last_accepted_at
WHERE %s.last_accepted_at < EXCLUDED.last_accepted_at
RETURNING last_accepted_at`, r.watermarks, r.watermarks)

	var advanced time.Time
	err = tx.QueryRowContext(ctx, advance, rec.DeviceID, rec.Timestamp).Scan(&advanced)
	if errors.Is(err, sql.ErrNoRows) {
		var last time.Time
		lookup := fmt.Sprintf(`SELECT last_accepted_at FROM %s WHERE device_id = $1`, r.watermarks)
		if err := tx.QueryRowContext(ctx, lookup, rec.DeviceID).Scan(&last); err != nil {
			_ = tx.Rollback()
			return err
		}
		_ = tx.Rollback()
		return &apperr.StaleSubmissionError{DeviceID: rec.DeviceID, Timestamp: rec.Timestamp, LastAccepted: last.UTC()}
	}
	if err != nil {
		_ = tx.Rollback()
		return err
	}

	insert := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`, r.table, recordColumns)
	s := rec.Sample
	if _, err := tx.ExecContext(ctx, insert,
		rec.ID,
		rec.DeviceID,
		rec.StoreID,
		rec.Timestamp,
		s.CPU,
		s.Memory,
		s.Disk,
		s.Temperature,
		s.LatencyMs,
		s.SignalDBm,
		nullFloat(s.POSAccuracy),
		nullFloat(s.ScannerAccuracy),
		nullInt(s.Transactions),
		nullInt(s.QueueDepth),
		rec.Status,
		rec.BatchID,
		rec.ReceivedAt,
	); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// LastAccepted returns the device watermark, zero when none.
func (r *RecordRepository) LastAccepted(ctx context.Context, deviceID string) (time.Time, error) {
	if r == nil || r.db == nil {
		return time.Time{}, errors.New("record repo: nil db")
	}
	query := fmt.Sprintf(`SELECT last_accepted_at FROM %s WHERE device_id = $1`, r.watermarks)
	var last time.Time
	err := r.db.QueryRowContext(ctx, query, deviceID).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return last.UTC(), nil
}

// Latest returns the newest record of a device.
func (r *RecordRepository) Latest(ctx context.Context, deviceID string) (*telemetry.HealthRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("record repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 ORDER BY ts DESC LIMIT 1`, recordColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, deviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	if !rows.Next() {
		return nil, rows.Err()
	}
	rec, err := scanRecord(rows)
	if err != nil {
		return nil, err
	}
	return &rec, rows.Err()
}

// ListRange returns records in [from, to] ordered by timestamp.
func (r *RecordRepository) ListRange(ctx context.Context, deviceID string, from, to time.Time) ([]telemetry.HealthRecord, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("record repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE device_id = $1 AND ts >= $2 AND ts <= $3 ORDER BY ts`, recordColumns, r.table)
	rows, err := r.db.QueryContext(ctx, query, deviceID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []telemetry.HealthRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(rows *sql.Rows) (telemetry.HealthRecord, error) {
	var (
		rec          telemetry.HealthRecord
		pos, scanner sql.NullFloat64
		txns, queue  sql.NullInt64
	)
	err := rows.Scan(
		&rec.ID,
		&rec.DeviceID,
		&rec.StoreID,
		&rec.Timestamp,
		&rec.Sample.CPU,
		&rec.Sample.Memory,
		&rec.Sample.Disk,
		&rec.Sample.Temperature,
		&rec.Sample.LatencyMs,
		&rec.Sample.SignalDBm,
		&pos,
		&scanner,
		&txns,
		&queue,
		&rec.Status,
		&rec.BatchID,
		&rec.ReceivedAt,
	)
	if err != nil {
		return rec, err
	}
	rec.Timestamp = rec.Timestamp.UTC()
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	if pos.Valid {
		rec.Sample.POSAccuracy = &pos.Float64
	}
	if scanner.Valid {
		rec.Sample.ScannerAccuracy = &scanner.Float64
	}
	if txns.Valid {
		rec.Sample.Transactions = &txns.Int64
	}
	if queue.Valid {
		rec.Sample.QueueDepth = &queue.Int64
	}
	return rec, nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
