package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	predictive "edgefleet/internal/predictive/domain"
)

const defaultForecastTable = "forecasts"

// ForecastRepository persists forecasts in Postgres.
type ForecastRepository struct {
	db    *sql.DB
	table string
}

// ForecastOption configures the repository.
type ForecastOption func(*ForecastRepository)

// WithForecastTable overrides the default table name.
func WithForecastTable(table string) ForecastOption {
	return func(repo *ForecastRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewForecastRepository constructs a repository.
func NewForecastRepository(db *sql.DB, opts ...ForecastOption) *ForecastRepository {
	repo := &ForecastRepository{db: db, table: defaultForecastTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Save inserts a forecast.
func (r *ForecastRepository) Save(ctx context.Context, f predictive.Forecast) error {
	if r == nil || r.db == nil {
		return errors.New("forecast repo: nil db")
	}
	slopes, err := json.Marshal(f.Slopes)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, device_id, store_id, score, top_factor, slopes, alert_count, sample_count, window_hours, computed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`, r.table)
	_, err = r.db.ExecContext(ctx, query,
		f.ID,
		f.DeviceID,
		f.StoreID,
		f.Score,
		f.TopFactor,
		slopes,
		f.AlertCount,
		f.SampleCount,
		f.WindowHours,
		f.ComputedAt.UTC(),
	)
	return err
}

// Latest returns the newest forecast of a device, or nil.
func (r *ForecastRepository) Latest(ctx context.Context, deviceID string) (*predictive.Forecast, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("forecast repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT id, device_id, store_id, score, top_factor, slopes, alert_count, sample_count, window_hours, computed_at
FROM %s
WHERE device_id = $1
ORDER BY computed_at DESC
LIMIT 1`, r.table)

	var (
		f      predictive.Forecast
		slopes []byte
	)
	if err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&f.ID,
		&f.DeviceID,
		&f.StoreID,
		&f.Score,
		&f.TopFactor,
		&slopes,
		&f.AlertCount,
		&f.SampleCount,
		&f.WindowHours,
		&f.ComputedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if len(slopes) > 0 {
		if err := json.Unmarshal(slopes, &f.Slopes); err != nil {
			return nil, fmt.Errorf("forecast repo: decode slopes of %s: %w", f.ID, err)
		}
	}
	f.ComputedAt = f.ComputedAt.UTC()
	return &f, nil
}
