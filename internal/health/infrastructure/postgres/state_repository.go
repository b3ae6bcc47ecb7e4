package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	health "edgefleet/internal/health/domain"
)

const defaultStateTable = "device_health"

// StateRepository persists device health state in Postgres.
type StateRepository struct {
	db    *sql.DB
	table string
}

// StateOption configures the repository.
type StateOption func(*StateRepository)

// WithStateTable overrides the default table name.
func WithStateTable(table string) StateOption {
	return func(repo *StateRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewStateRepository constructs a repository.
func NewStateRepository(db *sql.DB, opts ...StateOption) *StateRepository {
	repo := &StateRepository{db: db, table: defaultStateTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Get loads the state of a device.
func (r *StateRepository) Get(ctx context.Context, deviceID string) (*health.State, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("health state repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT device_id, status, reason, healthy_streak, unresolved, offline, updated_at
FROM %s
WHERE device_id = $1`, r.table)

	var state health.State
	if err := r.db.QueryRowContext(ctx, query, deviceID).Scan(
		&state.DeviceID,
		&state.Status,
		&state.Reason,
		&state.HealthyStreak,
		&state.Unresolved,
		&state.Offline,
		&state.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	state.UpdatedAt = state.UpdatedAt.UTC()
	return &state, nil
}

// Save upserts the state.
func (r *StateRepository) Save(ctx context.Context, state health.State) error {
	if r == nil || r.db == nil {
		return errors.New("health state repo: nil db")
	}
	if state.DeviceID == "" {
		return errors.New("health state repo: empty device id")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (device_id, status, reason, healthy_streak, unresolved, offline, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (device_id)
DO UPDATE SET
	status = EXCLUDED.status,
	reason = EXCLUDED.reason,
	healthy_streak = EXCLUDED.healthy_streak,
	unresolved = EXCLUDED.unresolved,
	offline = EXCLUDED.offline,
	updated_at = EXCLUDED.updated_at`, r.table)
	_, err := r.db.ExecContext(ctx, query,
		state.DeviceID,
		state.Status,
		state.Reason,
		state.HealthyStreak,
		state.Unresolved,
		state.Offline,
		state.UpdatedAt.UTC(),
	)
	return err
}

// ListByDevices loads states for the given devices.
func (r *StateRepository) ListByDevices(ctx context.Context, deviceIDs []string) (map[string]health.State, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("health state repo: nil db")
	}
	out := make(map[string]health.State, len(deviceIDs))
	if len(deviceIDs) == 0 {
		return out, nil
	}
	query := fmt.Sprintf(`
SELECT device_id, status, reason, healthy_streak, unresolved, offline, updated_at
FROM %s
WHERE device_id = ANY($1)`, r.table)

	rows, err := r.db.QueryContext(ctx, query, deviceIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state health.State
		if err := rows.Scan(
			&state.DeviceID,
			&state.Status,
			&state.Reason,
			&state.HealthyStreak,
			&state.Unresolved,
			&state.Offline,
			&state.UpdatedAt,
		); err != nil {
			return nil, err
		}
		state.UpdatedAt = state.UpdatedAt.UTC()
		out[state.DeviceID] = state
	}
	return out, rows.Err()
}
