package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	installation "edgefleet/internal/installation/domain"
)

const defaultCheckTable = "installation_checks"

// CheckRepository persists installation checks in Postgres. Sub-check
// results are stored as a JSON array.
type CheckRepository struct {
	db    *sql.DB
	table string
}

// CheckOption configures the repository.
type CheckOption func(*CheckRepository)

// WithCheckTable overrides the default table name.
func WithCheckTable(table string) CheckOption {
	return func(repo *CheckRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewCheckRepository constructs a repository.
func NewCheckRepository(db *sql.DB, opts ...CheckOption) *CheckRepository {
	repo := &CheckRepository{db: db, table: defaultCheckTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

const checkColumns = `id, device_id, store_id, results, score, verdict, hard_failed, remediation, created_at`

// Save inserts a check.
func (r *CheckRepository) Save(ctx context.Context, check installation.Check) error {
	if r == nil || r.db == nil {
		return errors.New("installation repo: nil db")
	}
	if check.ID == "" || check.DeviceID == "" {
		return errors.New("installation repo: id and device id are required")
	}
	results, err := json.Marshal(check.Results)
	if err != nil {
		return err
	}
	hardFailed, err := json.Marshal(check.HardFailed)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
INSERT INTO %s (%s)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`, r.table, checkColumns)
	_, err = r.db.ExecContext(ctx, query,
		check.ID,
		check.DeviceID,
		check.StoreID,
		results,
		check.Score,
		check.Verdict,
		hardFailed,
		check.Remediation,
		check.CreatedAt.UTC(),
	)
	return err
}

// Get returns a check by id, or nil.
func (r *CheckRepository) Get(ctx context.Context, id string) (*installation.Check, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("installation repo: nil db")
	}
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, checkColumns, r.table)
	check, err := scanCheck(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return check, nil
}

// ListByDevice returns checks of a device, newest first.
func (r *CheckRepository) ListByDevice(ctx context.Context, deviceID string, limit int) ([]installation.Check, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("installation repo: nil db")
	}
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE device_id = $1
ORDER BY created_at DESC
LIMIT $2`, checkColumns, r.table)
	return r.list(ctx, query, deviceID, limit)
}

// ListByStore returns checks of a store created at or after since, newest first.
func (r *CheckRepository) ListByStore(ctx context.Context, storeID string, since time.Time) ([]installation.Check, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("installation repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE store_id = $1 AND created_at >= $2
ORDER BY created_at DESC`, checkColumns, r.table)
	return r.list(ctx, query, storeID, since.UTC())
}

func (r *CheckRepository) list(ctx context.Context, query string, args ...any) ([]installation.Check, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []installation.Check
	for rows.Next() {
		check, err := scanCheck(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *check)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCheck(row scanner) (*installation.Check, error) {
	var (
		check      installation.Check
		results    []byte
		hardFailed []byte
	)
	if err := row.Scan(
		&check.ID,
		&check.DeviceID,
		&check.StoreID,
		&results,
		&check.Score,
		&check.Verdict,
		&hardFailed,
		&check.Remediation,
		&check.CreatedAt,
	); err != nil {
		return nil, err
	}
	if len(results) > 0 {
		if err := json.Unmarshal(results, &check.Results); err != nil {
			return nil, fmt.Errorf("installation repo: decode results of %s: %w", check.ID, err)
		}
	}
	if len(hardFailed) > 0 {
		if err := json.Unmarshal(hardFailed, &check.HardFailed); err != nil {
			return nil, fmt.Errorf("installation repo: decode hard failures of %s: %w", check.ID, err)
		}
	}
	check.CreatedAt = check.CreatedAt.UTC()
	return &check, nil
}
