package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	alerts "edgefleet/internal/alerts/domain"
)

const alertColumns = `id, dedup_key, device_id, store_id, type, severity, status, summary, context, occurrences,
	created_at, last_seen_at, acknowledged_at, acknowledged_by, escalated_at, resolved_at, resolved_by,
	resolution_notes, version`

// AlertRepository persists alerts in Postgres.
type AlertRepository struct {
	db *sql.DB
}

// NewAlertRepository constructs a repository.
func NewAlertRepository(db *sql.DB) *AlertRepository {
	return &AlertRepository{db: db}
}

// Raise inserts candidate or merges it into the open alert sharing its dedup key.
// The partial unique index alerts_open_dedup_key makes this a single atomic statement.
func (r *AlertRepository) Raise(ctx context.Context, candidate *alerts.Alert) (alerts.RaiseResult, error) {
	if r == nil || r.db == nil {
		return alerts.RaiseResult{}, errors.New("alert repo: nil db")
	}
	if candidate == nil {
		return alerts.RaiseResult{}, errors.New("alert repo: nil alert")
	}
	contextJSON, err := marshalContext(candidate.Context)
	if err != nil {
		return alerts.RaiseResult{}, err
	}

	query := `
WITH previous AS (
	SELECT severity FROM alerts WHERE dedup_key = $2 AND status <> 'resolved'
)
INSERT INTO alerts (
	id, dedup_key, device_id, store_id, type, severity, severity_rank, status, summary, context,
	occurrences, created_at, last_seen_at, version
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, 'active', $8, $9, 1, $10, $10, 1
)
ON CONFLICT (dedup_key) WHERE status <> 'resolved'
DO UPDATE SET
	severity = CASE WHEN EXCLUDED.severity_rank > alerts.severity_rank THEN EXCLUDED.severity ELSE alerts.severity END,
	severity_rank = GREATEST(alerts.severity_rank, EXCLUDED.severity_rank),
	summary = CASE WHEN EXCLUDED.summary <> '' THEN EXCLUDED.summary ELSE alerts.summary END,
	context = COALESCE(alerts.context, '{}'::jsonb) || COALESCE(EXCLUDED.context, '{}'::jsonb),
	occurrences = alerts.occurrences + 1,
	last_seen_at = GREATEST(alerts.last_seen_at, EXCLUDED.last_seen_at),
	version = alerts.version + 1
RETURNING ` + alertColumns + `, (xmax = 0) AS inserted, (SELECT severity FROM previous) AS previous_severity`

	var (
		inserted bool
		previous sql.NullString
	)
	alert, err := scanAlert(r.db.QueryRowContext(ctx, query,
		candidate.ID,
		candidate.DedupKey,
		candidate.DeviceID,
		candidate.StoreID,
		string(candidate.Type),
		string(candidate.Severity),
		candidate.Severity.Rank(),
		candidate.Summary,
		contextJSON,
		candidate.CreatedAt.UTC(),
	), &inserted, &previous)
	if err != nil {
		return alerts.RaiseResult{}, err
	}
	return alerts.RaiseResult{Alert: alert, Created: inserted, Previous: alerts.Severity(previous.String)}, nil
}

// Get loads an alert by id.
func (r *AlertRepository) Get(ctx context.Context, id string) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	alert, err := scanAlert(r.db.QueryRowContext(ctx, `SELECT `+alertColumns+` FROM alerts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return alert, err
}

// FindOpen loads the open alert for a device and type.
func (r *AlertRepository) FindOpen(ctx context.Context, deviceID string, alertType alerts.Type) (*alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	alert, err := scanAlert(r.db.QueryRowContext(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE dedup_key = $1 AND status <> 'resolved'`,
		alerts.DedupKey(deviceID, alertType)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return alert, err
}

// Update writes alert when the stored version matches. Resolved rows are never updated.
func (r *AlertRepository) Update(ctx context.Context, alert *alerts.Alert) error {
	if r == nil || r.db == nil {
		return errors.New("alert repo: nil db")
	}
	if alert == nil {
		return errors.New("alert repo: nil alert")
	}
	contextJSON, err := marshalContext(alert.Context)
	if err != nil {
		return err
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE alerts
SET severity = $2,
	severity_rank = $3,
	status = $4,
	summary = $5,
	context = $6,
	occurrences = $7,
	last_seen_at = $8,
	acknowledged_at = $9,
	acknowledged_by = $10,
	escalated_at = $11,
	resolved_at = $12,
	resolved_by = $13,
	resolution_notes = $14,
	version = version + 1
WHERE id = $1 AND version = $15 AND status <> 'resolved'`,
		alert.ID,
		string(alert.Severity),
		alert.Severity.Rank(),
		string(alert.Status),
		alert.Summary,
		contextJSON,
		alert.Occurrences,
		alert.LastSeenAt.UTC(),
		nullableTime(alert.AcknowledgedAt),
		alert.AcknowledgedBy,
		nullableTime(alert.EscalatedAt),
		nullableTime(alert.ResolvedAt),
		alert.ResolvedBy,
		alert.ResolutionNotes,
		alert.Version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 1 {
		alert.Version++
		return nil
	}

	current, err := r.Get(ctx, alert.ID)
	switch {
	case err != nil:
		return err
	case current == nil:
		return alerts.ErrNotFound
	case current.Status == alerts.StatusResolved:
		return alerts.ErrImmutable
	default:
		return alerts.ErrConflict
	}
}

// List returns alerts matching filter, newest first.
func (r *AlertRepository) List(ctx context.Context, filter alerts.Filter) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	var (
		conditions []string
		args       []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(clause, len(args)))
	}
	if filter.StoreID != "" {
		add("store_id = $%d", filter.StoreID)
	}
	if filter.DeviceID != "" {
		add("device_id = $%d", filter.DeviceID)
	}
	if filter.Type != "" {
		add("type = $%d", string(filter.Type))
	}
	if filter.Severity != "" {
		add("severity = $%d", string(filter.Severity))
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.OpenOnly {
		conditions = append(conditions, "status <> 'resolved'")
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		add("created_at <= $%d", filter.Until.UTC())
	}

	query := `SELECT ` + alertColumns + ` FROM alerts`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.query(ctx, query, args...)
}

// ListEscalationCandidates returns active alerts of severity created at or before the cutoff.
func (r *AlertRepository) ListEscalationCandidates(ctx context.Context, severity alerts.Severity, createdBefore time.Time) ([]alerts.Alert, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("alert repo: nil db")
	}
	query := `SELECT ` + alertColumns + `
FROM alerts
WHERE status = 'active' AND severity = $1 AND created_at <= $2
ORDER BY created_at ASC`
	return r.query(ctx, query, string(severity), createdBefore.UTC())
}

func (r *AlertRepository) query(ctx context.Context, query string, args ...any) ([]alerts.Alert, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []alerts.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *alert)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type alertScanner interface {
	Scan(dest ...any) error
}

func scanAlert(row alertScanner, extra ...any) (*alerts.Alert, error) {
	var (
		alert                                 alerts.Alert
		alertType, severity, status           string
		contextJSON                           []byte
		acknowledgedAt, escalatedAt, resolved sql.NullTime
	)
	dest := []any{
		&alert.ID,
		&alert.DedupKey,
		&alert.DeviceID,
		&alert.StoreID,
		&alertType,
		&severity,
		&status,
		&alert.Summary,
		&contextJSON,
		&alert.Occurrences,
		&alert.CreatedAt,
		&alert.LastSeenAt,
		&acknowledgedAt,
		&alert.AcknowledgedBy,
		&escalatedAt,
		&resolved,
		&alert.ResolvedBy,
		&alert.ResolutionNotes,
		&alert.Version,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	alert.Type = alerts.Type(alertType)
	alert.Severity = alerts.Severity(severity)
	alert.Status = alerts.Status(status)
	if len(contextJSON) > 0 {
		if err := json.Unmarshal(contextJSON, &alert.Context); err != nil {
			return nil, fmt.Errorf("alert repo: decode context: %w", err)
		}
	}
	alert.CreatedAt = alert.CreatedAt.UTC()
	alert.LastSeenAt = alert.LastSeenAt.UTC()
	alert.AcknowledgedAt = timePtr(acknowledgedAt)
	alert.EscalatedAt = timePtr(escalatedAt)
	alert.ResolvedAt = timePtr(resolved)
	return &alert, nil
}

func marshalContext(ctx map[string]any) ([]byte, error) {
	if len(ctx) == 0 {
		return []byte(`{}`), nil
	}
	return json.Marshal(ctx)
}

func nullableTime(value *time.Time) sql.NullTime {
	if value == nil || value.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: value.UTC(), Valid: true}
}

func timePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
