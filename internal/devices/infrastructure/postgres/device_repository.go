package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	devices "edgefleet/internal/devices/domain"
)

const defaultDevicesTable = "devices"

const deviceColumns = `id, fingerprint_key, mac, serial, hostname, store_id, device_type, hardware,
	firmware_version, software, probe_url, config, active, registered_at, updated_at, last_seen_at, deactivated_at`

// DeviceRepository is a Postgres implementation for devices.
type DeviceRepository struct {
	db    DBTX
	table string
}

// DeviceOption configures the repository.
type DeviceOption func(*DeviceRepository)

// WithDeviceTable overrides the default table name.
func WithDeviceTable(table string) DeviceOption {
	return func(repo *DeviceRepository) {
		if table != "" {
			repo.table = table
		}
	}
}

// NewDeviceRepository constructs a repository.
func NewDeviceRepository(db DBTX, opts ...DeviceOption) *DeviceRepository {
	repo := &DeviceRepository{db: db, table: defaultDevicesTable}
	for _, opt := range opts {
		opt(repo)
	}
	return repo
}

// Upsert inserts or updates by fingerprint key in one statement.
func (r *DeviceRepository) Upsert(ctx context.Context, device *devices.Device) (string, bool, error) {
	if r == nil || r.db == nil {
		return "", false, errors.New("device repo: nil db")
	}
	if device == nil {
		return "", false, errors.New("device repo: nil device")
	}
	if err := device.Validate(); err != nil {
		return "", false, err
	}
	hardware, err := json.Marshal(device.Hardware)
	if err != nil {
		return "", false, err
	}
	software, err := json.Marshal(device.Software)
	if err != nil {
		return "", false, err
	}
	config, err := json.Marshal(device.Config)
	if err != nil {
		return "", false, err
	}

	query := fmt.Sprintf(`
INSERT INTO %s (
	id, fingerprint_key, mac, serial, hostname, store_id, device_type, hardware,
	firmware_version, software, probe_url, config, active, registered_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, TRUE, $13, $13
)
ON CONFLICT (fingerprint_key)
DO UPDATE SET
	mac = EXCLUDED.mac,
	serial = EXCLUDED.serial,
	hostname = EXCLUDED.hostname,
	store_id = EXCLUDED.store_id,
	device_type = EXCLUDED.device_type,
	hardware = EXCLUDED.hardware,
	firmware_version = EXCLUDED.firmware_version,
	software = EXCLUDED.software,
	probe_url = EXCLUDED.probe_url,
	config = EXCLUDED.config,
	active = TRUE,
	deactivated_at = NULL,
	updated_at = EXCLUDED.updated_at
RETURNING id, (xmax = 0) AS inserted`, r.table)

	var (
		id       string
		inserted bool
	)
	if err := r.db.QueryRowContext(ctx, query,
		device.ID,
		device.FingerprintKey,
		device.Fingerprint.MAC,
		device.Fingerprint.Serial,
		device.Fingerprint.Hostname,
		device.StoreID,
		device.DeviceType,
		hardware,
		device.FirmwareVersion,
		software,
		device.ProbeURL,
		config,
		device.RegisteredAt.UTC(),
	).Scan(&id, &inserted); err != nil {
		return "", false, err
	}
	return id, inserted, nil
}

// Get loads a device by id.
func (r *DeviceRepository) Get(ctx context.Context, id string) (*devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if id == "" {
		return nil, errors.New("device repo: empty id")
	}

	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE id = $1
LIMIT 1`, deviceColumns, r.table)

	device, err := scanDevice(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return device, nil
}

// ListByStore loads devices for a store.
func (r *DeviceRepository) ListByStore(ctx context.Context, storeID string) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	if storeID == "" {
		return nil, errors.New("device repo: empty store id")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE store_id = $1
ORDER BY id ASC`, deviceColumns, r.table)
	return r.list(ctx, query, storeID)
}

// ListActive loads every active device.
func (r *DeviceRepository) ListActive(ctx context.Context) ([]devices.Device, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
SELECT %s
FROM %s
WHERE active
ORDER BY id ASC`, deviceColumns, r.table)
	return r.list(ctx, query)
}

// Deactivate clears the active flag. The first deactivation time is kept.
func (r *DeviceRepository) Deactivate(ctx context.Context, id string, at time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET active = FALSE,
	deactivated_at = COALESCE(deactivated_at, $2),
	updated_at = CASE WHEN active THEN $2 ELSE updated_at END
WHERE id = $1`, r.table)
	res, err := r.db.ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// MarkSeen moves last_seen_at forward.
func (r *DeviceRepository) MarkSeen(ctx context.Context, id string, at time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("device repo: nil db")
	}
	query := fmt.Sprintf(`
UPDATE %s
SET last_seen_at = GREATEST(COALESCE(last_seen_at, $2), $2)
WHERE id = $1`, r.table)
	_, err := r.db.ExecContext(ctx, query, id, at.UTC())
	return err
}

func (r *DeviceRepository) list(ctx context.Context, query string, args ...any) ([]devices.Device, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []devices.Device
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *device)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*devices.Device, error) {
	var (
		device                     devices.Device
		hardware, software, config []byte
		lastSeenAt, deactivatedAt  sql.NullTime
	)
	if err := row.Scan(
		&device.ID,
		&device.FingerprintKey,
		&device.Fingerprint.MAC,
		&device.Fingerprint.Serial,
		&device.Fingerprint.Hostname,
		&device.StoreID,
		&device.DeviceType,
		&hardware,
		&device.FirmwareVersion,
		&software,
		&device.ProbeURL,
		&config,
		&device.Active,
		&device.RegisteredAt,
		&device.UpdatedAt,
		&lastSeenAt,
		&deactivatedAt,
	); err != nil {
		return nil, err
	}
	if len(hardware) > 0 {
		if err := json.Unmarshal(hardware, &device.Hardware); err != nil {
			return nil, fmt.Errorf("device repo: decode hardware: %w", err)
		}
	}
	if len(software) > 0 {
		if err := json.Unmarshal(software, &device.Software); err != nil {
			return nil, fmt.Errorf("device repo: decode software: %w", err)
		}
	}
	if len(config) > 0 {
		if err := json.Unmarshal(config, &device.Config); err != nil {
			return nil, fmt.Errorf("device repo: decode config: %w", err)
		}
	}
	device.RegisteredAt = device.RegisteredAt.UTC()
	device.UpdatedAt = device.UpdatedAt.UTC()
	if lastSeenAt.Valid {
		device.LastSeenAt = lastSeenAt.Time.UTC()
	}
	if deactivatedAt.Valid {
		device.DeactivatedAt = deactivatedAt.Time.UTC()
	}
	return &device, nil
}
