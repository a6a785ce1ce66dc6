package device

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Repository is the persistence interface for device records.
type Repository interface {
	// GetByID returns ErrDeviceNotFound for unknown ids.
	GetByID(ctx context.Context, id string) (*Device, error)

	List(ctx context.Context) ([]Device, error)

	// ListByHub returns the sub-devices recorded under a hub.
	ListByHub(ctx context.Context, hubID string) ([]Device, error)

	// Save inserts or replaces a record. CreatedAt is preserved on update.
	Save(ctx context.Context, d *Device) error

	// Delete returns ErrDeviceNotFound for unknown ids.
	Delete(ctx context.Context, id string) error

	// UpdateState writes only the state column.
	UpdateState(ctx context.Context, id string, state State) error

	// UpdateHealth writes the health status and last-seen time.
	UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error
}

// SQLiteRepository implements Repository on the devices table.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository returns a repository over an open, migrated database.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

const selectColumns = `
	SELECT id, name, device_type, family, host, port, serial, firmware, mac,
		hub_id, state, health_status, health_last_seen, created_at, updated_at
	FROM devices`

// GetByID retrieves a device by id.
func (r *SQLiteRepository) GetByID(ctx context.Context, id string) (*Device, error) {
	d, err := scanDevice(r.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrDeviceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying device %s: %w", id, err)
	}
	return d, nil
}

// List retrieves all devices ordered by id.
func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	return r.query(ctx, selectColumns+" ORDER BY id")
}

// ListByHub retrieves all sub-devices of a hub.
func (r *SQLiteRepository) ListByHub(ctx context.Context, hubID string) ([]Device, error) {
	return r.query(ctx, selectColumns+" WHERE hub_id = ? ORDER BY id", hubID)
}

// Save upserts a device.
func (r *SQLiteRepository) Save(ctx context.Context, d *Device) error {
	if err := d.Validate(); err != nil {
		return err
	}
	stateJSON, err := json.Marshal(stateOrEmpty(d.State))
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}

	now := time.Now().UTC()
	if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	if d.HealthStatus == "" {
		d.HealthStatus = HealthStatusUnknown
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO devices (
			id, name, device_type, family, host, port, serial, firmware, mac,
			hub_id, state, health_status, health_last_seen, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			device_type = excluded.device_type,
			family = excluded.family,
			host = excluded.host,
			port = excluded.port,
			serial = excluded.serial,
			firmware = excluded.firmware,
			mac = excluded.mac,
			hub_id = excluded.hub_id,
			state = excluded.state,
			health_status = excluded.health_status,
			health_last_seen = excluded.health_last_seen,
			updated_at = excluded.updated_at`,
		d.ID, d.Name, d.DeviceType, d.Family, d.Host, d.Port, d.Serial, d.Firmware, d.MAC,
		nullableString(d.HubID), string(stateJSON), string(d.HealthStatus), nullableTime(d.HealthLastSeen),
		d.CreatedAt.Format(time.RFC3339), d.UpdatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving device %s: %w", d.ID, err)
	}
	return nil
}

// Delete removes a device.
func (r *SQLiteRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, "DELETE FROM devices WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("deleting device %s: %w", id, err)
	}
	return requireRow(res)
}

// UpdateState replaces the stored state.
func (r *SQLiteRepository) UpdateState(ctx context.Context, id string, state State) error {
	stateJSON, err := json.Marshal(stateOrEmpty(state))
	if err != nil {
		return fmt.Errorf("marshalling state: %w", err)
	}
	res, err := r.db.ExecContext(ctx,
		"UPDATE devices SET state = ?, updated_at = ? WHERE id = ?",
		string(stateJSON), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating state for %s: %w", id, err)
	}
	return requireRow(res)
}

// UpdateHealth records the health status.
func (r *SQLiteRepository) UpdateHealth(ctx context.Context, id string, status HealthStatus, lastSeen time.Time) error {
	res, err := r.db.ExecContext(ctx,
		"UPDATE devices SET health_status = ?, health_last_seen = ?, updated_at = ? WHERE id = ?",
		string(status), lastSeen.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("updating health for %s: %w", id, err)
	}
	return requireRow(res)
}

func (r *SQLiteRepository) query(ctx context.Context, q string, args ...any) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning device: %w", err)
		}
		out = append(out, *d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating devices: %w", err)
	}
	return out, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*Device, error) {
	var (
		d                    Device
		hubID, lastSeen      sql.NullString
		stateJSON, health    string
		createdAt, updatedAt string
	)
	err := row.Scan(&d.ID, &d.Name, &d.DeviceType, &d.Family, &d.Host, &d.Port,
		&d.Serial, &d.Firmware, &d.MAC, &hubID, &stateJSON, &health, &lastSeen,
		&createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	d.HealthStatus = HealthStatus(health)
	if hubID.Valid {
		d.HubID = &hubID.String
	}
	if lastSeen.Valid {
		if t, err := time.Parse(time.RFC3339, lastSeen.String); err == nil {
			d.HealthLastSeen = &t
		}
	}
	if d.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	if err := json.Unmarshal([]byte(stateJSON), &d.State); err != nil {
		return nil, fmt.Errorf("unmarshalling state: %w", err)
	}
	return &d, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		return ErrDeviceNotFound
	}
	return nil
}

func stateOrEmpty(s State) State {
	if s == nil {
		return State{}
	}
	return s
}

func nullableString(s *string) sql.NullString {
	if s == nil || *s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}
