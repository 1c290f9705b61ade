package registry

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// DBTX is a common interface for *sql.DB and *sql.Tx.
type DBTX interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// PostgresStore reads the device registry over SQL. Schema is owned by the
// provisioning service; queries here must stay read-only.
type PostgresStore struct {
	DB DBTX
}

func NewPostgresStore(db DBTX) *PostgresStore {
	return &PostgresStore{DB: db}
}

func (s *PostgresStore) LookupDevice(ctx context.Context, id string) (*Device, error) {
	query := `
		SELECT identity, name, tz_offset_hours
		FROM devices
		WHERE identity = $1 AND deleted_at IS NULL`

	var d Device
	var tz sql.NullInt64
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&d.ID, &d.Name, &tz)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup device %s: %w", id, err)
	}
	if tz.Valid {
		v := int(tz.Int64)
		d.TZOffsetHours = &v
	}
	return &d, nil
}

func (s *PostgresStore) LookupCertificate(ctx context.Context, id string) (*Certificate, error) {
	query := `
		SELECT d.identity, c.pem
		FROM device_certificates c
		JOIN devices d ON d.id = c.device_id
		WHERE d.identity = $1 AND c.revoked_at IS NULL
		ORDER BY c.created_at DESC
		LIMIT 1`

	var c Certificate
	err := s.DB.QueryRowContext(ctx, query, id).Scan(&c.DeviceID, &c.PEM)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lookup certificate %s: %w", id, err)
	}
	return &c, nil
}

func (s *PostgresStore) LookupSensorMeta(ctx context.Context, id string) (SensorMeta, error) {
	query := `
		SELECT s.sensor_key, m.field, m.value
		FROM device_sensors s
		JOIN sensor_meta m ON m.sensor_id = s.id
		JOIN devices d ON d.id = s.device_id
		WHERE d.identity = $1`

	rows, err := s.DB.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("lookup sensors %s: %w", id, err)
	}
	defer rows.Close()

	meta := SensorMeta{}
	for rows.Next() {
		var key, field, value string
		if err := rows.Scan(&key, &field, &value); err != nil {
			return nil, fmt.Errorf("scan sensor row: %w", err)
		}
		if meta[key] == nil {
			meta[key] = map[string]string{}
		}
		meta[key][field] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sensor rows: %w", err)
	}
	return meta, nil
}
