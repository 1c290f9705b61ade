package registry

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupDevice(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"identity", "name", "tz_offset_hours"}).
		AddRow("devA", "Front Gate", int64(5))
	mock.ExpectQuery("SELECT identity, name, tz_offset_hours").
		WithArgs("devA").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	d, err := store.LookupDevice(context.Background(), "devA")
	require.NoError(t, err)
	assert.Equal(t, "devA", d.ID)
	assert.Equal(t, "Front Gate", d.Name)
	require.NotNil(t, d.TZOffsetHours)
	assert.Equal(t, 5, *d.TZOffsetHours)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLookupDeviceNullTZ(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"identity", "name", "tz_offset_hours"}).
		AddRow("devB", "Yard", nil)
	mock.ExpectQuery("SELECT identity, name, tz_offset_hours").
		WithArgs("devB").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	d, err := store.LookupDevice(context.Background(), "devB")
	require.NoError(t, err)
	assert.Nil(t, d.TZOffsetHours)
}

func TestLookupDeviceNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT identity, name, tz_offset_hours").
		WithArgs("nope").
		WillReturnError(sql.ErrNoRows)

	store := NewPostgresStore(db)
	_, err = store.LookupDevice(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLookupCertificate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"identity", "pem"}).
		AddRow("devA", "-----BEGIN PUBLIC KEY-----\nAAA\n-----END PUBLIC KEY-----\n")
	mock.ExpectQuery("SELECT d.identity, c.pem").
		WithArgs("devA").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	c, err := store.LookupCertificate(context.Background(), "devA")
	require.NoError(t, err)
	assert.Equal(t, "devA", c.DeviceID)
	assert.Contains(t, c.PEM, "PUBLIC KEY")
}

func TestLookupSensorMeta(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	rows := sqlmock.NewRows([]string{"sensor_key", "field", "value"}).
		AddRow("cam0", "CAM_USER", "root").
		AddRow("cam0", "CAM_PASS", "hunter2").
		AddRow("cam0", "RTSP_PATH", "/live/main").
		AddRow("temp0", "UNIT", "C")
	mock.ExpectQuery("SELECT s.sensor_key, m.field, m.value").
		WithArgs("devA").
		WillReturnRows(rows)

	store := NewPostgresStore(db)
	meta, err := store.LookupSensorMeta(context.Background(), "devA")
	require.NoError(t, err)
	assert.Equal(t, "root", meta["cam0"]["CAM_USER"])
	assert.Equal(t, "hunter2", meta["cam0"]["CAM_PASS"])
	assert.Equal(t, "C", meta["temp0"]["UNIT"])
}
