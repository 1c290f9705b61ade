package registry

import (
	"context"
	"errors"
)

var ErrNotFound = errors.New("registry: record not found")

// Device is the registered identity of one edge unit.
type Device struct {
	ID            string `json:"id"`
	Name          string `json:"name"`
	TZOffsetHours *int   `json:"tz_offset_hours,omitempty"`
}

// Certificate holds the PEM used to verify the device's challenge signature.
type Certificate struct {
	DeviceID string
	PEM      string
}

// SensorMeta maps sensor key -> field -> value. The gateway only reads the
// CAM_USER / CAM_PASS / RTSP_PATH fields but the registry carries arbitrary
// per-sensor metadata.
type SensorMeta map[string]map[string]string

// Store is the read-only lookup collaborator. The gateway never writes to
// the registry and does not own its schema.
type Store interface {
	LookupDevice(ctx context.Context, id string) (*Device, error)
	LookupCertificate(ctx context.Context, id string) (*Certificate, error)
	LookupSensorMeta(ctx context.Context, id string) (SensorMeta, error)
}

// EmptyStore serves deployments without a registry (dev, REQUIRE_AUTH=0):
// every device is unknown, every capture falls back to process defaults.
type EmptyStore struct{}

func (EmptyStore) LookupDevice(ctx context.Context, id string) (*Device, error) {
	return nil, ErrNotFound
}

func (EmptyStore) LookupCertificate(ctx context.Context, id string) (*Certificate, error) {
	return nil, ErrNotFound
}

func (EmptyStore) LookupSensorMeta(ctx context.Context, id string) (SensorMeta, error) {
	return SensorMeta{}, nil
}
