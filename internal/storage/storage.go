package storage

import (
	"context"
	"time"
)

// Request is what the worker hands an adapter for one snapshot.
type Request struct {
	LocalPath  string
	DeviceID   string
	PayloadID  string
	CapturedAt time.Time
	Day        string // YYYY-MM-DD bucket, already tz-resolved
}

// Result reports where the snapshot landed. DeleteLocal lets an adapter veto
// removal of the local file (the local adapter is the file's new home).
type Result struct {
	Storage     string
	StoredURI   string
	DeleteLocal bool
}

// Adapter persists one snapshot. Implementations must be idempotent for the
// same Request: the core never retries, but an operator re-ingest might.
type Adapter interface {
	Store(ctx context.Context, req Request) (Result, error)
}

// Day buckets a capture timestamp into YYYY-MM-DD. When useDeviceTZ is set
// and the offset is a sane hour value, the day is taken in the device's
// local time; out-of-range offsets fall back to UTC.
func Day(capturedAt time.Time, tzOffsetHours *int, useDeviceTZ bool) string {
	t := capturedAt.UTC()
	if useDeviceTZ && tzOffsetHours != nil {
		if off := *tzOffsetHours; off >= -12 && off <= 14 {
			t = t.Add(time.Duration(off) * time.Hour)
		}
	}
	return t.Format("2006-01-02")
}
