package events

import "time"

// Stage classifies where on the session lifecycle a failure happened.
type Stage string

const (
	StageHello   Stage = "hello"
	StageAuth    Stage = "auth"
	StageCapture Stage = "capture"
	StageProxy   Stage = "proxy"
	StageStore   Stage = "store"
	StageUnknown Stage = "unknown"
)

// Captured is emitted exactly once per successful ffmpeg exit.
type Captured struct {
	EventID       string    `json:"event_id"`
	SessionID     string    `json:"session_id"`
	DeviceID      string    `json:"device_id"`
	PayloadID     string    `json:"payload_id,omitempty"`
	Remote        string    `json:"remote"`
	LocalPath     string    `json:"local_path"`
	CapturedAt    time.Time `json:"captured_at"` // UTC
	TZOffsetHours *int      `json:"tz_offset_hours,omitempty"`
}

// Stored extends Captured with where the snapshot ended up.
type Stored struct {
	Captured
	Storage   string `json:"storage"`
	StoredURI string `json:"stored_uri"`
	Day       string `json:"day"` // YYYY-MM-DD
}

// Failed is emitted once per terminal session error.
type Failed struct {
	EventID   string `json:"event_id"`
	SessionID string `json:"session_id"`
	DeviceID  string `json:"device_id"`
	PayloadID string `json:"payload_id,omitempty"`
	Remote    string `json:"remote"`
	Stage     Stage  `json:"stage"`
	Err       string `json:"error"`
}
