package capture

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeFakeFFmpeg drops a shell script standing in for ffmpeg. The output
// file is always the last argument.
func writeFakeFFmpeg(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake ffmpeg script requires a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func TestOutPath(t *testing.T) {
	r := NewRunner("/snaps", 8554, time.Second)
	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)

	p := r.OutPath("devA", at)
	assert.Equal(t, filepath.Join("/snaps", "devA", "snap-2026-08-25T10-30-00Z.jpg"), p)

	// Device id is sanitized before it becomes a path element.
	p = r.OutPath("../../etc", at)
	assert.Equal(t, filepath.Join("/snaps", "....etc", "snap-2026-08-25T10-30-00Z.jpg"), p)
}

func TestRunRequiresCamPass(t *testing.T) {
	r := NewRunner(t.TempDir(), 8554, time.Second)
	_, err := r.Run(context.Background(), "devA", Profile{CamUser: "admin", RTSPPath: "/s"}, time.Now())
	assert.ErrorIs(t, err, ErrCamPassRequired)
}

func TestRunSuccess(t *testing.T) {
	r := NewRunner(t.TempDir(), 8554, 5*time.Second)
	r.FFmpegPath = writeFakeFFmpeg(t, `for a; do out=$a; done; printf jpegbytes > "$out"`)

	at := time.Date(2026, 8, 25, 10, 30, 0, 0, time.UTC)
	path, err := r.Run(context.Background(), "devA", Profile{CamUser: "admin", CamPass: "pw", RTSPPath: "/s"}, at)
	require.NoError(t, err)

	// The filename carries the caller's capture timestamp, not a second clock
	// read taken inside the run.
	assert.Equal(t, r.OutPath("devA", at), path)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Greater(t, info.Size(), int64(0))
}

func TestRunNonZeroExit(t *testing.T) {
	r := NewRunner(t.TempDir(), 8554, 5*time.Second)
	r.FFmpegPath = writeFakeFFmpeg(t, "exit 7")

	_, err := r.Run(context.Background(), "devA", Profile{CamUser: "admin", CamPass: "pw", RTSPPath: "/s"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg failed (exit 7)")
}

func TestRunEmptyOutput(t *testing.T) {
	r := NewRunner(t.TempDir(), 8554, 5*time.Second)
	r.FFmpegPath = writeFakeFFmpeg(t, `for a; do out=$a; done; : > "$out"`)

	_, err := r.Run(context.Background(), "devA", Profile{CamUser: "admin", CamPass: "pw", RTSPPath: "/s"}, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty or missing")
}

func TestRunWatchdogTimeout(t *testing.T) {
	r := NewRunner(t.TempDir(), 8554, 200*time.Millisecond)
	r.FFmpegPath = writeFakeFFmpeg(t, "sleep 30")

	start := time.Now()
	_, err := r.Run(context.Background(), "devA", Profile{CamUser: "admin", CamPass: "pw", RTSPPath: "/s"}, start)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ffmpeg failed")
	assert.Less(t, time.Since(start), 10*time.Second)
}
