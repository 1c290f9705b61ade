package capture

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/technosupport/ts-snaptunnel/internal/metrics"
)

var ErrCamPassRequired = errors.New("CAM_PASS required")

// How long a killed ffmpeg gets to honor SIGTERM before SIGKILL.
const killGrace = 3 * time.Second

// Runner spawns one ffmpeg per capture. The RTSP input always points at the
// loopback proxy, never at a camera directly.
type Runner struct {
	FFmpegPath string
	OutDir     string
	ProxyPort  int
	Timeout    time.Duration
}

func NewRunner(outDir string, proxyPort int, timeout time.Duration) *Runner {
	return &Runner{
		FFmpegPath: "ffmpeg",
		OutDir:     outDir,
		ProxyPort:  proxyPort,
		Timeout:    timeout,
	}
}

// OutPath builds <OUT_DIR>/<safeDeviceID>/snap-<sanitized ISO>.jpg.
func (r *Runner) OutPath(deviceID string, at time.Time) string {
	stamp := at.UTC().Format(time.RFC3339)
	stamp = strings.NewReplacer(":", "-", ".", "-").Replace(stamp)
	return filepath.Join(r.OutDir, SafeDeviceID(deviceID), "snap-"+stamp+".jpg")
}

// Run blocks until ffmpeg exits, the timeout fires, or ctx is canceled.
// at names the output file and must be the same capture timestamp the caller
// later publishes. Success requires exit code 0 and a non-empty output file;
// anything else is an error suitable for a stage=capture failure event.
func (r *Runner) Run(ctx context.Context, deviceID string, profile Profile, at time.Time) (string, error) {
	if profile.CamPass == "" {
		return "", ErrCamPassRequired
	}

	outFile := r.OutPath(deviceID, at)
	if err := os.MkdirAll(filepath.Dir(outFile), 0o755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", profile.RTSPURL(r.ProxyPort),
		"-an",
		"-frames:v", "1",
		"-q:v", "3",
		"-update", "1",
		outFile,
	}

	cmd := exec.CommandContext(runCtx, r.FFmpegPath, args...)
	cmd.Stderr = os.Stderr
	// SIGTERM first so ffmpeg can flush; CommandContext falls back to Kill
	// via WaitDelay if it ignores the signal.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = killGrace

	started := time.Now()
	log.Printf("[Capture] %s: starting ffmpeg -> %s", deviceID, outFile)
	err := cmd.Run()
	metrics.CaptureDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return "", fmt.Errorf("ffmpeg failed (exit %d)", exitCode)
	}

	info, err := os.Stat(outFile)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("ffmpeg failed (exit 0): empty or missing output")
	}

	log.Printf("[Capture] %s: wrote %s (%d bytes)", deviceID, outFile, info.Size())
	return outFile, nil
}
