package capture

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/technosupport/ts-snaptunnel/internal/registry"
)

// Sensor metadata fields a device may carry to override the process-wide
// camera defaults.
const (
	FieldCamUser  = "CAM_USER"
	FieldCamPass  = "CAM_PASS"
	FieldRTSPPath = "RTSP_PATH"
)

// Profile is the resolved camera access profile for one capture. Ephemeral:
// assembled per capture, never persisted or logged with the password.
type Profile struct {
	CamUser  string
	CamPass  string
	RTSPPath string
}

// ResolveProfile overlays per-device sensor metadata on the process-wide
// defaults. The first sensor carrying a camera field wins; registries that
// attach camera credentials use a single camera sensor per device.
func ResolveProfile(meta registry.SensorMeta, defaults Profile) Profile {
	p := defaults
	for _, fields := range meta {
		if v := fields[FieldCamUser]; v != "" {
			p.CamUser = v
		}
		if v := fields[FieldCamPass]; v != "" {
			p.CamPass = v
		}
		if v := fields[FieldRTSPPath]; v != "" {
			p.RTSPPath = v
		}
	}
	return p
}

// RTSPURL points ffmpeg at the loopback proxy. Credentials go through
// userinfo escaping (a space is %20 there, never '+').
func (p Profile) RTSPURL(proxyPort int) string {
	u := url.URL{
		Scheme: "rtsp",
		User:   url.UserPassword(p.CamUser, p.CamPass),
		Host:   fmt.Sprintf("127.0.0.1:%d", proxyPort),
		Path:   p.RTSPPath,
	}
	return u.String()
}

var unsafeDeviceRunes = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// SafeDeviceID reduces a claimed device identity to ^[A-Za-z0-9._-]{1,64}$.
// Idempotent. Empty after stripping means the caller gets "unknown".
func SafeDeviceID(raw string) string {
	s := unsafeDeviceRunes.ReplaceAllString(strings.TrimSpace(raw), "")
	if len(s) > 64 {
		s = s[:64]
	}
	if s == "" {
		return "unknown"
	}
	return s
}
