package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ParseDeviceContext derives display metadata and a stable fingerprint from
// the request's user agent and client IP. Parsing happens once at session
// creation; the result is stored denormalized on the session.
//
// The parser is intentionally coarse: browser family, OS family, and device
// class are enough for the active-sessions view. Authorization never reads
// these fields.
func ParseDeviceContext(userAgent, ipAddress string) DeviceContext {
	return DeviceContext{
		UserAgent:   userAgent,
		IPAddress:   ipAddress,
		Browser:     browserFamily(userAgent),
		OS:          osFamily(userAgent),
		DeviceClass: deviceClass(userAgent),
		Fingerprint: deviceFingerprint(userAgent, ipAddress),
	}
}

// deviceFingerprint hashes the user agent with the client IP into a short
// opaque token used to group activity from the same device.
func deviceFingerprint(userAgent, ipAddress string) string {
	sum := sha256.Sum256([]byte(userAgent + "|" + ipAddress))
	return hex.EncodeToString(sum[:8])
}

func browserFamily(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "edg/"), strings.Contains(lower, "edge/"):
		return "Edge"
	case strings.Contains(lower, "opr/"), strings.Contains(lower, "opera"):
		return "Opera"
	case strings.Contains(lower, "firefox/"):
		return "Firefox"
	case strings.Contains(lower, "chrome/"), strings.Contains(lower, "crios/"):
		return "Chrome"
	case strings.Contains(lower, "safari/"):
		return "Safari"
	case lower == "":
		return "Unknown"
	default:
		return "Other"
	}
}

func osFamily(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "windows"):
		return "Windows"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"):
		return "iOS"
	case strings.Contains(lower, "mac os"), strings.Contains(lower, "macintosh"):
		return "macOS"
	case strings.Contains(lower, "android"):
		return "Android"
	case strings.Contains(lower, "linux"):
		return "Linux"
	case lower == "":
		return "Unknown"
	default:
		return "Other"
	}
}

func deviceClass(ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"):
		return "tablet"
	case strings.Contains(lower, "mobile"), strings.Contains(lower, "iphone"), strings.Contains(lower, "android"):
		return "mobile"
	case lower == "":
		return "unknown"
	default:
		return "desktop"
	}
}
