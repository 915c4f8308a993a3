// Package identity generates and rotates synthetic, internally consistent
// client identities.
package identity

import (
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/aluiziolira/go-acquire/config"
)

// Platform is the operating system family a user agent claims.
type Platform string

const (
	PlatformUnknown Platform = ""
	PlatformWindows Platform = "windows"
	PlatformMacOS   Platform = "macos"
	PlatformLinux   Platform = "linux"
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

// Identity is an immutable client fingerprint handed out by the Pool.
type Identity struct {
	ID         string
	UserAgent  string
	Platform   Platform
	Viewport   config.Viewport
	Locale     string
	TimezoneID string
	Proxy      string
}

// Fingerprint is the attribute tuple without the ID. Two identities with the
// same fingerprint look identical to a server.
func (id Identity) Fingerprint() string {
	return fmt.Sprintf("%s|%dx%d|%s|%s|%s", id.UserAgent, id.Viewport.Width, id.Viewport.Height, id.Locale, id.TimezoneID, id.Proxy)
}

// PlatformOf derives the platform family from a user agent string. Order
// matters: Android UAs also contain "Linux" and iOS UAs contain "Mac OS X".
func PlatformOf(userAgent string) Platform {
	ua := strings.ToLower(userAgent)
	switch {
	case strings.Contains(ua, "android"):
		return PlatformAndroid
	case strings.Contains(ua, "iphone"), strings.Contains(ua, "ipad"):
		return PlatformIOS
	case strings.Contains(ua, "windows nt"):
		return PlatformWindows
	case strings.Contains(ua, "macintosh"), strings.Contains(ua, "mac os x"):
		return PlatformMacOS
	case strings.Contains(ua, "x11"), strings.Contains(ua, "linux"):
		return PlatformLinux
	default:
		return PlatformUnknown
	}
}

var chromeVersion = regexp.MustCompile(`Chrome/(\d+)`)

// Headers returns default request headers consistent with the identity.
func (id Identity) Headers() http.Header {
	h := http.Header{}
	h.Set("User-Agent", id.UserAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", acceptLanguage(id.Locale))
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	h.Set("Sec-Fetch-User", "?1")

	// Only Chromium sends client hints.
	if m := chromeVersion.FindStringSubmatch(id.UserAgent); m != nil && !strings.Contains(id.UserAgent, "Edg/") {
		h.Set("Sec-Ch-Ua", fmt.Sprintf(`"Chromium";v="%s", "Google Chrome";v="%s", "Not.A/Brand";v="99"`, m[1], m[1]))
		h.Set("Sec-Ch-Ua-Mobile", mobileHint(id.Platform))
		h.Set("Sec-Ch-Ua-Platform", fmt.Sprintf("%q", clientHintPlatform(id.Platform)))
	}
	return h
}

func acceptLanguage(locale string) string {
	if locale == "" {
		return "en-US,en;q=0.9"
	}
	lang, _, found := strings.Cut(locale, "-")
	if !found {
		return locale
	}
	return fmt.Sprintf("%s,%s;q=0.9", locale, lang)
}

func mobileHint(p Platform) string {
	if p == PlatformAndroid || p == PlatformIOS {
		return "?1"
	}
	return "?0"
}

func clientHintPlatform(p Platform) string {
	switch p {
	case PlatformWindows:
		return "Windows"
	case PlatformMacOS:
		return "macOS"
	case PlatformLinux:
		return "Linux"
	case PlatformAndroid:
		return "Android"
	case PlatformIOS:
		return "iOS"
	default:
		return "Unknown"
	}
}
