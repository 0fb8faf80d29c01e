// Package remote resolves the worker server's base URL and derives the
// websocket and HTTP endpoints from it.
//
// The base URL is chosen in order: the config value, the BUMPMATE_SERVER_URL
// environment variable, then the value baked in at build time via ldflags.
package remote

import (
	"fmt"
	"net/url"
	"os"
	"strings"
)

// Set at build time via:
//
//	-X tools.zach/dev/bumpmate/internal/remote.ldServerURL=...
var ldServerURL string

// EnvServerURL names the environment variable that overrides the build-time
// server URL.
const EnvServerURL = "BUMPMATE_SERVER_URL"

// Resolve picks the server base URL and validates it. The returned URL has
// no trailing slash.
func Resolve(configured string) (string, error) {
	candidates := []string{configured, os.Getenv(EnvServerURL), ldServerURL}
	for _, c := range candidates {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		u, err := url.Parse(c)
		if err != nil {
			return "", fmt.Errorf("parse server url %q: %w", c, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("server url %q: scheme must be http or https", c)
		}
		if u.Host == "" {
			return "", fmt.Errorf("server url %q: missing host", c)
		}
		return strings.TrimRight(c, "/"), nil
	}
	return "", fmt.Errorf("no server url configured (set server.url or %s)", EnvServerURL)
}

// WebSocketURL maps an http(s) base URL to its ws(s) equivalent.
func WebSocketURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https:"):
		return "wss:" + strings.TrimPrefix(base, "https:")
	case strings.HasPrefix(base, "http:"):
		return "ws:" + strings.TrimPrefix(base, "http:")
	default:
		return base
	}
}

// Join appends an absolute route to base.
func Join(base, route string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(route, "/")
}
