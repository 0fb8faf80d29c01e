// Package update compares this client's version with the release manifest
// published by the worker.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"tools.zach/dev/bumpmate/internal/paths"
	"tools.zach/dev/bumpmate/internal/remote"
)

// Manifest is the worker's release manifest.
type Manifest struct {
	// Latest is the newest published client version.
	Latest string `json:"latest"`
	// Minimum is the oldest client version the worker still accepts tasks
	// from. Empty means any.
	Minimum string `json:"minimum,omitempty"`
}

// Result is the outcome of a version check.
type Result struct {
	Current string
	Latest  string
	// Newer is set when Latest is ahead of Current.
	Newer bool
	// Unsupported is set when Current is below the manifest minimum.
	Unsupported bool
}

// ///////////////////////////////////////////////
// Public API
// ///////////////////////////////////////////////

// Check fetches the release manifest from the worker at base and logs when
// a newer version is available. Failures are logged at debug and reported
// as an error; callers treat them as non-fatal.
func Check(ctx context.Context, base, current string) (Result, error) {
	res := Result{Current: current}
	if base == "" {
		slog.Debug("skipping version check: no server URL configured")
		return res, nil
	}
	m, err := fetchManifest(ctx, remote.Join(base, paths.ReleaseManifest))
	if err != nil {
		slog.Debug("version check failed", "error", err)
		return res, err
	}
	res.Latest = m.Latest
	res.Newer = m.Latest != "" && m.Latest != current && semverLess(current, m.Latest)
	res.Unsupported = m.Minimum != "" && semverLess(current, m.Minimum)

	switch {
	case res.Unsupported:
		slog.Warn("client version no longer supported by the worker, please update", "current", current, "minimum", m.Minimum, "latest", m.Latest)
	case res.Newer:
		slog.Info("new version available", "current", current, "latest", m.Latest)
	}
	return res, nil
}

// ///////////////////////////////////////////////
// Internal helpers
// ///////////////////////////////////////////////

// fetchManifest downloads and decodes the release manifest with a single
// attempt.
func fetchManifest(ctx context.Context, url string) (Manifest, error) {
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.HTTPClient.Timeout = 5 * time.Second
	client.Logger = nil

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Manifest{}, fmt.Errorf("build GET %s: %w", url, err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return Manifest{}, fmt.Errorf("GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Manifest{}, fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Manifest{}, fmt.Errorf("reading response: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return Manifest{}, fmt.Errorf("parsing manifest: %w", err)
	}
	return m, nil
}

// semverLess returns true if a < b using simple numeric comparison.
// Handles versions like "0.1.0", "1.2.3". Non-semver strings are not compared.
// Per semver, a pre-release version is less than the same version without one
// (e.g., "0.1.0-dev" < "0.1.0").
func semverLess(a, b string) bool {
	pa := parseSemver(a)
	pb := parseSemver(b)
	if pa == nil || pb == nil {
		return false
	}
	for i := range 3 {
		if pa[i] < pb[i] {
			return true
		}
		if pa[i] > pb[i] {
			return false
		}
	}
	// Numeric parts are equal; a pre-release version is less than a release.
	aPre := hasPreRelease(a)
	bPre := hasPreRelease(b)
	if aPre && !bPre {
		return true
	}
	return false
}

// hasPreRelease reports whether a version string contains a pre-release suffix
// (e.g., "0.1.0-dev" or "v1.0.0-beta+build").
func hasPreRelease(s string) bool {
	s = strings.TrimPrefix(s, "v")
	return strings.ContainsAny(s, "-")
}

// parseSemver splits a version string like "v1.2.3" or "0.1.0-dev" into a
// three-element int slice [major, minor, patch]. Pre-release suffixes after
// "-" or "+" are stripped. Returns nil if the string is not valid semver.
func parseSemver(s string) []int {
	s = strings.TrimPrefix(s, "v")
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return nil
	}
	result := make([]int, 3)
	for i, p := range parts {
		// Strip pre-release suffixes (e.g., "0-dev+abc")
		if idx := strings.IndexAny(p, "-+"); idx >= 0 {
			p = p[:idx]
		}
		n := 0
		for _, c := range p {
			if c < '0' || c > '9' {
				return nil
			}
			n = n*10 + int(c-'0')
		}
		result[i] = n
	}
	return result
}
