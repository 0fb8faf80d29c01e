// Package page classifies the browser's current page and supplies the
// read-only counters the start checks consult.
package page

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/precheck"
)

// DefaultHost is the marketplace host store pages live on.
const DefaultHost = "www.depop.com"

// DefaultStorePatterns match a store root and its selling, sold and likes
// tabs, with or without a trailing slash.
var DefaultStorePatterns = []string{"/*", "/*/", "/*/{selling,sold,likes}", "/*/{selling,sold,likes}/"}

// handleRe is the accepted shape of a store handle.
var handleRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// reserved are first path segments that belong to site pages, not stores.
var reserved = map[string]bool{
	"search": true, "explore": true, "category": true, "products": true,
	"sell": true, "messages": true, "settings": true, "login": true, "signup": true,
}

// ///////////////////////////////////////////////
// Context
// ///////////////////////////////////////////////

// Context describes the page the browser is showing.
type Context struct {
	URL string `json:"url"`
	// Identity is the signed-in username the worker registers under.
	Identity string `json:"identity"`
	// Store is the handle of the store being viewed, empty off-store.
	Store string          `json:"store,omitempty"`
	Kind  action.PageKind `json:"kind"`
}

// ValidTarget reports whether actions can run against the page.
func (c Context) ValidTarget() bool {
	return c.Kind != action.PageNone && c.Kind != "" && c.Identity != ""
}

// Snapshot is a point-in-time read of the page.
type Snapshot struct {
	Context
	Counts precheck.Counts `json:"counts"`
	// Cookies is the serialized session cookie jar forwarded to the worker.
	Cookies string `json:"-"`
}

// Source supplies page snapshots on demand.
type Source interface {
	Snapshot(ctx context.Context) (Snapshot, error)
}

// ///////////////////////////////////////////////
// Classifier
// ///////////////////////////////////////////////

// Classifier maps URLs to page contexts.
type Classifier struct {
	host     string
	patterns []string
}

// NewClassifier validates patterns and returns a classifier for host. Empty
// arguments select [DefaultHost] and [DefaultStorePatterns].
func NewClassifier(host string, patterns []string) (*Classifier, error) {
	if host == "" {
		host = DefaultHost
	}
	if len(patterns) == 0 {
		patterns = DefaultStorePatterns
	}
	for _, p := range patterns {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid store pattern %q", p)
		}
	}
	return &Classifier{host: strings.ToLower(host), patterns: patterns}, nil
}

// StoreHandle returns the store handle in rawURL, or "" when rawURL is not
// a store page on the configured host.
func (c *Classifier) StoreHandle(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Scheme != "https" || strings.ToLower(u.Host) != c.host {
		return ""
	}
	path := u.EscapedPath()
	matched := false
	for _, p := range c.patterns {
		if ok, _ := doublestar.Match(p, path); ok {
			matched = true
			break
		}
	}
	if !matched {
		return ""
	}
	handle, _, _ := strings.Cut(strings.TrimPrefix(path, "/"), "/")
	if !handleRe.MatchString(handle) || reserved[strings.ToLower(handle)] {
		return ""
	}
	return handle
}

// Classify builds the context for rawURL as seen by the user identity.
func (c *Classifier) Classify(rawURL, identity string) Context {
	ctx := Context{URL: rawURL, Identity: identity, Kind: action.PageNone}
	handle := c.StoreHandle(rawURL)
	if handle == "" {
		return ctx
	}
	ctx.Store = handle
	if identity != "" && strings.EqualFold(handle, identity) {
		ctx.Kind = action.PageOwnStore
	} else {
		ctx.Kind = action.PageOtherStore
	}
	return ctx
}

// ///////////////////////////////////////////////
// Static Source
// ///////////////////////////////////////////////

// Static is a [Source] whose snapshot is pushed in by the caller, used when
// page reports arrive over the control API instead of from a browser.
type Static struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewStatic returns a source holding snap.
func NewStatic(snap Snapshot) *Static {
	return &Static{snap: snap}
}

// Snapshot returns the last stored snapshot.
func (s *Static) Snapshot(context.Context) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap, nil
}

// Set replaces the stored snapshot.
func (s *Static) Set(snap Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
}
