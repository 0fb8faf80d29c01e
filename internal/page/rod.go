package page

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"tools.zach/dev/bumpmate/internal/precheck"
)

// ErrNoStoreTab is returned when no open tab is on the store host.
var ErrNoStoreTab = errors.New("no tab open on the store host")

// probeJS reads the signed-in username and the store counters. Counters
// that cannot be found are reported as -1.
const probeJS = `() => {
	const first = (xpath) => document.evaluate(xpath, document, null,
		XPathResult.FIRST_ORDERED_NODE_TYPE, null).singleNodeValue;
	const num = (node) => {
		if (!node || !node.textContent) return -1;
		const digits = node.textContent.replace(/[^0-9]/g, "");
		return digits === "" ? -1 : parseInt(digits, 10);
	};
	const link = document.querySelector("a[href*='/likes/'][class*='navigationLink']") ||
		document.querySelector('a[data-testid="extendedLinkAnchor"]');
	const m = link && link.getAttribute("href").match(/^\/([^\/]+)\/likes\/$/);
	return {
		url: location.href,
		username: m ? m[1] : "",
		reviews: num(first("//button[@data-testid='buttonLink']//p[contains(text(), '(')]")),
		followers: num(first("//button[span[contains(text(), 'Followers')]]/span[last()]")),
		following: num(first("//button[span[contains(text(), 'Following')]]/span[last()]")),
	};
}`

// probeResult mirrors the object returned by probeJS.
type probeResult struct {
	URL       string `json:"url"`
	Username  string `json:"username"`
	Reviews   int    `json:"reviews"`
	Followers int    `json:"followers"`
	Following int    `json:"following"`
}

func toCount(n int) precheck.Count {
	if n < 0 {
		return precheck.Count{}
	}
	return precheck.Known(n)
}

// ///////////////////////////////////////////////
// Rod Source
// ///////////////////////////////////////////////

// RodSource reads snapshots from a store tab in a Chrome instance reached
// over the DevTools protocol.
type RodSource struct {
	browser    *rod.Browser
	page       *rod.Page
	classifier *Classifier
	// fallbackIdentity is used when the page does not expose a username.
	fallbackIdentity string
	// cancel drops the DevTools connection.
	cancel context.CancelFunc

	mu       sync.Mutex
	identity string
}

// ConnectRod attaches to the browser at controlURL and picks the first tab
// on the classifier's host.
func ConnectRod(ctx context.Context, controlURL string, c *Classifier, fallbackIdentity string) (*RodSource, error) {
	ctx, cancel := context.WithCancel(ctx)
	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		cancel()
		return nil, fmt.Errorf("connect to browser: %w", err)
	}

	pages, err := browser.Pages()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("list tabs: %w", err)
	}
	for _, p := range pages {
		info, err := p.Info()
		if err != nil {
			continue
		}
		if strings.Contains(strings.ToLower(info.URL), "://"+c.host) {
			slog.Info("attached to store tab", "url", info.URL, "target", p.TargetID)
			return &RodSource{browser: browser, page: p, classifier: c, fallbackIdentity: fallbackIdentity, cancel: cancel}, nil
		}
	}
	cancel()
	return nil, ErrNoStoreTab
}

// Snapshot probes the tab for its URL, user and counters, and collects the
// session cookies for the worker.
func (s *RodSource) Snapshot(ctx context.Context) (Snapshot, error) {
	res, err := s.page.Context(ctx).Evaluate(&rod.EvalOptions{
		JS:           probeJS,
		ByValue:      true,
		AwaitPromise: true,
	})
	if err != nil {
		return Snapshot{}, fmt.Errorf("probe page: %w", err)
	}
	raw, err := res.Value.MarshalJSON()
	if err != nil {
		return Snapshot{}, fmt.Errorf("probe result: %w", err)
	}
	var pr probeResult
	if err := json.Unmarshal(raw, &pr); err != nil {
		return Snapshot{}, fmt.Errorf("decode probe result: %w", err)
	}

	identity := s.rememberIdentity(pr.Username)
	snap := Snapshot{
		Context: s.classifier.Classify(pr.URL, identity),
		Counts: precheck.Counts{
			Reviews:   toCount(pr.Reviews),
			Followers: toCount(pr.Followers),
			Following: toCount(pr.Following),
		},
	}

	cookies, err := proto.NetworkGetCookies{}.Call(s.page)
	if err != nil {
		slog.Warn("failed to read cookies", "error", err)
	} else if b, err := json.Marshal(cookies.Cookies); err == nil {
		snap.Cookies = string(b)
	}
	return snap, nil
}

// rememberIdentity stores a detected username and returns the identity to
// use, falling back to the last detected one and then the configured one.
func (s *RodSource) rememberIdentity(detected string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if detected != "" {
		s.identity = detected
	}
	if s.identity != "" {
		return s.identity
	}
	return s.fallbackIdentity
}

// Watch reports main-frame navigations to onNavigate and the tab closing
// to onTeardown. It blocks until ctx is done or the tab is destroyed.
func (s *RodSource) Watch(ctx context.Context, onNavigate func(Context), onTeardown func()) error {
	if err := (proto.TargetSetDiscoverTargets{Discover: true}).Call(s.browser); err != nil {
		return fmt.Errorf("enable target discovery: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	waitNav := s.page.Context(ctx).EachEvent(func(ev *proto.PageFrameNavigated) {
		if ev.Frame.ParentID != "" {
			return
		}
		s.mu.Lock()
		identity := s.identity
		s.mu.Unlock()
		if identity == "" {
			identity = s.fallbackIdentity
		}
		onNavigate(s.classifier.Classify(ev.Frame.URL, identity))
	})
	waitGone := s.browser.Context(ctx).EachEvent(func(ev *proto.TargetTargetDestroyed) bool {
		if ev.TargetID != s.page.TargetID {
			return false
		}
		onTeardown()
		return true
	})

	go waitNav()
	waitGone()
	return ctx.Err()
}

// Close detaches from the browser. The user's browser and tabs stay open.
func (s *RodSource) Close() {
	s.cancel()
}
