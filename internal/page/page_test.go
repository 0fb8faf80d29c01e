package page

import (
	"context"
	"testing"

	"tools.zach/dev/bumpmate/internal/action"
	"tools.zach/dev/bumpmate/internal/precheck"
)

// ///////////////////////////////////////////////
// Classifier Tests
// ///////////////////////////////////////////////

func TestStoreHandle(t *testing.T) {
	c, err := NewClassifier("", nil)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	tests := []struct {
		url  string
		want string
	}{
		{"https://www.depop.com/alice/", "alice"},
		{"https://www.depop.com/alice", "alice"},
		{"https://www.depop.com/alice/selling/", "alice"},
		{"https://www.depop.com/alice/sold", "alice"},
		{"https://www.depop.com/al_ice-2/likes/", "al_ice-2"},
		{"https://WWW.DEPOP.COM/alice/", "alice"},
		{"https://www.depop.com/alice/?utm=x", "alice"},
		{"https://www.depop.com/alice/saved/", ""},
		{"https://www.depop.com/products/alice-shirt/extra/", ""},
		{"https://www.depop.com/", ""},
		{"http://www.depop.com/alice/", ""},
		{"https://depop.com/alice/", ""},
		{"https://www.example.com/alice/", ""},
		{"https://www.depop.com/al%20ice/", ""},
		{"::not a url", ""},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			if got := c.StoreHandle(tt.url); got != tt.want {
				t.Errorf("StoreHandle(%q) = %q, want %q", tt.url, got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	c, err := NewClassifier("", nil)
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}

	tests := []struct {
		name      string
		url       string
		identity  string
		wantKind  action.PageKind
		wantValid bool
	}{
		{"own store", "https://www.depop.com/alice/", "alice", action.PageOwnStore, true},
		{"own store case-insensitive", "https://www.depop.com/Alice/likes/", "alice", action.PageOwnStore, true},
		{"other store", "https://www.depop.com/bob/", "alice", action.PageOtherStore, true},
		{"search page", "https://www.depop.com/search/?q=x", "alice", action.PageNone, false},
		{"store without identity", "https://www.depop.com/bob/", "", action.PageOtherStore, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := c.Classify(tt.url, tt.identity)
			if got.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", got.Kind, tt.wantKind)
			}
			if got.ValidTarget() != tt.wantValid {
				t.Errorf("ValidTarget() = %v, want %v", got.ValidTarget(), tt.wantValid)
			}
		})
	}
}

func TestCustomPatterns(t *testing.T) {
	c, err := NewClassifier("shop.example.com", []string{"/stores/*", "/stores/*/"})
	if err != nil {
		t.Fatalf("NewClassifier: %v", err)
	}
	// Handle is always the first path segment.
	if got := c.StoreHandle("https://shop.example.com/stores/alice"); got != "stores" {
		t.Errorf("StoreHandle = %q, want %q", got, "stores")
	}
	if got := c.StoreHandle("https://shop.example.com/alice/"); got != "" {
		t.Errorf("StoreHandle outside patterns = %q, want empty", got)
	}
}

func TestNewClassifierRejectsBadPattern(t *testing.T) {
	if _, err := NewClassifier("", []string{"/[a-"}); err == nil {
		t.Error("NewClassifier accepted an invalid pattern")
	}
}

// ///////////////////////////////////////////////
// Source Tests
// ///////////////////////////////////////////////

func TestStatic(t *testing.T) {
	s := NewStatic(Snapshot{})
	want := Snapshot{
		Context: Context{URL: "https://www.depop.com/alice/", Identity: "alice", Store: "alice", Kind: action.PageOwnStore},
		Counts:  precheck.Counts{Followers: precheck.Known(4)},
	}
	s.Set(want)
	got, err := s.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if got.Context != want.Context || got.Counts != want.Counts {
		t.Errorf("Snapshot() = %+v, want %+v", got, want)
	}
}

func TestToCount(t *testing.T) {
	if c := toCount(-1); c.Known {
		t.Error("toCount(-1) reported a known count")
	}
	if c := toCount(0); !c.Known || c.Positive() {
		t.Errorf("toCount(0) = %+v, want known zero", c)
	}
}
