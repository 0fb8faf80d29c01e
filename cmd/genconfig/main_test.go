package main

import (
	"reflect"
	"strings"
	"testing"

	"github.com/BurntSushi/toml"
	"tools.zach/dev/bumpmate/internal/config"
)

// ///////////////////////////////////////////////
// parseSectionPath Tests
// ///////////////////////////////////////////////

func TestParseSectionPath(t *testing.T) {
	tests := []struct {
		name    string
		section string
		want    []string
	}{
		{"single segment", "server", []string{"server"}},
		{"two segments", "presets.gentle", []string{"presets", "gentle"}},
		{"three segments", "a.b.c", []string{"a", "b", "c"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseSectionPath(tt.section)
			if len(got) != len(tt.want) {
				t.Fatalf("parseSectionPath(%q) returned %d segments, want %d", tt.section, len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("parseSectionPath(%q)[%d] = %q, want %q", tt.section, i, got[i], tt.want[i])
				}
			}
		})
	}
}

// ///////////////////////////////////////////////
// sectionName Tests
// ///////////////////////////////////////////////

func TestSectionName(t *testing.T) {
	tests := []struct {
		name    string
		section string
		want    string
	}{
		{"single segment", "server", "Server"},
		{"last of two", "page.patterns", "Patterns"},
		{"preset table", "presets.gentle", "Preset gentle"},
		{"already capitalized", "Server", "Server"},
		{"single char", "a", "A"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := sectionName(tt.section)
			if got != tt.want {
				t.Errorf("sectionName(%q) = %q, want %q", tt.section, got, tt.want)
			}
		})
	}
}

func TestSectionNameEmpty(t *testing.T) {
	// A trailing dot produces an empty last segment.
	got := sectionName("")
	if got != "" {
		t.Errorf("sectionName(%q) = %q, want empty string", "", got)
	}
}

// ///////////////////////////////////////////////
// injectOmitted Tests
// ///////////////////////////////////////////////

func TestInjectOmittedNoSection(t *testing.T) {
	// When sectionStack is empty, injectOmitted should be a no-op.
	var out []string
	emitted := map[string]bool{}
	injectOmitted(&out, nil, emitted)
	if len(out) != 0 {
		t.Errorf("injectOmitted with nil sectionStack produced %d lines, want 0", len(out))
	}
}

func TestInjectOmittedServer(t *testing.T) {
	// server.url is omitempty and empty by default, so the encoder skips it.
	var out []string
	emitted := map[string]bool{
		"server.timeout_seconds":       true,
		"server.stop_retry_max":        true,
		"server.ping_interval_seconds": true,
		"server.check_updates":         true,
	}
	injectOmitted(&out, []string{"server"}, emitted)

	joined := strings.Join(out, "\n")
	if !strings.Contains(joined, `# url = "https://worker.example.com"`) {
		t.Errorf("omitted server.url not injected as a comment:\n%s", joined)
	}
	if !emitted["server.url"] {
		t.Error("server.url not marked emitted")
	}
}

// ///////////////////////////////////////////////
// sectionDocKey Tests
// ///////////////////////////////////////////////

func TestSectionDocKey(t *testing.T) {
	if got := sectionDocKey("presets.gentle"); got != "" {
		t.Errorf("sectionDocKey(presets.gentle) = %q, want empty", got)
	}
	if got := sectionDocKey("presets"); got != "presets" {
		t.Errorf("sectionDocKey(presets) = %q, want presets", got)
	}
	if got := sectionDocKey("task"); got != "task" {
		t.Errorf("sectionDocKey(task) = %q, want task", got)
	}
}

// ///////////////////////////////////////////////
// render Tests
// ///////////////////////////////////////////////

func TestRender(t *testing.T) {
	out, err := render(config.ExampleConfig())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	text := string(out)

	for _, want := range []string{
		"# Bumpmate Configuration",
		"# ///// Server /////",
		"# Timeout for each HTTP request and for opening the worker channel.\ntimeout_seconds = 15",
		`# url = "https://worker.example.com"`,
		"# ///// Preset gentle /////",
		"[presets.gentle]",
	} {
		if !strings.Contains(text, want) {
			t.Errorf("rendered config missing %q", want)
		}
	}
	if strings.Contains(text, "\n  ") {
		t.Error("rendered config keeps encoder indentation")
	}
	if !strings.HasSuffix(text, "\n") || strings.HasSuffix(text, "\n\n") {
		t.Error("rendered config should end with exactly one newline")
	}
}

func TestRenderParsesBack(t *testing.T) {
	want := config.ExampleConfig()
	out, err := render(want)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	got := config.DefaultConfig()
	if err := toml.Unmarshal(out, got); err != nil {
		t.Fatalf("rendered config does not parse: %v", err)
	}
	if !reflect.DeepEqual(got.Presets, want.Presets) || !reflect.DeepEqual(got.Task, want.Task) {
		t.Errorf("round trip mismatch:\ngot  %+v %+v\nwant %+v %+v", got.Task, got.Presets, want.Task, want.Presets)
	}
	if err := got.Validate(); err != nil {
		t.Errorf("rendered config invalid: %v", err)
	}
}
