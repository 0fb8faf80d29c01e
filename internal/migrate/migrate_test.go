package migrate

import (
	"errors"
	"strings"
	"testing"
)

// ///////////////////////////////////////////////
// Run
// ///////////////////////////////////////////////

func appendTag(tag string) func([]byte) ([]byte, error) {
	return func(d []byte) ([]byte, error) { return append(d, tag...), nil }
}

func TestRunAppliesInVersionOrder(t *testing.T) {
	migrations := []Migration{
		{Version: 3, Description: "v2->v3", Upgrade: appendTag("-v3")},
		{Version: 2, Description: "v1->v2", Upgrade: appendTag("-v2")},
	}
	out, version, err := Run([]byte("data"), 1, migrations)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if version != 3 {
		t.Errorf("version = %d, want 3", version)
	}
	if string(out) != "data-v2-v3" {
		t.Errorf("out = %q, want %q", out, "data-v2-v3")
	}
}

func TestRunSkipsAppliedVersions(t *testing.T) {
	migrations := []Migration{{Version: 1, Description: "old", Upgrade: func([]byte) ([]byte, error) {
		t.Fatal("migration at current version should not run")
		return nil, nil
	}}}
	out, version, err := Run([]byte("data"), 1, migrations)
	if err != nil || version != 1 || string(out) != "data" {
		t.Fatalf("Run = (%q, %d, %v), want (data, 1, nil)", out, version, err)
	}
}

func TestRunStopsOnError(t *testing.T) {
	migrations := []Migration{
		{Version: 2, Description: "ok", Upgrade: appendTag("-v2")},
		{Version: 3, Description: "fails", Upgrade: func([]byte) ([]byte, error) { return nil, errors.New("boom") }},
	}
	_, version, err := Run([]byte("data"), 1, migrations)
	if err == nil || !strings.Contains(err.Error(), "migration to v3 failed: boom") {
		t.Fatalf("err = %v, want wrapped v3 failure", err)
	}
	if version != 2 {
		t.Errorf("version = %d, want 2", version)
	}
}

// ///////////////////////////////////////////////
// Registry
// ///////////////////////////////////////////////

func TestRegistryRegisterDuplicatePanics(t *testing.T) {
	r := &Registry{CurrentVersion: 2}
	r.Register(Migration{Version: 2, Description: "first", Upgrade: appendTag("")})
	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate version")
		}
	}()
	r.Register(Migration{Version: 2, Description: "second", Upgrade: appendTag("")})
}

func TestRegistryStaleAndRun(t *testing.T) {
	r := &Registry{CurrentVersion: 2}
	r.Register(Migration{Version: 2, Description: "v1->v2", Upgrade: appendTag("+")})
	if !r.Stale(1) || r.Stale(2) {
		t.Errorf("Stale(1)=%v Stale(2)=%v, want true false", r.Stale(1), r.Stale(2))
	}
	out, v, err := r.Run([]byte("x"), 1)
	if err != nil || v != 2 || string(out) != "x+" {
		t.Errorf("Run = (%q, %d, %v), want (x+, 2, nil)", out, v, err)
	}
}
