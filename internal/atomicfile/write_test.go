package atomicfile

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

// assertNoTempFiles fails if any "*.tmp.*" file is left in dir.
func assertNoTempFiles(t *testing.T, dir string) {
	t.Helper()
	entries, _ := os.ReadDir(dir)
	for _, e := range entries {
		if matched, _ := filepath.Match("*.tmp.*", e.Name()); matched {
			t.Errorf("temp file left behind: %s", e.Name())
		}
	}
}

func TestWriteOverwrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "balances.json")

	if err := Write(path, []byte("original"), 0o644); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if err := Write(path, []byte("updated"), 0o600); err != nil {
		t.Fatalf("second Write: %v", err)
	}

	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if string(got) != "updated" {
		t.Errorf("content = %q, want %q", got, "updated")
	}
	assertNoTempFiles(t, dir)
}

func TestWriteMissingDirectory(t *testing.T) {
	root := t.TempDir()
	if err := Write(filepath.Join(root, "missing", "f.json"), []byte("x"), 0o644); err == nil {
		t.Fatal("expected error writing into a missing directory")
	}
	assertNoTempFiles(t, root)
}

func TestWriteJSON(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "doc.json")

	if err := WriteJSON(path, map[string]int{"u1": 7}, 0o644); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var got map[string]int
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if got["u1"] != 7 {
		t.Errorf("u1 = %d, want 7", got["u1"])
	}
}

func TestWriteJSONUnsupportedValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := WriteJSON(path, make(chan int), 0o644); err == nil {
		t.Fatal("expected marshal error for channel value")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("target should not exist after marshal failure, stat err = %v", err)
	}
}
