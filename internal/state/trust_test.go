package state

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestTrustStoreLifecycle(t *testing.T) {
	dir := t.TempDir()
	ts := NewTrustStore(dir)

	fp, err := ts.Get("10.0.0.1:4455")
	if err != nil {
		t.Fatalf("Get on empty store: %v", err)
	}
	if fp != "" {
		t.Fatal("expected no pin on empty store")
	}

	if err := ts.Set("10.0.0.1:4455", "aabb"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := ts.Set("10.0.0.2:4455", "ccdd"); err != nil {
		t.Fatalf("Set: %v", err)
	}

	fp, err = ts.Get("10.0.0.1:4455")
	if err != nil || fp != "aabb" {
		t.Fatalf("Get after Set: %q, %v", fp, err)
	}

	entries, err := ts.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[0].Addr != "10.0.0.1:4455" || entries[1].Addr != "10.0.0.2:4455" {
		t.Fatalf("unexpected list: %+v", entries)
	}

	removed, err := ts.Remove("10.0.0.1:4455")
	if err != nil || !removed {
		t.Fatalf("Remove: %v, removed=%v", err, removed)
	}
	removed, err = ts.Remove("10.0.0.1:4455")
	if err != nil || removed {
		t.Fatalf("second Remove should be a no-op: %v, removed=%v", err, removed)
	}

	// A fresh store over the same directory sees the persisted state.
	fp, err = NewTrustStore(dir).Get("10.0.0.2:4455")
	if err != nil || fp != "ccdd" {
		t.Fatalf("reload: %q, %v", fp, err)
	}
}

func TestTrustFileFormat(t *testing.T) {
	dir := t.TempDir()
	ts := NewTrustStore(dir)
	if err := ts.Set("host:1", "ff00"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(dir, "trust.json"))
	if err != nil {
		t.Fatalf("read trust.json: %v", err)
	}
	var parsed struct {
		Servers map[string]string `json:"servers"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("trust.json is not valid JSON: %v", err)
	}
	if parsed.Servers["host:1"] != "ff00" {
		t.Fatalf("unexpected file contents: %s", data)
	}
}
