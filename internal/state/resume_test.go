package state

import (
	"testing"

	"github.com/gks2022004/leafsync/internal/chunker"
)

const (
	addr = "10.0.0.1:4455"
	rel  = "sub/a.bin"
)

func root(seed byte) [chunker.HashSize]byte {
	var r [chunker.HashSize]byte
	for i := range r {
		r[i] = seed
	}
	return r
}

func TestMissingIndicesNoEntry(t *testing.T) {
	rs := NewResumeStore(t.TempDir())
	missing, err := rs.MissingIndices(addr, rel, 100, 3, root(1))
	if err != nil {
		t.Fatalf("MissingIndices: %v", err)
	}
	if missing != nil {
		t.Fatal("expected nil for absent entry")
	}
}

func TestMarkAndMissing(t *testing.T) {
	rs := NewResumeStore(t.TempDir())
	r := root(1)

	if err := rs.MarkMany(addr, rel, 100, 10, r, []uint64{1, 3, 9}); err != nil {
		t.Fatalf("MarkMany: %v", err)
	}
	missing, err := rs.MissingIndices(addr, rel, 100, 10, r)
	if err != nil {
		t.Fatalf("MissingIndices: %v", err)
	}
	want := []uint64{0, 2, 4, 5, 6, 7, 8}
	if len(missing) != len(want) {
		t.Fatalf("missing: got %v, want %v", missing, want)
	}
	for i := range want {
		if missing[i] != want[i] {
			t.Fatalf("missing: got %v, want %v", missing, want)
		}
	}
}

func TestMetadataChangeResets(t *testing.T) {
	rs := NewResumeStore(t.TempDir())
	r := root(1)

	if err := rs.MarkMany(addr, rel, 100, 10, r, []uint64{0, 1, 2}); err != nil {
		t.Fatalf("MarkMany: %v", err)
	}
	// Same key root, different size: the entry resets before bit 5 is
	// set, so only bit 5 survives.
	if err := rs.MarkMany(addr, rel, 200, 10, r, []uint64{5}); err != nil {
		t.Fatalf("MarkMany after change: %v", err)
	}
	missing, err := rs.MissingIndices(addr, rel, 200, 10, r)
	if err != nil {
		t.Fatalf("MissingIndices: %v", err)
	}
	if len(missing) != 9 {
		t.Fatalf("expected 9 missing after reset, got %v", missing)
	}
	for _, i := range missing {
		if i == 5 {
			t.Fatal("bit 5 should be set after reset")
		}
	}

	// The old metadata no longer matches.
	stale, err := rs.MissingIndices(addr, rel, 100, 10, r)
	if err != nil {
		t.Fatalf("MissingIndices stale: %v", err)
	}
	if stale != nil {
		t.Fatal("stale metadata must return nil")
	}
}

func TestClear(t *testing.T) {
	rs := NewResumeStore(t.TempDir())
	r := root(2)
	if err := rs.MarkMany(addr, rel, 100, 4, r, []uint64{0}); err != nil {
		t.Fatalf("MarkMany: %v", err)
	}
	if err := rs.Clear(addr, rel, r); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	missing, err := rs.MissingIndices(addr, rel, 100, 4, r)
	if err != nil || missing != nil {
		t.Fatalf("expected cleared entry, got %v, %v", missing, err)
	}
	// Clearing again is fine.
	if err := rs.Clear(addr, rel, r); err != nil {
		t.Fatalf("second Clear: %v", err)
	}
}

func TestPersistenceAcrossReload(t *testing.T) {
	dir := t.TempDir()
	r := root(3)
	if err := NewResumeStore(dir).MarkMany(addr, rel, 100, 8, r, []uint64{6, 7}); err != nil {
		t.Fatalf("MarkMany: %v", err)
	}
	missing, err := NewResumeStore(dir).MissingIndices(addr, rel, 100, 8, r)
	if err != nil {
		t.Fatalf("MissingIndices after reload: %v", err)
	}
	if len(missing) != 6 {
		t.Fatalf("expected 6 missing after reload, got %v", missing)
	}
}

func TestCompleteEntryHasNoMissing(t *testing.T) {
	rs := NewResumeStore(t.TempDir())
	r := root(4)
	if err := rs.MarkMany(addr, rel, 100, 3, r, []uint64{0, 1, 2}); err != nil {
		t.Fatalf("MarkMany: %v", err)
	}
	missing, err := rs.MissingIndices(addr, rel, 100, 3, r)
	if err != nil {
		t.Fatalf("MissingIndices: %v", err)
	}
	if missing == nil || len(missing) != 0 {
		t.Fatalf("expected empty (non-nil) missing set, got %v", missing)
	}
}
