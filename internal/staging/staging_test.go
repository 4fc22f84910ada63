package staging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gks2022004/leafsync/internal/chunker"
)

func TestCleanRel(t *testing.T) {
	testCases := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"a.txt", "a.txt", true},
		{"sub/dir/a.txt", "sub/dir/a.txt", true},
		{"sub/./a.txt", "sub/a.txt", true},
		{"", "", false},
		{"/abs", "", false},
		{"..", "", false},
		{"../escape", "", false},
		{"sub/../../escape", "", false},
		{"c:\\win", "", false},
	}
	for _, tc := range testCases {
		got, err := CleanRel(tc.in)
		if tc.wantOK {
			if err != nil || got != tc.want {
				t.Errorf("CleanRel(%q) = %q, %v; want %q", tc.in, got, err, tc.want)
			}
		} else if err == nil {
			t.Errorf("CleanRel(%q) accepted unsafe path as %q", tc.in, got)
		}
	}
}

func TestApplyTruncateFinalize(t *testing.T) {
	root := t.TempDir()
	rel := "sub/f.bin"
	data := bytes.Repeat([]byte{0x42}, 1000)

	if err := ApplyChunk(root, rel, 0, data); err != nil {
		t.Fatalf("ApplyChunk: %v", err)
	}
	if !Exists(root, rel) {
		t.Fatal("staged file should exist after ApplyChunk")
	}
	if _, err := os.Stat(FinalPath(root, rel)); !os.IsNotExist(err) {
		t.Fatal("final path must not exist before finalize")
	}

	if err := TruncateToSize(root, rel, 500); err != nil {
		t.Fatalf("TruncateToSize: %v", err)
	}
	if err := Finalize(root, rel); err != nil {
		t.Fatalf("Finalize: %v", err)
	}

	got, err := os.ReadFile(FinalPath(root, rel))
	if err != nil {
		t.Fatalf("read final: %v", err)
	}
	if !bytes.Equal(got, data[:500]) {
		t.Fatal("finalized content mismatch")
	}
	if Exists(root, rel) {
		t.Fatal("staged file must be gone after finalize")
	}
}

func TestTruncateExtendsWithZeros(t *testing.T) {
	root := t.TempDir()
	rel := "f.bin"
	if err := ApplyChunk(root, rel, 0, []byte{1, 2, 3}); err != nil {
		t.Fatalf("ApplyChunk: %v", err)
	}
	if err := TruncateToSize(root, rel, 6); err != nil {
		t.Fatalf("TruncateToSize: %v", err)
	}
	got, err := os.ReadFile(Path(root, rel))
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if !bytes.Equal(got, []byte{1, 2, 3, 0, 0, 0}) {
		t.Fatalf("expected zero extension, got %v", got)
	}
}

func TestSeedFromLocal(t *testing.T) {
	root := t.TempDir()
	rel := "f.bin"
	local := bytes.Repeat([]byte{7}, 2*chunker.ChunkSize)
	if err := os.WriteFile(FinalPath(root, rel), local, 0o644); err != nil {
		t.Fatalf("write local: %v", err)
	}

	if err := SeedFromLocal(root, rel); err != nil {
		t.Fatalf("SeedFromLocal: %v", err)
	}
	got, err := os.ReadFile(Path(root, rel))
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if !bytes.Equal(got, local) {
		t.Fatal("seeded staging differs from local copy")
	}

	// Overwrite one chunk; the untouched chunk must survive
	// verification-by-rechunking.
	repl := bytes.Repeat([]byte{8}, chunker.ChunkSize)
	if err := ApplyChunk(root, rel, 1, repl); err != nil {
		t.Fatalf("ApplyChunk: %v", err)
	}
	got, _ = os.ReadFile(Path(root, rel))
	if !bytes.Equal(got[:chunker.ChunkSize], local[:chunker.ChunkSize]) {
		t.Fatal("seeded chunk 0 was clobbered")
	}
	if !bytes.Equal(got[chunker.ChunkSize:], repl) {
		t.Fatal("chunk 1 was not replaced")
	}
}

func TestSeedFromLocalMissingFile(t *testing.T) {
	root := t.TempDir()
	if err := SeedFromLocal(root, "new.bin"); err != nil {
		t.Fatalf("SeedFromLocal without local copy: %v", err)
	}
	got, err := os.ReadFile(Path(root, "new.bin"))
	if err != nil {
		t.Fatalf("read staged: %v", err)
	}
	if len(got) != 0 {
		t.Fatal("expected empty staged file")
	}
}

func TestIgnored(t *testing.T) {
	testCases := []struct {
		rel  string
		want bool
	}{
		{".leafsync_tmp/a.txt", true},
		{".leafsync_trash/1/a.txt", true},
		{".git/config", true},
		{"sub/.git/config", true},
		{"download.part", true},
		{"sub/download.part", true},
		{"~$doc.docx", true},
		{"sub/~$doc.docx", true},
		{"a.txt", false},
		{"sub/a.txt", false},
		{"gitlog.txt", false},
		{"partial.txt", false},
	}
	for _, tc := range testCases {
		if got := Ignored(tc.rel); got != tc.want {
			t.Errorf("Ignored(%q) = %v, want %v", tc.rel, got, tc.want)
		}
	}
}

func TestMoveToTrash(t *testing.T) {
	root := t.TempDir()
	rel := "sub/stale.txt"
	if err := os.MkdirAll(filepath.Dir(FinalPath(root, rel)), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(FinalPath(root, rel), []byte("old"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	ts := TrashTimestamp(time.Now())
	if err := MoveToTrash(root, rel, ts); err != nil {
		t.Fatalf("MoveToTrash: %v", err)
	}
	if _, err := os.Stat(FinalPath(root, rel)); !os.IsNotExist(err) {
		t.Fatal("original path should be gone")
	}
	trashed := filepath.Join(root, TrashDir, ts, "sub", "stale.txt")
	got, err := os.ReadFile(trashed)
	if err != nil {
		t.Fatalf("read trashed file: %v", err)
	}
	if string(got) != "old" {
		t.Fatal("trashed content mismatch")
	}
}
