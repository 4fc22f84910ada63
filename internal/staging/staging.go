// Package staging provides write-side atomicity for received files. Chunks
// land in a shadow tree under <root>/.leafsync_tmp/<rel>; after the transfer
// the staged file is truncated to the declared size, verified against the
// peer's Merkle root by the caller, and swapped into place with a rename.
// A file never appears at its final path unless verification passed.
package staging

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gks2022004/leafsync/internal/chunker"
)

const (
	// TmpDir holds staged files, mirroring the folder tree.
	TmpDir = ".leafsync_tmp"
	// TrashDir receives files removed by mirror mode, under a
	// per-session timestamp directory.
	TrashDir = ".leafsync_trash"
)

// CleanRel validates a wire-relative path: forward slashes, no leading
// slash, no drive letters, no dot-dot elements. It returns the path usable
// with filepath.Join under a local root.
func CleanRel(rel string) (string, error) {
	if rel == "" {
		return "", fmt.Errorf("empty relative path")
	}
	if strings.HasPrefix(rel, "/") || strings.Contains(rel, "\\") || strings.Contains(rel, ":") {
		return "", fmt.Errorf("invalid relative path %q", rel)
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", fmt.Errorf("relative path %q escapes the folder", rel)
	}
	return cleaned, nil
}

// Path returns the staged location for rel under root.
func Path(root, rel string) string {
	return filepath.Join(root, TmpDir, filepath.FromSlash(rel))
}

// FinalPath returns the destination location for rel under root.
func FinalPath(root, rel string) string {
	return filepath.Join(root, filepath.FromSlash(rel))
}

// ApplyChunk writes one chunk into the staged file for rel, creating parent
// directories on demand.
func ApplyChunk(root, rel string, index uint64, data []byte) error {
	staged := Path(root, rel)
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return fmt.Errorf("create staging directory for %s: %w", rel, err)
	}
	return chunker.WriteChunk(staged, index, data)
}

// SeedFromLocal initializes the staged file for rel from the current local
// copy, so chunks that already match the peer survive verification without
// being transferred. A missing local file seeds an empty staged file.
func SeedFromLocal(root, rel string) error {
	staged := Path(root, rel)
	if err := os.MkdirAll(filepath.Dir(staged), 0o755); err != nil {
		return fmt.Errorf("create staging directory for %s: %w", rel, err)
	}
	local := FinalPath(root, rel)
	data, err := os.ReadFile(local)
	if os.IsNotExist(err) {
		data = nil
	} else if err != nil {
		return fmt.Errorf("read local copy of %s: %w", rel, err)
	}
	if err := os.WriteFile(staged, data, 0o644); err != nil {
		return fmt.Errorf("seed staging for %s: %w", rel, err)
	}
	return nil
}

// Exists reports whether a staged file for rel is present.
func Exists(root, rel string) bool {
	_, err := os.Stat(Path(root, rel))
	return err == nil
}

// TruncateToSize sets the staged file's length to exactly size, extending
// with zeros in the rare case the staged file is short.
func TruncateToSize(root, rel string, size uint64) error {
	if err := os.Truncate(Path(root, rel), int64(size)); err != nil {
		return fmt.Errorf("truncate staging for %s: %w", rel, err)
	}
	return nil
}

// Finalize atomically moves the staged file to its destination, creating
// parent directories on demand. After it returns the staged path is gone.
func Finalize(root, rel string) error {
	final := FinalPath(root, rel)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", rel, err)
	}
	if err := os.Rename(Path(root, rel), final); err != nil {
		return fmt.Errorf("finalize %s: %w", rel, err)
	}
	return nil
}

// Ignored reports whether rel is exempt from mirroring: synchronizer-owned
// directories, version control internals, partial downloads, and editor lock
// files.
func Ignored(rel string) bool {
	if rel == TmpDir || strings.HasPrefix(rel, TmpDir+"/") {
		return true
	}
	if rel == TrashDir || strings.HasPrefix(rel, TrashDir+"/") {
		return true
	}
	for _, part := range strings.Split(rel, "/") {
		if part == ".git" {
			return true
		}
	}
	base := path.Base(rel)
	if strings.HasSuffix(base, ".part") || strings.HasPrefix(base, "~$") {
		return true
	}
	return false
}

// TrashTimestamp names one mirror session's trash directory.
func TrashTimestamp(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

// MoveToTrash relocates rel under <root>/.leafsync_trash/<ts>/<rel> instead
// of deleting it, preserving the relative tree.
func MoveToTrash(root, rel, ts string) error {
	dst := filepath.Join(root, TrashDir, ts, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return fmt.Errorf("create trash directory for %s: %w", rel, err)
	}
	if err := os.Rename(FinalPath(root, rel), dst); err != nil {
		return fmt.Errorf("move %s to trash: %w", rel, err)
	}
	return nil
}
