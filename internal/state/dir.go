// Package state persists the small per-user stores LeafSync keeps between
// runs: pinned server fingerprints and per-file resume bitmaps. Both are
// plain JSON files rewritten whole on every mutation; the write rate is a
// handful of updates per sync session.
package state

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir returns the per-user application state directory, creating it if
// needed.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve state directory: %w", err)
	}
	dir := filepath.Join(base, "leafsync")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create state directory %s: %w", dir, err)
	}
	return dir, nil
}
