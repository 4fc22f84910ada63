// Package watch re-syncs a folder whenever its contents change. Filesystem
// events are debounced so a burst of writes (editor save, build output)
// triggers a single session once the folder has been quiet briefly.
package watch

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gks2022004/leafsync/internal/observability"
	"github.com/gks2022004/leafsync/internal/staging"
	"github.com/gks2022004/leafsync/internal/status"
)

const (
	pollInterval = 400 * time.Millisecond
	quietWindow  = 350 * time.Millisecond
)

// Handle controls a running watcher.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Stop shuts the watcher down and waits for it to exit.
func (h *Handle) Stop() {
	status.WatchStopping()
	h.cancel()
	<-h.done
}

// Start watches root recursively and invokes runSync after each debounced
// change burst. runSync failures are logged and the watcher stays alive.
func Start(root string, log *observability.Logger, runSync func(context.Context) error) (*Handle, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := addRecursive(watcher, root); err != nil {
		watcher.Close()
		return nil, err
	}

	ignore := loadIgnore(root)
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	var mu sync.Mutex
	pending := false
	lastFire := time.Now()

	go func() {
		defer close(h.done)
		defer watcher.Close()
		status.WatchStarted(root)
		log.Info("watch started: " + root)

		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				rel, err := filepath.Rel(root, ev.Name)
				if err != nil {
					continue
				}
				rel = filepath.ToSlash(rel)
				if staging.Ignored(rel) || ignore.match(rel) {
					continue
				}
				// New directories must be watched for events
				// beneath them.
				if ev.Has(fsnotify.Create) {
					if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
						_ = addRecursive(watcher, ev.Name)
					}
				}
				mu.Lock()
				pending = true
				lastFire = time.Now()
				mu.Unlock()
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Error(err, "watch error")
			case <-ticker.C:
				mu.Lock()
				fire := pending && time.Since(lastFire) > quietWindow
				if fire {
					pending = false
				}
				mu.Unlock()
				if fire {
					log.Info("change detected; syncing")
					if err := runSync(ctx); err != nil {
						log.Error(err, "watch-triggered sync failed")
					}
					ignore = loadIgnore(root)
				}
			}
		}
	}()
	return h, nil
}

func addRecursive(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		name := d.Name()
		if name == staging.TmpDir || name == staging.TrashDir || name == ".git" {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}

// ignoreSet holds user patterns from .leafsyncignore, applied on top of the
// hard-coded defaults in staging.Ignored.
type ignoreSet struct {
	patterns []string
}

func loadIgnore(root string) ignoreSet {
	data, err := os.ReadFile(filepath.Join(root, ".leafsyncignore"))
	if err != nil {
		return ignoreSet{}
	}
	var patterns []string
	for _, line := range strings.Split(string(data), "\n") {
		pat := strings.TrimSpace(line)
		if pat == "" || strings.HasPrefix(pat, "#") {
			continue
		}
		patterns = append(patterns, pat)
	}
	return ignoreSet{patterns: patterns}
}

// match applies each pattern to the full relative path and to its basename,
// so "*.log" ignores logs anywhere in the tree.
func (s ignoreSet) match(rel string) bool {
	base := filepath.Base(rel)
	for _, pat := range s.patterns {
		if ok, _ := filepath.Match(pat, rel); ok {
			return true
		}
		if ok, _ := filepath.Match(pat, base); ok {
			return true
		}
		if strings.HasSuffix(pat, "/") && strings.HasPrefix(rel, pat) {
			return true
		}
	}
	return false
}
