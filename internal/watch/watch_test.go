package watch

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gks2022004/leafsync/internal/observability"
)

func testLogger() *observability.Logger {
	return observability.NewLogger("leafsync-test", "dev", io.Discard)
}

func TestChangeTriggersSync(t *testing.T) {
	root := t.TempDir()
	var calls atomic.Int32
	synced := make(chan struct{}, 8)

	h, err := Start(root, testLogger(), func(context.Context) error {
		calls.Add(1)
		synced <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if err := os.WriteFile(filepath.Join(root, "new.txt"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case <-synced:
	case <-time.After(10 * time.Second):
		t.Fatal("change did not trigger a sync")
	}
}

func TestIgnoredChangeDoesNotTrigger(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".leafsync_tmp"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	var calls atomic.Int32

	h, err := Start(root, testLogger(), func(context.Context) error {
		calls.Add(1)
		return nil
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer h.Stop()

	if err := os.WriteFile(filepath.Join(root, ".leafsync_tmp", "staged.bin"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(filepath.Join(root, "download.part"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	time.Sleep(2 * time.Second)
	if n := calls.Load(); n != 0 {
		t.Fatalf("ignored changes triggered %d syncs", n)
	}
}

func TestIgnoreSetPatterns(t *testing.T) {
	s := ignoreSet{patterns: []string{"*.log", "build/"}}
	testCases := []struct {
		rel  string
		want bool
	}{
		{"app.log", true},
		{"sub/app.log", true},
		{"build/out.bin", true},
		{"app.txt", false},
		{"logs.txt", false},
	}
	for _, tc := range testCases {
		if got := s.match(tc.rel); got != tc.want {
			t.Errorf("match(%q) = %v, want %v", tc.rel, got, tc.want)
		}
	}
}

func TestStopTerminates(t *testing.T) {
	root := t.TempDir()
	h, err := Start(root, testLogger(), func(context.Context) error { return nil })
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	done := make(chan struct{})
	go func() {
		h.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}
}
