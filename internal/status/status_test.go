package status

import "testing"

func TestLifecycleEvents(t *testing.T) {
	SetActive(true)
	s := Snapshot()
	if !s.Active || s.LastEvent != EventSyncStarted {
		t.Fatalf("after SetActive(true): %+v", s)
	}

	StartFile("a.bin", 1000)
	s = Snapshot()
	if s.CurrentFile != "a.bin" || s.CurrentTotal != 1000 || s.CurrentReceived != 0 {
		t.Fatalf("after StartFile: %+v", s)
	}
	if s.LastEvent != EventFileStarted {
		t.Fatalf("event: %s", s.LastEvent)
	}

	Progress(250)
	s = Snapshot()
	if s.CurrentReceived != 250 || s.LastEvent != EventProgress {
		t.Fatalf("after Progress: %+v", s)
	}

	FileDone(true, "a.bin")
	s = Snapshot()
	if s.LastSyncOK == nil || !*s.LastSyncOK || s.LastEvent != EventFileDone {
		t.Fatalf("after FileDone: %+v", s)
	}

	SessionDone(false, "merkle_mismatch")
	s = Snapshot()
	if s.Active || s.CurrentFile != "" || s.CurrentTotal != 0 || s.CurrentReceived != 0 {
		t.Fatalf("SessionDone must clear per-file progress: %+v", s)
	}
	if s.LastSyncOK == nil || *s.LastSyncOK || s.LastMessage != "merkle_mismatch" {
		t.Fatalf("SessionDone outcome: %+v", s)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	FileDone(true, "x")
	s := Snapshot()
	*s.LastSyncOK = false
	if got := Snapshot(); got.LastSyncOK == nil || !*got.LastSyncOK {
		t.Fatal("mutating a snapshot leaked into shared state")
	}
}

func TestWatchEvents(t *testing.T) {
	WatchStarted("/data")
	if s := Snapshot(); s.LastEvent != EventWatchStarted {
		t.Fatalf("event: %s", s.LastEvent)
	}
	WatchStopping()
	if s := Snapshot(); s.LastEvent != EventWatchStopping {
		t.Fatalf("event: %s", s.LastEvent)
	}
}
