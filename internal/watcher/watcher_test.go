package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func txtSupported(path string) bool { return filepath.Ext(path) == ".txt" }

func waitForEvent(t *testing.T, events <-chan Event, timeout time.Duration) Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestWatcherEmitsAddOnNewSupportedFile(t *testing.T) {
	dir := t.TempDir()
	w, err := New(txtSupported, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddRoot(dir); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go w.Run(done)
	defer close(done)

	path := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := waitForEvent(t, w.Events, 2*time.Second)
	if e.Path != path {
		t.Fatalf("expected event for %s, got %+v", path, e)
	}
	if e.Kind != KindAdd && e.Kind != KindChange {
		t.Fatalf("expected add or change kind, got %s", e.Kind)
	}
}

func TestWatcherSkipsUnsupportedExtensions(t *testing.T) {
	dir := t.TempDir()
	w, err := New(txtSupported, nil, 10*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddRoot(dir); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go w.Run(done)
	defer close(done)

	if err := os.WriteFile(filepath.Join(dir, "note.bin"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Follow it with a supported file so we have something to wait on;
	// if the .bin write had leaked through, it would have arrived first.
	supportedPath := filepath.Join(dir, "note.txt")
	if err := os.WriteFile(supportedPath, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	e := waitForEvent(t, w.Events, 2*time.Second)
	if e.Path != supportedPath {
		t.Fatalf("expected only the supported file to be published, got %+v", e)
	}
}

func TestWatcherDebouncesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	w, err := New(txtSupported, nil, 100*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if err := w.AddRoot(dir); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go w.Run(done)
	defer close(done)

	path := filepath.Join(dir, "note.txt")
	for i := 0; i < 5; i++ {
		os.WriteFile(path, []byte("x"), 0o644)
		time.Sleep(10 * time.Millisecond)
	}

	e := waitForEvent(t, w.Events, 2*time.Second)
	if e.Path != path {
		t.Fatalf("expected debounced event for %s, got %+v", path, e)
	}

	select {
	case e2 := <-w.Events:
		t.Fatalf("expected rapid writes to coalesce into one event, got a second: %+v", e2)
	case <-time.After(300 * time.Millisecond):
	}
}
