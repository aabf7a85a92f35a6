// Package watcher watches a directory tree for changes and emits
// add/change/unlink events, per spec.md §6's Watcher collaborator
// contract. Adapted from the teacher's internal/watcher/watcher.go
// (fsnotify, debounce-timer-per-path, recursive directory add), but
// decoupled from indexing: the teacher calls idx.AddFile/Flush directly
// from the debounce callback, where this version publishes an Event onto
// a channel the scanner/planner/file-queue pipeline consumes instead,
// per the Design Notes' "shared mutable queues ⇒ message-passing facade"
// principle.
package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/screenager/driftmind/internal/logging"
)

// Kind is one of the three event kinds the watcher publishes.
type Kind string

const (
	KindAdd    Kind = "add"
	KindChange Kind = "change"
	KindUnlink Kind = "unlink"
)

// Event is one filesystem change, debounced.
type Event struct {
	Kind Kind
	Path string
}

// IsSupported decides whether a path should ever be published; callers
// supply this (normally parser.IsSupportedFile) so the watcher package
// doesn't need to depend on the parser registry directly.
type IsSupported func(path string) bool

// Watcher watches one or more directory trees and publishes debounced
// add/change/unlink events on Events.
type Watcher struct {
	fw        *fsnotify.Watcher
	log       *logging.Logger
	supported IsSupported

	Events chan Event

	debounce time.Duration
	pending  map[string]*time.Timer
}

// New creates a Watcher. debounce is the per-path coalescing delay (the
// teacher hardcodes 500ms; this keeps that default if 0 is passed).
func New(supported IsSupported, log *logging.Logger, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		fw:        fw,
		log:       log,
		supported: supported,
		Events:    make(chan Event, 256),
		debounce:  debounce,
		pending:   make(map[string]*time.Timer),
	}, nil
}

// AddRoot adds rootDir and every non-hidden subdirectory to the watch set.
func (w *Watcher) AddRoot(rootDir string) error {
	return w.addDirRecursive(rootDir)
}

// Run processes fsnotify events until done is closed or an unrecoverable
// error occurs. Call it in a goroutine; it closes Events on return.
func (w *Watcher) Run(done <-chan struct{}) error {
	defer close(w.Events)

	for {
		select {
		case <-done:
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			w.handle(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			if w.log != nil {
				w.log.Warn("fsnotify error: %v", err)
			}
		}
	}
}

// Close stops the underlying fsnotify watcher immediately, without
// waiting for Run's done channel.
func (w *Watcher) Close() error {
	return w.fw.Close()
}

func (w *Watcher) handle(event fsnotify.Event) {
	path := event.Name

	if event.Has(fsnotify.Create) {
		if fi, err := os.Stat(path); err == nil && fi.IsDir() {
			if err := w.addDirRecursive(path); err != nil && w.log != nil {
				w.log.Warn("watch new dir %s: %v", path, err)
			}
			return
		}
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		w.cancelPending(path)
		if w.supported == nil || w.supported(path) {
			w.Events <- Event{Kind: KindUnlink, Path: path}
		}
		return
	}

	if w.supported != nil && !w.supported(path) {
		return
	}

	if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
		kind := KindChange
		if event.Has(fsnotify.Create) {
			kind = KindAdd
		}
		w.debounceEvent(path, kind)
	}
}

// debounceEvent resets the per-path timer on rapid saves, the way the
// teacher's pending map does, and publishes a single coalesced event once
// the timer fires.
func (w *Watcher) debounceEvent(path string, kind Kind) {
	if t, ok := w.pending[path]; ok {
		t.Stop()
	}
	w.pending[path] = time.AfterFunc(w.debounce, func() {
		w.Events <- Event{Kind: kind, Path: path}
	})
}

func (w *Watcher) cancelPending(path string) {
	if t, ok := w.pending[path]; ok {
		t.Stop()
		delete(w.pending, path)
	}
}

// addDirRecursive adds dir and all non-hidden subdirectories to the watcher.
func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil && w.log != nil {
				w.log.Warn("skip dir %s: %v", filepath.Join(dir, e.Name()), err)
			}
		}
	}
	return nil
}
