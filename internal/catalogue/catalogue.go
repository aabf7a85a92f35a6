// Package catalogue is the file-status catalogue from spec.md §3/§4.3: a
// persisted table keyed by absolute path holding each file's indexing
// status, content-metadata hash, parser version, chunk count, and retry
// bookkeeping. An in-memory cache mirrors the persisted table.
//
// spec.md §4.3 describes strict write-through (writes hit disk before the
// cache is updated); the Design Notes (§9) instead prescribe "persistence
// batched on upsert with a coalescing timer" for a single-threaded-owner
// re-implementation. This package follows the Design Notes: Upsert/Delete
// update the cache immediately (the worker process owns the catalogue
// exclusively, per spec.md §5, so there is no other reader to race) and
// schedule a debounced flush; Flush forces an immediate write for callers
// (tests, shutdown) that need a synchronous guarantee.
package catalogue

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/screenager/driftmind/internal/errs"
)

// Status is one of the three lifecycle states named in spec.md §3.
type Status string

const (
	StatusIndexed  Status = "indexed"
	StatusFailed   Status = "failed"
	StatusOutdated Status = "outdated"
)

// Record is one file's catalogue entry.
type Record struct {
	Path          string    `json:"path"`
	Status        Status    `json:"status"`
	FileHash      string    `json:"file_hash"`
	ParserVersion int       `json:"parser_version"`
	ChunkCount    int       `json:"chunk_count"`
	IndexedAt     time.Time `json:"indexed_at"`
	LastModified  time.Time `json:"last_modified"`
	LastRetry     time.Time `json:"last_retry"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// FileHash computes the cheap metadata digest spec.md §4.3 mandates:
// md5(size || ":" || mtime_ns) — content is never hashed, only size+mtime,
// because the point is to cheaply detect unchanged files.
func FileHash(size int64, mtimeNanos int64) string {
	return hashMeta(size, mtimeNanos)
}

const coalesceDelay = 200 * time.Millisecond

// Catalogue is the in-memory-cache-plus-persisted-table described above.
type Catalogue struct {
	mu    sync.RWMutex
	path  string
	cache map[string]Record

	flushMu      sync.Mutex
	dirty        bool
	flushTimer   *time.Timer
	pendingFlush bool
}

// Open loads (or creates) the catalogue stored at dbDir/file_status.store.
func Open(dbDir string) (*Catalogue, error) {
	path := filepath.Join(dbDir, "file_status.store")
	c := &Catalogue{path: path, cache: make(map[string]Record)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, errs.Wrap(errs.KindMigration, "read file_status.store", err)
	}

	records, err := decode(data)
	if err != nil {
		return nil, errs.Wrap(errs.KindMigration, "corrupt file_status.store", err)
	}
	for _, r := range records {
		c.cache[r.Path] = r
	}
	return c, nil
}

// Get returns the cached record for path, if any.
func (c *Catalogue) Get(path string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.cache[path]
	return r, ok
}

// Upsert writes (or replaces) a record, updates the cache, and schedules a
// debounced flush.
func (c *Catalogue) Upsert(r Record) {
	c.mu.Lock()
	c.cache[r.Path] = r
	c.mu.Unlock()
	c.scheduleFlush()
}

// Delete removes path from the catalogue.
func (c *Catalogue) Delete(path string) {
	c.mu.Lock()
	delete(c.cache, path)
	c.mu.Unlock()
	c.scheduleFlush()
}

// Scan returns a snapshot of every record, for the planner to consult.
func (c *Catalogue) Scan() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.cache))
	for _, r := range c.cache {
		out = append(out, r)
	}
	return out
}

// Len reports the number of cached records.
func (c *Catalogue) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

// scheduleFlush marks the catalogue dirty and arms a coalescing timer so
// bursts of Upsert/Delete calls (one per file during a scan) collapse into
// a single disk write instead of one write per file.
func (c *Catalogue) scheduleFlush() {
	c.flushMu.Lock()
	defer c.flushMu.Unlock()
	c.dirty = true
	if c.pendingFlush {
		return
	}
	c.pendingFlush = true
	c.flushTimer = time.AfterFunc(coalesceDelay, func() {
		c.flushMu.Lock()
		c.pendingFlush = false
		c.flushMu.Unlock()
		_ = c.Flush()
	})
}

// Flush writes the current cache to disk immediately, compressed with
// zstd (the catalogue snapshot is an append/rewrite-heavy structured blob,
// the same shape n-backup streams through zstd for archive content).
func (c *Catalogue) Flush() error {
	c.flushMu.Lock()
	if !c.dirty {
		c.flushMu.Unlock()
		return nil
	}
	c.dirty = false
	c.flushMu.Unlock()

	records := c.Scan()
	data, err := encode(records)
	if err != nil {
		return errs.Wrap(errs.KindMigration, "encode catalogue", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindMigration, "mkdir catalogue dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".catalogue-*.tmp")
	if err != nil {
		return errs.Wrap(errs.KindMigration, "create temp catalogue", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindMigration, "write temp catalogue", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindMigration, "close temp catalogue", err)
	}
	if err := os.Rename(tmpPath, c.path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindMigration, "rename catalogue into place", err)
	}
	return nil
}

// Reset clears every record in memory and on disk. The migrator does not
// call it: on a version change it removes the file_status.store file
// before the catalogue is opened.
func (c *Catalogue) Reset() error {
	c.mu.Lock()
	c.cache = make(map[string]Record)
	c.mu.Unlock()
	c.flushMu.Lock()
	c.dirty = true
	c.flushMu.Unlock()
	return c.Flush()
}

func encode(records []Record) ([]byte, error) {
	raw, err := json.Marshal(records)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decode(data []byte) ([]Record, error) {
	r, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	raw, err := readAll(r)
	if err != nil {
		return nil, err
	}
	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func readAll(r *zstd.Decoder) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
