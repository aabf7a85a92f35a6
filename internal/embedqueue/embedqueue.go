// Package embedqueue implements the embedding queue from spec.md §4.6: a
// cross-file FIFO of pending chunks batched under a size budget and
// dispatched to embedder pool slots, plus a per-file Tracker completion
// protocol. Grounded on the teacher's per-file batch loop in
// internal/index/index.go (AddFileCtx batches a file's own chunks through
// the embedder before writing rows) generalized so chunks from several
// files can share one batch, and on nornicdb's EmbedWorker
// (pkg/nornicdb/embed_queue.go) for the tracker/stats shape. Every
// dispatched batch is stamped with a fresh github.com/google/uuid id for
// tracing; chunks returned by a restart are redispatched under a new id.
package embedqueue

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Chunk is one unit of pending embedding work. SeqID is assigned at
// enqueue time and never reassigned, so re-inserting a returned batch at
// the FIFO head preserves original ordering.
type Chunk struct {
	Path      string
	Offset    int
	Page      int
	FileIndex int
	Text      string
	SeqID     uint64
}

// Batch is a group of chunks checked out together to one embedder slot.
type Batch struct {
	ID     string
	Chunks []Chunk
}

// Tracker is the per-file completion state described in spec.md §4.6. It
// is retained after completion until CleanupFileTracker is called
// explicitly, so a UI can keep rendering 100% until the next file opens.
type Tracker struct {
	Path            string
	TotalChunks     int
	ProcessedChunks int
	done            chan error
	resolved        bool
}

// Config bounds batch size by count and by total character budget
// (spec.md's "byte/token and count budget").
type Config struct {
	BatchSize             int
	MaxCharsPerBatch       int
	BackpressureThreshold int
}

// Queue is the cross-file embedding FIFO.
type Queue struct {
	cfg Config

	mu         sync.Mutex
	pending    []Chunk
	nextSeq    uint64
	trackers   map[string]*Tracker
	checkedOut map[string]Batch // slotID -> batch currently in flight there
}

// New builds a Queue with the given configuration, applying defaults for
// zero fields.
func New(cfg Config) *Queue {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxCharsPerBatch <= 0 {
		cfg.MaxCharsPerBatch = 16 * 1024
	}
	if cfg.BackpressureThreshold <= 0 {
		cfg.BackpressureThreshold = 500
	}
	return &Queue{
		cfg:        cfg,
		trackers:   make(map[string]*Tracker),
		checkedOut: make(map[string]Batch),
	}
}

// AddChunks enqueues every chunk belonging to path, creating or replacing
// its Tracker. fileIndex is threaded through for the write queue's
// row-ordering use, not interpreted here.
func (q *Queue) AddChunks(texts []string, path string, fileIndex int, offsets, pages []int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	tr := &Tracker{Path: path, TotalChunks: len(texts), done: make(chan error, 1)}
	q.trackers[path] = tr
	if len(texts) == 0 {
		// Nothing will ever be dispatched for this file, so it is complete now.
		tr.resolved = true
		tr.done <- nil
	}

	for i, text := range texts {
		offset, page := 0, 0
		if i < len(offsets) {
			offset = offsets[i]
		}
		if i < len(pages) {
			page = pages[i]
		}
		q.nextSeq++
		q.pending = append(q.pending, Chunk{
			Path: path, Offset: offset, Page: page, FileIndex: fileIndex,
			Text: text, SeqID: q.nextSeq,
		})
	}
}

// WaitForCompletion returns a channel that receives nil exactly once, when
// path's tracker reaches TotalChunks processed. No error is ever sent on it.
func (q *Queue) WaitForCompletion(path string) (<-chan error, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	tr, ok := q.trackers[path]
	if !ok {
		return nil, false
	}
	return tr.done, true
}

// DispatchBatch drains up to BatchSize chunks (capped by
// MaxCharsPerBatch total text length) from the FIFO head and checks the
// resulting batch out to slotID. Returns ok=false if the queue is empty.
func (q *Queue) DispatchBatch(slotID string) (Batch, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return Batch{}, false
	}

	var taken []Chunk
	chars := 0
	i := 0
	for i < len(q.pending) && len(taken) < q.cfg.BatchSize {
		c := q.pending[i]
		if len(taken) > 0 && chars+len(c.Text) > q.cfg.MaxCharsPerBatch {
			break
		}
		taken = append(taken, c)
		chars += len(c.Text)
		i++
	}
	q.pending = q.pending[i:]

	batch := Batch{ID: uuid.NewString(), Chunks: taken}
	q.checkedOut[slotID] = batch
	return batch, true
}

// MarkBatchComplete records that the batch checked out to slotID was
// embedded and its rows accepted by the write queue, advancing every
// touched file's tracker and resolving trackers that just reached
// completion.
func (q *Queue) MarkBatchComplete(slotID string) error {
	q.mu.Lock()
	batch, ok := q.checkedOut[slotID]
	if !ok {
		q.mu.Unlock()
		return fmt.Errorf("embedqueue: no batch checked out to slot %s", slotID)
	}
	delete(q.checkedOut, slotID)

	var resolved []*Tracker
	for _, c := range batch.Chunks {
		tr, ok := q.trackers[c.Path]
		if !ok {
			continue
		}
		tr.ProcessedChunks++
		if tr.ProcessedChunks >= tr.TotalChunks && !tr.resolved {
			tr.resolved = true
			resolved = append(resolved, tr)
		}
	}
	q.mu.Unlock()

	for _, tr := range resolved {
		tr.done <- nil
	}
	return nil
}

// OnEmbedderRestart returns any batch currently checked out to slotID to
// the FIFO head, undisturbed and in original order, and drops the
// checkout record. A slot with nothing checked out is a no-op. Each
// chunk's SeqID is compared against both the pending FIFO and every other
// in-flight checkout before it is reinserted, so a chunk already back in
// the queue — e.g. a duplicate or overlapping restart signal for the same
// slot — is never queued twice.
func (q *Queue) OnEmbedderRestart(slotID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	batch, ok := q.checkedOut[slotID]
	if !ok {
		return
	}
	delete(q.checkedOut, slotID)

	inFlight := make(map[uint64]bool, len(q.pending))
	for _, c := range q.pending {
		inFlight[c.SeqID] = true
	}
	for _, other := range q.checkedOut {
		for _, c := range other.Chunks {
			inFlight[c.SeqID] = true
		}
	}

	var toReinsert []Chunk
	for _, c := range batch.Chunks {
		if inFlight[c.SeqID] {
			continue
		}
		toReinsert = append(toReinsert, c)
	}
	q.pending = append(toReinsert, q.pending...)
}

// ShouldApplyBackpressure reports whether pending chunk count has reached
// the configured threshold. Upstream producers are expected to await a
// drain step before calling AddChunks again.
func (q *Queue) ShouldApplyBackpressure() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending) >= q.cfg.BackpressureThreshold
}

// GetFileTrackers returns a snapshot of every retained tracker.
func (q *Queue) GetFileTrackers() map[string]Tracker {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[string]Tracker, len(q.trackers))
	for p, tr := range q.trackers {
		out[p] = *tr
	}
	return out
}

// CleanupFileTracker explicitly evicts path's tracker. Trackers are never
// auto-evicted on completion so a UI can keep showing 100% until the
// caller is done with it.
func (q *Queue) CleanupFileTracker(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.trackers, path)
}

// Clear drops every not-yet-dispatched chunk. Batches already checked out
// to a slot are unaffected and run to completion.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = nil
}

// PendingLen reports the current FIFO depth, mostly for tests and stats
// surfaces.
func (q *Queue) PendingLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
