// Package fqueue implements the concurrent file queue from spec.md §4.5: a
// FIFO queue of paths processed by a caller-supplied handler under a
// memory-aware concurrency cap. Grounded on the teacher's watcher/index
// goroutine-per-event style (internal/watcher/watcher.go) generalized into
// a single dispatch loop (Process) over a mutex-guarded FIFO slice: Add
// appends under the lock, Process checks paths out and runs the handler,
// and GetStats returns a snapshot.
package fqueue

import (
	"context"
	"sync"

	"golang.org/x/time/rate"

	"github.com/screenager/driftmind/internal/logging"
)

// Handler processes one path. An error is caught, counted as failed, and
// does not stop the queue.
type Handler func(path string) error

// MemoryProbe reports current resident memory in MB. Optional.
type MemoryProbe func() float64

// Config mirrors spec.md §4.5's queue configuration.
type Config struct {
	MaxConcurrent       int
	ThrottledConcurrent int
	MemoryThresholdMB   float64
	OnMemoryThrottle    func(newCap int, memMB float64)
	OnProgress          func(stats Stats)
}

// Stats is the snapshot returned by getStats.
type Stats struct {
	Queued     int
	Processing int
	Completed  int
	Failed     int
}

// Queue is a FIFO path queue with a throttleable concurrency cap.
type Queue struct {
	cfg Config
	log *logging.Logger

	mu        sync.Mutex
	items     []string
	paused    bool
	active    map[string]bool // paths currently checked out to a handler
	stats     Stats
	throttled bool
}

// New builds a Queue. Sane defaults are applied if MaxConcurrent or
// ThrottledConcurrent are left at zero.
func New(cfg Config) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.ThrottledConcurrent <= 0 || cfg.ThrottledConcurrent > cfg.MaxConcurrent {
		cfg.ThrottledConcurrent = cfg.MaxConcurrent
	}
	return &Queue{
		cfg:    cfg,
		log:    logging.New("fqueue"),
		active: make(map[string]bool),
	}
}

// Add appends paths to the tail of the queue, preserving call order.
// Duplicates are allowed; the dispatcher guarantees at-most-one concurrent
// handler per path via checkout dedup.
func (q *Queue) Add(paths []string) {
	q.mu.Lock()
	q.items = append(q.items, paths...)
	q.stats.Queued = len(q.items)
	q.mu.Unlock()
}

// Remove drops every not-yet-dispatched occurrence of path from the queue.
// An in-flight handler for path, if any, runs to completion.
func (q *Queue) Remove(path string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items[:0]
	for _, p := range q.items {
		if p != path {
			out = append(out, p)
		}
	}
	q.items = out
	q.stats.Queued = len(q.items)
}

// Clear cancels every not-yet-started item. In-flight handlers still run to
// completion.
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.stats.Queued = 0
	q.mu.Unlock()
}

// Pause stops admission of new handlers. In-flight handlers are unaffected.
func (q *Queue) Pause() {
	q.mu.Lock()
	q.paused = true
	q.mu.Unlock()
}

// Resume re-enables admission.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.paused = false
	q.mu.Unlock()
}

// GetStats returns a snapshot of the queue's current counters.
func (q *Queue) GetStats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Queued = len(q.items)
	return s
}

// Process runs the dispatch loop until stop is closed, draining the queue
// as items arrive via Add. memoryProbe may be nil, in which case throttling
// never engages. Process blocks the calling goroutine; run it in its own
// goroutine.
func (q *Queue) Process(stop <-chan struct{}, handler Handler, memoryProbe MemoryProbe) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-stop
		cancel()
	}()

	// limiter paces how often the dispatch loop re-scans the queue. Under
	// normal operation it runs fast (200/s); once the memory probe trips
	// the throttle it is slowed down, which in turn slows how quickly new
	// slots open up behind the already-throttled concurrency cap.
	limiter := rate.NewLimiter(rate.Limit(200), 1)

	var wg sync.WaitGroup
	for {
		if err := limiter.Wait(ctx); err != nil {
			wg.Wait()
			return
		}
		if q.checkMemory(memoryProbe, limiter) {
			continue
		}
		q.dispatch(&wg, handler)
	}
}

// checkMemory samples the probe and flips the throttle state on a
// transition, firing OnMemoryThrottle and reshaping the dispatch limiter's
// rate accordingly. Returns true if a transition just happened, so the
// caller can skip dispatching this tick.
func (q *Queue) checkMemory(probe MemoryProbe, limiter *rate.Limiter) bool {
	if probe == nil || q.cfg.MemoryThresholdMB <= 0 {
		return false
	}
	mem := probe()
	q.mu.Lock()
	wasThrottled := q.throttled
	nowThrottled := mem >= q.cfg.MemoryThresholdMB
	q.throttled = nowThrottled
	q.mu.Unlock()

	if nowThrottled == wasThrottled {
		return false
	}
	if nowThrottled {
		limiter.SetLimit(rate.Limit(20))
		if q.cfg.OnMemoryThrottle != nil {
			q.cfg.OnMemoryThrottle(q.cfg.ThrottledConcurrent, mem)
		}
	} else {
		limiter.SetLimit(rate.Limit(200))
		if q.cfg.OnMemoryThrottle != nil {
			q.cfg.OnMemoryThrottle(q.cfg.MaxConcurrent, mem)
		}
	}
	return true
}

// dispatch admits as many handlers as the current cap and queue contents
// allow, skipping paths already checked out elsewhere. checkout() itself
// enforces the (possibly throttled) concurrency cap against the active set,
// so repeated calls here naturally stop once the cap is reached.
func (q *Queue) dispatch(wg *sync.WaitGroup, handler Handler) {
	for {
		path, ok := q.checkout()
		if !ok {
			return
		}

		wg.Add(1)
		go func(p string) {
			defer wg.Done()
			defer q.release(p)

			err := safeCall(handler, p)
			q.mu.Lock()
			if err != nil {
				q.stats.Failed++
				q.log.Warn("handler failed for %s: %v", p, err)
			} else {
				q.stats.Completed++
			}
			onProgress := q.cfg.OnProgress
			snapshot := q.stats
			snapshot.Queued = len(q.items)
			q.mu.Unlock()
			if onProgress != nil {
				onProgress(snapshot)
			}
		}(path)
	}
}

// checkout pops the first queued path not already active, admission-gated
// by pause state and the current (possibly throttled) cap. Returns ok=false
// when nothing is eligible right now.
func (q *Queue) checkout() (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.paused {
		return "", false
	}
	limit := q.cfg.MaxConcurrent
	if q.throttled {
		limit = q.cfg.ThrottledConcurrent
	}
	if len(q.active) >= limit {
		return "", false
	}

	for i, p := range q.items {
		if q.active[p] {
			continue
		}
		q.items = append(q.items[:i], q.items[i+1:]...)
		q.active[p] = true
		q.stats.Processing = len(q.active)
		return p, true
	}
	return "", false
}

func (q *Queue) release(path string) {
	q.mu.Lock()
	delete(q.active, path)
	q.stats.Processing = len(q.active)
	q.mu.Unlock()
}

func safeCall(handler Handler, path string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{recovered: r}
		}
	}()
	return handler(path)
}

type panicError struct{ recovered any }

func (e *panicError) Error() string { return "handler panicked" }
