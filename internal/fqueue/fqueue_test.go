package fqueue

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestFIFOOrderSingleProducer(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})
	var mu sync.Mutex
	var started []string

	paths := []string{"a", "b", "c", "d"}
	q.Add(paths)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Process(stop, func(p string) error {
			mu.Lock()
			started = append(started, p)
			mu.Unlock()
			return nil
		}, nil)
		close(done)
	}()

	waitForStats(t, q, func(s Stats) bool { return s.Completed == len(paths) })
	close(stop)
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, p := range paths {
		if started[i] != p {
			t.Fatalf("expected FIFO order %v, got %v", paths, started)
		}
	}
}

func TestMaxConcurrentNeverExceeded(t *testing.T) {
	const maxConcurrent = 3
	q := New(Config{MaxConcurrent: maxConcurrent})

	var inFlight int32
	var maxSeen int32
	paths := make([]string, 20)
	for i := range paths {
		paths[i] = fmt.Sprintf("f%d", i)
	}
	q.Add(paths)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Process(stop, func(p string) error {
			n := atomic.AddInt32(&inFlight, 1)
			for {
				cur := atomic.LoadInt32(&maxSeen)
				if n <= cur || atomic.CompareAndSwapInt32(&maxSeen, cur, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}, nil)
		close(done)
	}()

	waitForStats(t, q, func(s Stats) bool { return s.Completed == len(paths) })
	close(stop)
	<-done

	if maxSeen > maxConcurrent {
		t.Errorf("expected processing to never exceed %d, saw %d", maxConcurrent, maxSeen)
	}
}

// TestMemoryThrottle reproduces spec.md §8 scenario 3.
func TestMemoryThrottle(t *testing.T) {
	const maxConcurrent = 5
	const throttled = 2
	var mem int64 = 500 // below threshold initially

	var throttleEvents []struct {
		cap int
		mem float64
	}
	var evMu sync.Mutex

	q := New(Config{
		MaxConcurrent:       maxConcurrent,
		ThrottledConcurrent: throttled,
		MemoryThresholdMB:   800,
		OnMemoryThrottle: func(newCap int, m float64) {
			evMu.Lock()
			throttleEvents = append(throttleEvents, struct {
				cap int
				mem float64
			}{newCap, m})
			evMu.Unlock()
		},
	})

	var inFlight int32
	var maxSeenDuringThrottle int32
	var throttledNow int32

	paths := make([]string, 15)
	for i := range paths {
		paths[i] = fmt.Sprintf("f%d", i)
	}
	q.Add(paths)

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Process(stop, func(p string) error {
			n := atomic.AddInt32(&inFlight, 1)
			if atomic.LoadInt32(&throttledNow) == 1 {
				for {
					cur := atomic.LoadInt32(&maxSeenDuringThrottle)
					if n <= cur || atomic.CompareAndSwapInt32(&maxSeenDuringThrottle, cur, n) {
						break
					}
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&inFlight, -1)
			return nil
		}, func() float64 {
			return float64(atomic.LoadInt64(&mem))
		})
		close(done)
	}()

	// Let 5 handlers get in-flight, then raise memory.
	waitForStats(t, q, func(s Stats) bool { return s.Processing >= maxConcurrent })
	atomic.StoreInt64(&mem, 850)
	atomic.StoreInt32(&throttledNow, 1)

	waitFor(t, func() bool {
		evMu.Lock()
		defer evMu.Unlock()
		return len(throttleEvents) >= 1
	})

	time.Sleep(60 * time.Millisecond) // observe a few dispatch ticks under throttle
	atomic.StoreInt32(&throttledNow, 0)
	atomic.StoreInt64(&mem, 500)

	waitForStats(t, q, func(s Stats) bool { return s.Completed == len(paths) })
	close(stop)
	<-done

	if maxSeenDuringThrottle > throttled {
		t.Errorf("expected processing <= %d during throttle, saw %d", throttled, maxSeenDuringThrottle)
	}

	evMu.Lock()
	defer evMu.Unlock()
	if len(throttleEvents) < 2 {
		t.Fatalf("expected a throttle-down and throttle-up callback, got %+v", throttleEvents)
	}
	if throttleEvents[0].cap != throttled || throttleEvents[0].mem < 800 {
		t.Errorf("expected first callback to report throttled cap, got %+v", throttleEvents[0])
	}
	last := throttleEvents[len(throttleEvents)-1]
	if last.cap != maxConcurrent {
		t.Errorf("expected last callback to restore cap to %d, got %+v", maxConcurrent, last)
	}
}

func TestPauseAdmitsNoNewHandlers(t *testing.T) {
	q := New(Config{MaxConcurrent: 2})
	q.Pause()
	q.Add([]string{"a", "b"})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Process(stop, func(p string) error { return nil }, nil)
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	if s := q.GetStats(); s.Completed != 0 {
		t.Errorf("expected paused queue to admit nothing, completed=%d", s.Completed)
	}

	q.Resume()
	waitForStats(t, q, func(s Stats) bool { return s.Completed == 2 })
	close(stop)
	<-done
}

func TestFailedHandlerDoesNotStopQueue(t *testing.T) {
	q := New(Config{MaxConcurrent: 1})
	q.Add([]string{"ok1", "bad", "ok2"})

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Process(stop, func(p string) error {
			if p == "bad" {
				return fmt.Errorf("boom")
			}
			return nil
		}, nil)
		close(done)
	}()

	waitForStats(t, q, func(s Stats) bool { return s.Completed+s.Failed == 3 })
	close(stop)
	<-done

	s := q.GetStats()
	if s.Failed != 1 || s.Completed != 2 {
		t.Errorf("expected 1 failed, 2 completed, got %+v", s)
	}
}

func TestCheckoutDedupByPath(t *testing.T) {
	q := New(Config{MaxConcurrent: 4})
	q.Add([]string{"dup", "dup", "dup"})

	var concurrentDup int32
	var maxConcurrentDup int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		q.Process(stop, func(p string) error {
			n := atomic.AddInt32(&concurrentDup, 1)
			for {
				cur := atomic.LoadInt32(&maxConcurrentDup)
				if n <= cur || atomic.CompareAndSwapInt32(&maxConcurrentDup, cur, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&concurrentDup, -1)
			return nil
		}, nil)
		close(done)
	}()

	waitForStats(t, q, func(s Stats) bool { return s.Completed == 3 })
	close(stop)
	<-done

	if maxConcurrentDup > 1 {
		t.Errorf("expected the same path to never run concurrently, saw %d", maxConcurrentDup)
	}
}

func waitForStats(t *testing.T, q *Queue, pred func(Stats) bool) {
	t.Helper()
	waitFor(t, func() bool { return pred(q.GetStats()) })
}

func waitFor(t *testing.T, pred func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pred() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
