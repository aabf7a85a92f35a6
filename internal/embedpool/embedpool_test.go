package embedpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
)

type fakeClient struct {
	mu        sync.Mutex
	closed    bool
	failNext  bool
	calls     int32
	memoryMB  float64
}

func (f *fakeClient) Embed(texts []string, isQuery bool) ([][]float32, error) {
	atomic.AddInt32(&f.calls, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, fmt.Errorf("boom")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 2, 3}
	}
	return out, nil
}

func (f *fakeClient) MemoryMB() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memoryMB
}

func (f *fakeClient) Restart() error { return nil }
func (f *fakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func newFakePool(t *testing.T, size int) (*Pool, []*fakeClient) {
	t.Helper()
	clients := make([]*fakeClient, size)
	p := New(Config{PoolSize: size, MaxFilesBeforeRestart: 1000, ErrorBudget: 3}, func(slot int) (Client, error) {
		c := &fakeClient{}
		clients[slot] = c
		return c, nil
	})
	if err := p.Initialize(); err != nil {
		t.Fatal(err)
	}
	return p, clients
}

func TestRoundRobinDispatch(t *testing.T) {
	p, clients := newFakePool(t, 3)
	for i := 0; i < 6; i++ {
		if _, err := p.Embed([]string{"x"}, false); err != nil {
			t.Fatal(err)
		}
	}
	for i, c := range clients {
		if atomic.LoadInt32(&c.calls) != 2 {
			t.Errorf("slot %d: expected 2 calls under round-robin, got %d", i, c.calls)
		}
	}
}

func TestFirstFileNeverTriggersRestart(t *testing.T) {
	p, clients := newFakePool(t, 1)
	clients[0].memoryMB = 1 << 20 // absurdly high, would trigger restart after the first file
	p.cfg.MaxMemoryMB = 100

	if _, err := p.Embed([]string{"x"}, false); err != nil {
		t.Fatal(err)
	}
	stats := p.GetStats()
	if !stats[0].Ready {
		t.Fatal("expected the first file processed by a fresh slot to never trigger a restart")
	}
}

func TestRestartOnConsecutiveErrors(t *testing.T) {
	p, clients := newFakePool(t, 1)
	// Warm the slot past the startup-protection window with one success.
	if _, err := p.Embed([]string{"x"}, false); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		clients[0].mu.Lock()
		clients[0].failNext = true
		clients[0].mu.Unlock()
		p.Embed([]string{"x"}, false)
	}

	stats := p.GetStats()
	if stats[0].ConsecutiveErrors != 0 {
		t.Errorf("expected restart to reset error count, got %d", stats[0].ConsecutiveErrors)
	}
}

func TestRetryOnAnotherSlot(t *testing.T) {
	p, clients := newFakePool(t, 2)
	clients[0].failNext = true // first dispatch (slot 0, round robin) fails

	vectors, err := p.Embed([]string{"x"}, false)
	if err != nil {
		t.Fatalf("expected retry on a different slot to succeed, got %v", err)
	}
	if len(vectors) != 1 {
		t.Fatalf("expected one vector back, got %d", len(vectors))
	}
}

func TestDisposeClosesAllSlots(t *testing.T) {
	p, clients := newFakePool(t, 2)
	if err := p.Dispose(); err != nil {
		t.Fatal(err)
	}
	for i, c := range clients {
		if !c.closed {
			t.Errorf("slot %d: expected client to be closed", i)
		}
	}
}
