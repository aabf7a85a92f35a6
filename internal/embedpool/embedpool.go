// Package embedpool implements the embedder pool from spec.md §4.7: a
// round-robin dispatcher over a fixed number of isolated embedder-child
// slots, with a per-slot health policy that triggers restarts. Grounded on
// the teacher's single in-process embedder wrapped by internal/index.Index
// (internal/embed/embedder.go), generalized from "one embedder, called
// in-process" into "N embedder slots, dispatched round-robin, each
// restartable independently." Health gauges use
// github.com/prometheus/client_golang, the metrics library carried in
// from the rest of the pack (e.g. straga-Mimir_lite's /metrics surface)
// since the teacher itself ships no metrics endpoint.
package embedpool

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/screenager/driftmind/internal/errs"
	"github.com/screenager/driftmind/internal/logging"
)

// Client is the pool's view of one embedder child. A concrete
// implementation lives in internal/embedproc, talking IPC to the actual
// child process; tests substitute a fake.
type Client interface {
	Embed(texts []string, isQuery bool) ([][]float32, error)
	MemoryMB() float64
	Restart() error
	Close() error
}

// Factory spawns a fresh Client for slot index i, used both at
// initialize() and whenever a slot is restarted.
type Factory func(slot int) (Client, error)

// Config mirrors spec.md §4.7's pool configuration.
type Config struct {
	PoolSize              int
	MaxFilesBeforeRestart int
	MaxMemoryMB           float64
	ErrorBudget           int
	MaxRetries            int
}

type slotState struct {
	client            Client
	ready             bool
	filesProcessed    int
	consecutiveErrors int
}

// SlotStats is one slot's snapshot for getStats().
type SlotStats struct {
	Slot              int
	Ready             bool
	FilesProcessed    int
	MemoryMB          float64
	ConsecutiveErrors int
}

// Pool is the round-robin embedder dispatcher.
type Pool struct {
	cfg     Config
	factory Factory
	log     *logging.Logger

	mu    sync.Mutex
	slots []*slotState
	next  int

	restartsTotal  prometheus.Counter
	slotReadyGauge *prometheus.GaugeVec
}

// New builds an uninitialized Pool. Call Initialize before Embed.
func New(cfg Config, factory Factory) *Pool {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.ErrorBudget <= 0 {
		cfg.ErrorBudget = 3
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = cfg.PoolSize
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		log:     logging.New("embedpool"),
		restartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "driftmind_embedder_restarts_total",
			Help: "Total embedder child restarts triggered by the health policy.",
		}),
		slotReadyGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "driftmind_embedder_slot_ready",
			Help: "1 if the embedder slot is ready to accept work, 0 otherwise.",
		}, []string{"slot"}),
	}
}

// Collectors exposes the pool's prometheus collectors for registration by
// the metrics package.
func (p *Pool) Collectors() []prometheus.Collector {
	return []prometheus.Collector{p.restartsTotal, p.slotReadyGauge}
}

// Initialize spawns PoolSize slots via the factory. The first failure
// spawning any slot aborts initialization.
func (p *Pool) Initialize() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.slots = make([]*slotState, p.cfg.PoolSize)
	for i := range p.slots {
		c, err := p.factory(i)
		if err != nil {
			return errs.Wrap(errs.KindEmbedder, fmt.Sprintf("spawn slot %d", i), err)
		}
		p.slots[i] = &slotState{client: c, ready: true}
		p.slotReadyGauge.WithLabelValues(fmt.Sprint(i)).Set(1)
	}
	return nil
}

// Embed dispatches texts to the next eligible (ready) slot round-robin,
// retrying on another eligible slot up to MaxRetries on failure.
func (p *Pool) Embed(texts []string, isQuery bool) ([][]float32, error) {
	var lastErr error
	for attempt := 0; attempt < p.cfg.MaxRetries; attempt++ {
		slot, client, ok := p.pickReady()
		if !ok {
			return nil, errs.New(errs.KindEmbedder, "no ready embedder slot")
		}
		vectors, err := p.EmbedWithId(texts, isQuery, slot, client)
		if err == nil {
			return vectors, nil
		}
		lastErr = err
	}
	return nil, errs.Wrap(errs.KindEmbedder, "embed retries exhausted", lastErr)
}

// EmbedWithId dispatches to a specific slot, applying the health policy
// afterward. Exposed separately so callers that own slot assignment (e.g.
// the embedding queue handing a batch to a particular slot) can bypass
// round-robin selection.
func (p *Pool) EmbedWithId(texts []string, isQuery bool, slot int, client Client) ([][]float32, error) {
	vectors, err := client.Embed(texts, isQuery)

	p.mu.Lock()
	st := p.slots[slot]
	firstFile := st.filesProcessed == 0 // startup protection: evaluated before this call counts
	if err != nil {
		st.consecutiveErrors++
	} else {
		st.consecutiveErrors = 0
		st.filesProcessed++
	}
	var needsRestart bool
	if !firstFile {
		needsRestart = p.shouldRestartLocked(st)
	}
	p.mu.Unlock()

	if needsRestart {
		p.restartSlot(slot)
	}
	return vectors, err
}

// PickSlot exposes pickReady to callers that own their own dispatch loop
// (the embedding queue's per-slot batch dispatcher), so they can pair a
// slot with EmbedWithId without reimplementing round-robin selection.
func (p *Pool) PickSlot() (int, Client, bool) {
	return p.pickReady()
}

// pickReady returns the next ready slot round-robin and its client.
func (p *Pool) pickReady() (int, Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.slots)
	for i := 0; i < n; i++ {
		idx := (p.next + i) % n
		if p.slots[idx] != nil && p.slots[idx].ready {
			p.next = (idx + 1) % n
			return idx, p.slots[idx].client, true
		}
	}
	return 0, nil, false
}

// shouldRestartLocked applies spec.md §4.7's health policy. The caller
// must hold p.mu and must not call this for a slot's first processed
// file (see the firstFile exemption in EmbedWithId).
func (p *Pool) shouldRestartLocked(st *slotState) bool {
	if st.filesProcessed > p.cfg.MaxFilesBeforeRestart {
		return true
	}
	if p.cfg.MaxMemoryMB > 0 && st.client.MemoryMB() > p.cfg.MaxMemoryMB {
		return true
	}
	if st.consecutiveErrors >= p.cfg.ErrorBudget {
		return true
	}
	return false
}

// RestartEmbedder restarts one slot.
func (p *Pool) RestartEmbedder(slot int) error {
	return p.restartSlot(slot)
}

// RestartAll restarts every slot.
func (p *Pool) RestartAll() error {
	p.mu.Lock()
	n := len(p.slots)
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		if err := p.restartSlot(i); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) restartSlot(slot int) error {
	p.mu.Lock()
	st := p.slots[slot]
	st.ready = false
	p.slotReadyGauge.WithLabelValues(fmt.Sprint(slot)).Set(0)
	old := st.client
	p.mu.Unlock()

	p.restartsTotal.Inc()
	p.log.Warn("restarting embedder slot %d", slot)
	_ = old.Close()

	fresh, err := p.factory(slot)
	if err != nil {
		return errs.Wrap(errs.KindEmbedder, fmt.Sprintf("restart slot %d", slot), err)
	}

	p.mu.Lock()
	p.slots[slot] = &slotState{client: fresh, ready: true}
	p.slotReadyGauge.WithLabelValues(fmt.Sprint(slot)).Set(1)
	p.mu.Unlock()
	return nil
}

// GetStats returns a snapshot of every slot.
func (p *Pool) GetStats() []SlotStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SlotStats, len(p.slots))
	for i, st := range p.slots {
		mem := 0.0
		if st.ready {
			mem = st.client.MemoryMB()
		}
		out[i] = SlotStats{
			Slot: i, Ready: st.ready, FilesProcessed: st.filesProcessed,
			MemoryMB: mem, ConsecutiveErrors: st.consecutiveErrors,
		}
	}
	return out
}

// Dispose closes every slot's client.
func (p *Pool) Dispose() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, st := range p.slots {
		if st == nil {
			continue
		}
		if err := st.client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
