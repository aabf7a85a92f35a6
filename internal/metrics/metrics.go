// Package metrics aggregates the collectors each queue/pool collaborator
// exposes piecemeal into a single prometheus.Registry, served over a
// loopback HTTP listener. This is the supplemented "ambient observability"
// concern SPEC_FULL.md's Domain Stack calls for — the teacher repo is a
// one-shot CLI with no metrics surface, so there is no teacher grounding
// for this package's shape; it is grounded instead on the conventional
// github.com/prometheus/client_golang/prometheus/promhttp pattern the rest
// of the ecosystem uses, and on the Collectors()-style registration
// already established by internal/embedpool.
package metrics

import (
	"context"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/screenager/driftmind/internal/logging"
)

// FileQueueStats is the subset of fqueue.Stats metrics cares about.
type FileQueueStats struct {
	Queued, Processing, Completed, Failed int
}

// EmbedQueueStats is the subset of embedqueue state metrics cares about.
type EmbedQueueStats struct {
	Pending         int
	Backpressured   bool
}

// WriteQueueState is the subset of writequeue.State metrics cares about.
type WriteQueueState struct {
	Queued, Completed, Failed int
	Writing                   bool
}

// Sources are pollable snapshot functions, one per collaborator. Any may
// be nil if that collaborator isn't wired in this process.
type Sources struct {
	FileQueueStats  func() FileQueueStats
	EmbedQueueStats func() EmbedQueueStats
	WriteQueueState func() WriteQueueState
}

// Registry owns the prometheus registry and the collectors polling Sources.
type Registry struct {
	reg    *prometheus.Registry
	server *http.Server
	log    *logging.Logger
}

// New builds a Registry wired to sources and any extra collectors (e.g.
// embedpool.Collectors()) the caller already constructed.
func New(sources Sources, log *logging.Logger, extra ...prometheus.Collector) *Registry {
	reg := prometheus.NewRegistry()

	if sources.FileQueueStats != nil {
		reg.MustRegister(
			newFuncGauge("driftmind_file_queue_depth", "Files waiting in the file queue.", func() float64 { return float64(sources.FileQueueStats().Queued) }),
			newFuncGauge("driftmind_file_queue_processing", "Files currently being processed.", func() float64 { return float64(sources.FileQueueStats().Processing) }),
			newFuncGauge("driftmind_file_queue_completed_total", "Files the file queue has finished processing.", func() float64 { return float64(sources.FileQueueStats().Completed) }),
			newFuncGauge("driftmind_file_queue_failed_total", "Files the file queue failed to process.", func() float64 { return float64(sources.FileQueueStats().Failed) }),
		)
	}
	if sources.EmbedQueueStats != nil {
		reg.MustRegister(
			newFuncGauge("driftmind_embed_queue_pending", "Chunks waiting to be embedded.", func() float64 { return float64(sources.EmbedQueueStats().Pending) }),
			newFuncGauge("driftmind_embed_queue_backpressure", "1 if the embedding queue is signalling backpressure.", func() float64 {
				if sources.EmbedQueueStats().Backpressured {
					return 1
				}
				return 0
			}),
		)
	}
	if sources.WriteQueueState != nil {
		reg.MustRegister(
			newFuncGauge("driftmind_write_queue_depth", "Transactions waiting in the write queue.", func() float64 { return float64(sources.WriteQueueState().Queued) }),
			newFuncGauge("driftmind_write_queue_writing", "1 if the write queue is currently writing a batch.", func() float64 {
				if sources.WriteQueueState().Writing {
					return 1
				}
				return 0
			}),
			newFuncGauge("driftmind_write_queue_completed_total", "Write batches committed.", func() float64 { return float64(sources.WriteQueueState().Completed) }),
			newFuncGauge("driftmind_write_queue_failed_total", "Write batches that failed permanently.", func() float64 { return float64(sources.WriteQueueState().Failed) }),
		)
	}
	for _, c := range extra {
		reg.MustRegister(c)
	}

	return &Registry{reg: reg, log: log}
}

func newFuncGauge(name, help string, fn func() float64) prometheus.Collector {
	return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, fn)
}

// Serve starts the /metrics HTTP listener on a loopback address (e.g.
// "127.0.0.1:0" to pick an ephemeral port) and returns the address it
// bound to. Call Shutdown to stop it.
func (r *Registry) Serve(addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{}))
	r.server = &http.Server{Handler: mux}

	go func() {
		if err := r.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			if r.log != nil {
				r.log.Warn("metrics server stopped: %v", err)
			}
		}
	}()
	return ln.Addr().String(), nil
}

// Shutdown stops the HTTP listener, if one was started.
func (r *Registry) Shutdown(ctx context.Context) error {
	if r.server == nil {
		return nil
	}
	return r.server.Shutdown(ctx)
}
