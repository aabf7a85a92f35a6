// Package shutdown implements the shutdown orchestrator from spec.md
// §4.11: a fixed, ordered sequence of teardown steps that keeps running
// past individual step failures so the two steps that matter most —
// clearing intervals and closing the store — always happen. Grounded on
// the teacher's defer idx.Close()/idx.Flush() discipline in
// cmd/sift/main.go, generalized from "defer runs on the way out" into an
// explicit step list with its own timeout and error-reporting policy per
// step, since the teacher has nothing to drain but a single index.
package shutdown

import (
	"context"
	"time"

	"github.com/getsentry/sentry-go"
)

// Step names the ten ordered steps spec.md §4.11 lists.
type Step string

const (
	StepCloseWatcher     Step = "close_watcher"
	StepDrainFileQueue   Step = "drain_file_queue"
	StepDrainEmbedQueue  Step = "drain_embed_queue"
	StepDrainWriteQueue  Step = "drain_write_queue"
	StepClearHealthTimer Step = "clear_health_timer"
	StepClearMemTimer    Step = "clear_memory_timer"
	StepShutdownPool     Step = "shutdown_embedder_pool"
	StepStopSidecar      Step = "stop_sidecar"
	StepCloseDatabase    Step = "close_database"
	StepProfilingReport  Step = "profiling_report"
)

// critical steps are every step except the last (profiling report).
var criticalSteps = map[Step]bool{
	StepCloseWatcher:     true,
	StepDrainFileQueue:   true,
	StepDrainEmbedQueue:  true,
	StepDrainWriteQueue:  true,
	StepClearHealthTimer: true,
	StepClearMemTimer:    true,
	StepShutdownPool:     true,
	StepStopSidecar:      true,
	StepCloseDatabase:    true,
}

// StepResult records the outcome of a single step.
type StepResult struct {
	Step     Step
	Success  bool
	TimedOut bool
	Error    error
	Duration time.Duration
}

// Result is the overall shutdown outcome.
type Result struct {
	Steps   []StepResult
	Success bool // true only if every critical step succeeded
}

// StepFunc is a teardown action. Run fixes each step's timeout: only the
// embed and write queue drains have one (from Options).
type StepFunc func(ctx context.Context) error

// step pairs a named action with its timeout policy.
type step struct {
	name    Step
	fn      StepFunc
	timeout time.Duration // 0 = no timeout
}

// Hooks are the actual teardown actions, one per named step. A nil hook is
// treated as an immediate no-op success, so callers can omit collaborators
// they never wired (e.g. no sidecar service).
type Hooks struct {
	CloseWatcher     StepFunc
	DrainFileQueue   StepFunc
	DrainEmbedQueue  StepFunc
	DrainWriteQueue  StepFunc
	ClearHealthTimer StepFunc
	ClearMemoryTimer StepFunc
	ShutdownPool     StepFunc
	StopSidecar      StepFunc
	CloseDatabase    StepFunc
	ProfilingReport  StepFunc
}

// Options sets the two timeout-bearing steps' budgets: Tq (embedding queue
// drain) and Tw (write queue drain).
type Options struct {
	EmbedQueueTimeout time.Duration
	WriteQueueTimeout time.Duration
}

// Run executes every step in order, continuing past failures and timeouts,
// and returns a full report. The file queue drain (step 2) and database
// close (step 9) never use a timeout — the former must run to completion,
// the latter is the one thing that must always happen.
func Run(ctx context.Context, hooks Hooks, opts Options) Result {
	steps := []step{
		{StepCloseWatcher, hooks.CloseWatcher, 0},
		{StepDrainFileQueue, hooks.DrainFileQueue, 0},
		{StepDrainEmbedQueue, hooks.DrainEmbedQueue, opts.EmbedQueueTimeout},
		{StepDrainWriteQueue, hooks.DrainWriteQueue, opts.WriteQueueTimeout},
		{StepClearHealthTimer, hooks.ClearHealthTimer, 0},
		{StepClearMemTimer, hooks.ClearMemoryTimer, 0},
		{StepShutdownPool, hooks.ShutdownPool, 0},
		{StepStopSidecar, hooks.StopSidecar, 0},
		{StepCloseDatabase, hooks.CloseDatabase, 0},
		{StepProfilingReport, hooks.ProfilingReport, 0},
	}

	var res Result
	res.Success = true

	for _, s := range steps {
		r := runStep(ctx, s)
		res.Steps = append(res.Steps, r)
		if !r.Success && criticalSteps[s.name] {
			res.Success = false
		}
		if r.Error != nil {
			sentry.CaptureException(r.Error)
		}
	}
	return res
}

func runStep(ctx context.Context, s step) StepResult {
	if s.fn == nil {
		return StepResult{Step: s.name, Success: true}
	}

	start := time.Now()
	runCtx := ctx
	var cancel context.CancelFunc
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	errCh := make(chan error, 1)
	go func() { errCh <- s.fn(runCtx) }()

	select {
	case err := <-errCh:
		return StepResult{Step: s.name, Success: err == nil, Error: err, Duration: time.Since(start)}
	case <-runCtx.Done():
		if s.timeout <= 0 {
			// No timeout configured: block until fn actually returns,
			// since runCtx here only tracks the parent ctx (e.g. process
			// signal), not a step deadline.
			err := <-errCh
			return StepResult{Step: s.name, Success: err == nil, Error: err, Duration: time.Since(start)}
		}
		return StepResult{Step: s.name, Success: false, TimedOut: true, Error: runCtx.Err(), Duration: time.Since(start)}
	}
}
