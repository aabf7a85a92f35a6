// Package startup implements the startup coordinator from spec.md §4.10:
// a fixed sequence of typed stages, each with its own timeout, publishing
// progress on a startup:stage channel and failing the whole sequence with
// a typed startup:error on any stage timeout. Grounded on the teacher's
// cmd/sift/main.go indexDirs/ensureModel startup flow (show progress,
// wait for the model, wait for the scan) generalized into an explicit
// state machine with monotonic stage transitions, since the teacher's CLI
// startup has no multi-process handshake to coordinate. A failure's cause
// is passed to github.com/getsentry/sentry-go's CaptureException; nothing
// in this module calls sentry.Init, so no event is actually sent. No pack
// repo ships crash reporting, so this is adopted
// directly from the rest of the Go ecosystem per SPEC_FULL.md's ambient
// stack section.
package startup

import (
	"context"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"

	"github.com/screenager/driftmind/internal/errs"
)

// Stage is one of the closed set of stages named in spec.md §6/§4.10.
type Stage string

const (
	StageWorkerSpawn  Stage = "worker_spawn"
	StageDBInit       Stage = "db_init"
	StageDBLoad       Stage = "db_load"
	StageFolderScan   Stage = "folder_scan"
	StageSidecarStart Stage = "sidecar_start"
	StageDownloading  Stage = "downloading"
	StageSidecarReady Stage = "sidecar_ready"
	StageEmbedderInit Stage = "embedder_init"
	StageReady        Stage = "ready"
	StageError        Stage = "error" // implicit, reachable from any stage
)

// order fixes the monotonic-forward sequence; StageError is reachable
// from anywhere and isn't part of it.
var order = []Stage{
	StageWorkerSpawn, StageDBInit, StageDBLoad, StageFolderScan,
	StageSidecarStart, StageDownloading, StageSidecarReady, StageEmbedderInit, StageReady,
}

func rank(s Stage) int {
	for i, o := range order {
		if o == s {
			return i
		}
	}
	return -1
}

// StageMsg is pushed on the startup:stage channel.
type StageMsg struct {
	Stage    Stage
	Message  string
	Progress float64
}

// ErrorCode is one of the closed set of startup:error codes.
type ErrorCode string

const (
	CodeOllamaNotFound      ErrorCode = "OLLAMA_NOT_FOUND"
	CodeOllamaStartFailed   ErrorCode = "OLLAMA_START_FAILED"
	CodeModelDownloadFailed ErrorCode = "MODEL_DOWNLOAD_FAILED"
	CodeEmbedderInitFailed  ErrorCode = "EMBEDDER_INIT_FAILED"
	CodeStartupTimeout      ErrorCode = "STARTUP_TIMEOUT"
)

// ErrorMsg is pushed on the startup:error channel.
type ErrorMsg struct {
	Code    ErrorCode
	Message string
	Details any
}

// FileStats is the summary notifyFilesLoaded receives, from waitForStats.
type FileStats struct {
	TotalFiles   int
	IndexedFiles int
}

// Sensors are the blocking waits the coordinator sequences.
type Sensors struct {
	WaitForWorker func(ctx context.Context) error
	WaitForModel  func(ctx context.Context) error
	WaitForFiles  func(ctx context.Context) error
	WaitForStats  func(ctx context.Context) (FileStats, error)
}

// Actions are the UI-facing callbacks invoked at fixed points.
type Actions struct {
	ShowWindow        func()
	NotifyFilesLoaded func(FileStats)
	NotifyReady       func()
	NotifyError       func(ErrorMsg)
}

// Options bounds wait durations.
type Options struct {
	WorkerTimeout time.Duration
	ModelTimeout  time.Duration
}

// Coordinator runs the startup protocol exactly once.
type Coordinator struct {
	sensors Sensors
	actions Actions
	opts    Options
	onStage func(StageMsg)

	mu        sync.Mutex
	lastRank  int
	cancelFns []context.CancelFunc
}

// New builds a Coordinator. onStage is called for every stage transition,
// including the final implicit "error" stage on failure.
func New(sensors Sensors, actions Actions, opts Options, onStage func(StageMsg)) *Coordinator {
	if opts.WorkerTimeout <= 0 {
		opts.WorkerTimeout = 30 * time.Second
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = 2 * time.Minute
	}
	return &Coordinator{sensors: sensors, actions: actions, opts: opts, onStage: onStage, lastRank: -1}
}

// Run executes the full protocol: show the UI, wait for the worker, wait
// for the model and the folder scan in parallel, load stats, then
// declare readiness. The first failure aborts the whole sequence.
func (c *Coordinator) Run(ctx context.Context) error {
	if c.actions.ShowWindow != nil {
		c.actions.ShowWindow()
	}

	c.emit(StageWorkerSpawn, "", 0)
	if err := c.await(ctx, c.sensors.WaitForWorker, c.opts.WorkerTimeout); err != nil {
		return c.fail(CodeStartupTimeout, "worker failed to start", err)
	}

	c.emit(StageDBInit, "", 0.2)
	c.emit(StageDBLoad, "", 0.3)
	c.emit(StageFolderScan, "", 0.4)
	c.emit(StageSidecarStart, "", 0.5)

	var modelErr, filesErr error
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); modelErr = c.await(ctx, c.sensors.WaitForModel, c.opts.ModelTimeout) }()
	go func() { defer wg.Done(); filesErr = c.await(ctx, c.sensors.WaitForFiles, c.opts.ModelTimeout) }()
	c.emit(StageDownloading, "", 0.6)
	wg.Wait()

	if modelErr != nil {
		return c.fail(CodeModelDownloadFailed, "model download or init failed", modelErr)
	}
	if filesErr != nil {
		return c.fail(CodeStartupTimeout, "folder scan failed", filesErr)
	}

	c.emit(StageSidecarReady, "", 0.8)
	c.emit(StageEmbedderInit, "", 0.9)

	stats, err := c.sensors.WaitForStats(ctx)
	if err != nil {
		return c.fail(CodeEmbedderInitFailed, "failed to load stats", err)
	}
	if c.actions.NotifyFilesLoaded != nil {
		c.actions.NotifyFilesLoaded(stats)
	}

	c.emit(StageReady, "", 1)
	if c.actions.NotifyReady != nil {
		c.actions.NotifyReady()
	}
	return nil
}

// Dispose cancels every outstanding timeout context, for callers tearing
// down mid-startup.
func (c *Coordinator) Dispose() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cancel := range c.cancelFns {
		cancel()
	}
	c.cancelFns = nil
}

func (c *Coordinator) await(ctx context.Context, fn func(context.Context) error, timeout time.Duration) error {
	if fn == nil {
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, timeout)
	c.mu.Lock()
	c.cancelFns = append(c.cancelFns, cancel)
	c.mu.Unlock()
	defer cancel()
	return fn(wctx)
}

// emit publishes a stage transition, enforcing that stages move forward
// monotonically: a stage ranked before the last one emitted is dropped.
// StageError has no rank and is always published.
func (c *Coordinator) emit(stage Stage, message string, progress float64) {
	c.mu.Lock()
	r := rank(stage)
	if r >= 0 && r < c.lastRank {
		c.mu.Unlock()
		return
	}
	if r >= 0 {
		c.lastRank = r
	}
	c.mu.Unlock()
	if c.onStage != nil {
		c.onStage(StageMsg{Stage: stage, Message: message, Progress: progress})
	}
}

// fail emits the implicit error stage, passes the cause to sentry (a no-op,
// as no sentry client is initialised), calls notifyError, and returns a
// typed error for the caller.
func (c *Coordinator) fail(code ErrorCode, message string, cause error) error {
	c.emit(StageError, message, 0)
	sentry.CaptureException(cause)
	if c.actions.NotifyError != nil {
		c.actions.NotifyError(ErrorMsg{Code: code, Message: message, Details: cause})
	}
	return errs.Wrap(errs.KindTimeout, string(code)+": "+message, cause)
}
