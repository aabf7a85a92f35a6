// Command driftworker is the worker process from spec.md §5: it owns the
// catalogue, the vector store, the embedder pool, and every queue, and
// answers the supervisor's IPC requests (init/watchStart/watchStop/
// enqueue/stats/search/progress/reindexAll/bench/shutdown) over framed
// stdio.
// Grounded on the teacher's cmd/sift/main.go, which wires the same
// collaborators (index.Open, watcher.New, parser/chunker) directly behind
// a cobra CLI; here the wiring lives behind an IPC surface instead of a
// terminal UI, per the Design Notes' multi-process model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/screenager/driftmind/internal/catalogue"
	"github.com/screenager/driftmind/internal/chunker"
	"github.com/screenager/driftmind/internal/config"
	"github.com/screenager/driftmind/internal/embedpool"
	"github.com/screenager/driftmind/internal/embedproc"
	"github.com/screenager/driftmind/internal/embedqueue"
	"github.com/screenager/driftmind/internal/fqueue"
	"github.com/screenager/driftmind/internal/ipc"
	"github.com/screenager/driftmind/internal/logging"
	"github.com/screenager/driftmind/internal/metrics"
	"github.com/screenager/driftmind/internal/migrate"
	"github.com/screenager/driftmind/internal/parser"
	"github.com/screenager/driftmind/internal/planner"
	"github.com/screenager/driftmind/internal/scanner"
	"github.com/screenager/driftmind/internal/shutdown"
	"github.com/screenager/driftmind/internal/startup"
	"github.com/screenager/driftmind/internal/store"
	"github.com/screenager/driftmind/internal/watcher"
	"github.com/screenager/driftmind/internal/writequeue"
)

func main() {
	modelDir := flag.String("model-dir", "./models", "ONNX model directory")
	ortLib := flag.String("ort-lib", "", "onnxruntime.so path")
	threads := flag.Int("threads", 0, "ONNX intra-op threads (0 = auto)")
	embedderBin := flag.String("embedder-binary", "", "path to the driftembed executable (defaults to argv[0]'s sibling)")
	poolSize := flag.Int("pool-size", 2, "embedder pool size")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:0", "loopback address to serve /metrics on")
	flag.Parse()

	if *embedderBin == "" {
		if exe, err := os.Executable(); err == nil {
			*embedderBin = filepath.Join(filepath.Dir(exe), "driftembed")
		}
	}

	log := logging.New("worker")
	conn := ipc.NewConn(os.Stdin, os.Stdout)

	w := &worker{
		log: log, conn: conn,
		modelDir: *modelDir, ortLib: *ortLib, threads: *threads,
		embedderBin: *embedderBin, poolSize: *poolSize, metricsAddr: *metricsAddr,
	}

	for {
		env, err := conn.Recv()
		if err != nil {
			w.shutdownCollaborators()
			return
		}
		go w.handle(env)
	}
}

type worker struct {
	log  *logging.Logger
	conn *ipc.Conn

	modelDir, ortLib, embedderBin, metricsAddr string
	threads, poolSize                          int

	mu         sync.Mutex
	dbDir      string
	cfg        *config.Store
	cat        *catalogue.Catalogue
	st         *store.Store
	pool       *embedpool.Pool
	embedQ     *embedqueue.Queue
	fileQ      *fqueue.Queue
	writeQ     *writequeue.Queue
	wch        *watcher.Watcher
	metricsReg *metrics.Registry
	stopFQ     chan struct{}
}

func (w *worker) handle(env ipc.Envelope) {
	var resp ipc.Envelope
	var err error

	switch env.Type {
	case "init":
		resp, err = w.handleInit(env)
	case "watchStart":
		resp, err = w.handleWatchStart(env)
	case "watchStop":
		resp, err = w.handleWatchStop(env)
	case "enqueue":
		resp, err = w.handleEnqueue(env)
	case "stats":
		resp, err = w.handleStats(env)
	case "search":
		resp, err = w.handleSearch(env)
	case "progress":
		resp, err = w.handleProgress(env)
	case "reindexAll":
		resp, err = w.handleReindexAll(env)
	case "bench":
		resp, err = w.handleBench(env)
	case "shutdown":
		resp, err = w.handleShutdown(env)
	default:
		err = fmt.Errorf("unknown request type %q", env.Type)
	}

	if err != nil {
		resp, _ = ipc.Encode(env.ID, env.Type, map[string]string{"error": err.Error()})
	}
	w.conn.Send(resp)
}

func (w *worker) pushStage(s startup.StageMsg) {
	env, _ := ipc.Encode("", "startup:stage", map[string]any{"stage": s.Stage, "message": s.Message, "progress": s.Progress})
	w.conn.Send(env)
}

func (w *worker) pushError(e startup.ErrorMsg) {
	env, _ := ipc.Encode("", "startup:error", map[string]any{"code": e.Code, "message": e.Message, "details": fmt.Sprint(e.Details)})
	w.conn.Send(env)
}

type initRequest struct {
	DBDir string `json:"dbDir"`
}

func (w *worker) handleInit(env ipc.Envelope) (ipc.Envelope, error) {
	var req initRequest
	ipc.Decode(env, &req)

	coord := startup.New(
		startup.Sensors{
			// The worker process handling this request IS the worker: the
			// supervisor already knows it's up by virtue of talking to it.
			WaitForWorker: func(ctx context.Context) error { return nil },
			WaitForModel:  func(ctx context.Context) error { return w.initModel() },
			WaitForFiles:  func(ctx context.Context) error { return w.initStores(req.DBDir) },
			WaitForStats:  func(ctx context.Context) (startup.FileStats, error) { return w.fileStats(), nil },
		},
		startup.Actions{
			ShowWindow:        func() {},
			NotifyFilesLoaded: func(startup.FileStats) {},
			NotifyReady:       func() {},
			NotifyError:       w.pushError,
		},
		startup.Options{WorkerTimeout: 10 * time.Second, ModelTimeout: 2 * time.Minute},
		w.pushStage,
	)

	if err := coord.Run(context.Background()); err != nil {
		return ipc.Envelope{}, err
	}
	w.startMetrics()
	return ipc.Encode(env.ID, "init", map[string]string{"status": "ready"})
}

// initModel runs as WaitForModel: spawn the embedder pool and start one
// dispatch loop per slot. Runs concurrently with initStores, per
// spec.md §4.10's "model and files load in parallel".
func (w *worker) initModel() error {
	factory := embedproc.NewFactory(embedproc.Config{
		BinaryPath: w.embedderBin, ModelDir: w.modelDir, OrtLibPath: w.ortLib, NumThreads: w.threads, Log: w.log,
	})
	pool := embedpool.New(embedpool.Config{
		PoolSize: w.poolSize, MaxFilesBeforeRestart: 500, MaxMemoryMB: 1500, ErrorBudget: 3, MaxRetries: 3,
	}, factory)
	if err := pool.Initialize(); err != nil {
		return err
	}

	w.mu.Lock()
	w.pool = pool
	w.embedQ = embedqueue.New(embedqueue.Config{})
	w.mu.Unlock()

	for i := 0; i < w.poolSize; i++ {
		go w.embedDispatchLoop()
	}
	return nil
}

// initStores runs as WaitForFiles: open the catalogue/store/config, run
// the migrator, and start the file queue's dispatch loop.
func (w *worker) initStores(dbDir string) error {
	dbDir = dbDirOrDefault(dbDir)

	if _, err := migrate.CheckAndMigrate(dbDir); err != nil {
		return err
	}
	cfgStore, err := config.Open(dbDir)
	if err != nil {
		return err
	}
	cat, err := catalogue.Open(dbDir)
	if err != nil {
		return err
	}
	st, err := store.Open(filepath.Join(dbDir, "chunks.store"))
	if err != nil {
		return err
	}

	fileQ := fqueue.New(fqueue.Config{MaxConcurrent: 4, ThrottledConcurrent: 1, MemoryThresholdMB: 1024})
	stopFQ := make(chan struct{})

	w.mu.Lock()
	w.dbDir = dbDir
	w.cfg, w.cat, w.st = cfgStore, cat, st
	w.writeQ = writequeue.New(w.writeToStore, writequeue.DefaultRetryPolicy())
	w.fileQ = fileQ
	w.stopFQ = stopFQ
	w.mu.Unlock()

	go fileQ.Process(stopFQ, w.processFile, nil)
	return nil
}

// startMetrics builds the prometheus registry once both the pool and the
// queues exist (i.e. after a successful startup coordinator run), since
// the embedder pool's collectors must be registered at construction time.
func (w *worker) startMetrics() {
	w.mu.Lock()
	fileQ, embedQ, writeQ, pool := w.fileQ, w.embedQ, w.writeQ, w.pool
	w.mu.Unlock()

	reg := metrics.New(metrics.Sources{
		FileQueueStats: func() metrics.FileQueueStats {
			s := fileQ.GetStats()
			return metrics.FileQueueStats{Queued: s.Queued, Processing: s.Processing, Completed: s.Completed, Failed: s.Failed}
		},
		EmbedQueueStats: func() metrics.EmbedQueueStats {
			return metrics.EmbedQueueStats{Pending: embedQ.PendingLen(), Backpressured: embedQ.ShouldApplyBackpressure()}
		},
		WriteQueueState: func() metrics.WriteQueueState {
			s := writeQ.State()
			return metrics.WriteQueueState{Queued: s.Queued, Writing: s.Writing, Completed: s.Completed, Failed: s.Failed}
		},
	}, w.log, pool.Collectors()...)

	w.mu.Lock()
	w.metricsReg = reg
	w.mu.Unlock()

	if addr, err := reg.Serve(w.metricsAddr); err == nil {
		w.log.Info("metrics listening on %s", addr)
	} else {
		w.log.Warn("metrics server failed to bind %s: %v", w.metricsAddr, err)
	}
}

func (w *worker) fileStats() startup.FileStats {
	w.mu.Lock()
	cat := w.cat
	w.mu.Unlock()
	if cat == nil {
		return startup.FileStats{}
	}
	records := cat.Scan()
	indexed := 0
	for _, r := range records {
		if r.Status == catalogue.StatusIndexed {
			indexed++
		}
	}
	return startup.FileStats{TotalFiles: len(records), IndexedFiles: indexed}
}

// processFile is the file queue's Handler: parse, chunk, enqueue for
// embedding, and wait for the resulting rows to land in the write queue.
func (w *worker) processFile(path string) error {
	text, err := parser.Parse(path)
	if err != nil {
		w.markFailed(path, err)
		return err
	}

	fi, err := os.Stat(path)
	if err != nil {
		w.markFailed(path, err)
		return err
	}

	chunks := chunker.Chunk(text, chunker.DefaultOptions())
	texts := make([]string, len(chunks))
	offsets := make([]int, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Text
		offsets[i] = c.Offset
	}

	w.mu.Lock()
	embedQ, cat := w.embedQ, w.cat
	w.mu.Unlock()

	embedQ.AddChunks(texts, path, 0, offsets, nil)
	done, _ := embedQ.WaitForCompletion(path)

	if err := <-done; err != nil {
		w.markFailed(path, err)
		return err
	}

	cat.Upsert(catalogue.Record{
		Path: path, Status: catalogue.StatusIndexed,
		FileHash:   catalogue.FileHash(fi.Size(), fi.ModTime().UnixNano()),
		ChunkCount: len(chunks), IndexedAt: time.Now(), LastModified: fi.ModTime(),
		ParserVersion: parser.Version,
	})
	embedQ.CleanupFileTracker(path)
	return nil
}

func (w *worker) markFailed(path string, cause error) {
	w.mu.Lock()
	cat := w.cat
	w.mu.Unlock()
	if cat == nil {
		return
	}
	cat.Upsert(catalogue.Record{
		Path: path, Status: catalogue.StatusFailed, LastRetry: time.Now(), ErrorMessage: cause.Error(),
	})
}

// embedDispatchLoop pairs one pool slot with the embedding queue's
// per-slot batch checkout, embedding one batch at a time on that slot and
// feeding the resulting rows to the write queue.
func (w *worker) embedDispatchLoop() {
	for {
		w.mu.Lock()
		pool, embedQ, writeQ := w.pool, w.embedQ, w.writeQ
		w.mu.Unlock()
		if pool == nil || embedQ == nil || writeQ == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		slot, client, ok := pool.PickSlot()
		if !ok {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		slotKey := fmt.Sprintf("slot-%d", slot)

		batch, ok := embedQ.DispatchBatch(slotKey)
		if !ok {
			time.Sleep(20 * time.Millisecond)
			continue
		}

		texts := make([]string, len(batch.Chunks))
		for i, c := range batch.Chunks {
			texts[i] = c.Text
		}
		vectors, err := pool.EmbedWithId(texts, false, slot, client)
		if err != nil {
			embedQ.OnEmbedderRestart(slotKey)
			continue
		}

		rows := make([]store.Row, len(batch.Chunks))
		for i, c := range batch.Chunks {
			rows[i] = store.Row{
				ID: store.ChunkID(c.Path, c.Offset), Path: c.Path, Text: c.Text,
				Offset: c.Offset, Page: c.Page, FileIndex: c.FileIndex,
			}
		}

		future := writeQ.Enqueue(rowsToWriteRows(rows, vectors))
		if err := <-future; err != nil {
			embedQ.OnEmbedderRestart(slotKey)
			continue
		}
		embedQ.MarkBatchComplete(slotKey)
	}
}

// writeRow pairs a store.Row with its embedded vector through the write
// queue's untyped Row slot.
type writeRow struct {
	Row    store.Row
	Vector []float32
}

func rowsToWriteRows(rows []store.Row, vectors [][]float32) []writequeue.Row {
	out := make([]writequeue.Row, len(rows))
	for i, r := range rows {
		out[i] = writeRow{Row: r, Vector: vectors[i]}
	}
	return out
}

func (w *worker) writeToStore(rows []writequeue.Row) error {
	w.mu.Lock()
	st := w.st
	w.mu.Unlock()

	storeRows := make([]store.Row, len(rows))
	vectors := make([][]float32, len(rows))
	for i, r := range rows {
		wr := r.(writeRow)
		storeRows[i] = wr.Row
		vectors[i] = wr.Vector
	}
	if err := st.Add(storeRows, vectors); err != nil {
		return err
	}
	return st.Flush()
}

type watchStartRequest struct {
	Roots   []string `json:"roots"`
	Options struct {
		ExcludeBundles  bool     `json:"excludeBundles"`
		BundlePatterns  []string `json:"bundlePatterns"`
		ExcludePatterns []string `json:"excludePatterns"`
	} `json:"options"`
}

func (w *worker) handleWatchStart(env ipc.Envelope) (ipc.Envelope, error) {
	var req watchStartRequest
	ipc.Decode(env, &req)

	opts := scanner.Options{
		ExcludeBundles:      req.Options.ExcludeBundles,
		BundlePatterns:      req.Options.BundlePatterns,
		ExcludePatterns:     req.Options.ExcludePatterns,
		SupportedExtensions: supportedExtensions(),
	}
	result := scanner.Scan(req.Roots, opts, func(path string, err error) {
		w.log.Warn("scan %s: %v", path, err)
	})

	w.mu.Lock()
	cat, fileQ := w.cat, w.fileQ
	w.mu.Unlock()

	discovered := make([]planner.Discovered, len(result.Files))
	for i, f := range result.Files {
		hash := ""
		if fi, err := os.Stat(f); err == nil {
			hash = catalogue.FileHash(fi.Size(), fi.ModTime().UnixNano())
		}
		discovered[i] = planner.Discovered{Path: f, FileHash: hash}
	}
	plan := planner.Build(discovered, cat.Get, cat.Scan(), req.Roots, planner.Options{
		CheckModified: true, CheckParserVersion: true, CurrentParserVersion: parser.Version,
	})

	for _, path := range plan.ToRemove {
		cat.Delete(path)
	}

	paths := make([]string, len(plan.ToIndex))
	for i, item := range plan.ToIndex {
		paths[i] = item.Path
	}
	fileQ.Add(paths)

	wch, err := watcher.New(parser.IsSupportedFile, w.log, 0)
	if err != nil {
		return ipc.Envelope{}, err
	}
	for _, root := range req.Roots {
		if err := wch.AddRoot(root); err != nil {
			w.log.Warn("watch root %s: %v", root, err)
		}
	}

	w.mu.Lock()
	w.wch = wch
	w.mu.Unlock()

	done := make(chan struct{})
	go wch.Run(done)
	go w.forwardWatchEvents(wch)

	return ipc.Encode(env.ID, "watchStart", map[string]string{"status": "ok"})
}

func (w *worker) forwardWatchEvents(wch *watcher.Watcher) {
	for e := range wch.Events {
		switch e.Kind {
		case watcher.KindAdd, watcher.KindChange:
			w.mu.Lock()
			fileQ := w.fileQ
			w.mu.Unlock()
			fileQ.Add([]string{e.Path})
		case watcher.KindUnlink:
			w.mu.Lock()
			cat, st := w.cat, w.st
			w.mu.Unlock()
			if cat != nil {
				cat.Delete(e.Path)
			}
			if st != nil {
				st.DeleteByPath(e.Path)
			}
		}
	}
}

func (w *worker) handleWatchStop(env ipc.Envelope) (ipc.Envelope, error) {
	w.mu.Lock()
	wch := w.wch
	w.wch = nil
	w.mu.Unlock()
	if wch != nil {
		wch.Close()
	}
	return ipc.Encode(env.ID, "watchStop", map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	Paths []string `json:"paths"`
}

func (w *worker) handleEnqueue(env ipc.Envelope) (ipc.Envelope, error) {
	var req enqueueRequest
	ipc.Decode(env, &req)
	w.mu.Lock()
	fileQ := w.fileQ
	w.mu.Unlock()
	fileQ.Add(req.Paths)
	return ipc.Encode(env.ID, "enqueue", map[string]string{"status": "ok"})
}

type folderStat struct {
	Folder       string `json:"folder"`
	TotalFiles   int    `json:"totalFiles"`
	IndexedFiles int    `json:"indexedFiles"`
}

func (w *worker) handleStats(env ipc.Envelope) (ipc.Envelope, error) {
	w.mu.Lock()
	cat, cfgStore, st := w.cat, w.cfg, w.st
	w.mu.Unlock()

	records := cat.Scan()
	indexed := 0
	for _, r := range records {
		if r.Status == catalogue.StatusIndexed {
			indexed++
		}
	}

	var folders []folderStat
	for _, root := range cfgStore.Get().WatchedFolders {
		total, idx := 0, 0
		for _, r := range records {
			if withinRoot(r.Path, root) {
				total++
				if r.Status == catalogue.StatusIndexed {
					idx++
				}
			}
		}
		folders = append(folders, folderStat{Folder: root, TotalFiles: total, IndexedFiles: idx})
	}

	return ipc.Encode(env.ID, "stats", map[string]any{
		"totalChunks":  st.Len(),
		"indexedFiles": indexed,
		"folderStats":  folders,
	})
}

type searchRequest struct {
	Q string `json:"q"`
	K int    `json:"k"`
}

type searchHit struct {
	Path   string  `json:"path"`
	Text   string  `json:"text"`
	Score  float32 `json:"score"`
	Offset int     `json:"offset"`
	Page   int     `json:"page,omitempty"`
}

func (w *worker) handleSearch(env ipc.Envelope) (ipc.Envelope, error) {
	var req searchRequest
	ipc.Decode(env, &req)
	if req.K <= 0 {
		req.K = 10
	}

	w.mu.Lock()
	pool, st := w.pool, w.st
	w.mu.Unlock()

	vecs, err := pool.Embed([]string{req.Q}, true)
	if err != nil {
		return ipc.Envelope{}, err
	}

	hits := st.VectorSearch(vecs[0], req.K)
	out := make([]searchHit, len(hits))
	for i, h := range hits {
		out[i] = searchHit{Path: h.Row.Path, Text: h.Row.Text, Score: h.Distance, Offset: h.Row.Offset, Page: h.Row.Page}
	}
	return ipc.Encode(env.ID, "search", out)
}

func (w *worker) handleProgress(env ipc.Envelope) (ipc.Envelope, error) {
	w.mu.Lock()
	fileQ := w.fileQ
	w.mu.Unlock()
	s := fileQ.GetStats()
	return ipc.Encode(env.ID, "progress", map[string]int{
		"queued": s.Queued, "processing": s.Processing, "errors": s.Failed,
	})
}

type reindexAllRequest struct {
	Force bool `json:"force"`
}

func (w *worker) handleReindexAll(env ipc.Envelope) (ipc.Envelope, error) {
	var req reindexAllRequest
	ipc.Decode(env, &req)

	w.mu.Lock()
	cfgStore, cat, fileQ := w.cfg, w.cat, w.fileQ
	w.mu.Unlock()

	roots := cfgStore.Get().WatchedFolders
	result := scanner.Scan(roots, scanner.Options{SupportedExtensions: supportedExtensions()}, nil)

	discovered := make([]planner.Discovered, len(result.Files))
	for i, f := range result.Files {
		hash := ""
		if fi, err := os.Stat(f); err == nil {
			hash = catalogue.FileHash(fi.Size(), fi.ModTime().UnixNano())
		}
		discovered[i] = planner.Discovered{Path: f, FileHash: hash}
	}
	plan := planner.Build(discovered, cat.Get, cat.Scan(), roots, planner.Options{
		Force: req.Force, CheckModified: true, CheckParserVersion: true, CurrentParserVersion: parser.Version,
		RetryFailed: true, RetryIntervalHours: 1,
	})

	paths := make([]string, len(plan.ToIndex))
	for i, item := range plan.ToIndex {
		paths[i] = item.Path
	}
	fileQ.Add(paths)
	return ipc.Encode(env.ID, "reindexAll", map[string]string{"status": "ok"})
}

type benchSample struct {
	Label   string `json:"label"`
	TotalMs int64  `json:"totalMs"`
}

// handleBench times a pool.Embed round trip for a handful of text sizes.
// The teacher's in-process sift bench reports separate tokenize/inference
// phases straight off the embedder; here the request only ever reaches a
// pool slot, not the embedder child directly, so only the total round trip
// (tokenize + inference + IPC to the child) is observable from the worker.
func (w *worker) handleBench(env ipc.Envelope) (ipc.Envelope, error) {
	w.mu.Lock()
	pool := w.pool
	w.mu.Unlock()
	if pool == nil {
		return ipc.Envelope{}, fmt.Errorf("bench requested before init")
	}

	samples := []struct{ label, text string }{
		{"short (9 words)", "the quick brown fox jumps over the lazy dog"},
		{"medium (50 words)", repeatWords("the quick brown fox jumps ", 10)},
		{"long (200 words)", repeatWords("the quick brown fox ", 50)},
	}

	out := make([]benchSample, len(samples))
	for i, s := range samples {
		start := time.Now()
		if _, err := pool.Embed([]string{s.text}, false); err != nil {
			return ipc.Envelope{}, fmt.Errorf("bench %s: %w", s.label, err)
		}
		out[i] = benchSample{Label: s.label, TotalMs: time.Since(start).Milliseconds()}
	}
	return ipc.Encode(env.ID, "bench", out)
}

func repeatWords(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

func (w *worker) handleShutdown(env ipc.Envelope) (ipc.Envelope, error) {
	result := w.shutdownCollaborators()
	resp, encErr := ipc.Encode(env.ID, "shutdown", result)
	go func() {
		time.Sleep(200 * time.Millisecond)
		os.Exit(0)
	}()
	return resp, encErr
}

func (w *worker) shutdownCollaborators() shutdown.Result {
	w.mu.Lock()
	wch, fileQ, embedQ, writeQ, pool, st, reg, stopFQ := w.wch, w.fileQ, w.embedQ, w.writeQ, w.pool, w.st, w.metricsReg, w.stopFQ
	w.mu.Unlock()

	return shutdown.Run(context.Background(), shutdown.Hooks{
		CloseWatcher: func(ctx context.Context) error {
			if wch == nil {
				return nil
			}
			return wch.Close()
		},
		DrainFileQueue: func(ctx context.Context) error {
			if fileQ == nil {
				return nil
			}
			if stopFQ != nil {
				close(stopFQ)
			}
			for fileQ.GetStats().Processing > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
			}
			return nil
		},
		DrainEmbedQueue: func(ctx context.Context) error {
			if embedQ == nil {
				return nil
			}
			for embedQ.PendingLen() > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
			}
			return nil
		},
		DrainWriteQueue: func(ctx context.Context) error {
			if writeQ == nil {
				return nil
			}
			for writeQ.State().Queued > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(20 * time.Millisecond):
				}
			}
			writeQ.Close()
			return nil
		},
		ClearHealthTimer: func(ctx context.Context) error { return nil },
		ClearMemoryTimer: func(ctx context.Context) error { return nil },
		ShutdownPool: func(ctx context.Context) error {
			if pool == nil {
				return nil
			}
			return pool.Dispose()
		},
		StopSidecar: func(ctx context.Context) error {
			if reg == nil {
				return nil
			}
			return reg.Shutdown(ctx)
		},
		CloseDatabase: func(ctx context.Context) error {
			if st == nil {
				return nil
			}
			return st.Close()
		},
	}, shutdown.Options{EmbedQueueTimeout: 5 * time.Second, WriteQueueTimeout: 5 * time.Second})
}

func supportedExtensions() []string {
	var out []string
	for ext := range parser.SupportedExtensions() {
		out = append(out, ext)
	}
	return out
}

func withinRoot(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	return err == nil && rel != ".." && !hasDotDotPrefix(rel)
}

func hasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

func dbDirOrDefault(dbDir string) string {
	if dbDir != "" {
		return dbDir
	}
	return ".driftmind"
}
