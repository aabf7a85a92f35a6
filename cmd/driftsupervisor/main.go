// Command driftsupervisor owns the host-facing side of spec.md §4.10/§4.11:
// it spawns the driftworker process, sequences its own startup coordinator
// around the worker's init handshake, and proxies every subsequent IPC
// request/push between the host application (its own stdio) and the
// worker (the worker's stdio). Grounded on the teacher's cmd/sift/main.go
// process-level responsibilities (spawn, wait, relay progress, shut down
// cleanly) generalized from "one process doing everything" into "a thin
// front process fronting a worker process," per the Design Notes' explicit
// supervisor/worker/embedder-child process model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/screenager/driftmind/internal/config"
	"github.com/screenager/driftmind/internal/ipc"
	"github.com/screenager/driftmind/internal/logging"
	"github.com/screenager/driftmind/internal/startup"
)

func main() {
	dbDir := flag.String("db-dir", "", "database directory")
	workerBin := flag.String("worker-binary", "", "path to the driftworker executable (defaults to argv[0]'s sibling)")
	modelDir := flag.String("model-dir", "./models", "ONNX model directory")
	ortLib := flag.String("ort-lib", "", "onnxruntime.so path")
	threads := flag.Int("threads", 0, "ONNX intra-op threads (0 = auto)")
	poolSize := flag.Int("pool-size", 2, "embedder pool size")
	metricsAddr := flag.String("metrics-addr", "127.0.0.1:0", "loopback address to serve /metrics on")
	flag.Parse()

	if *workerBin == "" {
		if exe, err := os.Executable(); err == nil {
			*workerBin = filepath.Join(filepath.Dir(exe), "driftworker")
		}
	}
	if overrides, err := config.LoadDevOverrides("driftmind.dev.toml"); err == nil {
		applyDevOverrides(overrides, modelDir, ortLib, threads, poolSize)
	}

	log := logging.New("supervisor")
	outer := ipc.NewConn(os.Stdin, os.Stdout)

	s := &supervisor{
		log: log, outer: outer,
		cfg: workerConfig{
			Binary: *workerBin, DBDir: *dbDir, ModelDir: *modelDir,
			OrtLib: *ortLib, Threads: *threads, PoolSize: *poolSize, MetricsAddr: *metricsAddr,
		},
	}

	if err := s.runStartup(); err != nil {
		log.Error("startup failed: %v", err)
		os.Exit(1)
	}
	s.proxyLoop()
}

func applyDevOverrides(o config.DevOverrides, modelDir, ortLib *string, threads, poolSize *int) {
	if o.ModelDir != "" {
		*modelDir = o.ModelDir
	}
	if o.OrtLib != "" {
		*ortLib = o.OrtLib
	}
	if o.Threads > 0 {
		*threads = o.Threads
	}
	if o.PoolSize > 0 {
		*poolSize = o.PoolSize
	}
}

type workerConfig struct {
	Binary, DBDir, ModelDir, OrtLib, MetricsAddr string
	Threads, PoolSize                            int
}

// supervisor proxies between the host's outer IPC connection (its own
// stdio) and the worker process's IPC connection (the worker's stdio).
type supervisor struct {
	log   *logging.Logger
	outer *ipc.Conn
	cfg   workerConfig

	cmd    *exec.Cmd
	client *ipc.Client
}

// runStartup spawns the worker and runs the supervisor's own startup
// coordinator around it. The worker completes its own internal startup
// sequence (model load, folder scan, embedder init) before it ever answers
// "init", so WaitForWorker does the heavy lifting here; WaitForModel and
// WaitForFiles are already satisfied by the time it returns, and only
// remain as named sensors so the coordinator's stage sequence still holds
// for a host watching the relayed push stream.
func (s *supervisor) runStartup() error {
	coord := startup.New(
		startup.Sensors{
			WaitForWorker: s.spawnAndInit,
			WaitForModel:  func(ctx context.Context) error { return nil },
			WaitForFiles:  func(ctx context.Context) error { return nil },
			WaitForStats:  s.fetchStats,
		},
		startup.Actions{
			ShowWindow:        func() { s.pushOuter("startup:stage", map[string]string{"stage": "show_window"}) },
			NotifyFilesLoaded: func(fs startup.FileStats) { s.pushOuter("startup:filesLoaded", fs) },
			NotifyReady:       func() {},
			NotifyError:       func(e startup.ErrorMsg) { s.pushOuter("startup:error", e) },
		},
		startup.Options{WorkerTimeout: 30 * time.Second, ModelTimeout: 2 * time.Minute},
		func(m startup.StageMsg) { s.pushOuter("startup:stage", m) },
	)
	return coord.Run(context.Background())
}

func (s *supervisor) pushOuter(typ string, payload any) {
	env, err := ipc.Encode("", typ, payload)
	if err != nil {
		return
	}
	s.outer.Send(env)
}

// spawnAndInit starts the worker process and blocks until its own init
// handshake completes (or ctx expires). Every startup:stage/startup:error
// push the worker emits while that handshake is in flight is relayed
// verbatim to the host over s.outer, via onPush.
func (s *supervisor) spawnAndInit(ctx context.Context) error {
	cmd := exec.Command(s.cfg.Binary,
		"--model-dir", s.cfg.ModelDir, "--ort-lib", s.cfg.OrtLib,
		"--threads", itoa(s.cfg.Threads), "--pool-size", itoa(s.cfg.PoolSize),
		"--metrics-addr", s.cfg.MetricsAddr,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return err
	}

	conn := ipc.NewConn(stdout, stdin)
	s.client = ipc.NewClient(conn, s.relayPush)
	s.cmd = cmd

	_, err = s.client.Request(ctx, "init", map[string]string{"dbDir": s.cfg.DBDir})
	return err
}

// relayPush forwards every push message the worker sends (startup stage
// updates, startup errors, and anything pushed later at runtime) straight
// to the host, unmodified.
func (s *supervisor) relayPush(env ipc.Envelope) {
	s.outer.Send(env)
}

func (s *supervisor) fetchStats(ctx context.Context) (startup.FileStats, error) {
	env, err := s.client.Request(ctx, "stats", nil)
	if err != nil {
		return startup.FileStats{}, err
	}
	var resp struct {
		IndexedFiles int `json:"indexedFiles"`
	}
	ipc.Decode(env, &resp)
	return startup.FileStats{IndexedFiles: resp.IndexedFiles}, nil
}

// proxyLoop reads every subsequent host request off s.outer and forwards
// it to the worker, relaying the response back under the host's original
// correlation id. A "shutdown" request tears the worker down and exits
// the supervisor too, once the worker's own shutdown report comes back.
func (s *supervisor) proxyLoop() {
	for {
		env, err := s.outer.Recv()
		if err != nil {
			s.teardownWorker()
			return
		}
		go s.forward(env)
	}
}

func (s *supervisor) forward(env ipc.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	var payload any
	ipc.Decode(env, &payload)
	resp, err := s.client.Request(ctx, env.Type, payload)
	if err != nil {
		errEnv, _ := ipc.Encode(env.ID, env.Type, map[string]string{"error": err.Error()})
		s.outer.Send(errEnv)
		return
	}
	resp.ID = env.ID
	s.outer.Send(resp)

	if env.Type == "shutdown" {
		s.teardownWorker()
		os.Exit(0)
	}
}

func (s *supervisor) teardownWorker() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() { s.cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.cmd.Process.Kill()
	}
}

func itoa(n int) string { return fmt.Sprintf("%d", n) }
