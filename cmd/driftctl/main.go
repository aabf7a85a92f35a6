// Command driftctl is the manual-use CLI frontend from SPEC_FULL.md's
// Domain Stack: a cobra command tree, grounded on the teacher's
// cmd/sift/main.go, that spawns a driftsupervisor child over framed stdio
// for the duration of one command and issues a single request/response
// exchange (or a short-lived watch session) against it.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/screenager/driftmind/internal/ipc"
	"github.com/screenager/driftmind/internal/logging"
)

var (
	defaultModelDir   = "./models"
	defaultDBDir      = ".driftmind"
	defaultOrtLib     = "./lib/onnxruntime.so"
	defaultThreads    = 0
	defaultPoolSize   = 2
	defaultMetricAddr = "127.0.0.1:0"
)

func main() {
	root := &cobra.Command{
		Use:   "driftctl",
		Short: "Local semantic file search, manual control",
		Long:  "driftctl — drives a driftsupervisor/driftworker pair for indexing and search.",
	}

	var dbDir, modelDir, ortLib, supervisorBin, metricsAddr string
	var threads, poolSize int
	root.PersistentFlags().StringVar(&dbDir, "db-dir", defaultDBDir, "database directory")
	root.PersistentFlags().StringVar(&modelDir, "model-dir", defaultModelDir, "directory containing ONNX model files")
	root.PersistentFlags().StringVar(&ortLib, "ort-lib", defaultOrtLib, "path to onnxruntime.so")
	root.PersistentFlags().IntVar(&threads, "threads", defaultThreads, "ONNX intra-op thread count (0 = auto)")
	root.PersistentFlags().IntVar(&poolSize, "pool-size", defaultPoolSize, "embedder pool size")
	root.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", defaultMetricAddr, "loopback address for the worker's /metrics endpoint")
	root.PersistentFlags().StringVar(&supervisorBin, "supervisor-binary", "", "path to the driftsupervisor executable (defaults to argv[0]'s sibling)")

	resolveSupervisorBin := func() string {
		if supervisorBin != "" {
			return supervisorBin
		}
		if exe, err := os.Executable(); err == nil {
			candidate := filepath.Join(filepath.Dir(exe), "driftsupervisor")
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
		return "driftsupervisor"
	}

	cfg := func() sessionConfig {
		return sessionConfig{
			SupervisorBin: resolveSupervisorBin(),
			DBDir:         dbDir, ModelDir: modelDir, OrtLib: ortLib,
			Threads: threads, PoolSize: poolSize, MetricsAddr: metricsAddr,
		}
	}

	root.AddCommand(indexCmd(&cfg))
	root.AddCommand(watchCmd(&cfg))
	root.AddCommand(searchCmd(&cfg))
	root.AddCommand(statsCmd(&cfg))
	root.AddCommand(reindexCmd(&cfg))
	root.AddCommand(benchCmd(&cfg))
	root.AddCommand(clearCmd(&dbDir))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// sessionConfig carries every flag a spawned driftsupervisor needs.
type sessionConfig struct {
	SupervisorBin, DBDir, ModelDir, OrtLib, MetricsAddr string
	Threads, PoolSize                                   int
}

// session is one spawned-supervisor-and-talk-to-it lifetime, torn down by
// close() at the end of a command.
type session struct {
	log    *logging.Logger
	cmd    *exec.Cmd
	client *ipc.Client
}

// openSession spawns a driftsupervisor child, wires it up over framed
// stdio exactly as driftsupervisor itself wires up driftworker, sends
// "init", and prints a single "Loading model… ready." line to stderr the
// way the teacher's openIndex does while the index opens. startup:error
// pushes are printed; startup:stage pushes are only debug-logged (onPush).
func openSession(ctx context.Context, c sessionConfig) (*session, error) {
	log := logging.New("driftctl")

	cmd := exec.Command(c.SupervisorBin,
		"--db-dir", c.DBDir, "--model-dir", c.ModelDir, "--ort-lib", c.OrtLib,
		"--threads", fmt.Sprint(c.Threads), "--pool-size", fmt.Sprint(c.PoolSize),
		"--metrics-addr", c.MetricsAddr,
	)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", c.SupervisorBin, err)
	}

	conn := ipc.NewConn(stdout, stdin)
	s := &session{log: log, cmd: cmd}
	s.client = ipc.NewClient(conn, s.onPush)

	fmt.Fprint(os.Stderr, "Loading model… ")
	if _, err := s.client.Request(ctx, "init", map[string]string{"dbDir": c.DBDir}); err != nil {
		fmt.Fprintln(os.Stderr, "")
		s.kill()
		return nil, err
	}
	fmt.Fprintln(os.Stderr, "ready.")
	return s, nil
}

func (s *session) onPush(env ipc.Envelope) {
	switch env.Type {
	case "startup:error":
		var e struct {
			Code, Message string
		}
		ipc.Decode(env, &e)
		fmt.Fprintf(os.Stderr, "\n[driftctl] %s: %s\n", e.Code, e.Message)
	default:
		// startup:stage and future push types are progress-only; openSession
		// already prints a single summary line, so these are only logged at
		// debug level (DRIFTMIND_DEBUG=1) rather than doubling output here.
		s.log.Debug("push %s", env.Type)
	}
}

// close asks the supervisor (and transitively the worker) to shut down
// cleanly, then waits for the process to exit.
func (s *session) close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.client.Request(ctx, "shutdown", nil)

	done := make(chan struct{})
	go func() { s.cmd.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.kill()
	}
}

func (s *session) kill() {
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

// withSession runs fn against a freshly spawned supervisor, closing it on
// the way out regardless of fn's outcome.
func withSession(cfg sessionConfig, fn func(ctx context.Context, s *session) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()
	return fn(ctx, s)
}

// waitForQueueDrain polls "progress" until both the queued and processing
// counters hit zero, the same signal cmd/driftworker's file queue exposes
// for getStats()-shaped observability.
func waitForQueueDrain(ctx context.Context, s *session) error {
	for {
		resp, err := s.client.Request(ctx, "progress", nil)
		if err != nil {
			return err
		}
		var p struct {
			Queued, Processing, Errors int
		}
		ipc.Decode(resp, &p)
		if p.Queued == 0 && p.Processing == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(300 * time.Millisecond):
		}
	}
}

func printStats(s *session, ctx context.Context) error {
	resp, err := s.client.Request(ctx, "stats", nil)
	if err != nil {
		return err
	}
	var st struct {
		TotalChunks  int `json:"totalChunks"`
		IndexedFiles int `json:"indexedFiles"`
	}
	ipc.Decode(resp, &st)
	fmt.Fprintf(os.Stderr, "Done. %d chunks from %d files indexed.\n", st.TotalChunks, st.IndexedFiles)
	return nil
}

func indexCmd(cfg func() sessionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "index <dir> [dir...]",
		Short: "Index all supported files in a directory, then exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cfg(), func(ctx context.Context, s *session) error {
				fmt.Fprintf(os.Stderr, "Scanning %s…\n", strings.Join(args, ", "))
				if _, err := s.client.Request(ctx, "watchStart", map[string]any{"roots": args}); err != nil {
					return err
				}
				if err := waitForQueueDrain(ctx, s); err != nil {
					return err
				}
				if _, err := s.client.Request(ctx, "watchStop", nil); err != nil {
					return err
				}
				return printStats(s, ctx)
			})
		},
	}
}

func watchCmd(cfg func() sessionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <dir> [dir...]",
		Short: "Index a directory then watch it for changes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cfg(), func(ctx context.Context, s *session) error {
				fmt.Fprintf(os.Stderr, "Scanning %s…\n", strings.Join(args, ", "))
				if _, err := s.client.Request(ctx, "watchStart", map[string]any{"roots": args}); err != nil {
					return err
				}
				if err := waitForQueueDrain(ctx, s); err != nil {
					return err
				}
				if err := printStats(s, ctx); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "Watching for changes… (Ctrl+C to stop)")
				<-ctx.Done()
				fmt.Fprintln(os.Stderr, "\nStopping…")
				stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_, err := s.client.Request(stopCtx, "watchStop", nil)
				return err
			})
		},
	}
}

func searchCmd(cfg func() sessionConfig) *cobra.Command {
	var jsonOut bool
	var k int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Non-interactive semantic search",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			return withSession(cfg(), func(ctx context.Context, s *session) error {
				resp, err := s.client.Request(ctx, "search", map[string]any{"q": query, "k": k})
				if err != nil {
					return err
				}
				var hits []struct {
					Path   string  `json:"path"`
					Text   string  `json:"text"`
					Score  float32 `json:"score"`
					Offset int     `json:"offset"`
					Page   int     `json:"page,omitempty"`
				}
				ipc.Decode(resp, &hits)

				if len(hits) == 0 {
					if jsonOut {
						fmt.Println("[]")
					} else {
						fmt.Println("no results")
					}
					return nil
				}
				if jsonOut {
					j, err := json.MarshalIndent(hits, "", "  ")
					if err != nil {
						return fmt.Errorf("marshal json: %w", err)
					}
					fmt.Println(string(j))
					return nil
				}
				for i, h := range hits {
					fmt.Printf("%2d  %.3f  %s:%d\n    %s\n\n", i+1, h.Score, h.Path, h.Offset, h.Text)
				}
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "output search results as JSON")
	cmd.Flags().IntVar(&k, "k", 10, "number of results to return")
	return cmd
}

func statsCmd(cfg func() sessionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cfg(), func(ctx context.Context, s *session) error {
				resp, err := s.client.Request(ctx, "stats", nil)
				if err != nil {
					return err
				}
				var st struct {
					TotalChunks  int `json:"totalChunks"`
					IndexedFiles int `json:"indexedFiles"`
					FolderStats  []struct {
						Folder       string `json:"folder"`
						TotalFiles   int    `json:"totalFiles"`
						IndexedFiles int    `json:"indexedFiles"`
					} `json:"folderStats"`
				}
				ipc.Decode(resp, &st)
				fmt.Printf("chunks:  %d\n", st.TotalChunks)
				fmt.Printf("files:   %d\n", st.IndexedFiles)
				for _, f := range st.FolderStats {
					fmt.Printf("  %-40s %d/%d\n", f.Folder, f.IndexedFiles, f.TotalFiles)
				}
				return nil
			})
		},
	}
}

func reindexCmd(cfg func() sessionConfig) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rescan every watched folder and re-index changed or failed files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cfg(), func(ctx context.Context, s *session) error {
				fmt.Fprintln(os.Stderr, "Reindexing watched folders…")
				if _, err := s.client.Request(ctx, "reindexAll", map[string]bool{"force": force}); err != nil {
					return err
				}
				if err := waitForQueueDrain(ctx, s); err != nil {
					return err
				}
				return printStats(s, ctx)
			})
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "ignore file hashes and parser version, reindex everything")
	return cmd
}

func benchCmd(cfg func() sessionConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "bench",
		Short: "Benchmark embedder round-trip latency on this machine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cfg(), func(ctx context.Context, s *session) error {
				resp, err := s.client.Request(ctx, "bench", nil)
				if err != nil {
					return err
				}
				var samples []struct {
					Label   string `json:"label"`
					TotalMs int64  `json:"totalMs"`
				}
				ipc.Decode(resp, &samples)

				fmt.Printf("\n%-20s  %10s\n", "text size", "total")
				fmt.Println(strings.Repeat("─", 35))
				for _, sa := range samples {
					fmt.Printf("%-20s  %8dms\n", sa.Label, sa.TotalMs)
				}
				fmt.Printf("\nSet DRIFTMIND_DEBUG=1 for per-batch timing during indexing.\n")
				return nil
			})
		},
	}
}

func clearCmd(dbDir *string) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove the database directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(*dbDir); os.IsNotExist(err) {
				fmt.Println("No index found — nothing to clear.")
				return nil
			}
			if !force {
				fmt.Printf("Remove %s? This cannot be undone. [y/N] ", *dbDir)
				var ans string
				fmt.Scanln(&ans)
				if ans != "y" && ans != "Y" {
					fmt.Println("Aborted.")
					return nil
				}
			}
			if err := os.RemoveAll(*dbDir); err != nil {
				return fmt.Errorf("clear: %w", err)
			}
			fmt.Println("Index cleared.")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "skip confirmation prompt")
	return cmd
}
