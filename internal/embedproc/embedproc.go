// Package embedproc is the host side of the isolated embedder child from
// spec.md §4.8: it spawns a cmd/driftembed child process, talks to it over
// a framed stdio channel (internal/ipc), and implements embedpool.Client
// so the pool can dispatch to it exactly like any other slot. Grounded on
// the Design Notes' "model explicit: a supervisor process, one worker
// process, N embedder child processes; a framed length-prefixed duplex
// channel (stdio pipes or a local socket) per child" — there is no teacher
// precedent for process isolation (its embedder runs in-process), so the
// spawn/health/restart shape here is original, built on top of
// internal/ipc the way the rest of the module leans on its own
// collaborators rather than reaching for an RPC framework.
package embedproc

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sync"
	"time"

	"github.com/screenager/driftmind/internal/embedpool"
	"github.com/screenager/driftmind/internal/errs"
	"github.com/screenager/driftmind/internal/ipc"
	"github.com/screenager/driftmind/internal/logging"
)

// Request/response payload shapes for the init/embed/shutdown IPC surface.
type initRequest struct {
	ModelDir   string `json:"modelDir"`
	OrtLibPath string `json:"ortLibPath"`
	NumThreads int    `json:"numThreads"`
}

type embedRequest struct {
	Texts   []string `json:"texts"`
	IsQuery bool     `json:"isQuery"`
}

type embedResponse struct {
	Vectors [][]float32 `json:"vectors"`
	Error   string      `json:"error,omitempty"`
}

type statsResponse struct {
	MemoryMB float64 `json:"memoryMb"`
}

// requestTimeout bounds a single embed round trip; a stuck child surfaces
// from Embed as a KindEmbedder error wrapping the IPC client's KindTimeout
// error, which the pool's retry/restart policy handles.
const requestTimeout = 30 * time.Second

// Config configures how a child process is spawned.
type Config struct {
	BinaryPath string // path to the cmd/driftembed executable
	ModelDir   string
	OrtLibPath string
	NumThreads int
	Log        *logging.Logger
}

// Client is one spawned embedder child, implementing embedpool.Client.
type Client struct {
	cfg  Config
	slot int

	mu     sync.Mutex
	cmd    *exec.Cmd
	ipcCli *ipc.Client
	stdin  io.WriteCloser
	exited chan struct{}
}

// NewFactory returns an embedpool.Factory that spawns one Client per slot.
func NewFactory(cfg Config) embedpool.Factory {
	return func(slot int) (embedpool.Client, error) {
		return Spawn(cfg, slot)
	}
}

// Spawn starts a new cmd/driftembed child and completes its init
// handshake before returning.
func Spawn(cfg Config, slot int) (*Client, error) {
	if cfg.NumThreads <= 0 {
		cfg.NumThreads = defaultNumThreads()
	}
	cmd := exec.Command(cfg.BinaryPath, fmt.Sprintf("--slot=%d", slot))
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindEmbedder, "stdin pipe", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errs.Wrap(errs.KindEmbedder, "stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, errs.Wrap(errs.KindEmbedder, "spawn embedder child", err)
	}

	conn := ipc.NewConn(stdout, stdin)
	c := &Client{
		cfg:    cfg,
		slot:   slot,
		cmd:    cmd,
		stdin:  stdin,
		exited: make(chan struct{}),
	}
	c.ipcCli = ipc.NewClient(conn, nil)

	go func() {
		cmd.Wait()
		close(c.exited)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	_, err = c.ipcCli.Request(ctx, "init", initRequest{
		ModelDir:   cfg.ModelDir,
		OrtLibPath: cfg.OrtLibPath,
		NumThreads: cfg.NumThreads,
	})
	if err != nil {
		c.terminate()
		return nil, errs.Wrap(errs.KindEmbedder, "embedder child init", err)
	}
	return c, nil
}

// Embed sends one embed request and waits for the response.
func (c *Client) Embed(texts []string, isQuery bool) ([][]float32, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	env, err := c.ipcCli.Request(ctx, "embed", embedRequest{Texts: texts, IsQuery: isQuery})
	if err != nil {
		return nil, errs.Wrap(errs.KindEmbedder, fmt.Sprintf("embed request (slot %d)", c.slot), err)
	}
	var resp embedResponse
	if err := ipc.Decode(env, &resp); err != nil {
		return nil, errs.Wrap(errs.KindEmbedder, "decode embed response", err)
	}
	if resp.Error != "" {
		return nil, errs.New(errs.KindEmbedder, resp.Error)
	}
	return resp.Vectors, nil
}

// MemoryMB asks the child for its current RSS estimate. Falls back to 0 if
// the child doesn't respond in time — the pool's health policy then relies
// on the error-budget and files-processed thresholds instead.
func (c *Client) MemoryMB() float64 {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := c.ipcCli.Request(ctx, "stats", nil)
	if err != nil {
		return 0
	}
	var resp statsResponse
	if err := ipc.Decode(env, &resp); err != nil {
		return 0
	}
	return resp.MemoryMB
}

// Restart kills the current child and spawns a fresh one in its place.
func (c *Client) Restart() error {
	c.terminate()

	fresh, err := Spawn(c.cfg, c.slot)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.cmd = fresh.cmd
	c.ipcCli = fresh.ipcCli
	c.stdin = fresh.stdin
	c.exited = fresh.exited
	c.mu.Unlock()
	return nil
}

// Close requests a graceful shutdown, falling back to a hard kill if the
// child doesn't exit promptly.
func (c *Client) Close() error {
	c.mu.Lock()
	cli := c.ipcCli
	c.mu.Unlock()

	if cli != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		cli.Request(ctx, "shutdown", nil)
		cancel()
	}

	select {
	case <-c.exited:
	case <-time.After(3 * time.Second):
		c.terminate()
	}
	return nil
}

func (c *Client) terminate() {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	cmd.Process.Kill()
}

// defaultNumThreads mirrors the teacher's embedder default: min(4, NumCPU).
func defaultNumThreads() int {
	n := runtime.NumCPU()
	if n > 4 {
		n = 4
	}
	return n
}
