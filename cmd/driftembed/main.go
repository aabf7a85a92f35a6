// Command driftembed is the isolated embedder child from spec.md §4.8: it
// hosts one ONNX embedding session and serves init/embed/stats/shutdown
// requests off a serial, single-threaded request loop read from stdin and
// answered on stdout, framed by internal/ipc. Spawned and supervised by
// internal/embedproc, one process per embedder-pool slot, so a crashed or
// wedged model never takes the rest of the pool down with it.
package main

import (
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/screenager/driftmind/internal/embed"
	"github.com/screenager/driftmind/internal/ipc"
)

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

func main() {
	slot := flag.Int("slot", 0, "embedder pool slot index, for log lines only")
	flag.Parse()

	conn := ipc.NewConn(os.Stdin, os.Stdout)
	var embedder *embed.Embedder

	for {
		env, err := conn.Recv()
		if err != nil {
			return // stdin closed: parent went away or asked us to stop reading
		}

		switch env.Type {
		case "init":
			var req initRequest
			ipc.Decode(env, &req)
			e, err := embed.New(req.ModelDir, req.OrtLibPath, req.NumThreads)
			if err != nil {
				sendError(conn, env.ID, "init", fmt.Sprintf("embedder init (slot %d): %v", *slot, err))
				continue
			}
			embedder = e
			resp, _ := ipc.Encode(env.ID, "init", struct{}{})
			conn.Send(resp)

		case "embed":
			if embedder == nil {
				sendError(conn, env.ID, "embed", "embed requested before init")
				continue
			}
			var req embedRequest
			ipc.Decode(env, &req)
			vecs, err := doEmbed(embedder, req)
			if err != nil {
				sendError(conn, env.ID, "embed", err.Error())
				continue
			}
			resp, _ := ipc.Encode(env.ID, "embed", embedResponse{Vectors: vecs})
			conn.Send(resp)

		case "stats":
			resp, _ := ipc.Encode(env.ID, "stats", statsResponse{MemoryMB: currentMemoryMB()})
			conn.Send(resp)

		case "shutdown":
			resp, _ := ipc.Encode(env.ID, "shutdown", struct{}{})
			conn.Send(resp)
			if embedder != nil {
				embedder.Close()
			}
			return

		default:
			sendError(conn, env.ID, env.Type, "unknown request type")
		}
	}
}

func doEmbed(e *embed.Embedder, req embedRequest) ([][]float32, error) {
	if req.IsQuery && len(req.Texts) == 1 {
		vec, err := e.EmbedQuery(req.Texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{vec}, nil
	}
	return e.Embed(req.Texts)
}

func sendError(conn *ipc.Conn, id, typ, message string) {
	resp, _ := ipc.Encode(id, typ, embedResponse{Error: message})
	conn.Send(resp)
}

// currentMemoryMB reports the process's heap usage as a restart-policy
// proxy — driftembed is a pure-Go process around the CGo ONNX session, so
// Go's own heap stats are a reasonable stand-in for RSS growth over time.
func currentMemoryMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.Alloc) / (1024 * 1024)
}
