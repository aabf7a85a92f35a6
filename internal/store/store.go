// Package store implements the vector store collaborator from spec.md §6:
// createTable/add/delete/vectorSearch over a fixed-dimension cosine space.
// Grounded on the teacher's internal/index.Index, which owns the exact
// same responsibilities (chunk metadata + an hnsw.Graph + persistence) but
// addresses chunks purely by their position in the graph. This package
// keeps the teacher's graph (internal/hnsw) and persistence split
// unchanged, and adds the one thing spec.md §3 requires that the teacher
// doesn't have: a stable chunk id derived from path+offset (not graph
// position), stored in a side table so a chunk's identity survives
// independently of hnsw's append-only, non-deleting insert order.
// Metadata is persisted zstd-compressed (klauspost/compress), matching
// internal/catalogue's persistence convention rather than the teacher's
// bare json.Marshal — one compressed-JSON-blob style for every sidecar
// file this module writes.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/screenager/driftmind/internal/errs"
	"github.com/screenager/driftmind/internal/hnsw"
)

const (
	hnswFile = "hnsw.bin"
	metaFile = "meta.json.zst"
)

// Row is one chunk record, matching spec.md §3's Chunk record entity.
type Row struct {
	ID        string    `json:"id"`
	Path      string    `json:"path"`
	Text      string    `json:"text"`
	Offset    int       `json:"offset"`
	Page      int       `json:"page"`
	Type      string    `json:"type"`
	Title     string    `json:"title"`
	Mtime     time.Time `json:"mtime"`
	FileIndex int       `json:"file_index"`
}

// Hit is one vectorSearch result.
type Hit struct {
	Row      Row
	Distance float32 // cosine similarity; higher is closer
}

// ChunkID mixes path and offset so two different files chunked at the
// same offset never collide — the cross-file-contamination guard spec.md
// §3 calls out explicitly.
func ChunkID(path string, offset int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s\x00%d", path, offset)))
	return hex.EncodeToString(sum[:])[:32]
}

// Store is the vector table plus its chunk-metadata side table. hnsw node
// ids are purely positional and append-only; rows is indexed in lockstep
// with graph insertion order, and byID/tombstones translate the stable
// chunk id spec.md requires into that positional space.
type Store struct {
	dir   string
	graph *hnsw.Graph

	mu         sync.RWMutex
	rows       []Row          // rows[i] is the metadata for hnsw node id i
	byID       map[string]int // chunk id -> index into rows/graph
	tombstoned map[int]bool   // deleted node ids, filtered out of search/query
	dirty      bool
}

// Open loads an existing store from dir, or creates an empty one.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "mkdir store dir", err)
	}

	s := &Store{
		dir:        dir,
		graph:      hnsw.New(hnsw.DefaultM, hnsw.DefaultEfConstruction, hnsw.DefaultEfSearch),
		byID:       make(map[string]int),
		tombstoned: make(map[int]bool),
	}

	metaPath := filepath.Join(dir, metaFile)
	if data, err := os.ReadFile(metaPath); err == nil {
		rows, err := decodeRows(data)
		if err != nil {
			return nil, errs.Wrap(errs.KindMigration, "corrupt "+metaFile, err)
		}
		s.rows = rows
		for i, r := range rows {
			s.byID[r.ID] = i
		}
	} else if !os.IsNotExist(err) {
		return nil, errs.Wrap(errs.KindConfiguration, "read "+metaFile, err)
	}

	hnswPath := filepath.Join(dir, hnswFile)
	if _, err := os.Stat(hnswPath); err == nil {
		g, err := hnsw.Load(hnswPath)
		if err != nil {
			return nil, errs.Wrap(errs.KindMigration, "corrupt "+hnswFile, err)
		}
		s.graph = g
	}

	return s, nil
}

// Add inserts rows, each with a pre-normalized Vector, into the graph and
// the metadata side table. Rows whose ID already exists are rejected —
// callers re-indexing a file must Delete its old rows first.
func (s *Store) Add(rows []Row, vectors [][]float32) error {
	if len(rows) != len(vectors) {
		return errs.New(errs.KindStoreConflict, "rows/vectors length mismatch")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range rows {
		if _, exists := s.byID[r.ID]; exists {
			return errs.New(errs.KindStoreConflict, fmt.Sprintf("chunk id %s already present", r.ID))
		}
	}
	for i, r := range rows {
		s.graph.Insert(vectors[i])
		idx := len(s.rows)
		s.rows = append(s.rows, r)
		s.byID[r.ID] = idx
	}
	s.dirty = true
	return nil
}

// Delete removes every row matching predicate. Because hnsw never
// compacts, deletion is a tombstone: the node stays in the graph but is
// filtered out of every query and search result.
func (s *Store) Delete(predicate func(Row) bool) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for i, r := range s.rows {
		if s.tombstoned[i] {
			continue
		}
		if predicate(r) {
			s.tombstoned[i] = true
			delete(s.byID, r.ID)
			n++
		}
	}
	if n > 0 {
		s.dirty = true
	}
	return n
}

// DeleteByPath removes every chunk belonging to path — the common case of
// re-indexing or removing a file.
func (s *Store) DeleteByPath(path string) int {
	return s.Delete(func(r Row) bool { return r.Path == path })
}

// Query returns every non-tombstoned row matching predicate, up to limit
// (0 = unlimited). This is the non-vector read path spec.md's
// query().where().select().limit() contract collapses to here.
func (s *Store) Query(predicate func(Row) bool, limit int) []Row {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Row
	for i, r := range s.rows {
		if s.tombstoned[i] {
			continue
		}
		if predicate == nil || predicate(r) {
			out = append(out, r)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out
}

// VectorSearch returns the k nearest rows to queryVector by cosine
// similarity, filtering out tombstoned chunks. It over-fetches from the
// graph to compensate for tombstones the way the teacher's Search
// over-fetches to compensate for same-file duplicates.
func (s *Store) VectorSearch(queryVector []float32, k int) []Hit {
	s.mu.RLock()
	defer s.mu.RUnlock()

	fetchK := k
	if len(s.tombstoned) > 0 {
		fetchK = k * 5
	}
	if fetchK > s.graph.Len() {
		fetchK = s.graph.Len()
	}
	if fetchK == 0 {
		return nil
	}

	results := s.graph.Search(queryVector, fetchK)
	hits := make([]Hit, 0, k)
	for _, r := range results {
		id := int(r.ID)
		if s.tombstoned[id] {
			continue
		}
		hits = append(hits, Hit{Row: s.rows[id], Distance: r.Score})
		if len(hits) >= k {
			break
		}
	}
	return hits
}

// Len returns the number of live (non-tombstoned) rows.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rows) - len(s.tombstoned)
}

// Flush persists the graph and metadata if either changed since the last
// flush.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.dirty {
		return nil
	}

	if err := s.graph.Save(filepath.Join(s.dir, hnswFile)); err != nil {
		return errs.Wrap(errs.KindStoreConflict, "save "+hnswFile, err)
	}

	data, err := encodeRows(s.rows)
	if err != nil {
		return errs.Wrap(errs.KindStoreConflict, "encode metadata", err)
	}
	tmp := filepath.Join(s.dir, metaFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.Wrap(errs.KindStoreConflict, "write metadata", err)
	}
	if err := os.Rename(tmp, filepath.Join(s.dir, metaFile)); err != nil {
		return errs.Wrap(errs.KindStoreConflict, "rename metadata", err)
	}

	s.dirty = false
	return nil
}

// Close flushes and releases the store.
func (s *Store) Close() error {
	return s.Flush()
}

func encodeRows(rows []Row) ([]byte, error) {
	raw, err := json.Marshal(rows)
	if err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(raw, nil), nil
}

func decodeRows(data []byte) ([]Row, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	raw, err := dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	var rows []Row
	if err := json.Unmarshal(raw, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}
