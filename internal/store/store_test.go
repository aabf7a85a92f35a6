package store

import (
	"testing"
)

func normalize(v []float32) []float32 {
	var sum float32
	for _, x := range v {
		sum += x * x
	}
	inv := float32(1)
	if sum > 0 {
		inv = 1 / sqrt32(sum)
	}
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func sqrt32(x float32) float32 {
	// Newton's method, good enough for unit-length test vectors.
	z := x
	for i := 0; i < 20; i++ {
		z -= (z*z - x) / (2 * z)
	}
	return z
}

func TestChunkIDDiffersAcrossFilesAtSameOffset(t *testing.T) {
	id1 := ChunkID("a.txt", 100)
	id2 := ChunkID("b.txt", 100)
	if id1 == id2 {
		t.Fatal("expected different files at the same offset to produce distinct chunk ids")
	}
}

func TestChunkIDStableForSameInput(t *testing.T) {
	if ChunkID("a.txt", 10) != ChunkID("a.txt", 10) {
		t.Fatal("expected chunk id to be deterministic")
	}
}

func TestAddRejectsDuplicateID(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	row := Row{ID: ChunkID("a.txt", 0), Path: "a.txt"}
	if err := s.Add([]Row{row}, [][]float32{normalize([]float32{1, 0, 0})}); err != nil {
		t.Fatal(err)
	}
	if err := s.Add([]Row{row}, [][]float32{normalize([]float32{1, 0, 0})}); err == nil {
		t.Fatal("expected duplicate chunk id to be rejected")
	}
}

func TestVectorSearchReturnsClosest(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	rows := []Row{
		{ID: ChunkID("a.txt", 0), Path: "a.txt", Text: "close"},
		{ID: ChunkID("b.txt", 0), Path: "b.txt", Text: "far"},
	}
	vecs := [][]float32{
		normalize([]float32{1, 0, 0}),
		normalize([]float32{0, 1, 0}),
	}
	if err := s.Add(rows, vecs); err != nil {
		t.Fatal(err)
	}

	hits := s.VectorSearch(normalize([]float32{0.9, 0.1, 0}), 1)
	if len(hits) != 1 || hits[0].Row.Path != "a.txt" {
		t.Fatalf("expected closest match a.txt, got %+v", hits)
	}
}

func TestDeleteByPathTombstonesAndExcludesFromSearch(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	row := Row{ID: ChunkID("a.txt", 0), Path: "a.txt"}
	s.Add([]Row{row}, [][]float32{normalize([]float32{1, 0, 0})})

	n := s.DeleteByPath("a.txt")
	if n != 1 {
		t.Fatalf("expected 1 row deleted, got %d", n)
	}
	if s.Len() != 0 {
		t.Fatalf("expected 0 live rows after delete, got %d", s.Len())
	}
	if hits := s.VectorSearch(normalize([]float32{1, 0, 0}), 5); len(hits) != 0 {
		t.Fatalf("expected tombstoned row excluded from search, got %+v", hits)
	}

	// Re-adding the same id after deletion must succeed (byID entry was cleared).
	if err := s.Add([]Row{row}, [][]float32{normalize([]float32{1, 0, 0})}); err != nil {
		t.Fatalf("expected re-add after delete to succeed: %v", err)
	}
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	row := Row{ID: ChunkID("a.txt", 0), Path: "a.txt", Text: "hello"}
	if err := s.Add([]Row{row}, [][]float32{normalize([]float32{1, 0, 0})}); err != nil {
		t.Fatal(err)
	}
	if err := s.Flush(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if s2.Len() != 1 {
		t.Fatalf("expected 1 row to survive reload, got %d", s2.Len())
	}
	hits := s2.VectorSearch(normalize([]float32{1, 0, 0}), 1)
	if len(hits) != 1 || hits[0].Row.Text != "hello" {
		t.Fatalf("expected reloaded row to retain metadata, got %+v", hits)
	}
}

func TestQueryFiltersByPredicate(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	s.Add([]Row{
		{ID: ChunkID("a.txt", 0), Path: "a.txt"},
		{ID: ChunkID("b.txt", 0), Path: "b.txt"},
	}, [][]float32{normalize([]float32{1, 0, 0}), normalize([]float32{0, 1, 0})})

	rows := s.Query(func(r Row) bool { return r.Path == "b.txt" }, 0)
	if len(rows) != 1 || rows[0].Path != "b.txt" {
		t.Fatalf("expected predicate to filter to b.txt, got %+v", rows)
	}
}
