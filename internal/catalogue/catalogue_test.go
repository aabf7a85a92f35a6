package catalogue

import (
	"testing"
	"time"
)

func TestUpsertGetDelete(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}

	rec := Record{Path: "/a.txt", Status: StatusIndexed, FileHash: "abc", ChunkCount: 3}
	c.Upsert(rec)

	got, ok := c.Get("/a.txt")
	if !ok {
		t.Fatal("expected record to be present")
	}
	if got.ChunkCount != 3 {
		t.Errorf("expected chunk count 3, got %d", got.ChunkCount)
	}

	c.Delete("/a.txt")
	if _, ok := c.Get("/a.txt"); ok {
		t.Error("expected record to be gone after delete")
	}
}

func TestFlushAndReload(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	c.Upsert(Record{Path: "/b.txt", Status: StatusFailed, ErrorMessage: "boom", LastRetry: time.Now()})
	if err := c.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	c2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := c2.Get("/b.txt")
	if !ok {
		t.Fatal("expected record to survive reload")
	}
	if got.Status != StatusFailed || got.ErrorMessage != "boom" {
		t.Errorf("unexpected reloaded record: %+v", got)
	}
}

func TestFileHashMetadataOnly(t *testing.T) {
	h1 := FileHash(100, 12345)
	h2 := FileHash(100, 12345)
	h3 := FileHash(101, 12345)
	if h1 != h2 {
		t.Error("expected identical metadata to hash identically")
	}
	if h1 == h3 {
		t.Error("expected different sizes to hash differently")
	}
}

func TestResetClearsEverything(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	c.Upsert(Record{Path: "/c.txt", Status: StatusIndexed})
	if err := c.Reset(); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if c.Len() != 0 {
		t.Errorf("expected empty catalogue after reset, got %d records", c.Len())
	}

	c2, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if c2.Len() != 0 {
		t.Errorf("expected reset to persist, got %d records on reload", c2.Len())
	}
}
