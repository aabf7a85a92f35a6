package migrate

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCheckAndMigrateFreshDirWipesAndWrites(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "chunks.store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		t.Fatal(err)
	}

	res, err := CheckAndMigrate(dir)
	if err != nil {
		t.Fatalf("CheckAndMigrate: %v", err)
	}
	if !res.Wiped {
		t.Error("expected a fresh directory (no .db-version) to trigger a wipe")
	}
	if _, err := os.Stat(storeDir); !os.IsNotExist(err) {
		t.Error("expected chunks.store to be removed")
	}

	data, err := os.ReadFile(filepath.Join(dir, ".db-version"))
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1" {
		t.Errorf("expected version 1 written, got %q", data)
	}
}

func TestCheckAndMigrateUpToDateIsNoop(t *testing.T) {
	dir := t.TempDir()
	storeDir := filepath.Join(dir, "chunks.store")
	if err := os.MkdirAll(storeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ".db-version"), []byte("1"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err := CheckAndMigrate(dir)
	if err != nil {
		t.Fatalf("CheckAndMigrate: %v", err)
	}
	if res.Wiped {
		t.Error("expected up-to-date version to be a no-op")
	}
	if _, err := os.Stat(storeDir); err != nil {
		t.Error("expected chunks.store to survive an up-to-date migration")
	}
}

func TestCheckDatabaseVersionRoundTrip(t *testing.T) {
	dir := t.TempDir()
	if err := writeVersion(filepath.Join(dir, ".db-version"), DBVersion); err != nil {
		t.Fatal(err)
	}
	needsMigration, err := CheckDatabaseVersion(dir)
	if err != nil {
		t.Fatal(err)
	}
	if needsMigration {
		t.Error("expected CheckDatabaseVersion to return false when stored == compiled")
	}

	if err := writeVersion(filepath.Join(dir, ".db-version"), DBVersion-1); err != nil {
		t.Fatal(err)
	}
	needsMigration, err = CheckDatabaseVersion(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !needsMigration {
		t.Error("expected CheckDatabaseVersion to return true when stored < compiled")
	}
}
