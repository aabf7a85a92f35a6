// Package migrate implements the database migrator from spec.md §4.4 /
// §6: a monotonic integer version file (.db-version). A stored value lower
// than the compiled DB_VERSION removes every *.store entry (the vector
// store directory and the catalogue file); a matching or higher value is a
// no-op. No pack repo has an analogous wipe-ladder (Open Question in
// spec.md §9 notes the source had at least two DB_VERSION constants across
// its history) — this is a fresh stdlib-only component.
package migrate

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/screenager/driftmind/internal/errs"
)

// DBVersion is the compiled current version. Open Question resolution
// (DESIGN.md): start the ladder at 1; future schema changes bump this.
const DBVersion = 1

const versionFile = ".db-version"

// storeDirSuffix identifies the on-disk entries that get wiped on a
// version mismatch: the vector store directory and the file-status
// catalogue file.
const storeDirSuffix = ".store"

// Result reports what CheckAndMigrate did.
type Result struct {
	Wiped      bool
	PrevVerion int
}

// CheckAndMigrate reads dbDir/.db-version. If absent, or less than
// DBVersion, every *.store entry of dbDir is removed and the new
// version is written — "lower than compiled ⇒ wipe" per spec.md §6. A
// version greater than or equal to DBVersion is left untouched.
func CheckAndMigrate(dbDir string) (Result, error) {
	path := filepath.Join(dbDir, versionFile)

	stored, found, err := readVersion(path)
	if err != nil {
		return Result{}, errs.Wrap(errs.KindMigration, "read .db-version", err)
	}

	if found && stored >= DBVersion {
		return Result{Wiped: false, PrevVerion: stored}, nil
	}

	if err := wipeStores(dbDir); err != nil {
		return Result{}, errs.Wrap(errs.KindMigration, "wipe stores", err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Result{}, errs.Wrap(errs.KindMigration, "remove .db-version", err)
	}
	if err := writeVersion(path, DBVersion); err != nil {
		return Result{}, errs.Wrap(errs.KindMigration, "write .db-version", err)
	}

	return Result{Wiped: true, PrevVerion: stored}, nil
}

// CheckDatabaseVersion returns false iff the stored version equals
// DBVersion (spec.md §8's round-trip property: "writing version V then
// running checkDatabaseVersion returns false iff V equals the compiled
// version").
func CheckDatabaseVersion(dbDir string) (bool, error) {
	path := filepath.Join(dbDir, versionFile)
	stored, found, err := readVersion(path)
	if err != nil {
		return false, errs.Wrap(errs.KindMigration, "read .db-version", err)
	}
	if !found {
		return true, nil
	}
	return stored != DBVersion, nil
}

func readVersion(path string) (int, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, false, nil
		}
		return 0, false, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, false, fmt.Errorf("malformed .db-version: %w", err)
	}
	return v, true, nil
}

func writeVersion(path string, v int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(v)), 0o644)
}

func wipeStores(dbDir string) error {
	entries, err := os.ReadDir(dbDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), storeDirSuffix) {
			if err := os.RemoveAll(filepath.Join(dbDir, e.Name())); err != nil {
				return err
			}
		}
	}
	return nil
}
