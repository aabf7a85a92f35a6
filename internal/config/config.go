// Package config is the persistent JSON document described in spec.md §6
// (config.json) plus an optional TOML development-override layer carried
// over from the teacher's .sift.toml (cmd/sift/main.go). It is process-wide,
// loaded once at worker startup, and rewritten atomically on mutation — the
// supervisor is the only process allowed to mutate it. Store has no reload:
// the document is read from disk only by Open, so a process sees changes
// written by another process only after opening the store again.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pelletier/go-toml/v2"

	"github.com/screenager/driftmind/internal/errs"
)

// CurrentVersion is written into new config documents.
const CurrentVersion = 1

// FileTypes toggles which document formats are eligible for indexing.
type FileTypes struct {
	PDF  bool `json:"pdf"`
	TXT  bool `json:"txt"`
	MD   bool `json:"md"`
	DOCX bool `json:"docx"`
	RTF  bool `json:"rtf"`
	DOC  bool `json:"doc"`
}

// DefaultFileTypes enables the natively-parsed formats by default.
func DefaultFileTypes() FileTypes {
	return FileTypes{TXT: true, MD: true}
}

// Settings holds the mutable indexing knobs.
type Settings struct {
	ExcludeBundles  bool     `json:"excludeBundles"`
	BundlePatterns  []string `json:"bundlePatterns"`
	ExcludePatterns []string `json:"excludePatterns"`
	CPUThrottle     bool     `json:"cpuThrottle"`
	FileTypes       FileTypes `json:"fileTypes"`
}

// DefaultSettings returns the recommended defaults.
func DefaultSettings() Settings {
	return Settings{
		ExcludeBundles: true,
		BundlePatterns: []string{"**/*.app/**"},
		FileTypes:      DefaultFileTypes(),
	}
}

// Document is the full persisted config.json payload.
type Document struct {
	Version        int      `json:"version"`
	WatchedFolders []string `json:"watchedFolders"`
	Settings       Settings `json:"settings"`
}

func defaultDocument() Document {
	return Document{
		Version:  CurrentVersion,
		Settings: DefaultSettings(),
	}
}

// Store owns the persisted config document in dbDir/config.json.
type Store struct {
	mu   sync.RWMutex
	path string
	doc  Document
}

// Open loads dbDir/config.json, creating it with defaults if absent.
func Open(dbDir string) (*Store, error) {
	path := filepath.Join(dbDir, "config.json")
	s := &Store{path: path, doc: defaultDocument()}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if werr := s.writeLocked(); werr != nil {
				return nil, werr
			}
			return s, nil
		}
		return nil, errs.Wrap(errs.KindConfiguration, "read config.json", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Wrap(errs.KindConfiguration, "malformed config.json", err)
	}
	s.doc = doc
	return s, nil
}

// Get returns a copy of the current document.
func (s *Store) Get() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// AddWatchedFolder appends root (must be absolute) to the watched set,
// rejecting roots that are a strict prefix/suffix relationship of an
// existing root per spec.md §3's "no root is a strict prefix of another"
// invariant, and rewrites the document atomically.
func (s *Store) AddWatchedFolder(root string) error {
	if !filepath.IsAbs(root) {
		return errs.New(errs.KindConfiguration, fmt.Sprintf("watched root must be absolute: %s", root))
	}
	root = filepath.Clean(root)

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.doc.WatchedFolders {
		if existing == root {
			return nil
		}
		if isStrictPrefix(existing, root) || isStrictPrefix(root, existing) {
			return errs.New(errs.KindConfiguration,
				fmt.Sprintf("watched root %q overlaps existing root %q", root, existing))
		}
	}
	s.doc.WatchedFolders = append(s.doc.WatchedFolders, root)
	return s.writeLocked()
}

// RemoveWatchedFolder removes root from the watched set.
func (s *Store) RemoveWatchedFolder(root string) error {
	root = filepath.Clean(root)
	s.mu.Lock()
	defer s.mu.Unlock()

	out := s.doc.WatchedFolders[:0]
	for _, existing := range s.doc.WatchedFolders {
		if existing != root {
			out = append(out, existing)
		}
	}
	s.doc.WatchedFolders = out
	return s.writeLocked()
}

// UpdateSettings replaces the settings block and rewrites the document.
func (s *Store) UpdateSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc.Settings = settings
	return s.writeLocked()
}

// writeLocked serializes doc and writes it atomically: write to a temp file
// in the same directory, then rename over the target, so a crash mid-write
// never leaves a truncated config.json (the teacher writes meta.json with a
// plain os.WriteFile; the rename step here makes that crash-safe).
func (s *Store) writeLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, "marshal config.json", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Wrap(errs.KindConfiguration, "mkdir config dir", err)
	}
	tmp, err := os.CreateTemp(dir, ".config-*.json.tmp")
	if err != nil {
		return errs.Wrap(errs.KindConfiguration, "create temp config", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindConfiguration, "write temp config", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindConfiguration, "close temp config", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return errs.Wrap(errs.KindConfiguration, "rename config into place", err)
	}
	return nil
}

func isStrictPrefix(prefix, path string) bool {
	if prefix == path {
		return false
	}
	rel, err := filepath.Rel(prefix, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && rel != "." &&
		!strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// DevOverrides mirrors the teacher's .sift.toml: local, optional, untracked
// developer knobs layered on top of the persisted document.
type DevOverrides struct {
	ModelDir  string `toml:"model-dir"`
	OrtLib    string `toml:"ort-lib"`
	Threads   int    `toml:"threads"`
	MaxFileKB int    `toml:"max-file-kb"`
	PoolSize  int    `toml:"pool-size"`
}

// LoadDevOverrides reads driftmind.dev.toml from the current directory, if
// present. A missing file is not an error — it just means no overrides.
func LoadDevOverrides(path string) (DevOverrides, error) {
	var cfg DevOverrides
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, errs.Wrap(errs.KindConfiguration, "read dev overrides", err)
	}
	if err := toml.Unmarshal(b, &cfg); err != nil {
		return cfg, errs.Wrap(errs.KindConfiguration, "parse dev overrides", err)
	}
	return cfg, nil
}
