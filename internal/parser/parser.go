// Package parser adapts the document-parser and encoding-detector
// collaborators named in spec.md §6 to a single internal contract: given a
// path, return normalized UTF-8 text. Per-format parsers (pdf, docx, rtf,
// doc) are external collaborators beyond this contract (spec.md §1); this
// package ships the contract, a registry keyed by extension, and a
// plain-text/Markdown/source-code reference implementation good enough to
// exercise the rest of the pipeline end to end.
package parser

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Version is the parser shim's declared version. It is compared against a
// file record's stored parser_version by the reindex planner (spec.md §4.4)
// to detect "parser-upgraded" files that need re-chunking even though their
// content hash hasn't changed.
const Version = 1

// ParseFunc turns raw file bytes into normalized UTF-8 text.
type ParseFunc func(path string, raw []byte) (string, error)

// registry maps a lowercase, dot-less extension to the parser that handles it.
var registry = map[string]ParseFunc{}

// defaultExtensions is the built-in supported-extension set, mirroring the
// teacher's chunker.SupportedExtensions plus the document formats named in
// spec.md §6's config file-type toggles (no parser for pdf, docx, rtf or
// doc is registered anywhere in this module; txt/md/source files are native).
var defaultExtensions = []string{
	"md", "txt", "go", "py", "js", "ts", "rs", "c", "cpp", "h",
	"json", "yaml", "yml", "toml", "conf",
}

func init() {
	for _, ext := range defaultExtensions {
		registry[ext] = parsePlainText
	}
}

// Register installs a parser for the given extension (without a leading
// dot, case-insensitive). External document-format parsers can call this
// from their own package init; nothing in this module calls it. The
// registry is the single dispatch point so the
// rest of the pipeline never branches on extension itself (Design Notes:
// "dynamic dispatch over parsers is naturally a tagged variant").
func Register(ext string, fn ParseFunc) {
	registry[strings.ToLower(ext)] = fn
}

// SupportedExtensions returns the set of extensions with a registered parser.
func SupportedExtensions() map[string]bool {
	out := make(map[string]bool, len(registry))
	for ext := range registry {
		out[ext] = true
	}
	return out
}

// IsSupportedFile returns true if the file's extension has a registered
// parser and the file does not appear to be binary (checked via a short
// header sniff) — a parser registered for "go"/"md" etc. never has to
// special-case binary detection itself.
func IsSupportedFile(path string) bool {
	ext := extOf(path)
	if _, ok := registry[ext]; !ok {
		return false
	}
	return !isBinary(path)
}

func extOf(path string) string {
	ext := filepath.Ext(path)
	return strings.ToLower(strings.TrimPrefix(ext, "."))
}

// isBinary sniffs the first 512 bytes to detect binary content.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return true
	}
	buf = buf[:n]

	// Null bytes strongly indicate binary data.
	return bytes.IndexByte(buf, 0) != -1
}

// Parse reads path, dispatches to the registered parser for its extension,
// and returns normalized UTF-8 text. Errors propagate to the caller, which
// classifies the file as failed (spec.md §6, §7: ParseError).
func Parse(path string) (string, error) {
	ext := extOf(path)
	fn, ok := registry[ext]
	if !ok {
		return "", fmt.Errorf("parser: no parser registered for extension %q", ext)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("parser: read %s: %w", path, err)
	}

	text, err := fn(path, raw)
	if err != nil {
		return "", fmt.Errorf("parser: parse %s: %w", path, err)
	}
	return text, nil
}

// parsePlainText is the reference parser for text-like files: it runs the
// encoding detector and decodes to UTF-8, performing no further structural
// extraction. Source, Markdown, and config-shaped formats all pass through
// here unchanged.
func parsePlainText(_ string, raw []byte) (string, error) {
	return DecodeToUTF8(raw), nil
}
