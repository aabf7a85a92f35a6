// Package scanner implements the breadth-first directory walk described in
// spec.md §4.2: bundle-aware exclusion, exclude-pattern matching, and
// extension filtering. It is grounded on the teacher's index.walkDir and
// watcher.addDirRecursive (both skip dot-directories; this package
// generalizes that into the full ScanOptions contract).
package scanner

import (
	"os"
	"path/filepath"
	"strings"
)

// Options controls a scan, matching spec.md §4.2's ScanOptions.
type Options struct {
	ExcludeBundles bool
	// BundlePatterns are globs like "**/*.app/**"; only the trailing
	// extension (the "ext" in "**/*.ext/**") is extracted and matched
	// against directory basenames, per the spec's algorithm step 1.
	BundlePatterns []string
	// ExcludePatterns are plain path-component tokens (not globs): if any
	// path component equals one of these, the entry is skipped.
	ExcludePatterns []string
	// SupportedExtensions is case-insensitive, dot-less.
	SupportedExtensions []string
}

// Result is the output of a scan.
type Result struct {
	Files          []string
	SkippedBundles []string
}

// bundleExtensions extracts the "ext" out of each "**/*.ext/**" pattern.
func bundleExtensions(patterns []string) map[string]bool {
	out := make(map[string]bool, len(patterns))
	for _, p := range patterns {
		// Expect the shape **/*.<ext>/** — pull out <ext>.
		p = strings.TrimSuffix(p, "/**")
		p = strings.TrimPrefix(p, "**/*")
		p = strings.TrimPrefix(p, ".")
		if p != "" {
			out[strings.ToLower(p)] = true
		}
	}
	return out
}

// Scan walks roots breadth-first, applying opts, and returns every matching
// file plus any bundle directories that were skipped as a unit. Permission
// errors and ENOENT are reported via onError (which may be nil) and do not
// stop the overall traversal; a directory whose resolved path was already
// visited (a symlink loop) is skipped without a report.
func Scan(roots []string, opts Options, onError func(path string, err error)) Result {
	exts := make(map[string]bool, len(opts.SupportedExtensions))
	for _, e := range opts.SupportedExtensions {
		exts[strings.ToLower(strings.TrimPrefix(e, "."))] = true
	}
	bundleExts := bundleExtensions(opts.BundlePatterns)
	excludeTokens := make(map[string]bool, len(opts.ExcludePatterns))
	for _, t := range opts.ExcludePatterns {
		excludeTokens[t] = true
	}

	var result Result
	visitedDirs := make(map[string]bool) // symlink-loop guard by resolved path
	var queue []string                   // directories waiting to be read, FIFO

	var walk func(dir string)
	walk = func(dir string) {
		if hasExcludedComponent(dir, excludeTokens) {
			return
		}
		real, err := filepath.EvalSymlinks(dir)
		if err == nil {
			if visitedDirs[real] {
				return // symlink loop
			}
			visitedDirs[real] = true
		}

		entries, err := os.ReadDir(dir)
		if err != nil {
			if onError != nil {
				onError(dir, err)
			}
			return
		}

		for _, entry := range entries {
			full := filepath.Join(dir, entry.Name())

			if entry.IsDir() {
				if opts.ExcludeBundles && bundleExts[strings.ToLower(trimDotExt(entry.Name()))] {
					result.SkippedBundles = append(result.SkippedBundles, full)
					continue
				}
				queue = append(queue, full)
				continue
			}

			if hasExcludedComponent(full, excludeTokens) {
				continue
			}

			info, err := entry.Info()
			if err != nil {
				if onError != nil {
					onError(full, err)
				}
				continue
			}
			if !info.Mode().IsRegular() {
				continue
			}

			ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(entry.Name()), "."))
			if exts[ext] {
				result.Files = append(result.Files, full)
			}
		}
	}

	queue = append(queue, roots...)
	for len(queue) > 0 {
		dir := queue[0]
		queue = queue[1:]
		walk(dir)
	}
	return result
}

func trimDotExt(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimPrefix(ext, ".")
}

func hasExcludedComponent(path string, tokens map[string]bool) bool {
	if len(tokens) == 0 {
		return false
	}
	for _, comp := range strings.Split(filepath.ToSlash(path), "/") {
		if tokens[comp] {
			return true
		}
	}
	return false
}
