// Package chunker splits already-decoded text into overlapping windows
// suitable for embedding. It is a pure function over strings: it never
// touches the filesystem — reading and decoding a file is the job of
// internal/parser, which hands chunker the resulting text.
package chunker

import (
	"bytes"
	"strings"
)

// Piece is a slice of a source text, offset-addressed.
type Piece struct {
	Text    string
	Offset  int // byte offset into the original text, strictly non-decreasing across a sequence
	LineNum int // 1-indexed line number of the start of the chunk
	Index   int // chunk index within the file
}

// Options controls chunking behaviour.
//
// MaxBytes is S (chunk size) and OverlapBytes is O (overlap) from spec.md
// §4.1; the spec requires O < S, which DefaultOptions satisfies and which
// Chunk enforces defensively (see clampOverlap).
type Options struct {
	// MaxBytes is the maximum size of a single chunk.
	// BGE-small supports 512 tokens (~2000 bytes), but 1200 bytes is safer
	// and preserves strong semantic density.
	MaxBytes int
	// OverlapBytes is how many bytes of the previous chunk to include in the next.
	OverlapBytes int
}

// DefaultOptions returns the recommended chunking parameters for BGE-small.
func DefaultOptions() Options {
	return Options{
		MaxBytes:     1200, // ~250-300 tokens
		OverlapBytes: 250,  // ~50-60 tokens overlap
	}
}

func clampOverlap(opts Options) Options {
	if opts.MaxBytes <= 0 {
		opts = DefaultOptions()
	}
	if opts.OverlapBytes >= opts.MaxBytes {
		opts.OverlapBytes = opts.MaxBytes / 2
	}
	return opts
}

// Chunk splits text into an ordered sequence of overlapping windows.
// Empty (or whitespace-only) input yields an empty sequence. Text shorter
// than opts.MaxBytes yields a single chunk. Word boundaries are not
// preserved deliberately — correctness follows offsets, not semantics — but
// the splitter prefers paragraph/line/word boundaries when one is available
// within the window, matching how source text actually breaks.
func Chunk(text string, opts Options) []Piece {
	opts = clampOverlap(opts)

	if len(strings.TrimSpace(text)) == 0 {
		return nil
	}

	data := []byte(text)
	var chunks []Piece
	var chunkIdx int
	start := 0

	for start < len(text) {
		end := start + opts.MaxBytes
		if end >= len(text) {
			leadingSpaces := len(text[start:]) - len(strings.TrimLeft(text[start:], " \t\n\r"))
			chunks = append(chunks, Piece{
				Text:    strings.TrimSpace(text[start:]),
				Offset:  start,
				LineNum: 1 + bytes.Count(data[:start+leadingSpaces], []byte{'\n'}),
				Index:   chunkIdx,
			})
			break
		}

		// Find best semantic split point looking backwards from 'end'.
		var bestSplit int

		// 1. Try paragraph break (\n\n).
		bestSplit = strings.LastIndex(text[start:end], "\n\n")
		if bestSplit != -1 {
			bestSplit += start + 2
		} else {
			// 2. Try line break (\n).
			bestSplit = strings.LastIndex(text[start:end], "\n")
			if bestSplit != -1 {
				bestSplit += start + 1
			} else {
				// 3. Try space word break.
				bestSplit = strings.LastIndexByte(text[start:end], ' ')
				if bestSplit != -1 {
					bestSplit += start + 1
				} else {
					// 4. Force split mid-word.
					bestSplit = end
				}
			}
		}

		leadingSpaces := len(text[start:bestSplit]) - len(strings.TrimLeft(text[start:bestSplit], " \t\n\r"))
		chunks = append(chunks, Piece{
			Text:    strings.TrimSpace(text[start:bestSplit]),
			Offset:  start,
			LineNum: 1 + bytes.Count(data[:start+leadingSpaces], []byte{'\n'}),
			Index:   chunkIdx,
		})
		chunkIdx++

		// Calculate overlap context for the next chunk.
		overlapStart := bestSplit - opts.OverlapBytes
		if overlapStart <= start {
			// Ensure we always advance at least 1 character to avoid infinite loops.
			overlapStart = start + 1
		} else {
			// Snap overlap start forward to the next semantic boundary so the
			// overlap starts cleanly at a line or word.
			nextNL := strings.IndexByte(text[overlapStart:bestSplit], '\n')
			if nextNL != -1 {
				overlapStart += nextNL + 1
			} else {
				nextSp := strings.IndexByte(text[overlapStart:bestSplit], ' ')
				if nextSp != -1 {
					overlapStart += nextSp + 1
				}
			}
		}

		start = overlapStart
	}

	// Filter out empty chunks resulting from pure whitespace text regions.
	var filtered []Piece
	for _, c := range chunks {
		if c.Text != "" {
			filtered = append(filtered, c)
		}
	}

	return filtered
}
