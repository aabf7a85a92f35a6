package catalogue

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
)

// hashMeta computes md5(size || ":" || mtime_ns), spec.md §4.3's cheap
// file_hash digest. Content is never hashed — only size+mtime — because
// detecting "this file probably hasn't changed" is the whole point.
func hashMeta(size, mtimeNanos int64) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d:%d", size, mtimeNanos)))
	return hex.EncodeToString(sum[:])
}
