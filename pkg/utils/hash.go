// Package utils provides key hashing helpers for the query coordination layer.
//
// Canonical query keys embed raw filter signatures, so they can be long and
// may contain user data. Logs, events, and archive rows reference queries by
// a fixed-width hash instead of the raw key.
//
// Design Notes:
//   - Uses FNV-1a 64-bit hash (stdlib, fast, good distribution)
//   - Not cryptographic: identifiers only, never access control
//   - Zero allocations beyond the output string
package utils

import (
	"fmt"
	"hash/fnv"
)

// ShortKeyLen is the length of the truncated hex form used in log lines.
const ShortKeyLen = 12

// HashKey returns the full 16-character hex FNV-1a digest of a canonical
// query key. Stable across processes and restarts.
//
// Complexity: O(n) in key length.
func HashKey(key string) string {
	h := fnv.New64a()
	h.Write([]byte(key))
	return fmt.Sprintf("%016x", h.Sum64())
}

// ShortKey returns a truncated digest suitable for log lines and event
// payloads. Collisions are acceptable here: short keys are a debugging aid,
// never a lookup key.
func ShortKey(key string) string {
	return HashKey(key)[:ShortKeyLen]
}
