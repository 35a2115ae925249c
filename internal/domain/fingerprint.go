package domain

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// Fingerprint derives the cache key for a stage from the exact set of
// option pairs that affect its output bytes. Pairs are sorted by key and
// every field is length-prefixed so no two distinct maps can collide by
// concatenation ambiguity.
func Fingerprint(fields map[string]string) string {
	h := sha256.New()

	write := func(s string) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(s)))
		h.Write(n[:])
		h.Write([]byte(s))
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		write(k)
		write(fields[k])
	}

	return hex.EncodeToString(h.Sum(nil))
}
