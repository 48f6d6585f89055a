package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Fingerprint computes the SHA-256 digest (lowercase hex) over the checkpoint's
// entries sorted by case-folded stream, one "stream|version\n" line per entry.
// Insertion order does not affect the result. An empty checkpoint has an empty
// fingerprint.
func Fingerprint(c *Checkpoint) string {
	entries := c.Entries()
	if len(entries) == 0 {
		return ""
	}
	for i := range entries {
		entries[i].Stream = entries[i].Stream.Normalized()
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Stream < entries[j].Stream
	})

	var b strings.Builder
	for _, e := range entries {
		b.WriteString(string(e.Stream))
		b.WriteByte('|')
		b.WriteString(string(e.Version))
		b.WriteByte('\n')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}
