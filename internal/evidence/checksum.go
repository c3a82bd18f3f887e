package evidence

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// PackageChecksum computes the integrity checksum of an evidence package
// from its per-object SHA-256 checksums. Object names are sorted ascending
// before concatenation so the result is stable regardless of upload or
// download order.
func PackageChecksum(objectChecksums map[string]string) string {
	names := make([]string, 0, len(objectChecksums))
	for name := range objectChecksums {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	for _, name := range names {
		h.Write([]byte(objectChecksums[name]))
	}
	return hex.EncodeToString(h.Sum(nil))
}
