package queue

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

const maxDedupKeyLen = 128

// DedupKey derives a deduplication key from the natural key of a message.
func DedupKey(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, "\x1f")))
	key := hex.EncodeToString(sum[:])
	if len(key) > maxDedupKeyLen {
		key = key[:maxDedupKeyLen]
	}
	return key
}
