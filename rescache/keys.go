package rescache

import (
	"crypto/sha256"
	"encoding/hex"
)

// ResultKey builds a cache key from a query string and its parameters.
// Keys are hashes so that raw query text is never held in the cache
// index.
func ResultKey(query string, params ...string) string {
	h := sha256.New()
	h.Write([]byte(query))
	for _, p := range params {
		h.Write([]byte{0})
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}
