// Package sha256 derives content digests for archive paths.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements crawler.Hasher using SHA-256. A positive Length keeps
// only that many leading hex characters.
type Hasher struct {
	Length int
}

// New returns a full-length SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// NewTruncated returns a hasher whose digests are cut to n hex characters.
func NewTruncated(n int) *Hasher {
	return &Hasher{Length: n}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	if h.Length > 0 && h.Length < len(digest) {
		digest = digest[:h.Length]
	}
	return digest, nil
}
