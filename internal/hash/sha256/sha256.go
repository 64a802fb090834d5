// Package sha256 provides labelled SHA-256 content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Prefix labels digests produced by Hasher.
const Prefix = "sha256:"

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns "sha256:" followed by the hex digest of data.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return Prefix + hex.EncodeToString(sum[:]), nil
}

// Matches reports whether digest was produced from data.
func (h *Hasher) Matches(data []byte, digest string) bool {
	if !strings.HasPrefix(digest, Prefix) {
		return false
	}
	got, _ := h.Hash(data)
	return got == digest
}
