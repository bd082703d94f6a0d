// Package sha256 provides the SHA-256 digests used for archive paths and
// change detection.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher and crawler.ChangeDetector.
type Hasher struct{}

// New returns a Hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of raw bytes. Archive paths use it.
func (*Hasher) Hash(data []byte) (string, error) {
	return digest(data), nil
}

// ContentHash digests Normalize(text), so whitespace and case changes do not
// count as a content change.
func (*Hasher) ContentHash(text string) string {
	return digest([]byte(Normalize(text)))
}

// Normalize trims text, collapses every whitespace run to one space and
// lowercases the result.
func Normalize(text string) string {
	return strings.ToLower(strings.Join(strings.Fields(text), " "))
}

func digest(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
