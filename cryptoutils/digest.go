package cryptoutils

import (
	"fmt"

	"github.com/zeebo/blake3"
)

// KeyedDigest computes a 32-byte keyed BLAKE3 digest over the concatenation
// of parts. The key must be 32 bytes.
func KeyedDigest(key []byte, parts ...[]byte) ([32]byte, error) {
	var out [32]byte
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return out, fmt.Errorf("keyed hasher: %w", err)
	}
	for _, p := range parts {
		if _, err := h.Write(p); err != nil {
			return out, err
		}
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Digest computes an unkeyed 32-byte BLAKE3 digest over the concatenation
// of parts. Used for commitments and transcript digests.
func Digest(parts ...[]byte) [32]byte {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}
