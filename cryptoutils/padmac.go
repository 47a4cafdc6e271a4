package cryptoutils

import (
	"crypto/subtle"

	"github.com/ruteri/masterpad-provisioning-backend/gf256"
)

const (
	// PadMACKeySize is the size of the MAC-key region carried at the end
	// of every pad block.
	PadMACKeySize = 64

	// PadMACTagSize is the size of the authentication tag.
	PadMACTagSize = 64
)

// PadMACSum computes the 64-byte polynomial tag over ciphertext and metadata.
// Each of the 64 key bytes acts as the evaluation point of an independent
// Horner accumulator over GF(2^8); metadata is absorbed before the
// ciphertext, both in reverse byte order, so the tag binds length and
// position of every byte in both inputs.
//
// The key comes from the pad block's MAC-key region and is used for exactly
// one message, which is what makes the information-theoretic bound hold.
func PadMACSum(ciphertext, metadata []byte, key *[PadMACKeySize]byte) [PadMACTagSize]byte {
	var acc [PadMACTagSize]byte

	absorb := func(data []byte) {
		for i := len(data) - 1; i >= 0; i-- {
			b := data[i]
			for lane := 0; lane < PadMACTagSize; lane++ {
				acc[lane] = gf256.Add(gf256.Mul(acc[lane], key[lane]), b)
			}
		}
	}

	absorb(metadata)
	absorb(ciphertext)
	return acc
}

// PadMACVerify recomputes the tag and compares in constant time.
func PadMACVerify(ciphertext, metadata []byte, key *[PadMACKeySize]byte, tag []byte) bool {
	if len(tag) != PadMACTagSize {
		return false
	}
	expected := PadMACSum(ciphertext, metadata, key)
	return subtle.ConstantTimeCompare(expected[:], tag) == 1
}
