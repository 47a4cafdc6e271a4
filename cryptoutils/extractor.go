package cryptoutils

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"

	"github.com/zeebo/blake3"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// extractorSeedContext separates extractor key derivation from every other
// use of the device seed.
const extractorSeedContext = "masterpad/v1 extractor key"

// ToeplitzExtract condenses a weakly random input into outLen nearly uniform
// bytes using a Toeplitz matrix over GF(2), represented by the key bit
// string. The key must carry at least inBits + outBits - 1 bits; shorter
// keys yield ErrKeyTooShort.
//
// Output bit ob is the parity of the AND between the input and the key
// window starting at bit ob. The inner loop works on 64-bit words: the
// window is assembled from two adjacent key words per input word.
func ToeplitzExtract(input, key []byte, outLen int) ([]byte, error) {
	if outLen <= 0 {
		return nil, fmt.Errorf("invalid extractor output length %d", outLen)
	}

	inBits := len(input) * 8
	outBits := outLen * 8
	keyBits := len(key) * 8
	if keyBits < inBits+outBits-1 {
		return nil, fmt.Errorf("%w: have %d bits, need %d", interfaces.ErrKeyTooShort, keyBits, inBits+outBits-1)
	}

	inWords := bytesToWordsLE(input)
	// One zero word of padding keeps the two-word window in range for the
	// highest output bit.
	keyWords := append(bytesToWordsLE(key), 0)

	out := make([]byte, outLen)
	for ob := 0; ob < outBits; ob++ {
		base := ob >> 6
		shift := uint(ob & 63)

		var acc uint64
		for w, iw := range inWords {
			kw0 := keyWords[base+w]
			kw1 := keyWords[base+w+1]
			window := (kw0 >> shift) | (kw1 << (64 - shift))
			acc ^= iw & window
		}

		parity := uint64(bits.OnesCount64(acc)) & 1
		out[ob>>3] |= byte(parity << (ob & 7))
	}
	return out, nil
}

// ToeplitzKeyLen returns the key size in bytes required to extract outLen
// bytes from inLen input bytes.
func ToeplitzKeyLen(inLen, outLen int) int {
	return (inLen*8 + outLen*8 - 1 + 7) / 8
}

// ExpandToeplitzKey stretches a member-local seed into Toeplitz key material
// bound to the pad epoch. The expansion replaces a stored full-length key
// with a computational assumption on the XOF; the seed itself is never
// reused across epochs because the epoch is absorbed into the stream.
func ExpandToeplitzKey(seed []byte, epoch interfaces.Epoch, keyLen int) ([]byte, error) {
	var keyed [32]byte
	blake3.DeriveKey(extractorSeedContext, seed, keyed[:])
	defer WipeBytes(keyed[:])

	h, err := blake3.NewKeyed(keyed[:])
	if err != nil {
		return nil, fmt.Errorf("keyed hasher: %w", err)
	}

	var epochBytes [8]byte
	binary.LittleEndian.PutUint64(epochBytes[:], uint64(epoch))
	if _, err := h.Write(epochBytes[:]); err != nil {
		return nil, err
	}

	key := make([]byte, keyLen)
	if _, err := io.ReadFull(h.Digest(), key); err != nil {
		return nil, fmt.Errorf("expanding extractor key: %w", err)
	}
	return key, nil
}

func bytesToWordsLE(b []byte) []uint64 {
	words := make([]uint64, (len(b)+7)/8)
	for i := 0; i+8 <= len(b); i += 8 {
		words[i/8] = binary.LittleEndian.Uint64(b[i:])
	}
	if tail := len(b) % 8; tail != 0 {
		var last [8]byte
		copy(last[:], b[len(b)-tail:])
		words[len(words)-1] = binary.LittleEndian.Uint64(last[:])
	}
	return words
}
