package entropy

import (
	"errors"
	"math/bits"
	"time"
)

// jitterSink absorbs the work loop so it cannot be optimized away.
var jitterSink int

// JitterSource harvests CPU timing jitter: each output bit is the parity of
// the XOR-fold of eight timing deltas, each delta measured around a short
// arithmetic loop. That is 64 clock samples per output byte, which makes the
// source slow but independent of any hardware RNG.
type JitterSource struct{}

// NewJitterSource probes the clock and fails with errors.ErrUnsupported when
// consecutive readings show no jitter at all (a platform with a coarse or
// virtualized timer cannot feed this source).
func NewJitterSource() (*JitterSource, error) {
	var deltas [16]uint64
	for i := range deltas {
		deltas[i] = jitterDelta()
	}
	for _, d := range deltas[1:] {
		if d != deltas[0] {
			return &JitterSource{}, nil
		}
	}
	return nil, errors.ErrUnsupported
}

func (s *JitterSource) Name() string { return "timing-jitter" }

// EntropyEstimate claims 4.0 bits per byte. The parity folding concentrates
// the per-delta jitter, but the claim stays at half the byte width to leave
// margin for coarse clocks.
func (s *JitterSource) EntropyEstimate() float64 { return 4.0 }

func (s *JitterSource) Fill(dest []byte) error {
	for i := range dest {
		var b byte
		for bit := 0; bit < 8; bit++ {
			var fold uint64
			for k := 0; k < 8; k++ {
				fold ^= jitterDelta()
			}
			parity := byte(bits.OnesCount64(fold) & 1)
			b |= parity << bit
		}
		dest[i] = b
	}
	return nil
}

func jitterDelta() uint64 {
	t1 := time.Now()
	x := jitterSink
	for j := 0; j < 10; j++ {
		x = (x*7 + j) ^ (x >> 3)
	}
	jitterSink = x
	return uint64(time.Since(t1))
}
