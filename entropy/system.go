package entropy

import (
	"crypto/rand"
	"fmt"
	"io"
)

// SystemSource reads the operating system's randomness pool, which mixes the
// hardware RNG where one exists. This is the high-rate source; the pipeline
// still never trusts it alone because the aggregator XORs every source in.
type SystemSource struct{}

func (SystemSource) Name() string { return "system-rng" }

// EntropyEstimate claims full entropy for the OS pool.
func (SystemSource) EntropyEstimate() float64 { return 8.0 }

func (SystemSource) Fill(dest []byte) error {
	if _, err := io.ReadFull(rand.Reader, dest); err != nil {
		return fmt.Errorf("reading system randomness: %w", err)
	}
	return nil
}
