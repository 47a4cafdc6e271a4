package entropy

import (
	"fmt"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Continuous health test parameters. Cutoffs follow SP 800-90B's developer
// examples for a claimed 1 bit/sample source: 10 identical samples in a row,
// or 50 occurrences of the window's first sample within 512 samples.
const (
	rctCutoff = 10
	aptWindow = 512
	aptCutoff = 50
)

// HealthTester runs the repetition count test and the adaptive proportion
// test over a source's raw output. A trip discards the batch; the tester is
// per batch and never reused across sources.
type HealthTester struct {
	started  bool
	last     byte
	rctCount int

	aptFirst byte
	aptCount int
	aptPos   int
}

// NewHealthTester creates a tester with the default cutoffs.
func NewHealthTester() *HealthTester {
	return &HealthTester{}
}

// Observe feeds one sample byte. Returns ErrHealthTest when either test
// trips; once tripped, the batch must be discarded.
func (h *HealthTester) Observe(b byte) error {
	// Repetition count: counts the current run of identical samples.
	if !h.started {
		h.started = true
		h.last = b
		h.rctCount = 1
	} else if b == h.last {
		h.rctCount++
		if h.rctCount >= rctCutoff {
			return fmt.Errorf("%w: repetition count reached %d", interfaces.ErrHealthTest, h.rctCount)
		}
	} else {
		h.last = b
		h.rctCount = 1
	}

	// Adaptive proportion: counts occurrences of each window's first
	// sample across the window.
	if h.aptPos == 0 {
		h.aptFirst = b
		h.aptCount = 1
	} else if b == h.aptFirst {
		h.aptCount++
		if h.aptCount >= aptCutoff {
			return fmt.Errorf("%w: adaptive proportion reached %d in window", interfaces.ErrHealthTest, h.aptCount)
		}
	}
	h.aptPos++
	if h.aptPos == aptWindow {
		h.aptPos = 0
	}

	return nil
}

// ObserveAll feeds a whole buffer, stopping at the first trip.
func (h *HealthTester) ObserveAll(data []byte) error {
	for _, b := range data {
		if err := h.Observe(b); err != nil {
			return err
		}
	}
	return nil
}
