package entropy

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
)

// Aggregator XOR-combines several sources into one. As long as any single
// member source delivers unpredictable bytes, the combined output does too;
// a fully adversarial source can at worst choose its own contribution.
//
// Fill succeeds when at least one member source succeeds. Failed sources are
// logged and skipped.
type Aggregator struct {
	log     *slog.Logger
	sources []Source
}

// NewAggregator wraps the given sources. At least one source is required.
func NewAggregator(log *slog.Logger, sources ...Source) (*Aggregator, error) {
	if len(sources) == 0 {
		return nil, errors.New("aggregator requires at least one source")
	}
	return &Aggregator{log: log, sources: sources}, nil
}

func (a *Aggregator) Name() string { return "aggregate" }

// EntropyEstimate returns the maximum claim among member sources, since the
// XOR of independent sources is at least as unpredictable as its best input.
func (a *Aggregator) EntropyEstimate() float64 {
	var best float64
	for _, s := range a.sources {
		if est := s.EntropyEstimate(); est > best {
			best = est
		}
	}
	return best
}

func (a *Aggregator) Fill(dest []byte) error {
	cryptoutils.WipeBytes(dest)
	scratch := make([]byte, len(dest))
	defer cryptoutils.WipeBytes(scratch)

	var succeeded int
	var failures []error
	for _, s := range a.sources {
		if err := s.Fill(scratch); err != nil {
			a.log.Warn("entropy source failed, skipping", "source", s.Name(), "err", err)
			failures = append(failures, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}
		for i := range dest {
			dest[i] ^= scratch[i]
		}
		succeeded++
	}

	if succeeded == 0 {
		return fmt.Errorf("all %d sources failed: %w", len(a.sources), errors.Join(failures...))
	}
	return nil
}
