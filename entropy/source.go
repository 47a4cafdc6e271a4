package entropy

import "time"

// Source is one physical or logical randomness source. The set of sources is
// closed and fixed at construction; the collector runs one goroutine per
// source and joins all of them before validation.
type Source interface {
	// Name identifies the source in samples, logs and reports.
	Name() string

	// Fill writes len(dest) raw bytes into dest. Blocking; a source that
	// cannot deliver returns an error and contributes nothing to the
	// batch.
	Fill(dest []byte) error

	// EntropyEstimate is the source's claimed min-entropy in bits per
	// byte. Claims are advisory; the validator measures the real thing.
	EntropyEstimate() float64
}

// Sample is one source's contribution to a collection batch. Immutable once
// validated.
type Sample struct {
	Source      string
	CollectedAt time.Time
	Data        []byte
}
