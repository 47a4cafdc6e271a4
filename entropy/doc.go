// Package entropy collects and validates the raw randomness that seeds a
// shared pad. Raw bytes flow from independent sources through continuous
// health tests into a statistical estimator battery; only batches that clear
// the battery are handed to the extractor.
//
// # Sources
//
// A Source delivers raw bytes together with a claimed min-entropy per byte:
//
//   - SystemSource reads the operating system pool (claim 8.0)
//   - JitterSource harvests CPU timing jitter (claim 4.0)
//   - BufferedSource serves operator-supplied material (claim 2.0 by default)
//   - AudioSource and VideoSource are capture stubs, unsupported on server
//     builds (claim 0.0)
//   - Aggregator XOR-combines several sources into one
//
// The claims only size collection batches; acceptance is decided by
// measurement, never by claim.
//
// # Continuous Health Tests
//
// Every collected contribution passes the repetition count test and the
// adaptive proportion test, with cutoffs following SP 800-90B's developer
// examples. A tripped test discards the whole contribution; the remaining
// sources still form a batch.
//
// # Validation
//
// Validate runs six estimators over the concatenated batch: monobit
// frequency, runs, most common value, collision, first-order bit Markov, and
// a spectral check over the leading bits. Each reports a min-entropy bound in
// bits per byte and the aggregate is the battery minimum, so a batch must
// satisfy every test at once. Batches below 0.8 bits per byte, or smaller
// than RequiredBytes demands, are rejected with ErrEntropyInsufficient.
//
// Rejection is fatal to the current collection attempt. Whether a retry with
// fresh material is permitted is the caller's policy; the bootstrap
// orchestrator allows a bounded number of retries during its validation
// stage and treats recurrence as grounds for destroying the attempt.
package entropy
