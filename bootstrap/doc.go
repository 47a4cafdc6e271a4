// Package bootstrap builds a shared pad from nothing: a group of devices
// discovers each other, proves mutual liveness, contributes entropy, and
// ends with every device holding the same threshold-shared pad, sealed
// backups written, and watchdogs armed.
//
// # Pipeline
//
// A session walks a fixed stage sequence, each stage under its own
// deadline: discovery, connection establishment, parameter negotiation,
// entropy collection and validation, extraction, commitment exchange and
// verification, share distribution and verification, the consistency
// check, ratchet key derivation, persistence, and watchdog activation. Any
// failure rolls the device back to its pre-session snapshot and surfaces
// as an AbortError; a session either completes whole or leaves no trace.
//
// # Dealing
//
// Each member extracts its own entropy contribution and splits it with the
// group's threshold parameters. Commitments to every outgoing share are
// locked in and cross-checked before any share moves, so a dealer cannot
// adapt its deal to what it receives. Deals then travel privately, each
// receipt is checked against the dealer's commitment, and the receiving
// member folds the deals pointwise into its share of the joint pad. The
// folded records are synced group-wide so every device can reconstruct pad
// blocks locally from any threshold subset.
//
// # Completion
//
// The consistency check threshold-attests a digest over the session,
// commitments and folded records; conflicting valid signatures abort the
// session as a split group. Persistence seals the member's folded share,
// stores it, verifies the stored copy byte for byte, and holds at the
// confirmation gate until the operator releases it. Only after every
// member reports its watchdog armed does the session complete.
package bootstrap
