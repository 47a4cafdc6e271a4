// Package pad implements the one-time pad engine that turns reconstructed
// pad material into authenticated messages.
//
// # Block Discipline
//
// The pad is consumed in 4096-byte blocks. Each block provides 4032 bytes
// of keystream and a 64-byte one-time MAC key, so confidentiality and
// authenticity for a message come from material used exactly once. A
// consumption ledger records every spent block and refuses reuse
// unconditionally, whether from a local retry or a replayed envelope.
//
// # Sliding Window
//
// At most three reconstructed blocks are resident in memory at a time.
// Blocks are pulled on demand from a BlockSource, typically backed by
// threshold reconstruction from stored share blocks, and wiped as soon as
// they are consumed or evicted.
//
// # Verify Then Consume
//
// Decryption authenticates the envelope against the block's MAC key before
// marking the block consumed. A forged or corrupted envelope therefore
// costs nothing: the block stays usable for the legitimate copy. Consecutive
// verification failures and excessive throughput trip the access monitor,
// which locks the engine until an operator intervenes.
//
// # Destruction
//
// Burn flips a flag checked at the start of every operation, then wipes
// resident material. In-flight operations racing a burn fail with
// ErrPadDestroyed rather than touching wiped memory.
package pad
