// Package padstore keeps the working copies of pad material on a member:
// share blocks in a Pebble store and the pad usage file on disk.
//
// The block store slices each member's combined share into pad-sized blocks
// keyed by epoch, member, and block number, each record carrying a keyed
// integrity tag. The pad engine's sliding window then reconstructs exactly
// the blocks it is about to consume from threshold share blocks, so the
// assembled pad never exists in full anywhere.
//
// Writes are buffered with a periodic WAL sync. Burn overwrites, deletes,
// and compacts the keyspace; with an LSM store the compaction step is what
// actually drops old values from disk.
//
// The pad file records the pad ID, a forward-only used-bytes counter, and
// optional exported material. Its counter survives restarts so a crash can
// never rewind consumption, which would break the one-time property.
package padstore
