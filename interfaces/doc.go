// Package interfaces defines core interfaces and types for the master pad
// provisioning system, separating interface definitions from implementations.
//
// The package provides the contract between the pipeline components:
//
// # Domain Types
//
// MemberID: 1-based group member index, doubling as the Shamir evaluation
// point for that member's shares. Epoch: pad generation counter. PadID:
// 16-byte pad identifier. StateDigest: 32-byte keyed digest compared by the
// attestation layers. GroupParams: negotiated (N, T, pad size) tuple.
// Envelope: wire form of a pad-encrypted message.
//
// # Share Persistence
//
// ShareStore: persistence for sealed share blobs keyed by (member, epoch),
// implemented over the local filesystem, S3, Vault and IPFS. A failed load
// counts as a missing share toward the threshold, never as corruption.
//
// ShareStoreFactory: creates stores from URI strings and aggregates several
// backends into a replicating multi-store.
//
// # Transport
//
// Dialer, Listener and Channel abstract the peer links used during bootstrap
// and messaging. The transport is assumed unreliable and unordered; protocol
// messages carry their own sequence numbers.
//
// # Error Taxonomy
//
// Sentinel errors for every failure class the pipeline distinguishes, from
// ErrEntropyInsufficient through ErrPadDestroyed. Components wrap them with
// context; callers branch with errors.Is.
package interfaces
