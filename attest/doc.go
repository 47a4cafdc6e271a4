// Package attest implements the three attestation layers that gate every
// stage admission and every messaging session between pad members.
//
// The layers are checked in order and all must pass:
//
//  1. Local: a keyed digest over the member's binary measurement and state
//     snapshot, keyed by the device secret. A configured hardware quote
//     provider additionally binds the digest into TDX quote report data.
//  2. Pairwise: a nonce challenge answered with a polynomial MAC over the
//     share-exchange transcript under the channel key, subject to a
//     round-trip time bound. A correct answer that arrives late still
//     fails, closing the relay window.
//  3. Threshold: every member signs the consensus state digest with its
//     secp256k1 identity key. At least T identical signed digests admit the
//     group; valid signatures over conflicting digests are proof of
//     compromise and escalate to ErrSplitConsensus regardless of majority
//     size, which the watchdog answers with destructive lockdown.
//
// Layer failures are deliberately asymmetric: absent or invalid records
// only degrade (ErrQuorumNotReached, retryable as members come back), while
// conflicting valid records are terminal.
package attest
