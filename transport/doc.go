// Package transport moves frames between pad members. The protocol layer
// assumes at-least-once, possibly delayed and reordered delivery, so frames
// carry a sender index and sequence number; everything stronger is built
// above.
//
// # Wire Frames
//
// A frame is a type byte, the sender index, a little-endian sequence
// number, and an opaque payload. Types cover bootstrap, chat, control,
// heartbeat, and sync traffic; an unrecognized type decodes as unknown so
// newer peers can be skipped rather than refused.
//
// # Secure Channels
//
// SecureChannel wraps any Channel with an ephemeral X25519 handshake,
// HKDF-derived per-direction ChaCha20-Poly1305 keys, and strictly increasing
// nonces. The handshake also derives the 64-byte channel attestation key the
// pairwise attestation layer MACs with, binding attestation evidence to the
// channel it traveled on.
//
// # TCP Transport
//
// TCPDialer and TCPListener carry length-prefixed messages between hosts.
// A one-byte hello introduces the dialer's member index on connect, and
// both directions honor context deadlines through connection deadlines.
// The secure channel layers on top unchanged.
//
// # In-Memory Network
//
// Network connects members within one process over ordered buffered pipes.
// It backs the end-to-end bootstrap tests and local rehearsals.
package transport
