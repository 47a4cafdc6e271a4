// Package interfaces defines the core interfaces and types for the master pad
// provisioning system. It provides the contract between different components
// without implementation details.
package interfaces

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

// MemberID identifies a group member. Valid members are numbered 1..255;
// zero is reserved because shares are evaluated at x = member index and the
// secret sits at x = 0.
type MemberID uint8

// NewMemberID validates a raw index.
func NewMemberID(raw uint8) (MemberID, error) {
	if raw == 0 {
		return 0, errors.New("invalid member id: must be non-zero")
	}
	return MemberID(raw), nil
}

// String returns the decimal representation used in logs and store keys.
func (m MemberID) String() string {
	return fmt.Sprintf("%d", uint8(m))
}

// Valid reports whether the member id is usable as a share index.
func (m MemberID) Valid() bool {
	return m != 0
}

// Epoch numbers pad generations. Every successful bootstrap or ratchet
// increments the epoch; shares, seeds and commitments are bound to it.
type Epoch uint64

// BlockID indexes a 4096-byte pad block within an epoch.
type BlockID uint64

// PadID uniquely identifies a materialized pad generation.
type PadID [16]byte

// NewPadIDFromBytes creates a pad ID from a raw 16-byte slice.
func NewPadIDFromBytes(source []byte) (PadID, error) {
	if len(source) != 16 {
		return PadID{}, errors.New("invalid pad ID length: must be 16 bytes")
	}

	var id PadID
	copy(id[:], source)
	return id, nil
}

// NewPadIDFromHex creates a pad ID from its hex representation.
func NewPadIDFromHex(source string) (PadID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 32 {
		return PadID{}, errors.New("invalid pad ID length: hex string must be 32 characters")
	}

	idBytes, err := hex.DecodeString(clean)
	if err != nil {
		return PadID{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewPadIDFromBytes(idBytes)
}

// String returns the hex representation of the pad ID.
func (id PadID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns the raw 16-byte ID.
func (id PadID) Bytes() []byte {
	return id[:]
}

// Equal compares two pad IDs.
func (id PadID) Equal(other PadID) bool {
	return id == other
}

// StateDigest is a 32-byte keyed digest of a member's binary and protocol
// state. Attestation layers compare these; the threshold layer requires at
// least T matching digests.
type StateDigest [32]byte

// NewStateDigestFromBytes creates a state digest from a raw 32-byte slice.
func NewStateDigestFromBytes(source []byte) (StateDigest, error) {
	if len(source) != 32 {
		return StateDigest{}, errors.New("invalid state digest length: must be 32 bytes")
	}

	var d StateDigest
	copy(d[:], source)
	return d, nil
}

// NewStateDigestFromHex creates a state digest from its hex representation.
func NewStateDigestFromHex(source string) (StateDigest, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return StateDigest{}, errors.New("invalid state digest length: hex string must be 64 characters")
	}

	digestBytes, err := hex.DecodeString(clean)
	if err != nil {
		return StateDigest{}, fmt.Errorf("invalid hex format: %w", err)
	}

	return NewStateDigestFromBytes(digestBytes)
}

// String returns hex representation.
func (d StateDigest) String() string {
	return hex.EncodeToString(d[:])
}

// Bytes returns the raw 32-byte digest.
func (d StateDigest) Bytes() []byte {
	return d[:]
}

// Equal compares two state digests.
func (d StateDigest) Equal(other StateDigest) bool {
	return bytes.Equal(d[:], other[:])
}

// Attestation represents opaque attestation evidence (a hardware quote or a
// keyed digest, depending on the provider).
type Attestation []byte

// GroupParams captures the negotiated bootstrap parameters. All members must
// agree on the exact values; any mismatch aborts the session.
type GroupParams struct {
	// N is the group size.
	N uint8 `json:"n"`

	// T is the reconstruction threshold. Fewer than T shares reveal
	// nothing about the pad.
	T uint8 `json:"t"`

	// PadBytes is the requested pad size. Rounded up to a whole number
	// of blocks during extraction.
	PadBytes uint64 `json:"pad_bytes"`
}

// Validate checks threshold sanity: 2 <= T <= N and a non-empty pad.
func (p GroupParams) Validate() error {
	if p.T < 2 {
		return fmt.Errorf("%w: threshold %d below minimum 2", ErrInvalidThreshold, p.T)
	}
	if p.T > p.N {
		return fmt.Errorf("%w: threshold %d exceeds group size %d", ErrInvalidThreshold, p.T, p.N)
	}
	if p.PadBytes == 0 {
		return fmt.Errorf("%w: zero pad size", ErrInvalidThreshold)
	}
	return nil
}

// Envelope is the wire form of a pad-encrypted message: the consumed block,
// the exact-length ciphertext and the 64-byte polynomial MAC tag.
type Envelope struct {
	PadID      PadID   `json:"pad_id"`
	Block      BlockID `json:"block"`
	Counter    uint64  `json:"counter"`
	Ciphertext []byte  `json:"ciphertext"`
	Tag        []byte  `json:"tag"`
}
