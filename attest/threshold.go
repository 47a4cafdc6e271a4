package attest

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// digestDomain separates attestation signatures from any other use of the
// member keys.
var digestDomain = []byte("masterpad/v1 attest digest")

// SignedDigest is one member's signed claim about the consensus state.
type SignedDigest struct {
	Member    interfaces.MemberID    `json:"member"`
	Digest    interfaces.StateDigest `json:"digest"`
	Signature []byte                 `json:"signature"`
}

// digestMessage is the signing payload: a keccak hash over the domain
// separator, the member index, and the state digest.
func digestMessage(member interfaces.MemberID, digest interfaces.StateDigest) []byte {
	return crypto.Keccak256(digestDomain, []byte{byte(member)}, digest.Bytes())
}

// SignDigest signs the state digest with the member's identity key.
func SignDigest(key *ecdsa.PrivateKey, member interfaces.MemberID, digest interfaces.StateDigest) (SignedDigest, error) {
	sig, err := crypto.Sign(digestMessage(member, digest), key)
	if err != nil {
		return SignedDigest{}, fmt.Errorf("signing state digest: %w", err)
	}
	return SignedDigest{Member: member, Digest: digest, Signature: sig}, nil
}

// ThresholdVerifier is the third attestation layer: the group's state is
// confirmed when at least threshold members sign the same digest. Valid
// signatures over different digests are proof of a partitioned or tampered
// group and escalate to ErrSplitConsensus, no matter how large the majority.
type ThresholdVerifier struct {
	threshold uint8
	members   map[interfaces.MemberID]common.Address
}

// NewThresholdVerifier registers the member identity keys. Identity follows
// the keys' keccak addresses, matching the bootstrap identity exchange.
func NewThresholdVerifier(threshold uint8, keys map[interfaces.MemberID]*ecdsa.PublicKey) (*ThresholdVerifier, error) {
	if int(threshold) < 2 || int(threshold) > len(keys) {
		return nil, fmt.Errorf("%w: threshold %d over %d members",
			interfaces.ErrInvalidThreshold, threshold, len(keys))
	}
	members := make(map[interfaces.MemberID]common.Address, len(keys))
	for id, key := range keys {
		if !id.Valid() {
			return nil, fmt.Errorf("%w: member index 0", interfaces.ErrInvalidShare)
		}
		members[id] = crypto.PubkeyToAddress(*key)
	}
	return &ThresholdVerifier{threshold: threshold, members: members}, nil
}

// checkSignature recovers the signer and compares against the member's
// registered address.
func (v *ThresholdVerifier) checkSignature(sd SignedDigest) error {
	addr, ok := v.members[sd.Member]
	if !ok {
		return fmt.Errorf("%w: unknown member %d", interfaces.ErrIntegrityFailure, sd.Member)
	}

	pub, err := crypto.SigToPub(digestMessage(sd.Member, sd.Digest), sd.Signature)
	if err != nil {
		return fmt.Errorf("%w: recovering signer for member %d: %v",
			interfaces.ErrIntegrityFailure, sd.Member, err)
	}
	if crypto.PubkeyToAddress(*pub) != addr {
		return fmt.Errorf("%w: signature for member %d recovered to a different key",
			interfaces.ErrIntegrityFailure, sd.Member)
	}
	return nil
}

// Verify evaluates a round of signed digests. It returns the agreed digest
// when at least threshold distinct members signed the same value with no
// valid dissent. Invalid signatures never count toward the quorum and never
// count as dissent. Duplicate records from one member count once.
func (v *ThresholdVerifier) Verify(records []SignedDigest) (interfaces.StateDigest, error) {
	valid := make(map[interfaces.MemberID]interfaces.StateDigest, len(records))
	var invalid int
	for _, sd := range records {
		if err := v.checkSignature(sd); err != nil {
			invalid++
			continue
		}
		if prev, seen := valid[sd.Member]; seen {
			if !prev.Equal(sd.Digest) {
				return interfaces.StateDigest{}, fmt.Errorf(
					"%w: member %d signed digests %s and %s",
					interfaces.ErrSplitConsensus, sd.Member, prev, sd.Digest)
			}
			continue
		}
		valid[sd.Member] = sd.Digest
	}

	counts := make(map[interfaces.StateDigest]int, 1)
	for _, digest := range valid {
		counts[digest]++
	}
	if len(counts) > 1 {
		return interfaces.StateDigest{}, fmt.Errorf(
			"%w: %d distinct digests across %d valid signers",
			interfaces.ErrSplitConsensus, len(counts), len(valid))
	}

	for digest, count := range counts {
		if count >= int(v.threshold) {
			return digest, nil
		}
		return interfaces.StateDigest{}, fmt.Errorf(
			"%w: %d of %d required signers agree (%d invalid records)",
			interfaces.ErrQuorumNotReached, count, v.threshold, invalid)
	}
	return interfaces.StateDigest{}, fmt.Errorf("%w: 0 of %d required signers (%d invalid records)",
		interfaces.ErrQuorumNotReached, v.threshold, invalid)
}
