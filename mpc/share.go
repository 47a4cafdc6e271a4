package mpc

import (
	"crypto/subtle"
	"encoding/binary"
	"fmt"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/gf256"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Share is one member's piece of a shared secret: the evaluation of the
// sharing polynomials at the member's index. Index 1 belongs to member 1 and
// so on; evaluation point zero is the secret itself and never appears as an
// index.
//
// The tag binds the value to its index and epoch under the group's tag key,
// so a share presented for reconstruction can be checked before it is used.
type Share struct {
	Index interfaces.MemberID
	Epoch interfaces.Epoch
	Value []byte
	Tag   [32]byte
}

// Clone returns a deep copy.
func (s Share) Clone() Share {
	out := s
	out.Value = append([]byte(nil), s.Value...)
	return out
}

// Wipe zeroes the share value and tag in place.
func (s *Share) Wipe() {
	cryptoutils.WipeBytes(s.Value)
	s.Tag = [32]byte{}
}

func shareTag(key []byte, s *Share) ([32]byte, error) {
	var epoch [8]byte
	binary.LittleEndian.PutUint64(epoch[:], uint64(s.Epoch))
	return cryptoutils.KeyedDigest(key, []byte{byte(s.Index)}, epoch[:], s.Value)
}

// TagShare computes and stores the share's integrity tag under key.
func TagShare(key []byte, s *Share) error {
	tag, err := shareTag(key, s)
	if err != nil {
		return err
	}
	s.Tag = tag
	return nil
}

// VerifyShareTag checks the share's tag under key. A mismatch means the
// share was corrupted or substituted and must not enter reconstruction.
func VerifyShareTag(key []byte, s Share) error {
	want, err := shareTag(key, &s)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(want[:], s.Tag[:]) != 1 {
		return fmt.Errorf("%w: share tag mismatch for member %d epoch %d",
			interfaces.ErrIntegrityFailure, s.Index, s.Epoch)
	}
	return nil
}

// FoldShares adds together shares of independent secrets held by the same
// member, producing that member's share of the XOR of the underlying
// secrets. This is the receiving half of pad assembly: every member shares
// its own extractor output, sends the j-th share to member j, and each
// member folds what it received into a single share of the joint pad.
//
// All inputs must carry the same index, epoch, and length.
func FoldShares(tagKey []byte, shares ...Share) (Share, error) {
	if len(shares) == 0 {
		return Share{}, fmt.Errorf("%w: nothing to fold", interfaces.ErrInsufficientShares)
	}

	first := shares[0]
	out := Share{
		Index: first.Index,
		Epoch: first.Epoch,
		Value: make([]byte, len(first.Value)),
	}
	for _, s := range shares {
		if s.Index != first.Index {
			return Share{}, fmt.Errorf("%w: folding shares of members %d and %d",
				interfaces.ErrInvalidShare, first.Index, s.Index)
		}
		if s.Epoch != first.Epoch {
			return Share{}, fmt.Errorf("%w: folding epochs %d and %d",
				interfaces.ErrInvalidShare, first.Epoch, s.Epoch)
		}
		if len(s.Value) != len(first.Value) {
			return Share{}, fmt.Errorf("%w: folding lengths %d and %d",
				interfaces.ErrInvalidShare, len(first.Value), len(s.Value))
		}
		for i, b := range s.Value {
			out.Value[i] = gf256.Add(out.Value[i], b)
		}
	}

	if err := TagShare(tagKey, &out); err != nil {
		return Share{}, err
	}
	return out, nil
}
