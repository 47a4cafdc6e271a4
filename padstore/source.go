package padstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/mpc"
)

// StoreBlockSource reconstructs pad blocks from share blocks held in a
// BlockStore. It satisfies the pad engine's block source: one call yields
// one plaintext pad block, assembled from at least threshold members' share
// blocks and never persisted anywhere.
type StoreBlockSource struct {
	log       *slog.Logger
	store     *BlockStore
	epoch     interfaces.Epoch
	members   []interfaces.MemberID
	threshold uint8
}

// NewStoreBlockSource wires a source over the given member set. members
// lists whose share blocks may be read; reconstruction uses the first
// threshold that are present and intact.
func NewStoreBlockSource(log *slog.Logger, store *BlockStore, epoch interfaces.Epoch, members []interfaces.MemberID, threshold uint8) (*StoreBlockSource, error) {
	if int(threshold) < 2 {
		return nil, fmt.Errorf("%w: threshold %d", interfaces.ErrInvalidThreshold, threshold)
	}
	if len(members) < int(threshold) {
		return nil, fmt.Errorf("%w: %d members for threshold %d",
			interfaces.ErrInsufficientShares, len(members), threshold)
	}
	return &StoreBlockSource{
		log:       log,
		store:     store,
		epoch:     epoch,
		members:   append([]interfaces.MemberID(nil), members...),
		threshold: threshold,
	}, nil
}

// PadBlock reconstructs one pad block. Members whose block is missing or
// corrupted are skipped with a warning; fewer than threshold usable share
// blocks is ErrInsufficientShares.
func (s *StoreBlockSource) PadBlock(ctx context.Context, block interfaces.BlockID) ([]byte, error) {
	shares := make([]mpc.Share, 0, s.threshold)
	for _, member := range s.members {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if len(shares) == int(s.threshold) {
			break
		}

		data, err := s.store.ShareBlock(s.epoch, member, block)
		if err != nil {
			if !errors.Is(err, interfaces.ErrShareNotFound) {
				s.log.Warn("share block unusable", "member", member, "block", block, "err", err)
			}
			continue
		}
		shares = append(shares, mpc.Share{Index: member, Epoch: s.epoch, Value: data})
	}

	if len(shares) < int(s.threshold) {
		return nil, fmt.Errorf("%w: %d of %d share blocks for block %d",
			interfaces.ErrInsufficientShares, len(shares), s.threshold, block)
	}

	padBlock, err := mpc.Reconstruct(shares, s.threshold)
	for i := range shares {
		shares[i].Wipe()
	}
	if err != nil {
		return nil, err
	}
	return padBlock, nil
}
