package protocol

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/pad"
	"github.com/ruteri/masterpad-provisioning-backend/padstore"
	"github.com/ruteri/masterpad-provisioning-backend/watchdog"
)

// Recover rebuilds the node from local persistent state after a restart:
// the manifest names the pad, the block store holds the share records, and
// the sealed backup reseeds this member's own rows if the block store lost
// them. The restored watermark burns every block at or below it, so a crash
// costs availability, never one-time safety.
//
// Recovery restores the pad, not the group: peer links do not survive a
// restart, so the recovered node's watchdog sees no heartbeats and will
// destroy the pad when the absence window runs out unless the group reforms
// first.
func (n *Node) Recover(ctx context.Context) error {
	if !n.transition(StateOffline, StateRecovery, "recovery requested") {
		return fmt.Errorf("%w: recovery starts from offline", interfaces.ErrInvalidState)
	}

	if err := n.recoverPad(ctx); err != nil {
		n.transition(StateRecovery, StateOffline, "recovery failed")
		return err
	}
	return nil
}

func (n *Node) recoverPad(ctx context.Context) error {
	m, err := ReadManifest(n.cfg.ManifestPath)
	if err != nil {
		return err
	}
	members, err := m.MemberIDs()
	if err != nil {
		return err
	}
	listed := false
	for _, member := range members {
		if member == n.self {
			listed = true
			break
		}
	}
	if !listed {
		return fmt.Errorf("%w: manifest does not list member %s",
			interfaces.ErrIntegrityFailure, n.self)
	}
	padID, err := interfaces.NewPadIDFromHex(m.PadID)
	if err != nil {
		return err
	}
	epoch := interfaces.Epoch(m.Epoch)

	present, err := n.cfg.Blocks.Members(epoch)
	if err != nil {
		return fmt.Errorf("inspecting block store: %w", err)
	}
	if !containsMember(present, n.self) {
		if err := n.reseedOwnRows(ctx, epoch); err != nil {
			n.log.Warn("Own share rows not restored from the sealed backup", "err", err)
		} else {
			present = append(present, n.self)
			n.log.Info("Own share rows reseeded from the sealed backup",
				slog.Uint64("epoch", uint64(epoch)))
		}
	}
	if len(present) < int(m.T) {
		return fmt.Errorf("%w: %d members' share rows present for threshold %d",
			interfaces.ErrInsufficientShares, len(present), m.T)
	}

	source, err := padstore.NewStoreBlockSource(n.log, n.cfg.Blocks, epoch, members, m.T)
	if err != nil {
		return err
	}
	engine, err := pad.NewEngine(pad.Config{
		Log:        n.log,
		ID:         padID,
		Epoch:      epoch,
		PadBytes:   m.PadBytes,
		Source:     source,
		Clock:      n.clk,
		SendOffset: uint64(n.self) - 1,
		SendStride: uint64(m.N),
	})
	if err != nil {
		return err
	}
	if err := engine.RestoreUsage(m.UsedBytes); err != nil {
		return err
	}

	// Prove the first unconsumed block reconstructs before going active.
	// Reconstruction is read-only; the block is not consumed.
	if probe := interfaces.BlockID(m.UsedBytes / pad.BlockSize); engine.RemainingBytes() > 0 {
		blk, err := source.PadBlock(ctx, probe)
		if err != nil {
			return fmt.Errorf("probing pad reconstruction: %w", err)
		}
		cryptoutils.WipeBytes(blk)
	}

	wd := n.newWatchdog(members, epoch)
	wd.Start()

	n.mu.Lock()
	if !n.state.CanTransition(StateActive) {
		state := n.state
		n.mu.Unlock()
		wd.Stop()
		return fmt.Errorf("%w: cannot activate from %s", interfaces.ErrInvalidState, state)
	}
	n.engine = engine
	n.wd = wd
	n.epoch = epoch
	n.group = interfaces.GroupParams{N: m.N, T: m.T, PadBytes: m.PadBytes}
	n.members = members
	n.padID = padID
	n.setStateLocked(StateActive, fmt.Sprintf("recovered epoch %d", epoch))
	n.mu.Unlock()

	n.startLoops()
	n.persistUsage(engine)
	n.log.Warn("Recovered from local state without peer links; the group must reform before the absence window runs out",
		slog.String("pad_id", m.PadID),
		slog.Uint64("epoch", uint64(epoch)),
		slog.Uint64("used_bytes", m.UsedBytes))
	return nil
}

// reseedOwnRows opens the sealed backup share and writes this member's rows
// back into the block store.
func (n *Node) reseedOwnRows(ctx context.Context, epoch interfaces.Epoch) error {
	sealed, err := n.cfg.ShareStore.LoadShare(ctx, n.self, epoch)
	if err != nil {
		return err
	}

	passphrase := n.cfg.SealPassphrase
	if len(passphrase) == 0 {
		derived := n.cfg.Identity.SealPassphrase(epoch)
		defer cryptoutils.WipeBytes(derived)
		passphrase = derived
	}
	value, err := cryptoutils.OpenShare(sealed, passphrase)
	if err != nil {
		return err
	}
	defer cryptoutils.WipeBytes(value)

	return n.cfg.Blocks.PutShare(epoch, n.self, value, pad.BlockSize)
}

// newWatchdog builds the watchdog for an epoch with the burns that destroy
// every trace of the pad: the resident engine, the share records and the
// sealed backup.
func (n *Node) newWatchdog(members []interfaces.MemberID, epoch interfaces.Epoch) *watchdog.Watchdog {
	tracked := make([]interfaces.MemberID, 0, len(members))
	for _, m := range members {
		if m != n.self {
			tracked = append(tracked, m)
		}
	}

	wd := watchdog.New(watchdog.Config{
		Log:           n.log,
		Clock:         n.clk,
		Members:       tracked,
		AbsenceWindow: n.cfg.AbsenceWindow,
		GracePeriod:   n.cfg.GracePeriod,
		PollInterval:  n.cfg.PollInterval,
	})
	wd.RegisterCheck("share-store", func(ctx context.Context) error {
		if !n.cfg.ShareStore.Available(ctx) {
			return interfaces.ErrStoreUnavailable
		}
		return nil
	})
	wd.RegisterBurn("pad", func(context.Context) error {
		if engine := n.currentEngine(); engine != nil && !engine.Destroyed() {
			return engine.Burn()
		}
		return nil
	})
	wd.RegisterBurn("share-blocks", func(context.Context) error {
		return n.cfg.Blocks.Burn()
	})
	wd.RegisterBurn("sealed-share", func(ctx context.Context) error {
		return n.cfg.ShareStore.DeleteShare(ctx, n.self, epoch)
	})
	return wd
}

func containsMember(members []interfaces.MemberID, member interfaces.MemberID) bool {
	for _, m := range members {
		if m == member {
			return true
		}
	}
	return false
}
