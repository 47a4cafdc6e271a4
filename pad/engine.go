package pad

import (
	"context"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Block layout. Each 4096-byte pad block yields 4032 bytes of keystream and
// a one-time 64-byte MAC key, so every message is encrypted and
// authenticated from material that is never used twice.
const (
	BlockSize         = 4096
	KeystreamPerBlock = BlockSize - cryptoutils.PadMACKeySize
)

// Ratchet threshold: once less than a fifth of the pad remains, the engine
// raises the one-shot ratchet signal.
const (
	ratchetDen = 5
)

// Config assembles an Engine.
type Config struct {
	Log      *slog.Logger
	ID       interfaces.PadID
	Epoch    interfaces.Epoch
	PadBytes uint64
	Source   BlockSource
	Clock    clock.Clock

	// SendOffset and SendStride carve this member's send allocation out
	// of the shared block sequence: the member encrypts with blocks
	// SendOffset, SendOffset+SendStride, and so on. With stride n and
	// per-member offsets, senders never collide. Zero stride means the
	// whole sequence (single-sender pads and tests).
	SendOffset uint64
	SendStride uint64
}

// Engine drives one pad: it hands out blocks for encryption, verifies and
// consumes blocks on decryption, and enforces the one-time property. All
// block access is serialized under a single mutex; Burn is safe concurrently
// with in-flight operations and wins, since every operation observes the
// destroyed flag first.
type Engine struct {
	log    *slog.Logger
	id     interfaces.PadID
	epoch  interfaces.Epoch
	blocks uint64

	destroyed     atomic.Bool
	ratchetNeeded atomic.Bool
	ratchetOnce   sync.Once
	ratchetC      chan struct{}

	mu         sync.Mutex
	ledger     *ledger
	window     *window
	monitor    *AccessMonitor
	counter    uint64
	sendOffset uint64
	sendStride uint64
}

// NewEngine validates the configuration and prepares an engine. PadBytes
// below one block is unusable; a trailing partial block is ignored.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Source == nil {
		return nil, fmt.Errorf("pad engine requires a block source")
	}
	blocks := cfg.PadBytes / BlockSize
	if blocks == 0 {
		return nil, fmt.Errorf("pad of %d bytes is smaller than one block", cfg.PadBytes)
	}
	stride := cfg.SendStride
	if stride == 0 {
		stride = 1
	}
	if cfg.SendOffset >= blocks {
		return nil, fmt.Errorf("send offset %d beyond pad of %d blocks", cfg.SendOffset, blocks)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	return &Engine{
		log:        log,
		id:         cfg.ID,
		epoch:      cfg.Epoch,
		blocks:     blocks,
		ratchetC:   make(chan struct{}),
		ledger:     newLedger(blocks),
		window:     newWindow(cfg.Source),
		monitor:    NewAccessMonitor(cfg.Clock),
		sendOffset: cfg.SendOffset,
		sendStride: stride,
	}, nil
}

// ID returns the pad identifier.
func (e *Engine) ID() interfaces.PadID { return e.id }

// Epoch returns the share epoch this engine consumes.
func (e *Engine) Epoch() interfaces.Epoch { return e.epoch }

// envelopeMetadata binds pad, block, and message counter into the MAC.
func envelopeMetadata(id interfaces.PadID, block interfaces.BlockID, counter uint64) []byte {
	meta := make([]byte, 16+8+8)
	copy(meta, id.Bytes())
	binary.LittleEndian.PutUint64(meta[16:], uint64(block))
	binary.LittleEndian.PutUint64(meta[24:], counter)
	return meta
}

// Encrypt consumes this member's next free block for plaintext. Plaintext
// must fit one block's keystream; exhaustion of the send allocation is
// ErrPadExhausted.
func (e *Engine) Encrypt(ctx context.Context, plaintext []byte) (interfaces.Envelope, error) {
	if e.destroyed.Load() {
		return interfaces.Envelope{}, interfaces.ErrPadDestroyed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	block, ok := e.ledger.nextFree(e.sendOffset, e.sendStride)
	if !ok {
		return interfaces.Envelope{}, fmt.Errorf("%w: no free block in send allocation", interfaces.ErrPadExhausted)
	}
	return e.encryptBlockLocked(ctx, block, plaintext)
}

// EncryptAt consumes a specific block. A block that was already consumed is
// ErrBlockReuse, unconditionally.
func (e *Engine) EncryptAt(ctx context.Context, block interfaces.BlockID, plaintext []byte) (interfaces.Envelope, error) {
	if e.destroyed.Load() {
		return interfaces.Envelope{}, interfaces.ErrPadDestroyed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.ledger.inRange(block) {
		return interfaces.Envelope{}, fmt.Errorf("block %d out of range (%d blocks)", block, e.blocks)
	}
	if e.ledger.isConsumed(block) {
		return interfaces.Envelope{}, fmt.Errorf("%w: block %d", interfaces.ErrBlockReuse, block)
	}
	return e.encryptBlockLocked(ctx, block, plaintext)
}

func (e *Engine) encryptBlockLocked(ctx context.Context, block interfaces.BlockID, plaintext []byte) (interfaces.Envelope, error) {
	if len(plaintext) > KeystreamPerBlock {
		return interfaces.Envelope{}, fmt.Errorf("plaintext of %d bytes exceeds block capacity %d",
			len(plaintext), KeystreamPerBlock)
	}
	if err := e.monitor.RecordAccess(len(plaintext)); err != nil {
		return interfaces.Envelope{}, err
	}

	blk, err := e.window.fetch(ctx, block)
	if err != nil {
		return interfaces.Envelope{}, err
	}
	if len(blk) != BlockSize {
		return interfaces.Envelope{}, fmt.Errorf("%w: reconstructed block %d has %d bytes",
			interfaces.ErrIntegrityFailure, block, len(blk))
	}

	ciphertext := make([]byte, len(plaintext))
	subtle.XORBytes(ciphertext, plaintext, blk[:len(plaintext)])

	macKey := (*[cryptoutils.PadMACKeySize]byte)(blk[KeystreamPerBlock:])
	e.counter++
	tag := cryptoutils.PadMACSum(ciphertext, envelopeMetadata(e.id, block, e.counter), macKey)

	if err := e.ledger.consume(block); err != nil {
		return interfaces.Envelope{}, err
	}
	e.window.drop(block)
	e.maybeSignalRatchetLocked()

	return interfaces.Envelope{
		PadID:      e.id,
		Block:      block,
		Counter:    e.counter,
		Ciphertext: ciphertext,
		Tag:        tag[:],
	}, nil
}

// VerifyAndDecrypt authenticates an envelope against the pad and, only on
// success, consumes its block. A failed verification leaves the block
// unconsumed; an envelope for a consumed block is ErrBlockReuse before any
// verification work. Skipping forward past unconsumed blocks is allowed.
func (e *Engine) VerifyAndDecrypt(ctx context.Context, env interfaces.Envelope) ([]byte, error) {
	if e.destroyed.Load() {
		return nil, interfaces.ErrPadDestroyed
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !env.PadID.Equal(e.id) {
		return nil, fmt.Errorf("%w: envelope for pad %s", interfaces.ErrIntegrityFailure, env.PadID)
	}
	if len(env.Tag) != cryptoutils.PadMACTagSize {
		return nil, fmt.Errorf("%w: %d byte tag", interfaces.ErrIntegrityFailure, len(env.Tag))
	}
	if len(env.Ciphertext) > KeystreamPerBlock {
		return nil, fmt.Errorf("%w: %d byte ciphertext", interfaces.ErrIntegrityFailure, len(env.Ciphertext))
	}
	if !e.ledger.inRange(env.Block) {
		return nil, fmt.Errorf("block %d out of range (%d blocks)", env.Block, e.blocks)
	}
	if e.ledger.isConsumed(env.Block) {
		return nil, fmt.Errorf("%w: block %d", interfaces.ErrBlockReuse, env.Block)
	}
	if err := e.monitor.RecordAccess(len(env.Ciphertext)); err != nil {
		return nil, err
	}

	blk, err := e.window.fetch(ctx, env.Block)
	if err != nil {
		return nil, err
	}
	if len(blk) != BlockSize {
		return nil, fmt.Errorf("%w: reconstructed block %d has %d bytes",
			interfaces.ErrIntegrityFailure, env.Block, len(blk))
	}

	macKey := (*[cryptoutils.PadMACKeySize]byte)(blk[KeystreamPerBlock:])
	if !cryptoutils.PadMACVerify(env.Ciphertext, envelopeMetadata(e.id, env.Block, env.Counter), macKey, env.Tag) {
		if ferr := e.monitor.RecordFailure(); ferr != nil {
			return nil, ferr
		}
		return nil, fmt.Errorf("%w: envelope tag mismatch on block %d", interfaces.ErrIntegrityFailure, env.Block)
	}

	plaintext := make([]byte, len(env.Ciphertext))
	subtle.XORBytes(plaintext, env.Ciphertext, blk[:len(env.Ciphertext)])

	if err := e.ledger.consume(env.Block); err != nil {
		return nil, err
	}
	e.window.drop(env.Block)
	e.monitor.ResetFailures()
	e.maybeSignalRatchetLocked()
	return plaintext, nil
}

func (e *Engine) maybeSignalRatchetLocked() {
	total := e.blocks * BlockSize
	remaining := (e.blocks - e.ledger.consumedCount()) * BlockSize
	if remaining*ratchetDen < total {
		e.ratchetOnce.Do(func() {
			e.ratchetNeeded.Store(true)
			close(e.ratchetC)
			e.log.Warn("pad running low, ratchet required",
				"pad", e.id, "remaining_bytes", remaining, "total_bytes", total)
		})
	}
}

// RatchetRequired reports whether the low-material signal has fired.
func (e *Engine) RatchetRequired() bool { return e.ratchetNeeded.Load() }

// RatchetC is closed once when remaining material first drops below the
// ratchet threshold.
func (e *Engine) RatchetC() <-chan struct{} { return e.ratchetC }

// RemainingBytes returns unconsumed pad capacity, zero once burned.
func (e *Engine) RemainingBytes() uint64 {
	if e.destroyed.Load() {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return (e.blocks - e.ledger.consumedCount()) * BlockSize
}

// TotalBytes returns usable pad capacity.
func (e *Engine) TotalBytes() uint64 { return e.blocks * BlockSize }

// ExportUsage returns the forward-only used-bytes watermark for the pad
// file.
func (e *Engine) ExportUsage() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.usedBytes(BlockSize)
}

// RestoreUsage replays a persisted watermark, marking everything below it
// consumed.
func (e *Engine) RestoreUsage(usedBytes uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ledger.restore(usedBytes, BlockSize)
}

// StateSnapshot digests the pad identity shared by all members. Consumption
// state is deliberately excluded: members consume at different rates and
// the attestation layers need a digest every honest member agrees on.
func (e *Engine) StateSnapshot() interfaces.StateDigest {
	var nums [16]byte
	binary.LittleEndian.PutUint64(nums[:8], uint64(e.epoch))
	binary.LittleEndian.PutUint64(nums[8:], e.blocks)
	return interfaces.StateDigest(cryptoutils.Digest(e.id.Bytes(), nums[:]))
}

// Destroyed reports whether the engine has been burned.
func (e *Engine) Destroyed() bool { return e.destroyed.Load() }

// Burn irreversibly destroys the engine's working material: resident blocks
// are wiped and every subsequent operation fails with ErrPadDestroyed. Safe
// to call concurrently with in-flight operations and idempotent.
func (e *Engine) Burn() error {
	e.destroyed.Store(true)

	e.mu.Lock()
	defer e.mu.Unlock()
	e.window.wipeAll()
	e.ledger.wipe()
	e.log.Warn("pad engine burned", "pad", e.id)
	return nil
}
