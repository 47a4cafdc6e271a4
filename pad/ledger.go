package pad

import (
	"fmt"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// ledger tracks which pad blocks have been consumed. Consumption is
// irreversible: a set bit never clears, and the exported used-bytes
// watermark only moves forward. Blocks below the watermark count as
// consumed even when they were skipped, so an imported pad can never
// resurrect a hole.
type ledger struct {
	blocks    uint64
	bits      []uint64
	consumed  uint64
	watermark uint64
}

func newLedger(blocks uint64) *ledger {
	return &ledger{
		blocks: blocks,
		bits:   make([]uint64, (blocks+63)/64),
	}
}

func (l *ledger) inRange(b interfaces.BlockID) bool {
	return uint64(b) < l.blocks
}

func (l *ledger) isConsumed(b interfaces.BlockID) bool {
	return l.bits[uint64(b)/64]&(1<<(uint64(b)%64)) != 0
}

// consume marks a block consumed. Consuming twice is ErrBlockReuse.
func (l *ledger) consume(b interfaces.BlockID) error {
	if !l.inRange(b) {
		return fmt.Errorf("block %d out of range (%d blocks)", b, l.blocks)
	}
	if l.isConsumed(b) {
		return fmt.Errorf("%w: block %d", interfaces.ErrBlockReuse, b)
	}
	l.bits[uint64(b)/64] |= 1 << (uint64(b) % 64)
	l.consumed++
	if uint64(b)+1 > l.watermark {
		l.watermark = uint64(b) + 1
	}
	return nil
}

// nextFree returns the lowest unconsumed block of the form offset+k*stride.
func (l *ledger) nextFree(offset, stride uint64) (interfaces.BlockID, bool) {
	if stride == 0 {
		stride = 1
	}
	for b := offset; b < l.blocks; b += stride {
		if !l.isConsumed(interfaces.BlockID(b)) {
			return interfaces.BlockID(b), true
		}
	}
	return 0, false
}

func (l *ledger) consumedCount() uint64 { return l.consumed }

// usedBytes is the forward-only watermark in bytes for the pad file.
func (l *ledger) usedBytes(blockSize uint64) uint64 {
	return l.watermark * blockSize
}

// restore marks every block below the imported watermark consumed.
func (l *ledger) restore(usedBytes, blockSize uint64) error {
	if usedBytes%blockSize != 0 {
		return fmt.Errorf("used bytes %d not block aligned", usedBytes)
	}
	blocks := usedBytes / blockSize
	if blocks > l.blocks {
		return fmt.Errorf("used bytes %d exceed pad of %d blocks", usedBytes, l.blocks)
	}
	for b := uint64(0); b < blocks; b++ {
		if !l.isConsumed(interfaces.BlockID(b)) {
			l.bits[b/64] |= 1 << (b % 64)
			l.consumed++
		}
	}
	if blocks > l.watermark {
		l.watermark = blocks
	}
	return nil
}

// wipe zeroes the bitmap.
func (l *ledger) wipe() {
	for i := range l.bits {
		l.bits[i] = 0
	}
	l.consumed = 0
	l.watermark = 0
}
