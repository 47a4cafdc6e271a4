package pad

import (
	"context"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// BlockSource yields one reconstructed pad block per call. Implementations
// assemble the block from threshold share blocks; the engine never sees more
// of the pad than the window it is about to consume.
type BlockSource interface {
	PadBlock(ctx context.Context, block interfaces.BlockID) ([]byte, error)
}

// windowSize bounds how many reconstructed blocks stay resident.
const windowSize = 3

// window is the engine's sliding cache of reconstructed blocks. At most
// windowSize blocks are resident; evicted and dropped blocks are wiped
// before release.
type window struct {
	source BlockSource
	blocks map[interfaces.BlockID][]byte
	order  []interfaces.BlockID
}

func newWindow(source BlockSource) *window {
	return &window{
		source: source,
		blocks: make(map[interfaces.BlockID][]byte, windowSize),
	}
}

// fetch returns the block's bytes, reconstructing on miss and evicting the
// oldest resident block beyond the window.
func (w *window) fetch(ctx context.Context, b interfaces.BlockID) ([]byte, error) {
	if data, ok := w.blocks[b]; ok {
		return data, nil
	}

	data, err := w.source.PadBlock(ctx, b)
	if err != nil {
		return nil, err
	}

	for len(w.order) >= windowSize {
		oldest := w.order[0]
		w.order = w.order[1:]
		cryptoutils.WipeBytes(w.blocks[oldest])
		delete(w.blocks, oldest)
	}
	w.blocks[b] = data
	w.order = append(w.order, b)
	return data, nil
}

// drop wipes and releases one block.
func (w *window) drop(b interfaces.BlockID) {
	data, ok := w.blocks[b]
	if !ok {
		return
	}
	cryptoutils.WipeBytes(data)
	delete(w.blocks, b)
	for i, id := range w.order {
		if id == b {
			w.order = append(w.order[:i], w.order[i+1:]...)
			break
		}
	}
}

// wipeAll wipes and releases every resident block.
func (w *window) wipeAll() {
	for b, data := range w.blocks {
		cryptoutils.WipeBytes(data)
		delete(w.blocks, b)
	}
	w.order = w.order[:0]
}
