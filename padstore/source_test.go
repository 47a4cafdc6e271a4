package padstore

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"

	"github.com/cockroachdb/pebble"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/mpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// seedSharedPad splits a synthetic pad among n members and stores every
// share sliced into 4096-byte blocks.
func seedSharedPad(t *testing.T, s *BlockStore, n, threshold uint8, padBytes int) []byte {
	t.Helper()

	r := rand.New(rand.NewSource(21))
	pad := make([]byte, padBytes)
	_, err := r.Read(pad)
	require.NoError(t, err)

	params := interfaces.GroupParams{N: n, T: threshold, PadBytes: uint64(padBytes)}
	shares, err := mpc.Split(pad, params, 1, storeTagKey, r)
	require.NoError(t, err)
	for _, share := range shares {
		require.NoError(t, s.PutShare(1, share.Index, share.Value, 4096))
	}
	return pad
}

func TestStoreBlockSourceReconstructs(t *testing.T) {
	s := openTestStore(t)
	pad := seedSharedPad(t, s, 5, 3, 8192+100)

	src, err := NewStoreBlockSource(testLogger(), s, 1,
		[]interfaces.MemberID{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)

	ctx := context.Background()
	for block, want := range map[interfaces.BlockID][]byte{
		0: pad[:4096],
		1: pad[4096:8192],
		2: pad[8192:],
	} {
		got, err := src.PadBlock(ctx, block)
		require.NoError(t, err)
		assert.Equal(t, want, got, "block %d", block)
	}

	_, err = src.PadBlock(ctx, 3)
	assert.True(t, errors.Is(err, interfaces.ErrInsufficientShares), "past the last block")
}

func TestStoreBlockSourceSkipsUnusableMembers(t *testing.T) {
	s := openTestStore(t)
	pad := seedSharedPad(t, s, 5, 3, 4096)

	// Member 1's block is corrupted and member 2's deleted; 3, 4, 5 are
	// still a threshold.
	require.NoError(t, s.db.Set(blockKey(1, 1, 0), []byte("garbage"), pebble.Sync))
	require.NoError(t, s.db.Delete(blockKey(1, 2, 0), pebble.Sync))

	src, err := NewStoreBlockSource(testLogger(), s, 1,
		[]interfaces.MemberID{1, 2, 3, 4, 5}, 3)
	require.NoError(t, err)

	got, err := src.PadBlock(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, pad, got)
}

func TestStoreBlockSourceBelowThreshold(t *testing.T) {
	s := openTestStore(t)
	seedSharedPad(t, s, 5, 3, 4096)

	src, err := NewStoreBlockSource(testLogger(), s, 1,
		[]interfaces.MemberID{1, 2, 3}, 3)
	require.NoError(t, err)

	require.NoError(t, s.db.Delete(blockKey(1, 2, 0), pebble.Sync))
	_, err = src.PadBlock(context.Background(), 0)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrInsufficientShares))
}

func TestStoreBlockSourceParams(t *testing.T) {
	s := openTestStore(t)

	_, err := NewStoreBlockSource(testLogger(), s, 1, []interfaces.MemberID{1, 2}, 3)
	assert.True(t, errors.Is(err, interfaces.ErrInsufficientShares),
		"fewer members than threshold can never reconstruct")

	_, err = NewStoreBlockSource(testLogger(), s, 1, []interfaces.MemberID{1}, 1)
	assert.True(t, errors.Is(err, interfaces.ErrInvalidThreshold))
}
