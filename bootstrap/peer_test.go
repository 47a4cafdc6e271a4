package bootstrap

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/mpc"
	"github.com/ruteri/masterpad-provisioning-backend/transport"
)

// linkPair connects members 1 and 2 over the in-memory network and returns
// member 1's link to member 2 and member 2's link to member 1.
func linkPair(t *testing.T) (*peerLink, *peerLink) {
	t.Helper()
	net := transport.NewNetwork()

	listener, err := net.Listen(1)
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	type accepted struct {
		ch  interfaces.Channel
		err error
	}
	acceptC := make(chan accepted, 1)
	go func() {
		_, ch, err := listener.Accept(context.Background())
		acceptC <- accepted{ch: ch, err: err}
	}()

	dialed, err := net.Dialer(2).Connect(context.Background(), net.Address(1))
	require.NoError(t, err)
	in := <-acceptC
	require.NoError(t, in.err)

	return newPeerLink(2, in.ch), newPeerLink(1, dialed)
}

func TestPeerLinkQueuesOtherKinds(t *testing.T) {
	one, two := linkPair(t)
	ctx := context.Background()

	require.NoError(t, two.send(ctx, 2, kindCommit, commitPayload{Dealer: 2}))
	require.NoError(t, two.send(ctx, 2, kindHello, helloPayload{Member: 2}))

	var hello helloPayload
	require.NoError(t, one.recv(ctx, kindHello, &hello), "a later kind should be readable first")
	assert.Equal(t, uint8(2), hello.Member)

	var commit commitPayload
	require.NoError(t, one.recv(ctx, kindCommit, &commit), "the passed-over kind should be queued, not lost")
	assert.Equal(t, uint8(2), commit.Dealer)
}

func TestPeerLinkRejectsForeignSender(t *testing.T) {
	one, two := linkPair(t)
	ctx := context.Background()

	require.NoError(t, two.send(ctx, 9, kindHello, helloPayload{Member: 9}))

	var hello helloPayload
	err := one.recv(ctx, kindHello, &hello)
	assert.ErrorIs(t, err, interfaces.ErrIntegrityFailure, "frames must carry the link peer's index")
}

func TestShareStreamRoundtrip(t *testing.T) {
	one, two := linkPair(t)
	ctx := context.Background()

	value := make([]byte, shareChunkSize+shareChunkSize/2)
	for i := range value {
		value[i] = byte(i >> 3)
	}
	share := mpc.Share{Index: 1, Epoch: 7, Value: value}
	share.Tag[0], share.Tag[31] = 0xAB, 0xCD
	salt := bytes.Repeat([]byte{0x55}, 32)

	require.NoError(t, two.sendShare(ctx, 2, kindDeal, &share, salt))

	got, gotSalt, err := one.recvShare(ctx, kindDeal, 7, uint64(len(value)))
	require.NoError(t, err)
	assert.Equal(t, share.Index, got.Index)
	assert.Equal(t, share.Epoch, got.Epoch)
	assert.Equal(t, share.Tag, got.Tag)
	assert.Equal(t, value, got.Value, "a multi-chunk stream should reassemble exactly")
	assert.Equal(t, salt, gotSalt, "the salt rides on the first chunk")
}

func TestShareStreamRejectsWrongLength(t *testing.T) {
	one, two := linkPair(t)
	ctx := context.Background()

	share := mpc.Share{Index: 1, Epoch: 7, Value: []byte{1, 2, 3, 4}}
	require.NoError(t, two.sendShare(ctx, 2, kindDeal, &share, nil))

	_, _, err := one.recvShare(ctx, kindDeal, 7, 8)
	assert.ErrorIs(t, err, interfaces.ErrInvalidShare, "the advertised total must match the expected length")
}

func TestShareStreamRejectsWrongEpoch(t *testing.T) {
	one, two := linkPair(t)
	ctx := context.Background()

	share := mpc.Share{Index: 1, Epoch: 7, Value: []byte{1, 2, 3, 4}}
	require.NoError(t, two.sendShare(ctx, 2, kindDeal, &share, nil))

	_, _, err := one.recvShare(ctx, kindDeal, 8, 4)
	assert.ErrorIs(t, err, interfaces.ErrInvalidShare)
}

func TestShareStreamRejectsGaps(t *testing.T) {
	one, two := linkPair(t)
	ctx := context.Background()

	require.NoError(t, two.send(ctx, 2, kindDeal, shareChunkPayload{
		From: 2, Index: 1, Epoch: 7, Offset: 4, Total: 8, Data: []byte{5, 6, 7, 8},
	}))

	_, _, err := one.recvShare(ctx, kindDeal, 7, 8)
	assert.ErrorIs(t, err, interfaces.ErrInvalidShare, "chunks must arrive contiguously from offset zero")
}

func TestShareStreamRejectsEmptyChunks(t *testing.T) {
	one, two := linkPair(t)
	ctx := context.Background()

	require.NoError(t, two.send(ctx, 2, kindDeal, shareChunkPayload{
		From: 2, Index: 1, Epoch: 7, Offset: 0, Total: 8,
	}))

	_, _, err := one.recvShare(ctx, kindDeal, 7, 8)
	assert.ErrorIs(t, err, interfaces.ErrInvalidShare, "an empty chunk makes no progress and must be rejected")
}

func TestSendShareRejectsEmptyValue(t *testing.T) {
	_, two := linkPair(t)

	share := mpc.Share{Index: 1, Epoch: 7}
	err := two.sendShare(context.Background(), 2, kindDeal, &share, nil)
	assert.ErrorIs(t, err, interfaces.ErrInvalidShare)
}
