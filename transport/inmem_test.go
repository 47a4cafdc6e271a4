package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func TestNetworkDialAccept(t *testing.T) {
	ctx := context.Background()
	nw := NewNetwork()

	l, err := nw.Listen(2)
	require.NoError(t, err)
	defer l.Close()

	ch, err := nw.Dialer(1).Connect(ctx, nw.Address(2))
	require.NoError(t, err)

	from, peerCh, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, interfaces.MemberID(1), from)

	require.NoError(t, ch.Send(ctx, []byte("hello")))
	got, err := peerCh.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, peerCh.Send(ctx, []byte("back")))
	got, err = ch.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), got)
}

func TestNetworkDialNotListening(t *testing.T) {
	nw := NewNetwork()
	_, err := nw.Dialer(1).Connect(context.Background(), nw.Address(9))
	assert.Error(t, err)
}

func TestNetworkSingleListenerPerMember(t *testing.T) {
	nw := NewNetwork()
	l, err := nw.Listen(3)
	require.NoError(t, err)

	_, err = nw.Listen(3)
	assert.Error(t, err)

	require.NoError(t, l.Close())
	_, err = nw.Listen(3)
	assert.NoError(t, err, "a closed listener frees the slot")
}

func TestChannelCloseSemantics(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()

	require.NoError(t, a.Send(ctx, []byte("queued")))
	require.NoError(t, a.Close())

	got, err := b.Recv(ctx)
	require.NoError(t, err, "messages queued before close are still delivered")
	assert.Equal(t, []byte("queued"), got)

	_, err = b.Recv(ctx)
	assert.True(t, errors.Is(err, net.ErrClosed))
	assert.True(t, errors.Is(a.Send(ctx, []byte("late")), net.ErrClosed))
}

func TestChannelSendDoesNotAliasCaller(t *testing.T) {
	ctx := context.Background()
	a, b := newPipe()

	buf := []byte{1, 2, 3}
	require.NoError(t, a.Send(ctx, buf))
	buf[0] = 0xFF

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, got)
}

func TestChannelHonorsContext(t *testing.T) {
	a, _ := newPipe()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := a.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestListenerCloseUnblocksAccept(t *testing.T) {
	nw := NewNetwork()
	l, err := nw.Listen(4)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, _, err := l.Accept(context.Background())
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, l.Close())

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, net.ErrClosed))
	case <-time.After(time.Second):
		t.Fatal("accept did not return after close")
	}
}
