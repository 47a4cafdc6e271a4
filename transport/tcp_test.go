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

// tcpPair dials a loopback listener and returns both channel ends.
func tcpPair(t *testing.T, self, remote interfaces.MemberID) (interfaces.Channel, interfaces.Channel) {
	t.Helper()
	ctx := context.Background()

	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	type accepted struct {
		member interfaces.MemberID
		ch     interfaces.Channel
		err    error
	}
	acceptC := make(chan accepted, 1)
	go func() {
		member, ch, err := l.Accept(ctx)
		acceptC <- accepted{member, ch, err}
	}()

	dialed, err := NewTCPDialer(self).Connect(ctx, interfaces.PeerAddress{
		Member:   remote,
		Endpoint: l.Addr().String(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { dialed.Close() })

	acc := <-acceptC
	require.NoError(t, acc.err)
	require.Equal(t, self, acc.member, "the hello byte should identify the dialer")
	t.Cleanup(func() { acc.ch.Close() })

	return dialed, acc.ch
}

func TestTCPDialAccept(t *testing.T) {
	ctx := context.Background()
	dialed, accepted := tcpPair(t, 1, 2)

	require.NoError(t, dialed.Send(ctx, []byte("hello")))
	got, err := accepted.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, accepted.Send(ctx, []byte("back")))
	got, err = dialed.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("back"), got)
}

func TestTCPPreservesMessageBoundaries(t *testing.T) {
	ctx := context.Background()
	dialed, accepted := tcpPair(t, 1, 2)

	payloads := [][]byte{
		[]byte("first"),
		{},
		make([]byte, 70000),
		[]byte("last"),
	}
	for i := range payloads[2] {
		payloads[2][i] = byte(i)
	}

	for _, p := range payloads {
		require.NoError(t, dialed.Send(ctx, p))
	}
	for _, want := range payloads {
		got, err := accepted.Recv(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, got, "each send should arrive as one message")
	}
}

func TestTCPDialNotListening(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	_, err = NewTCPDialer(1).Connect(context.Background(), interfaces.PeerAddress{Member: 2, Endpoint: addr})
	assert.Error(t, err)
}

func TestTCPAcceptSkipsBogusHello(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	// Member 0 is not a valid introduction; the listener must drop the
	// connection and keep accepting.
	bogus, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	_, err = bogus.Write([]byte{0})
	require.NoError(t, err)
	defer bogus.Close()

	type accepted struct {
		member interfaces.MemberID
		err    error
	}
	acceptC := make(chan accepted, 1)
	go func() {
		member, ch, err := l.Accept(context.Background())
		if ch != nil {
			defer ch.Close()
		}
		acceptC <- accepted{member, err}
	}()

	ch, err := NewTCPDialer(5).Connect(context.Background(), interfaces.PeerAddress{Member: 1, Endpoint: l.Addr().String()})
	require.NoError(t, err)
	defer ch.Close()

	select {
	case acc := <-acceptC:
		require.NoError(t, acc.err)
		assert.Equal(t, interfaces.MemberID(5), acc.member)
	case <-time.After(10 * time.Second):
		t.Fatal("accept did not survive the bogus hello")
	}
}

func TestTCPRecvHonorsContext(t *testing.T) {
	dialed, _ := tcpPair(t, 1, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := dialed.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	// The channel stays usable after an expired wait.
	require.NoError(t, dialed.Send(context.Background(), []byte("still alive")))
}

func TestTCPAcceptHonorsContext(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err = l.Accept(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestTCPCloseUnblocksRecv(t *testing.T) {
	ctx := context.Background()
	dialed, accepted := tcpPair(t, 1, 2)

	require.NoError(t, dialed.Send(ctx, []byte("queued")))
	require.NoError(t, dialed.Close())

	got, err := accepted.Recv(ctx)
	require.NoError(t, err, "bytes on the wire before close are still delivered")
	assert.Equal(t, []byte("queued"), got)

	_, err = accepted.Recv(ctx)
	assert.Error(t, err, "a closed peer ends the stream")
}

func TestTCPRejectsOversizedMessages(t *testing.T) {
	ctx := context.Background()
	dialed, accepted := tcpPair(t, 1, 2)

	err := dialed.Send(ctx, make([]byte, maxWireMessage+1))
	assert.Error(t, err, "oversized sends are refused locally")

	require.NoError(t, dialed.Send(ctx, []byte("small")))
	got, err := accepted.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("small"), got)
}

func TestTCPRejectsHostileLengthPrefix(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	type accepted struct {
		ch  interfaces.Channel
		err error
	}
	acceptC := make(chan accepted, 1)
	go func() {
		_, ch, err := l.Accept(context.Background())
		acceptC <- accepted{ch, err}
	}()

	raw, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer raw.Close()
	_, err = raw.Write([]byte{7})
	require.NoError(t, err)

	acc := <-acceptC
	require.NoError(t, acc.err)
	defer acc.ch.Close()

	// A length prefix far beyond the wire limit must be rejected before
	// any allocation happens.
	_, err = raw.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = acc.ch.Recv(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestTCPListenerCloseUnblocksAccept(t *testing.T) {
	l, err := ListenTCP("127.0.0.1:0")
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
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("accept did not return after close")
	}
}
