package transport

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Network is an in-process transport connecting members by index. It backs
// the end-to-end tests and single-host rehearsals; every channel is an
// ordered, buffered pipe.
type Network struct {
	mu        sync.Mutex
	listeners map[interfaces.MemberID]*memListener
}

// NewNetwork creates an empty network.
func NewNetwork() *Network {
	return &Network{listeners: make(map[interfaces.MemberID]*memListener)}
}

// Address returns the dialable address of a member on this network.
func (n *Network) Address(member interfaces.MemberID) interfaces.PeerAddress {
	return interfaces.PeerAddress{Member: member, Endpoint: fmt.Sprintf("mem://%d", member)}
}

// Listen registers the member's accept queue. One listener per member.
func (n *Network) Listen(member interfaces.MemberID) (interfaces.Listener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, taken := n.listeners[member]; taken {
		return nil, fmt.Errorf("member %d already listening", member)
	}
	l := &memListener{
		net:    n,
		member: member,
		accept: make(chan acceptReq, 16),
		done:   make(chan struct{}),
	}
	n.listeners[member] = l
	return l, nil
}

// Dialer returns the dialing side for a member.
func (n *Network) Dialer(member interfaces.MemberID) interfaces.Dialer {
	return &memDialer{net: n, self: member}
}

type acceptReq struct {
	from interfaces.MemberID
	ch   interfaces.Channel
}

type memDialer struct {
	net  *Network
	self interfaces.MemberID
}

func (d *memDialer) Connect(ctx context.Context, peer interfaces.PeerAddress) (interfaces.Channel, error) {
	d.net.mu.Lock()
	l, ok := d.net.listeners[peer.Member]
	d.net.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("member %d is not listening", peer.Member)
	}

	local, remote := newPipe()
	select {
	case l.accept <- acceptReq{from: d.self, ch: remote}:
		return local, nil
	case <-l.done:
		return nil, fmt.Errorf("member %d stopped listening", peer.Member)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type memListener struct {
	net    *Network
	member interfaces.MemberID
	accept chan acceptReq
	done   chan struct{}
	once   sync.Once
}

func (l *memListener) Accept(ctx context.Context) (interfaces.MemberID, interfaces.Channel, error) {
	select {
	case req := <-l.accept:
		return req.from, req.ch, nil
	case <-l.done:
		return 0, nil, net.ErrClosed
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (l *memListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.net.mu.Lock()
		delete(l.net.listeners, l.member)
		l.net.mu.Unlock()
	})
	return nil
}

// pipeBuffer bounds in-flight messages per direction.
const pipeBuffer = 64

type memChannel struct {
	send     chan<- []byte
	recv     <-chan []byte
	ownDone  chan struct{}
	peerDone chan struct{}
	once     sync.Once
}

func newPipe() (*memChannel, *memChannel) {
	ab := make(chan []byte, pipeBuffer)
	ba := make(chan []byte, pipeBuffer)
	aDone := make(chan struct{})
	bDone := make(chan struct{})

	a := &memChannel{send: ab, recv: ba, ownDone: aDone, peerDone: bDone}
	b := &memChannel{send: ba, recv: ab, ownDone: bDone, peerDone: aDone}
	return a, b
}

func (c *memChannel) Send(ctx context.Context, data []byte) error {
	msg := append([]byte(nil), data...)
	select {
	case c.send <- msg:
		return nil
	case <-c.ownDone:
		return net.ErrClosed
	case <-c.peerDone:
		return net.ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *memChannel) Recv(ctx context.Context) ([]byte, error) {
	// Buffered messages are delivered even when the peer has since
	// closed.
	select {
	case msg := <-c.recv:
		return msg, nil
	default:
	}

	select {
	case msg := <-c.recv:
		return msg, nil
	case <-c.ownDone:
		return nil, net.ErrClosed
	case <-c.peerDone:
		return nil, net.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *memChannel) Close() error {
	c.once.Do(func() { close(c.ownDone) })
	return nil
}
