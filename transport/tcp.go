package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// maxWireMessage bounds one length-prefixed message. Share transfers are
// chunked at 1 MiB before the secure layer adds its envelope, so anything
// near this limit is a broken or hostile peer.
const maxWireMessage = 4 << 20

// helloTimeout bounds the one-byte member introduction on a fresh
// connection, keeping a stalled dialer from wedging the accept loop.
const helloTimeout = 5 * time.Second

// TCPDialer connects to peers at their host:port endpoints. On connect it
// sends a single hello byte carrying its own member index so the accepting
// side can route the channel before any protocol bytes flow.
type TCPDialer struct {
	self   interfaces.MemberID
	dialer net.Dialer
}

// NewTCPDialer returns a dialer introducing itself as self.
func NewTCPDialer(self interfaces.MemberID) *TCPDialer {
	return &TCPDialer{self: self}
}

func (d *TCPDialer) Connect(ctx context.Context, peer interfaces.PeerAddress) (interfaces.Channel, error) {
	conn, err := d.dialer.DialContext(ctx, "tcp", peer.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("dialing member %s at %s: %w", peer.Member, peer.Endpoint, err)
	}

	conn.SetWriteDeadline(time.Now().Add(helloTimeout))
	if _, err := conn.Write([]byte{byte(d.self)}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sending hello to member %s: %w", peer.Member, err)
	}
	conn.SetWriteDeadline(time.Time{})

	return newTCPChannel(conn), nil
}

// TCPListener accepts peer connections on a bound socket and reads each
// dialer's hello byte before handing the channel out.
type TCPListener struct {
	ln *net.TCPListener
}

// ListenTCP binds addr for inbound peer channels.
func ListenTCP(addr string) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	return &TCPListener{ln: ln.(*net.TCPListener)}, nil
}

// Addr returns the bound address, useful when listening on port 0.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}

func (l *TCPListener) Accept(ctx context.Context) (interfaces.MemberID, interfaces.Channel, error) {
	stop := context.AfterFunc(ctx, func() { l.ln.SetDeadline(time.Now()) })
	defer stop()

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
				l.ln.SetDeadline(time.Time{})
				return 0, nil, ctx.Err()
			}
			return 0, nil, err
		}

		member, err := readHello(conn)
		if err != nil {
			// A connection that never introduces itself is not a peer;
			// drop it and keep accepting.
			conn.Close()
			continue
		}
		return member, newTCPChannel(conn), nil
	}
}

func (l *TCPListener) Close() error {
	return l.ln.Close()
}

func readHello(conn net.Conn) (interfaces.MemberID, error) {
	conn.SetReadDeadline(time.Now().Add(helloTimeout))
	defer conn.SetReadDeadline(time.Time{})

	var hello [1]byte
	if _, err := io.ReadFull(conn, hello[:]); err != nil {
		return 0, fmt.Errorf("reading hello: %w", err)
	}
	member := interfaces.MemberID(hello[0])
	if !member.Valid() {
		return 0, errors.New("hello names member 0")
	}
	return member, nil
}

// tcpChannel carries length-prefixed messages over one connection. Send and
// Recv honor context cancellation by arming the connection deadline.
type tcpChannel struct {
	conn net.Conn
	br   *bufio.Reader

	wmu  sync.Mutex
	rmu  sync.Mutex
	once sync.Once
}

func newTCPChannel(conn net.Conn) *tcpChannel {
	return &tcpChannel{conn: conn, br: bufio.NewReaderSize(conn, 64<<10)}
}

func (c *tcpChannel) Send(ctx context.Context, payload []byte) error {
	if len(payload) > maxWireMessage {
		return fmt.Errorf("message of %d bytes exceeds wire limit", len(payload))
	}

	c.wmu.Lock()
	defer c.wmu.Unlock()

	stop := context.AfterFunc(ctx, func() { c.conn.SetWriteDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(payload)))
	copy(buf[4:], payload)

	if _, err := c.conn.Write(buf); err != nil {
		return c.ioErr(ctx, err, c.conn.SetWriteDeadline)
	}
	return nil
}

func (c *tcpChannel) Recv(ctx context.Context) ([]byte, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	stop := context.AfterFunc(ctx, func() { c.conn.SetReadDeadline(time.Now()) })
	defer stop()

	var hdr [4]byte
	if _, err := io.ReadFull(c.br, hdr[:]); err != nil {
		return nil, c.ioErr(ctx, err, c.conn.SetReadDeadline)
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > maxWireMessage {
		return nil, fmt.Errorf("peer announced a %d byte message, limit %d", size, maxWireMessage)
	}

	msg := make([]byte, size)
	if _, err := io.ReadFull(c.br, msg); err != nil {
		return nil, c.ioErr(ctx, err, c.conn.SetReadDeadline)
	}
	return msg, nil
}

// ioErr translates a deadline interrupt caused by ctx back into the context
// error and rearms the connection for later calls.
func (c *tcpChannel) ioErr(ctx context.Context, err error, setDeadline func(time.Time) error) error {
	if ctx.Err() != nil && errors.Is(err, os.ErrDeadlineExceeded) {
		setDeadline(time.Time{})
		return ctx.Err()
	}
	return err
}

func (c *tcpChannel) Close() error {
	var err error
	c.once.Do(func() { err = c.conn.Close() })
	return err
}
