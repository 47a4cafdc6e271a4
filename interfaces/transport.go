package interfaces

import "context"

// PeerAddress names a remote group member and how to reach it. The endpoint
// format is transport specific; the in-memory network uses bare member
// indices and the TCP transport uses host:port.
type PeerAddress struct {
	Member   MemberID `json:"member"`
	Endpoint string   `json:"endpoint"`
}

// Channel is a bidirectional message pipe to a single peer. Delivery is
// at-least-once: messages may arrive delayed, duplicated or reordered, so
// every protocol message carries an explicit sequence number. Ordering is
// the protocol's job, never the transport's.
type Channel interface {
	// Send transmits one framed message. Blocks until handed to the
	// transport or ctx expires.
	Send(ctx context.Context, payload []byte) error

	// Recv returns the next received message. Blocks until a message
	// arrives, the channel closes, or ctx expires.
	Recv(ctx context.Context) ([]byte, error)

	// Close tears down the channel. Pending Recv calls unblock with an
	// error.
	Close() error
}

// Dialer establishes channels to peers. Implementations retry internally;
// a returned error is final for this attempt.
type Dialer interface {
	Connect(ctx context.Context, peer PeerAddress) (Channel, error)
}

// Listener accepts inbound channels from peers during bootstrap.
type Listener interface {
	// Accept blocks until a peer connects or ctx expires.
	Accept(ctx context.Context) (MemberID, Channel, error)

	// Close stops accepting new channels.
	Close() error
}
