package transport

import (
	"context"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// channelInfo separates channel keys from any other use of the shared
// secret.
var channelInfo = []byte("masterpad/v1 channel")

// SecureChannel wraps a plain Channel with an ephemeral X25519 handshake and
// per-direction ChaCha20-Poly1305 encryption. Alongside the cipher keys, the
// handshake yields a 64-byte attestation key consumed by the pairwise
// attestation layer, so attestation MACs are bound to this very channel.
//
// Frames carry an explicit nonce and the receiver requires nonces to
// strictly increase, which rejects replays. The wrapped channel must deliver
// in order; reordering tolerance lives in the protocol layer above.
type SecureChannel struct {
	inner interfaces.Channel

	sendMu   sync.Mutex
	sendAEAD cipher.AEAD
	sendSeq  uint64

	recvMu   sync.Mutex
	recvAEAD cipher.AEAD
	recvSeq  uint64

	attestKey [cryptoutils.PadMACKeySize]byte
}

// SecureInitiator runs the initiating side of the handshake over ch.
func SecureInitiator(ctx context.Context, ch interfaces.Channel, random io.Reader) (*SecureChannel, error) {
	return secureHandshake(ctx, ch, random, true)
}

// SecureResponder runs the accepting side of the handshake over ch.
func SecureResponder(ctx context.Context, ch interfaces.Channel, random io.Reader) (*SecureChannel, error) {
	return secureHandshake(ctx, ch, random, false)
}

func secureHandshake(ctx context.Context, ch interfaces.Channel, random io.Reader, initiator bool) (*SecureChannel, error) {
	var priv [32]byte
	if _, err := io.ReadFull(random, priv[:]); err != nil {
		return nil, fmt.Errorf("drawing handshake key: %w", err)
	}
	defer cryptoutils.WipeBytes(priv[:])

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving handshake public key: %w", err)
	}

	if err := ch.Send(ctx, pub); err != nil {
		return nil, fmt.Errorf("sending handshake public key: %w", err)
	}
	peerPub, err := ch.Recv(ctx)
	if err != nil {
		return nil, fmt.Errorf("receiving handshake public key: %w", err)
	}
	if len(peerPub) != 32 {
		return nil, fmt.Errorf("%w: %d byte handshake message", interfaces.ErrIntegrityFailure, len(peerPub))
	}

	shared, err := curve25519.X25519(priv[:], peerPub)
	if err != nil {
		return nil, fmt.Errorf("computing shared secret: %w", err)
	}
	defer cryptoutils.WipeBytes(shared)

	// Salt orders the transcript by role so both sides derive identical
	// keys: initiator public key first.
	salt := make([]byte, 0, 64)
	if initiator {
		salt = append(append(salt, pub...), peerPub...)
	} else {
		salt = append(append(salt, peerPub...), pub...)
	}

	kdf := hkdf.New(sha256.New, shared, salt, channelInfo)
	var i2r, r2i [chacha20poly1305.KeySize]byte
	sc := &SecureChannel{inner: ch}
	for _, out := range [][]byte{i2r[:], r2i[:], sc.attestKey[:]} {
		if _, err := io.ReadFull(kdf, out); err != nil {
			return nil, fmt.Errorf("deriving channel keys: %w", err)
		}
	}
	defer cryptoutils.WipeBytes(i2r[:])
	defer cryptoutils.WipeBytes(r2i[:])

	sendKey, recvKey := i2r[:], r2i[:]
	if !initiator {
		sendKey, recvKey = recvKey, sendKey
	}
	if sc.sendAEAD, err = chacha20poly1305.New(sendKey); err != nil {
		return nil, fmt.Errorf("initializing send cipher: %w", err)
	}
	if sc.recvAEAD, err = chacha20poly1305.New(recvKey); err != nil {
		return nil, fmt.Errorf("initializing recv cipher: %w", err)
	}
	return sc, nil
}

// AttestationKey exposes the channel-bound key for pairwise attestation.
func (c *SecureChannel) AttestationKey() *[cryptoutils.PadMACKeySize]byte {
	return &c.attestKey
}

// Send encrypts and forwards one message.
func (c *SecureChannel) Send(ctx context.Context, data []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	c.sendSeq++
	var nonce [chacha20poly1305.NonceSize]byte
	binary.LittleEndian.PutUint64(nonce[:8], c.sendSeq)

	out := make([]byte, len(nonce), len(nonce)+len(data)+c.sendAEAD.Overhead())
	copy(out, nonce[:])
	out = c.sendAEAD.Seal(out, nonce[:], data, nil)
	return c.inner.Send(ctx, out)
}

// Recv decrypts the next message, rejecting replayed or tampered frames
// with ErrIntegrityFailure.
func (c *SecureChannel) Recv(ctx context.Context) ([]byte, error) {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	raw, err := c.inner.Recv(ctx)
	if err != nil {
		return nil, err
	}
	if len(raw) < chacha20poly1305.NonceSize {
		return nil, fmt.Errorf("%w: %d byte sealed message", interfaces.ErrIntegrityFailure, len(raw))
	}

	nonce := raw[:chacha20poly1305.NonceSize]
	seq := binary.LittleEndian.Uint64(nonce[:8])
	if seq <= c.recvSeq {
		return nil, fmt.Errorf("%w: replayed nonce %d after %d", interfaces.ErrIntegrityFailure, seq, c.recvSeq)
	}

	plain, err := c.recvAEAD.Open(nil, nonce, raw[chacha20poly1305.NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: sealed message rejected: %v", interfaces.ErrIntegrityFailure, err)
	}
	c.recvSeq = seq
	return plain, nil
}

// Close closes the wrapped channel and wipes the attestation key.
func (c *SecureChannel) Close() error {
	cryptoutils.WipeBytes(c.attestKey[:])
	return c.inner.Close()
}
