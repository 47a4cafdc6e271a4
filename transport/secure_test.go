package transport

import (
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// securePair runs the handshake across an in-memory pipe and returns both
// ends plus the raw pipe endpoints for interception.
func securePair(t *testing.T) (initiator, responder *SecureChannel, rawInit, rawResp *memChannel) {
	t.Helper()
	ctx := context.Background()

	a, b := newPipe()
	type result struct {
		sc  *SecureChannel
		err error
	}
	done := make(chan result, 1)
	go func() {
		sc, err := SecureResponder(ctx, b, rand.Reader)
		done <- result{sc, err}
	}()

	init, err := SecureInitiator(ctx, a, rand.Reader)
	require.NoError(t, err)
	resp := <-done
	require.NoError(t, resp.err)
	return init, resp.sc, a, b
}

func TestSecureChannelRoundtrip(t *testing.T) {
	ctx := context.Background()
	initiator, responder, _, _ := securePair(t)

	require.NoError(t, initiator.Send(ctx, []byte("from initiator")))
	got, err := responder.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("from initiator"), got)

	require.NoError(t, responder.Send(ctx, []byte("from responder")))
	got, err = initiator.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("from responder"), got)
}

func TestSecureChannelSharedAttestationKey(t *testing.T) {
	initiator, responder, _, _ := securePair(t)

	ki, kr := initiator.AttestationKey(), responder.AttestationKey()
	assert.Equal(t, *ki, *kr, "both ends must derive the same attestation key")
	assert.NotEqual(t, [64]byte{}, *ki)

	other, _, _, _ := securePair(t)
	assert.NotEqual(t, *initiator.AttestationKey(), *other.AttestationKey(),
		"every handshake must yield fresh keys")
}

func TestSecureChannelRejectsTampering(t *testing.T) {
	ctx := context.Background()
	initiator, responder, rawInit, rawResp := securePair(t)

	require.NoError(t, initiator.Send(ctx, []byte("authentic")))
	sealed, err := rawResp.Recv(ctx)
	require.NoError(t, err, "intercept the sealed frame before the secure layer sees it")

	sealed[len(sealed)-1] ^= 0x01
	require.NoError(t, rawInit.Send(ctx, sealed))

	_, err = responder.Recv(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrIntegrityFailure))
}

func TestSecureChannelRejectsReplay(t *testing.T) {
	ctx := context.Background()
	initiator, responder, rawInit, rawResp := securePair(t)

	require.NoError(t, initiator.Send(ctx, []byte("once only")))
	sealed, err := rawResp.Recv(ctx)
	require.NoError(t, err)

	require.NoError(t, rawInit.Send(ctx, sealed))
	got, err := responder.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte("once only"), got)

	require.NoError(t, rawInit.Send(ctx, append([]byte(nil), sealed...)))
	_, err = responder.Recv(ctx)
	require.Error(t, err, "a replayed frame must be rejected")
	assert.True(t, errors.Is(err, interfaces.ErrIntegrityFailure))
}

func TestSecureChannelRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	_, responder, rawInit, _ := securePair(t)

	require.NoError(t, rawInit.Send(ctx, []byte{0x01}))
	_, err := responder.Recv(ctx)
	assert.True(t, errors.Is(err, interfaces.ErrIntegrityFailure))
}
