package transport

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func TestFrameRoundtrip(t *testing.T) {
	for _, typ := range []MessageType{MessageBootstrap, MessageChat, MessageControl, MessageHeartbeat, MessageSync} {
		f := Frame{Type: typ, Sender: 7, Seq: 0xDEADBEEF, Payload: []byte("payload")}
		got, err := DecodeFrame(f.Encode())
		require.NoError(t, err)
		assert.Equal(t, f, got, "type %s must survive the codec", typ)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	f := Frame{Type: MessageHeartbeat, Sender: 1, Seq: 42}
	raw := f.Encode()
	assert.Len(t, raw, frameHeaderSize)

	got, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageHeartbeat, got.Type)
	assert.Equal(t, interfaces.MemberID(1), got.Sender)
	assert.Equal(t, uint64(42), got.Seq)
	assert.Empty(t, got.Payload)
}

func TestFrameUnknownType(t *testing.T) {
	raw := Frame{Type: MessageType(0x77), Sender: 2, Seq: 1}.Encode()
	got, err := DecodeFrame(raw)
	require.NoError(t, err)
	assert.Equal(t, MessageUnknown, got.Type, "unrecognized types decode as unknown, not as an error")
}

func TestFrameTooShort(t *testing.T) {
	_, err := DecodeFrame([]byte{0x01, 0x02})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrFrameTooShort))
}

func TestFrameDecodeCopiesPayload(t *testing.T) {
	raw := Frame{Type: MessageChat, Sender: 3, Seq: 9, Payload: []byte{1, 2, 3}}.Encode()
	got, err := DecodeFrame(raw)
	require.NoError(t, err)

	raw[frameHeaderSize] = 0xFF
	assert.Equal(t, []byte{1, 2, 3}, got.Payload, "decoded payload must not alias the wire buffer")
}
