package transport

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// MessageType is the first byte of every wire frame.
type MessageType byte

const (
	MessageBootstrap MessageType = 0x01
	MessageChat      MessageType = 0x02
	MessageControl   MessageType = 0x03
	MessageHeartbeat MessageType = 0x04
	MessageSync      MessageType = 0x05
	MessageUnknown   MessageType = 0xFF
)

func (t MessageType) String() string {
	switch t {
	case MessageBootstrap:
		return "bootstrap"
	case MessageChat:
		return "chat"
	case MessageControl:
		return "control"
	case MessageHeartbeat:
		return "heartbeat"
	case MessageSync:
		return "sync"
	default:
		return "unknown"
	}
}

// ErrFrameTooShort is returned when a buffer cannot hold a frame header.
var ErrFrameTooShort = errors.New("frame too short")

// frameHeaderSize is type + sender + sequence number.
const frameHeaderSize = 1 + 1 + 8

// Frame is the unit of exchange between members. Transports deliver frames
// at least once and possibly out of order; the sequence number lets the
// protocol layer discard duplicates and order what it needs ordered.
type Frame struct {
	Type    MessageType
	Sender  interfaces.MemberID
	Seq     uint64
	Payload []byte
}

// Encode serializes the frame: type, sender, sequence (LE), payload.
func (f Frame) Encode() []byte {
	out := make([]byte, frameHeaderSize+len(f.Payload))
	out[0] = byte(f.Type)
	out[1] = byte(f.Sender)
	binary.LittleEndian.PutUint64(out[2:10], f.Seq)
	copy(out[10:], f.Payload)
	return out
}

// DecodeFrame parses a raw buffer. An unrecognized type byte decodes as
// MessageUnknown rather than failing, so protocol versions can skip frames
// they do not understand.
func DecodeFrame(raw []byte) (Frame, error) {
	if len(raw) < frameHeaderSize {
		return Frame{}, fmt.Errorf("%w: %d bytes", ErrFrameTooShort, len(raw))
	}

	typ := MessageType(raw[0])
	switch typ {
	case MessageBootstrap, MessageChat, MessageControl, MessageHeartbeat, MessageSync:
	default:
		typ = MessageUnknown
	}

	return Frame{
		Type:    typ,
		Sender:  interfaces.MemberID(raw[1]),
		Seq:     binary.LittleEndian.Uint64(raw[2:10]),
		Payload: append([]byte(nil), raw[10:]...),
	}, nil
}
