package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/mpc"
	"github.com/ruteri/masterpad-provisioning-backend/transport"
)

// shareChunkSize bounds one share transfer frame. Small pads fit a single
// chunk; gigabyte pads stream without ever holding a second full copy in
// the channel layer.
const shareChunkSize = 1 << 20

// peerLink is a typed lens over one secure channel. Sends are serialized;
// receives demultiplex by message kind, holding early arrivals until the
// stage that wants them asks. The channel beneath delivers in order, so a
// per-kind queue is all the reordering the protocol needs.
type peerLink struct {
	member interfaces.MemberID
	ch     interfaces.Channel

	sendMu sync.Mutex
	seq    uint64

	recvMu  sync.Mutex
	pending map[string][]json.RawMessage
}

func newPeerLink(member interfaces.MemberID, ch interfaces.Channel) *peerLink {
	return &peerLink{
		member:  member,
		ch:      ch,
		pending: make(map[string][]json.RawMessage),
	}
}

// send frames and transmits one message of the kind.
func (p *peerLink) send(ctx context.Context, self interfaces.MemberID, kind string, v any) error {
	payload, err := encodeMessage(kind, v)
	if err != nil {
		return err
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	p.seq++
	frame := transport.Frame{
		Type:    transport.MessageBootstrap,
		Sender:  self,
		Seq:     p.seq,
		Payload: payload,
	}
	if err := p.ch.Send(ctx, frame.Encode()); err != nil {
		return fmt.Errorf("sending %s to member %s: %w", kind, p.member, err)
	}
	return nil
}

// recv returns the next message of the kind, decoded into v. Messages of
// other kinds arriving first are queued for their own recv calls.
func (p *peerLink) recv(ctx context.Context, kind string, v any) error {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	for {
		if queue := p.pending[kind]; len(queue) > 0 {
			body := queue[0]
			p.pending[kind] = queue[1:]
			return json.Unmarshal(body, v)
		}

		raw, err := p.ch.Recv(ctx)
		if err != nil {
			return fmt.Errorf("receiving from member %s: %w", p.member, err)
		}
		frame, err := transport.DecodeFrame(raw)
		if err != nil {
			return fmt.Errorf("decoding frame from member %s: %w", p.member, err)
		}
		if frame.Type != transport.MessageBootstrap {
			continue
		}
		if frame.Sender != p.member {
			return fmt.Errorf("%w: frame claims sender %s on member %s channel",
				interfaces.ErrIntegrityFailure, frame.Sender, p.member)
		}

		var m message
		if err := json.Unmarshal(frame.Payload, &m); err != nil {
			return fmt.Errorf("decoding message from member %s: %w", p.member, err)
		}
		if m.Kind == kind {
			return json.Unmarshal(m.Body, v)
		}
		p.pending[m.Kind] = append(p.pending[m.Kind], m.Body)
	}
}

// sendShare streams a share to the peer under the kind, salt riding on the
// first chunk. The share value is read, never modified.
func (p *peerLink) sendShare(ctx context.Context, self interfaces.MemberID, kind string, sh *mpc.Share, salt []byte) error {
	total := uint64(len(sh.Value))
	if total == 0 {
		return fmt.Errorf("%w: empty share value", interfaces.ErrInvalidShare)
	}

	for off := uint64(0); off < total; off += shareChunkSize {
		end := min(off+shareChunkSize, total)
		chunk := shareChunkPayload{
			From:   uint8(self),
			Index:  uint8(sh.Index),
			Epoch:  uint64(sh.Epoch),
			Offset: off,
			Total:  total,
			Data:   sh.Value[off:end],
		}
		if off == 0 {
			chunk.Salt = salt
			chunk.Tag = sh.Tag[:]
		}
		if err := p.send(ctx, self, kind, chunk); err != nil {
			return err
		}
	}
	return nil
}

// recvShare reassembles a share streamed by the peer. The advertised total
// must equal want; chunks must arrive contiguously. Returns the share and
// the salt from the first chunk.
func (p *peerLink) recvShare(ctx context.Context, kind string, epoch interfaces.Epoch, want uint64) (mpc.Share, []byte, error) {
	var sh mpc.Share
	var salt []byte
	var buf []byte
	var received uint64

	for {
		var chunk shareChunkPayload
		if err := p.recv(ctx, kind, &chunk); err != nil {
			return mpc.Share{}, nil, err
		}
		if chunk.Total != want {
			return mpc.Share{}, nil, fmt.Errorf("%w: member %s streams %d byte share, expected %d",
				interfaces.ErrInvalidShare, p.member, chunk.Total, want)
		}
		if chunk.Offset != received {
			return mpc.Share{}, nil, fmt.Errorf("%w: member %s chunk at offset %d, expected %d",
				interfaces.ErrInvalidShare, p.member, chunk.Offset, received)
		}
		if len(chunk.Data) == 0 {
			return mpc.Share{}, nil, fmt.Errorf("%w: member %s sent an empty share chunk",
				interfaces.ErrInvalidShare, p.member)
		}
		if received+uint64(len(chunk.Data)) > want {
			return mpc.Share{}, nil, fmt.Errorf("%w: member %s overflows advertised share length",
				interfaces.ErrInvalidShare, p.member)
		}

		if buf == nil {
			buf = make([]byte, 0, want)
			sh.Index = interfaces.MemberID(chunk.Index)
			sh.Epoch = interfaces.Epoch(chunk.Epoch)
			salt = chunk.Salt
			if len(chunk.Tag) == len(sh.Tag) {
				copy(sh.Tag[:], chunk.Tag)
			}
		}

		buf = append(buf, chunk.Data...)
		received += uint64(len(chunk.Data))
		if received == want {
			if sh.Epoch != epoch {
				return mpc.Share{}, nil, fmt.Errorf("%w: member %s share for epoch %d, expected %d",
					interfaces.ErrInvalidShare, p.member, sh.Epoch, epoch)
			}
			sh.Value = buf
			return sh, salt, nil
		}
	}
}
