package attest

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// DefaultMaxRTT bounds how long a pairwise response may take. A response
// outside the bound fails the session even when its MAC is correct, since a
// relayed or replayed response cannot beat the clock.
const DefaultMaxRTT = 2 * time.Second

// PairwiseState tracks a challenge-response session.
type PairwiseState int

const (
	PairwiseIdle PairwiseState = iota
	PairwiseChallengeSent
	PairwiseChallengeReceived
	PairwiseVerified
	PairwiseFailed
)

func (s PairwiseState) String() string {
	switch s {
	case PairwiseIdle:
		return "idle"
	case PairwiseChallengeSent:
		return "challenge-sent"
	case PairwiseChallengeReceived:
		return "challenge-received"
	case PairwiseVerified:
		return "verified"
	case PairwiseFailed:
		return "failed"
	default:
		return fmt.Sprintf("pairwise-state-%d", int(s))
	}
}

// Challenge is a fresh nonce sent to a peer.
type Challenge struct {
	From  interfaces.MemberID `json:"from"`
	Nonce [32]byte            `json:"nonce"`
}

// Response proves the responder holds the channel key and the same exchange
// transcript: a polynomial MAC over the transcript digest with the nonce and
// responder index as metadata.
type Response struct {
	From interfaces.MemberID             `json:"from"`
	Tag  [cryptoutils.PadMACTagSize]byte `json:"tag"`
}

// PairwiseSession runs one direction of mutual attestation between two
// members over an established channel. The challenger calls Challenge and
// VerifyResponse; the responder calls Respond. Mutual attestation is two
// sessions, one per direction.
type PairwiseSession struct {
	mu   sync.Mutex
	clk  clock.Clock
	key  *[cryptoutils.PadMACKeySize]byte
	self interfaces.MemberID
	peer interfaces.MemberID

	maxRTT time.Duration
	state  PairwiseState
	nonce  [32]byte
	sentAt time.Time
}

// NewPairwiseSession prepares a session keyed by the channel's attestation
// key. maxRTT of zero selects DefaultMaxRTT.
func NewPairwiseSession(self, peer interfaces.MemberID, key *[cryptoutils.PadMACKeySize]byte, clk clock.Clock, maxRTT time.Duration) *PairwiseSession {
	if maxRTT <= 0 {
		maxRTT = DefaultMaxRTT
	}
	if clk == nil {
		clk = clock.New()
	}
	return &PairwiseSession{
		clk:    clk,
		key:    key,
		self:   self,
		peer:   peer,
		maxRTT: maxRTT,
		state:  PairwiseIdle,
	}
}

// State returns the session state.
func (s *PairwiseSession) State() PairwiseState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Challenge draws a fresh nonce and arms the round-trip timer. Only an idle
// session may challenge.
func (s *PairwiseSession) Challenge(random io.Reader) (Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != PairwiseIdle {
		return Challenge{}, fmt.Errorf("%w: challenge from %s", interfaces.ErrInvalidState, s.state)
	}
	if _, err := io.ReadFull(random, s.nonce[:]); err != nil {
		return Challenge{}, fmt.Errorf("drawing challenge nonce: %w", err)
	}

	s.state = PairwiseChallengeSent
	s.sentAt = s.clk.Now()
	return Challenge{From: s.self, Nonce: s.nonce}, nil
}

// Respond answers a peer's challenge by binding the exchange transcript to
// the nonce under the channel key.
func (s *PairwiseSession) Respond(ch Challenge, transcript interfaces.StateDigest) (Response, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != PairwiseIdle {
		return Response{}, fmt.Errorf("%w: respond from %s", interfaces.ErrInvalidState, s.state)
	}
	if ch.From != s.peer {
		return Response{}, fmt.Errorf("%w: challenge from member %d on session with member %d",
			interfaces.ErrInvalidState, ch.From, s.peer)
	}

	s.state = PairwiseChallengeReceived
	return Response{
		From: s.self,
		Tag:  responseTag(s.key, ch.Nonce, s.self, transcript),
	}, nil
}

// VerifyResponse checks the peer's answer against the challenger's own view
// of the transcript and the round-trip bound. Any failure is terminal for
// the session.
func (s *PairwiseSession) VerifyResponse(resp Response, transcript interfaces.StateDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != PairwiseChallengeSent {
		return fmt.Errorf("%w: verify from %s", interfaces.ErrInvalidState, s.state)
	}

	if rtt := s.clk.Now().Sub(s.sentAt); rtt > s.maxRTT {
		s.state = PairwiseFailed
		return fmt.Errorf("%w: pairwise response after %v exceeds %v",
			interfaces.ErrIntegrityFailure, rtt, s.maxRTT)
	}
	if resp.From != s.peer {
		s.state = PairwiseFailed
		return fmt.Errorf("%w: response from member %d on session with member %d",
			interfaces.ErrIntegrityFailure, resp.From, s.peer)
	}

	if !cryptoutils.PadMACVerify(transcript.Bytes(), responseMetadata(s.nonce, s.peer), s.key, resp.Tag[:]) {
		s.state = PairwiseFailed
		return fmt.Errorf("%w: pairwise response tag mismatch from member %d",
			interfaces.ErrIntegrityFailure, resp.From)
	}

	s.state = PairwiseVerified
	return nil
}

func responseMetadata(nonce [32]byte, from interfaces.MemberID) []byte {
	meta := make([]byte, 0, len(nonce)+1)
	meta = append(meta, nonce[:]...)
	return append(meta, byte(from))
}

func responseTag(key *[cryptoutils.PadMACKeySize]byte, nonce [32]byte, from interfaces.MemberID, transcript interfaces.StateDigest) [cryptoutils.PadMACTagSize]byte {
	return cryptoutils.PadMACSum(transcript.Bytes(), responseMetadata(nonce, from), key)
}
