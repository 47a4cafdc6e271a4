package bootstrap

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/ruteri/masterpad-provisioning-backend/attest"
)

// Message kinds carried inside bootstrap frames. Each kind appears in a
// fixed stage; the peer link queues kinds that arrive early, so members a
// stage apart never lose messages.
const (
	kindHello      = "hello"
	kindChallenge  = "challenge"
	kindResponse   = "response"
	kindParams     = "params"
	kindCommit     = "commit"
	kindCommitEcho = "commit-echo"
	kindDeal       = "deal"
	kindCombined   = "combined"
	kindConsensus  = "consensus"
	kindDone       = "done"
)

// message is the JSON envelope inside every bootstrap frame payload.
type message struct {
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

func encodeMessage(kind string, v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	payload, err := json.Marshal(message{Kind: kind, Body: body})
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", kind, err)
	}
	return payload, nil
}

// helloPayload introduces a member on a fresh channel: its index, its
// compressed secp256k1 identity key, and the keccak address fingerprint
// the key must hash to.
type helloPayload struct {
	Member      uint8  `json:"member"`
	Fingerprint string `json:"fingerprint"`
	PubKey      []byte `json:"pub_key"`
}

// paramsPayload carries one member's view of the group parameters plus its
// session identifier proposal. The lowest member index wins the proposal;
// everything else must match exactly.
type paramsPayload struct {
	Session  uuid.UUID `json:"session"`
	N        uint8     `json:"n"`
	T        uint8     `json:"t"`
	PadBytes uint64    `json:"pad_bytes"`
	Epoch    uint64    `json:"epoch"`
}

// commitPayload locks in a dealer's contribution before any share material
// moves: a keyed commitment to its extracted entropy and one commitment
// per outgoing share, indexed by recipient. The committing salt is
// withheld until the deal itself.
type commitPayload struct {
	Dealer  uint8    `json:"dealer"`
	Entropy []byte   `json:"entropy"`
	Shares  [][]byte `json:"shares"`
}

// commitEchoPayload is the equivocation check: a digest over every
// member's commitment message in index order. All echoes must agree.
type commitEchoPayload struct {
	Member uint8  `json:"member"`
	Digest []byte `json:"digest"`
}

// shareChunkPayload streams a share value in bounded pieces. From is the
// sending member; Index is the share's evaluation point, the recipient for
// deals and the owner for combined records. Salt and Tag ride only on the
// first chunk.
type shareChunkPayload struct {
	From   uint8  `json:"from"`
	Index  uint8  `json:"index"`
	Epoch  uint64 `json:"epoch"`
	Salt   []byte `json:"salt,omitempty"`
	Tag    []byte `json:"tag,omitempty"`
	Offset uint64 `json:"offset"`
	Total  uint64 `json:"total"`
	Data   []byte `json:"data"`
}

// consensusPayload carries a member's signed state digest for the
// threshold consistency check.
type consensusPayload struct {
	Record attest.SignedDigest `json:"record"`
}

// donePayload announces that a member has activated its watchdog and
// considers the session complete.
type donePayload struct {
	Member uint8 `json:"member"`
}
