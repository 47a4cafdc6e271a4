package protocol

import (
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Control operations carried in control frames.
const (
	// opRatchet asks every member to start a ratchet ceremony for the
	// sender's next epoch.
	opRatchet = "ratchet-request"

	// opBurn is the distress signal: the receiver destroys its local pad
	// material immediately.
	opBurn = "burn"

	// opAbsence reports a member as unreachable, shortening the
	// watchdog's patience for it.
	opAbsence = "absence"
)

// heartbeatPayload proves liveness. Counter is the sender's frame sequence
// so a peer can tell a fresh heartbeat from a replayed one.
type heartbeatPayload struct {
	Member  uint8  `json:"member"`
	Epoch   uint64 `json:"epoch"`
	Counter uint64 `json:"counter"`
}

// syncPayload shares the sender's view of pad consumption. Members consume
// at different rates; divergent epochs signal a missed ratchet.
type syncPayload struct {
	Member         uint8  `json:"member"`
	Epoch          uint64 `json:"epoch"`
	RemainingBytes uint64 `json:"remaining_bytes"`
	TotalBytes     uint64 `json:"total_bytes"`
	RatchetNeeded  bool   `json:"ratchet_needed"`
}

// controlPayload carries one administrative operation. Member names the
// subject of the operation, not the sender; the sender rides on the frame.
type controlPayload struct {
	Op     string `json:"op"`
	Member uint8  `json:"member,omitempty"`
	Epoch  uint64 `json:"epoch,omitempty"`
}

// chatPayload wraps one pad-encrypted envelope.
type chatPayload struct {
	Envelope interfaces.Envelope `json:"envelope"`
}

// Message is a decrypted group message handed to the application.
type Message struct {
	From      interfaces.MemberID
	Plaintext []byte
}
