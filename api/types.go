package api

import (
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/protocol"
)

// BootstrapRequest carries the ceremony parameters for POST /api/v1/bootstrap.
type BootstrapRequest struct {
	// GroupSize is the number of members in the group, 2..255.
	GroupSize uint8 `json:"group_size"`

	// Threshold is the number of members required to reconstruct the pad.
	Threshold uint8 `json:"threshold"`

	// PadBytes is the requested pad size. The node rounds it up to whole
	// blocks.
	PadBytes uint64 `json:"pad_bytes"`
}

// BootstrapResponse identifies the ceremony the node opened. The ceremony
// runs in the background; callers poll GET /api/v1/status until the state
// settles on active or offline.
type BootstrapResponse struct {
	Session string `json:"session"`
	State   string `json:"state"`
}

// OperationResponse acknowledges an administrative signal.
type OperationResponse struct {
	Message string `json:"message"`
	State   string `json:"state"`
}

// Admin is the operator-side view of one node's administrative API.
type Admin interface {
	// Status reports the node's current state snapshot.
	Status() (protocol.Status, error)

	// Bootstrap opens a founding ceremony with the given parameters.
	Bootstrap(groupSize, threshold uint8, padBytes uint64) (*BootstrapResponse, error)

	// Ratchet requests a pad rotation into the next epoch.
	Ratchet() (*OperationResponse, error)

	// Burn destroys this member's pad material and signals the group.
	Burn() (*OperationResponse, error)

	// ReportAbsence marks a peer as administratively absent, freezing its
	// watchdog contact clock.
	ReportAbsence(member interfaces.MemberID) (*OperationResponse, error)

	// ConfirmPersistence releases a ceremony holding at the manual
	// persistence gate.
	ConfirmPersistence() (*OperationResponse, error)
}
