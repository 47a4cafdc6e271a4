package protocol

import "fmt"

// NodeState is the node's lifecycle state. Transitions follow a fixed
// table; anything not listed is a programming error surfaced as
// ErrInvalidState by the operations that gate on state.
type NodeState int

const (
	// StateOffline is a constructed node with no pad. Bootstrap and
	// recovery both start here.
	StateOffline NodeState = iota

	// StateBootstrapping means an initial bootstrap session is running.
	StateBootstrapping

	// StateActive means a pad is installed and peers are being serviced.
	StateActive

	// StateConsensusPending means a ratchet ceremony is running while the
	// current pad stays live.
	StateConsensusPending

	// StateRecovery means the node is rebuilding from local persistent
	// state after a restart.
	StateRecovery

	// StateLockdown is terminal: key material is gone or untrustworthy
	// and every pad operation fails.
	StateLockdown
)

func (s NodeState) String() string {
	switch s {
	case StateOffline:
		return "offline"
	case StateBootstrapping:
		return "bootstrapping"
	case StateActive:
		return "active"
	case StateConsensusPending:
		return "consensus-pending"
	case StateRecovery:
		return "recovery"
	case StateLockdown:
		return "lockdown"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// nodeTransitions lists the allowed state changes. Lockdown is handled
// separately in CanTransition: it is reachable from everywhere and has no
// exits.
var nodeTransitions = map[NodeState][]NodeState{
	StateOffline:          {StateBootstrapping, StateRecovery},
	StateBootstrapping:    {StateActive, StateOffline},
	StateActive:           {StateConsensusPending, StateOffline},
	StateConsensusPending: {StateActive},
	StateRecovery:         {StateActive, StateOffline},
	StateLockdown:         {},
}

// CanTransition reports whether moving from s to next is legal.
func (s NodeState) CanTransition(next NodeState) bool {
	if next == StateLockdown {
		return s != StateLockdown
	}
	for _, allowed := range nodeTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
