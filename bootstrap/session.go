package bootstrap

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Stage enumerates the bootstrap pipeline. Stages run strictly in order;
// the only permitted regression is EntropyValidation back to
// EntropyCollection while the retry budget lasts.
type Stage int

const (
	StageIdle Stage = iota
	StageDiscovery
	StageConnectionEstablishment
	StageParameterNegotiation
	StageEntropyCollection
	StageEntropyValidation
	StageExtraction
	StageCommitmentExchange
	StageCommitmentVerification
	StageShareDistribution
	StageShareVerification
	StageConsistencyCheck
	StageRatchetKeyDerivation
	StagePersistence
	StageWatchdogActivation
	StageComplete
)

func (s Stage) String() string {
	switch s {
	case StageIdle:
		return "idle"
	case StageDiscovery:
		return "discovery"
	case StageConnectionEstablishment:
		return "connection-establishment"
	case StageParameterNegotiation:
		return "parameter-negotiation"
	case StageEntropyCollection:
		return "entropy-collection"
	case StageEntropyValidation:
		return "entropy-validation"
	case StageExtraction:
		return "extraction"
	case StageCommitmentExchange:
		return "commitment-exchange"
	case StageCommitmentVerification:
		return "commitment-verification"
	case StageShareDistribution:
		return "share-distribution"
	case StageShareVerification:
		return "share-verification"
	case StageConsistencyCheck:
		return "consistency-check"
	case StageRatchetKeyDerivation:
		return "ratchet-key-derivation"
	case StagePersistence:
		return "persistence"
	case StageWatchdogActivation:
		return "watchdog-activation"
	case StageComplete:
		return "complete"
	default:
		return fmt.Sprintf("stage-%d", int(s))
	}
}

// stageTimeouts are the per-stage deadlines. Entropy collection dominates;
// ratchet derivation budgets for the deliberately slow KDF.
var stageTimeouts = map[Stage]time.Duration{
	StageDiscovery:               60 * time.Second,
	StageConnectionEstablishment: 30 * time.Second,
	StageParameterNegotiation:    10 * time.Second,
	StageEntropyCollection:       120 * time.Second,
	StageEntropyValidation:       30 * time.Second,
	StageExtraction:              30 * time.Second,
	StageCommitmentExchange:      10 * time.Second,
	StageCommitmentVerification:  5 * time.Second,
	StageShareDistribution:       10 * time.Second,
	StageShareVerification:       5 * time.Second,
	StageConsistencyCheck:        5 * time.Second,
	StageRatchetKeyDerivation:    60 * time.Second,
	StagePersistence:             5 * time.Second,
	StageWatchdogActivation:      5 * time.Second,
}

// Timeout returns the stage deadline, zero for stages that take no time of
// their own.
func (s Stage) Timeout() time.Duration {
	return stageTimeouts[s]
}

// AbortError reports a failed bootstrap with the stage that died. It matches
// interfaces.ErrBootstrapAborted and the underlying cause, so callers can
// branch either way. Local state was rolled back before it is returned; the
// whole session is retryable as a fresh session.
type AbortError struct {
	Stage Stage
	Cause error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("bootstrap aborted at %s: %v", e.Stage, e.Cause)
}

func (e *AbortError) Unwrap() []error {
	return []error{interfaces.ErrBootstrapAborted, e.Cause}
}

// AuditEntry is one line of the in-memory session audit log.
type AuditEntry struct {
	Stage Stage
	Note  string
	At    time.Time
}

// Session is the observable state of one bootstrap run: identity of the
// run, negotiated parameters, current stage and the audit trail. The
// orchestrator owns all writes.
type Session struct {
	Self   interfaces.MemberID
	Params interfaces.GroupParams
	Epoch  interfaces.Epoch

	clk clock.Clock

	mu      sync.Mutex
	id      uuid.UUID
	stage   Stage
	audit   []AuditEntry
	started time.Time
}

func newSession(self interfaces.MemberID, params interfaces.GroupParams, epoch interfaces.Epoch, clk clock.Clock) *Session {
	s := &Session{
		Self:    self,
		Params:  params,
		Epoch:   epoch,
		clk:     clk,
		id:      uuid.Must(uuid.NewRandom()),
		stage:   StageIdle,
		started: clk.Now(),
	}
	return s
}

// ID returns the session identifier. Until parameter negotiation completes
// this is the local proposal; afterwards it is the group's agreed value.
func (s *Session) ID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) setID(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// Stage returns the pipeline position.
func (s *Session) Stage() Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stage
}

// Audit returns a copy of the audit trail.
func (s *Session) Audit() []AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]AuditEntry(nil), s.audit...)
}

// advance moves the session to the stage and records it.
func (s *Session) advance(to Stage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stage = to
	s.audit = append(s.audit, AuditEntry{Stage: to, Note: "entered", At: s.clk.Now()})
}

// note appends an audit line for the current stage.
func (s *Session) note(format string, args ...any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audit = append(s.audit, AuditEntry{
		Stage: s.stage,
		Note:  fmt.Sprintf(format, args...),
		At:    s.clk.Now(),
	})
}
