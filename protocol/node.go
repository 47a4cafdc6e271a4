package protocol

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/ruteri/masterpad-provisioning-backend/bootstrap"
	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/entropy"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/pad"
	"github.com/ruteri/masterpad-provisioning-backend/padstore"
	"github.com/ruteri/masterpad-provisioning-backend/transport"
	"github.com/ruteri/masterpad-provisioning-backend/watchdog"
)

const (
	// DefaultHeartbeatInterval paces liveness and sync traffic to peers.
	DefaultHeartbeatInterval = 30 * time.Second

	// sendTimeout bounds a single frame send so one stuck peer cannot
	// stall the tick loop.
	sendTimeout = 5 * time.Second

	// destroyTimeout bounds destruction I/O. Burning the block store
	// rewrites and compacts it, which is not instant.
	destroyTimeout = 30 * time.Second

	// msgBuffer is the received-message queue depth. A full queue drops
	// the newest message rather than stalling the peer reader.
	msgBuffer = 64
)

// Config wires a Node. Identity, Discovery, Dialer, Listen, Collector,
// Blocks, ShareStore and ManifestPath are required.
type Config struct {
	Log    *slog.Logger
	Clock  clock.Clock
	Random io.Reader

	// Identity is this device's credential set.
	Identity *bootstrap.Identity

	Discovery *bootstrap.Discovery
	Dialer    interfaces.Dialer

	// Listen opens a fresh bootstrap listener. Every ceremony closes its
	// listener on completion, so ratchets need a new one each time.
	Listen func() (interfaces.Listener, error)

	Collector *entropy.Collector

	// Blocks holds the combined share records the pad is reconstructed
	// from.
	Blocks *padstore.BlockStore

	// ShareStore receives this member's sealed backup share.
	ShareStore interfaces.ShareStore

	// SealPassphrase overrides the device-derived passphrase for sealed
	// backups.
	SealPassphrase []byte

	// ManifestPath is where the node records the installed pad's
	// coordinates for recovery.
	ManifestPath string

	// HeartbeatInterval paces peer traffic. Zero selects the default.
	HeartbeatInterval time.Duration

	// Watchdog policy. Zeroes select the watchdog package defaults.
	AbsenceWindow time.Duration
	GracePeriod   time.Duration
	PollInterval  time.Duration

	// MaxRTT bounds the pairwise attestation round trip during bootstrap.
	MaxRTT time.Duration

	// StageTimeouts overrides bootstrap stage deadlines.
	StageTimeouts map[bootstrap.Stage]time.Duration

	// ManualPersistenceGate leaves the bootstrap persistence gate to an
	// explicit ConfirmPersistence call. Default releases the gate as soon
	// as the orchestrator's own readback verification passes.
	ManualPersistenceGate bool
}

func (cfg Config) validate() error {
	if cfg.Identity == nil {
		return errors.New("node requires an identity")
	}
	if cfg.Discovery == nil || cfg.Dialer == nil || cfg.Listen == nil {
		return errors.New("node requires discovery, dialer and listen")
	}
	if cfg.Collector == nil {
		return errors.New("node requires an entropy collector")
	}
	if cfg.Blocks == nil || cfg.ShareStore == nil {
		return errors.New("node requires a block store and a share store")
	}
	if cfg.ManifestPath == "" {
		return errors.New("node requires a manifest path")
	}
	return nil
}

// peerState is the node's view of one peer over its steady-state channel.
type peerState struct {
	member interfaces.MemberID
	ch     interfaces.Channel

	mu        sync.Mutex
	lastSeq   uint64
	lastHeard time.Time
	epoch     interfaces.Epoch
	remaining uint64
	ratchet   bool
}

// admitSeq drops duplicated and stale frames. Senders number frames from a
// single monotonic counter, so anything at or below the high water mark has
// been seen.
func (ps *peerState) admitSeq(seq uint64) bool {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	if seq <= ps.lastSeq {
		return false
	}
	ps.lastSeq = seq
	return true
}

// sessionRun tracks one bootstrap or ratchet ceremony to completion.
type sessionRun struct {
	orch  *bootstrap.Orchestrator
	doneC chan struct{}

	// Written before doneC closes.
	engine *pad.Engine
	err    error
}

// retired bundles the resources displaced by an epoch swap.
type retired struct {
	engine *pad.Engine
	wd     *watchdog.Watchdog
	peers  map[interfaces.MemberID]*peerState
	epoch  interfaces.Epoch
	seed   []byte
}

// Node owns one member's full protocol state: the pad engine, the peer
// links, the watchdog and the bootstrap machinery. All public methods are
// safe for concurrent use.
type Node struct {
	log *slog.Logger
	clk clock.Clock
	rnd io.Reader
	cfg Config

	self interfaces.MemberID

	baseCtx context.Context
	cancel  context.CancelFunc

	seq atomic.Uint64

	mu               sync.Mutex
	state            NodeState
	reason           string
	closed           bool
	epoch            interfaces.Epoch
	group            interfaces.GroupParams
	members          []interfaces.MemberID
	padID            interfaces.PadID
	engine           *pad.Engine
	wd               *watchdog.Watchdog
	pendingWD        *watchdog.Watchdog
	peers            map[interfaces.MemberID]*peerState
	ratchetSeed      []byte
	ratchetKickEpoch interfaces.Epoch
	run              *sessionRun

	// manifestMu serializes manifest writes so a slow write can never
	// land after a newer one and rewind the persisted watermark.
	manifestMu    sync.Mutex
	manifestEpoch interfaces.Epoch
	manifestUsed  uint64

	msgC     chan Message
	loopOnce sync.Once
	wg       sync.WaitGroup
}

// New validates the configuration and returns an offline node.
func New(cfg Config) (*Node, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Random == nil {
		cfg.Random = rand.Reader
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}

	baseCtx, cancel := context.WithCancel(context.Background())
	return &Node{
		log:     cfg.Log.With(slog.String("member", cfg.Identity.Member.String())),
		clk:     cfg.Clock,
		rnd:     cfg.Random,
		cfg:     cfg,
		self:    cfg.Identity.Member,
		baseCtx: baseCtx,
		cancel:  cancel,
		state:   StateOffline,
		peers:   make(map[interfaces.MemberID]*peerState),
		msgC:    make(chan Message, msgBuffer),
	}, nil
}

// Member returns this node's group index.
func (n *Node) Member() interfaces.MemberID { return n.self }

// State returns the current lifecycle state.
func (n *Node) State() NodeState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Node) setStateLocked(to NodeState, reason string) {
	if n.state == to {
		return
	}
	n.log.Info("Node state changed",
		slog.String("from", n.state.String()),
		slog.String("to", to.String()),
		slog.String("reason", reason))
	n.state = to
	n.reason = reason
}

// transition applies a guarded state change and reports whether it took.
func (n *Node) transition(from, to NodeState, reason string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != from || !from.CanTransition(to) {
		return false
	}
	n.setStateLocked(to, reason)
	return true
}

// Begin starts the initial bootstrap ceremony for a group of groupSize
// members with the given reconstruction threshold. scaleHint is the
// requested pad size in bytes, rounded up to whole blocks during
// extraction. The ceremony runs in the background; AwaitCompletion blocks
// on its outcome.
func (n *Node) Begin(ctx context.Context, groupSize, threshold uint8, scaleHint uint64) (*bootstrap.Session, error) {
	params := interfaces.GroupParams{N: groupSize, T: threshold, PadBytes: scaleHint}
	if err := params.Validate(); err != nil {
		return nil, err
	}

	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: node closed", interfaces.ErrInvalidState)
	}
	if n.state != StateOffline {
		state := n.state
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: cannot bootstrap from %s", interfaces.ErrInvalidState, state)
	}
	epoch := n.epoch + 1
	seed := append([]byte(nil), n.ratchetSeed...)
	n.setStateLocked(StateBootstrapping, "bootstrap requested")
	n.mu.Unlock()

	run, err := n.startCeremony(params, epoch, seed)
	if err != nil {
		n.transition(StateBootstrapping, StateOffline, "bootstrap setup failed")
		return nil, err
	}

	if !n.goTracked(func() { n.runBootstrap(run) }) {
		run.err = fmt.Errorf("%w: node closed", interfaces.ErrInvalidState)
		close(run.doneC)
		n.transition(StateBootstrapping, StateOffline, "node closed")
		return nil, run.err
	}
	return run.orch.Session(), nil
}

// startCeremony opens a listener, builds the orchestrator and registers the
// run. The caller owns the state transition around it.
func (n *Node) startCeremony(params interfaces.GroupParams, epoch interfaces.Epoch, seed []byte) (*sessionRun, error) {
	listener, err := n.cfg.Listen()
	if err != nil {
		return nil, fmt.Errorf("opening bootstrap listener: %w", err)
	}

	orch, err := bootstrap.New(bootstrap.Config{
		Log:              n.log,
		Clock:            n.clk,
		Random:           n.rnd,
		Identity:         n.cfg.Identity,
		Params:           params,
		Epoch:            epoch,
		Discovery:        n.cfg.Discovery,
		Dialer:           n.cfg.Dialer,
		Listener:         listener,
		Collector:        n.cfg.Collector,
		ExtractorSeed:    seed,
		Blocks:           n.cfg.Blocks,
		ShareStore:       n.cfg.ShareStore,
		SealPassphrase:   n.cfg.SealPassphrase,
		MaxRTT:           n.cfg.MaxRTT,
		StageTimeouts:    n.cfg.StageTimeouts,
		ActivateWatchdog: n.armWatchdog,
	})
	if err != nil {
		listener.Close()
		return nil, err
	}
	if !n.cfg.ManualPersistenceGate {
		orch.ConfirmPersistence()
	}

	run := &sessionRun{orch: orch, doneC: make(chan struct{})}
	n.mu.Lock()
	n.run = run
	n.mu.Unlock()
	return run, nil
}

func (n *Node) runBootstrap(run *sessionRun) {
	res, err := run.orch.Run(n.baseCtx)
	if err == nil {
		var old *retired
		run.engine, old, err = n.installResult(res)
		if err == nil {
			n.retire(old)
			close(run.doneC)
			return
		}
	}

	run.err = err
	n.dropPendingWatchdog()
	if errors.Is(err, interfaces.ErrSplitConsensus) {
		n.destroy("split consensus during bootstrap")
	} else {
		n.transition(StateBootstrapping, StateOffline, "bootstrap failed")
	}
	close(run.doneC)
}

// AwaitCompletion blocks until the given session's ceremony finishes and
// returns the installed pad engine or the abort error.
func (n *Node) AwaitCompletion(ctx context.Context, session *bootstrap.Session) (*pad.Engine, error) {
	n.mu.Lock()
	run := n.run
	n.mu.Unlock()
	if run == nil || run.orch.Session() != session {
		return nil, fmt.Errorf("%w: unknown bootstrap session", interfaces.ErrInvalidState)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-run.doneC:
		return run.engine, run.err
	}
}

// ConfirmPersistence releases the persistence gate of the ceremony in
// flight. Only meaningful with ManualPersistenceGate set.
func (n *Node) ConfirmPersistence() error {
	n.mu.Lock()
	run := n.run
	n.mu.Unlock()
	if run == nil {
		return fmt.Errorf("%w: no ceremony in flight", interfaces.ErrInvalidState)
	}
	run.orch.ConfirmPersistence()
	return nil
}

/// armWatchdog runs inside the ceremony's watchdog activation stage: it
// starts a watchdog for the new epoch with the burns that destroy every
// trace of the pad. The watchdog is adopted when the result is installed
// and stopped if the ceremony fails afterwards.
func (n *Node) armWatchdog(ctx context.Context, res *bootstrap.Result) error {
	wd := n.newWatchdog(res.Members, res.Epoch)
	wd.Start()

	n.mu.Lock()
	previous := n.pendingWD
	n.pendingWD = wd
	n.mu.Unlock()
	if previous != nil {
		previous.Stop()
	}
	return nil
}

func (n *Node) dropPendingWatchdog() {
	n.mu.Lock()
	wd := n.pendingWD
	n.pendingWD = nil
	n.mu.Unlock()
	if wd != nil {
		wd.Stop()
	}
}

func (n *Node) buildEngine(res *bootstrap.Result) (*pad.Engine, error) {
	source, err := padstore.NewStoreBlockSource(n.log, n.cfg.Blocks, res.Epoch, res.Members, res.Params.T)
	if err != nil {
		return nil, err
	}
	return pad.NewEngine(pad.Config{
		Log:        n.log,
		ID:         res.PadID,
		Epoch:      res.Epoch,
		PadBytes:   res.PadBytes,
		Source:     source,
		Clock:      n.clk,
		SendOffset: uint64(n.self) - 1,
		SendStride: uint64(res.Params.N),
	})
}

// installResult swaps the ceremony's outcome in as the live pad: engine,
// watchdog, peer links and manifest. It returns the displaced resources for
// the caller to retire once the swap is visible.
func (n *Node) installResult(res *bootstrap.Result) (*pad.Engine, *retired, error) {
	engine, err := n.buildEngine(res)
	if err != nil {
		return nil, nil, err
	}

	n.mu.Lock()
	if !n.state.CanTransition(StateActive) {
		state := n.state
		n.mu.Unlock()
		engine.Burn()
		return nil, nil, fmt.Errorf("%w: cannot activate from %s", interfaces.ErrInvalidState, state)
	}

	old := &retired{
		engine: n.engine,
		wd:     n.wd,
		peers:  n.peers,
		epoch:  n.epoch,
		seed:   n.ratchetSeed,
	}
	n.engine = engine
	n.wd = n.pendingWD
	n.pendingWD = nil
	n.epoch = res.Epoch
	n.group = res.Params
	n.members = append([]interfaces.MemberID(nil), res.Members...)
	n.padID = res.PadID
	n.ratchetSeed = append([]byte(nil), res.RatchetSeed...)
	n.peers = make(map[interfaces.MemberID]*peerState, len(res.Links))
	for member, ch := range res.Links {
		ps := &peerState{member: member, ch: ch, lastHeard: n.clk.Now()}
		n.peers[member] = ps
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.readLoop(ps)
		}()
	}
	n.setStateLocked(StateActive, fmt.Sprintf("epoch %d installed", res.Epoch))
	n.mu.Unlock()

	n.startLoops()
	n.persistUsage(engine)
	n.log.Info("Pad installed",
		slog.String("pad_id", res.PadID.String()),
		slog.Uint64("epoch", uint64(res.Epoch)),
		slog.Uint64("pad_bytes", res.PadBytes),
		slog.Int("peers", len(res.Links)))
	return engine, old, nil
}

// retire disposes of the resources displaced by an epoch swap: the old
// watchdog stops, the old links close, and the superseded pad material is
// destroyed everywhere it lives.
func (n *Node) retire(old *retired) {
	if old == nil || old.engine == nil {
		return
	}
	if old.wd != nil {
		old.wd.Stop()
	}
	for _, ps := range old.peers {
		ps.ch.Close()
	}
	if err := old.engine.Burn(); err != nil {
		n.log.Error("Superseded pad burn failed", "err", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if err := n.cfg.Blocks.DeleteEpoch(old.epoch); err != nil {
		n.log.Error("Superseded epoch share records not deleted",
			slog.Uint64("epoch", uint64(old.epoch)), "err", err)
	}
	if err := n.cfg.ShareStore.DeleteShare(ctx, n.self, old.epoch); err != nil && !errors.Is(err, interfaces.ErrShareNotFound) {
		n.log.Error("Superseded sealed share not deleted",
			slog.Uint64("epoch", uint64(old.epoch)), "err", err)
	}
	cryptoutils.WipeBytes(old.seed)
	n.log.Info("Superseded epoch retired", slog.Uint64("epoch", uint64(old.epoch)))
}

func (n *Node) startLoops() {
	n.loopOnce.Do(func() {
		n.goTracked(n.runLoop)
	})
}

// Ratchet rotates the pad: it announces the rotation to every peer and runs
// a fresh ceremony at the next epoch, keyed by the current epoch's ratchet
// seed. The current pad stays usable until the new one is installed; on
// failure the node returns to the current pad.
func (n *Node) Ratchet(ctx context.Context) error {
	if !n.transition(StateActive, StateConsensusPending, "ratchet requested") {
		return fmt.Errorf("%w: ratchet requires an active pad", interfaces.ErrInvalidState)
	}
	run, epoch, err := n.openRatchet()
	if err != nil {
		return err
	}
	n.broadcastControl(ctx, controlPayload{Op: opRatchet, Member: uint8(n.self), Epoch: uint64(epoch)})
	return n.driveRatchet(run)
}

// runRatchet drives a peer-announced ratchet ceremony. State is already
// ConsensusPending on entry.
func (n *Node) runRatchet() error {
	run, _, err := n.openRatchet()
	if err != nil {
		return err
	}
	return n.driveRatchet(run)
}

// openRatchet snapshots the next-epoch parameters and opens the ceremony.
// The listener accepts before the rotation is announced, so peers reacting
// to the announcement can connect right away.
func (n *Node) openRatchet() (*sessionRun, interfaces.Epoch, error) {
	n.mu.Lock()
	epoch := n.epoch + 1
	seed := append([]byte(nil), n.ratchetSeed...)
	params := n.group
	n.mu.Unlock()

	n.log.Info("Ratchet ceremony starting", slog.Uint64("next_epoch", uint64(epoch)))
	run, err := n.startCeremony(params, epoch, seed)
	if err != nil {
		n.transition(StateConsensusPending, StateActive, "ratchet setup failed")
		return nil, 0, err
	}
	return run, epoch, nil
}

func (n *Node) driveRatchet(run *sessionRun) error {
	res, err := run.orch.Run(n.baseCtx)
	if err != nil {
		run.err = err
		n.dropPendingWatchdog()
		close(run.doneC)
		if errors.Is(err, interfaces.ErrSplitConsensus) {
			n.destroy("split consensus during ratchet")
			return err
		}
		n.transition(StateConsensusPending, StateActive, "ratchet failed")
		return fmt.Errorf("ratchet ceremony: %w", err)
	}

	engine, old, err := n.installResult(res)
	if err != nil {
		run.err = err
		n.dropPendingWatchdog()
		close(run.doneC)
		n.transition(StateConsensusPending, StateActive, "ratchet activation failed")
		return err
	}
	run.engine = engine
	close(run.doneC)
	n.retire(old)
	return nil
}

// onRatchetSignal handles the engine's low-material signal. At most one
// automatic attempt per epoch; a failed attempt is left to the operator.
func (n *Node) onRatchetSignal() {
	n.mu.Lock()
	if n.engine == nil {
		n.mu.Unlock()
		return
	}
	epoch := n.engine.Epoch()
	if n.ratchetKickEpoch == epoch {
		n.mu.Unlock()
		return
	}
	n.ratchetKickEpoch = epoch
	n.mu.Unlock()

	n.log.Info("Pad crossed the ratchet threshold, rotating",
		slog.Uint64("epoch", uint64(epoch)))
	n.goTracked(func() {
		if err := n.Ratchet(n.baseCtx); err != nil {
			n.log.Error("Automatic ratchet failed", "err", err)
		}
	})
}

// Burn destroys all local pad material and locks the node down. The burn
// signal goes to every reachable peer first so the group follows.
func (n *Node) Burn(ctx context.Context) error {
	n.broadcastControl(ctx, controlPayload{Op: opBurn, Member: uint8(n.self)})
	n.destroy("operator burn")
	return nil
}

// ReportAbsence flags a member as unreachable to the local watchdog and
// relays the report to every peer.
func (n *Node) ReportAbsence(member interfaces.MemberID) error {
	n.mu.Lock()
	wd := n.wd
	n.mu.Unlock()
	if wd == nil {
		return fmt.Errorf("%w: no watchdog armed", interfaces.ErrInvalidState)
	}
	wd.ReportAbsence(member)

	ctx, cancel := context.WithTimeout(n.baseCtx, sendTimeout)
	defer cancel()
	n.broadcastControl(ctx, controlPayload{Op: opAbsence, Member: uint8(member)})
	return nil
}

// destroy burns all local pad material and locks down. The armed watchdog
// runs the burns when present so destruction follows one code path whether
// it is triggered by policy or by hand.
func (n *Node) destroy(reason string) {
	n.mu.Lock()
	if n.state == StateLockdown {
		n.mu.Unlock()
		return
	}
	wd := n.wd
	engine := n.engine
	epoch := n.epoch
	n.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), destroyTimeout)
	defer cancel()
	if wd != nil {
		wd.Destruct(ctx, reason)
	} else {
		if engine != nil && !engine.Destroyed() {
			engine.Burn()
		}
		if err := n.cfg.Blocks.Burn(); err != nil {
			n.log.Error("Block store burn failed", "err", err)
		}
		if err := n.cfg.ShareStore.DeleteShare(ctx, n.self, epoch); err != nil && !errors.Is(err, interfaces.ErrShareNotFound) {
			n.log.Error("Sealed share delete failed", "err", err)
		}
	}
	n.lockdown(reason)
}

// lockdown flips the node into its terminal state and releases every
// resource that keeps it part of the group. It does not touch pad material;
// destroy handles that.
func (n *Node) lockdown(reason string) {
	n.mu.Lock()
	if n.state == StateLockdown {
		n.mu.Unlock()
		return
	}
	peers := n.peers
	n.peers = make(map[interfaces.MemberID]*peerState)
	wd := n.wd
	n.wd = nil
	pending := n.pendingWD
	n.pendingWD = nil
	n.setStateLocked(StateLockdown, reason)
	n.mu.Unlock()

	for _, ps := range peers {
		ps.ch.Close()
	}
	if wd != nil {
		wd.Stop()
	}
	if pending != nil {
		pending.Stop()
	}
	n.log.Error("Node locked down", slog.String("reason", reason))
}

// Encrypt consumes the member's next send block for plaintext.
func (n *Node) Encrypt(ctx context.Context, plaintext []byte) (interfaces.Envelope, error) {
	engine, err := n.activeEngine()
	if err != nil {
		return interfaces.Envelope{}, err
	}
	env, err := engine.Encrypt(ctx, plaintext)
	if err != nil {
		return interfaces.Envelope{}, err
	}
	n.persistUsage(engine)
	return env, nil
}

// VerifyAndDecrypt authenticates and opens a received envelope, consuming
// its block.
func (n *Node) VerifyAndDecrypt(ctx context.Context, env interfaces.Envelope) ([]byte, error) {
	engine, err := n.activeEngine()
	if err != nil {
		return nil, err
	}
	plaintext, err := engine.VerifyAndDecrypt(ctx, env)
	if err != nil {
		return nil, err
	}
	n.persistUsage(engine)
	return plaintext, nil
}

// SendMessage encrypts plaintext once and fans the envelope out to every
// peer. All members hold the same pad, so one envelope serves the group.
func (n *Node) SendMessage(ctx context.Context, plaintext []byte) error {
	env, err := n.Encrypt(ctx, plaintext)
	if err != nil {
		return err
	}

	payload := chatPayload{Envelope: env}
	var firstErr error
	for _, ps := range n.peerSnapshot() {
		if err := n.sendFrame(ctx, ps, transport.MessageChat, payload); err != nil {
			n.log.Warn("Chat send failed",
				slog.String("peer", ps.member.String()), "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Messages returns the stream of decrypted group messages. The channel is
// never closed; it goes quiet when the node leaves the active states.
func (n *Node) Messages() <-chan Message {
	return n.msgC
}

// PeerStatus is one peer's last reported view.
type PeerStatus struct {
	Member         interfaces.MemberID `json:"member"`
	Epoch          uint64              `json:"epoch"`
	LastHeard      time.Time           `json:"last_heard"`
	RemainingBytes uint64              `json:"remaining_bytes"`
	RatchetNeeded  bool                `json:"ratchet_needed"`
}

// Status is a point-in-time snapshot for operators and the admin API.
type Status struct {
	State          string              `json:"state"`
	Reason         string              `json:"reason,omitempty"`
	Member         interfaces.MemberID `json:"member"`
	Epoch          uint64              `json:"epoch"`
	PadID          string              `json:"pad_id,omitempty"`
	Stage          string              `json:"stage,omitempty"`
	RemainingBytes uint64              `json:"remaining_bytes"`
	TotalBytes     uint64              `json:"total_bytes"`
	RatchetNeeded  bool                `json:"ratchet_needed"`
	Watchdog       string              `json:"watchdog,omitempty"`
	Peers          []PeerStatus        `json:"peers,omitempty"`
}

// Status assembles the node's current view.
func (n *Node) Status() Status {
	n.mu.Lock()
	st := Status{
		State:  n.state.String(),
		Reason: n.reason,
		Member: n.self,
		Epoch:  uint64(n.epoch),
	}
	engine := n.engine
	wd := n.wd
	run := n.run
	inCeremony := n.state == StateBootstrapping || n.state == StateConsensusPending
	peers := make([]*peerState, 0, len(n.peers))
	for _, ps := range n.peers {
		peers = append(peers, ps)
	}
	n.mu.Unlock()

	if engine != nil {
		st.PadID = engine.ID().String()
		st.RemainingBytes = engine.RemainingBytes()
		st.TotalBytes = engine.TotalBytes()
		st.RatchetNeeded = engine.RatchetRequired()
	}
	if wd != nil {
		st.Watchdog = wd.State().String()
	}
	if inCeremony && run != nil {
		st.Stage = run.orch.Session().Stage().String()
	}
	for _, ps := range peers {
		ps.mu.Lock()
		st.Peers = append(st.Peers, PeerStatus{
			Member:         ps.member,
			Epoch:          uint64(ps.epoch),
			LastHeard:      ps.lastHeard,
			RemainingBytes: ps.remaining,
			RatchetNeeded:  ps.ratchet,
		})
		ps.mu.Unlock()
	}
	return st
}

// Close shuts the node down without destroying pad material: loops stop,
// links close, the watchdog stops and the manifest gets a final usage
// write. A closed node cannot be reused; recovery happens in a fresh one.
func (n *Node) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()

	n.cancel()

	n.mu.Lock()
	peers := n.peers
	n.peers = make(map[interfaces.MemberID]*peerState)
	wd := n.wd
	n.wd = nil
	pending := n.pendingWD
	n.pendingWD = nil
	engine := n.engine
	n.mu.Unlock()

	for _, ps := range peers {
		ps.ch.Close()
	}
	if wd != nil {
		wd.Stop()
	}
	if pending != nil {
		pending.Stop()
	}
	n.wg.Wait()

	if engine != nil && !engine.Destroyed() {
		n.persistUsage(engine)
	}

	n.mu.Lock()
	if n.state != StateLockdown {
		n.setStateLocked(StateOffline, "node closed")
	}
	n.mu.Unlock()
	n.log.Info("Node closed")
	return nil
}

// --- runtime loops ---

// runLoop drives periodic traffic and reacts to engine and watchdog
// signals. Channels are re-resolved every iteration so epoch swaps take
// effect without restarting the loop.
func (n *Node) runLoop() {
	ticker := n.clk.Ticker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		ratchetC, notifyC := n.watchChannels()
		select {
		case <-n.baseCtx.Done():
			return
		case <-ticker.C:
			n.tick()
		case <-ratchetC:
			n.onRatchetSignal()
		case tr := <-notifyC:
			n.onWatchdogTransition(tr)
		}
	}
}

func (n *Node) watchChannels() (<-chan struct{}, <-chan watchdog.Transition) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var ratchetC <-chan struct{}
	if n.engine != nil && n.ratchetKickEpoch != n.engine.Epoch() {
		ratchetC = n.engine.RatchetC()
	}
	var notifyC <-chan watchdog.Transition
	if n.wd != nil {
		notifyC = n.wd.Notifications()
	}
	return ratchetC, notifyC
}

// tick sends one heartbeat and one sync frame to every peer.
func (n *Node) tick() {
	n.mu.Lock()
	engine := n.engine
	epoch := n.epoch
	active := n.state == StateActive || n.state == StateConsensusPending
	n.mu.Unlock()
	if engine == nil || !active {
		return
	}

	hb := heartbeatPayload{
		Member:  uint8(n.self),
		Epoch:   uint64(epoch),
		Counter: n.seq.Load(),
	}
	sp := syncPayload{
		Member:         uint8(n.self),
		Epoch:          uint64(epoch),
		RemainingBytes: engine.RemainingBytes(),
		TotalBytes:     engine.TotalBytes(),
		RatchetNeeded:  engine.RatchetRequired(),
	}
	for _, ps := range n.peerSnapshot() {
		ctx, cancel := context.WithTimeout(n.baseCtx, sendTimeout)
		hbErr := n.sendFrame(ctx, ps, transport.MessageHeartbeat, hb)
		syncErr := n.sendFrame(ctx, ps, transport.MessageSync, sp)
		cancel()
		if hbErr != nil || syncErr != nil {
			n.log.Debug("Peer unreachable during tick",
				slog.String("peer", ps.member.String()))
		}
	}
}

func (n *Node) onWatchdogTransition(tr watchdog.Transition) {
	n.log.Warn("Watchdog transition",
		slog.String("from", tr.From.String()),
		slog.String("to", tr.To.String()),
		slog.String("reason", tr.Reason))
	switch tr.To {
	case watchdog.Destroying, watchdog.Destroyed:
		// The watchdog has already run the burns; only the node state
		// is left to flip.
		n.lockdown(fmt.Sprintf("watchdog destruction: %s", tr.Reason))
	}
}

// readLoop services one peer channel until it closes.
func (n *Node) readLoop(ps *peerState) {
	defer func() {
		n.mu.Lock()
		if n.peers[ps.member] == ps {
			delete(n.peers, ps.member)
		}
		n.mu.Unlock()
	}()

	for {
		raw, err := ps.ch.Recv(n.baseCtx)
		if err != nil {
			n.log.Debug("Peer channel closed",
				slog.String("peer", ps.member.String()), "err", err)
			return
		}
		frame, err := transport.DecodeFrame(raw)
		if err != nil {
			n.log.Debug("Discarding unframed message",
				slog.String("peer", ps.member.String()), "err", err)
			continue
		}
		if frame.Sender != ps.member {
			n.log.Warn("Frame sender does not match channel owner",
				slog.String("peer", ps.member.String()),
				slog.String("claimed", frame.Sender.String()))
			continue
		}
		if !ps.admitSeq(frame.Seq) {
			continue
		}

		switch frame.Type {
		case transport.MessageHeartbeat:
			n.onHeartbeat(ps, frame.Payload)
		case transport.MessageSync:
			n.onSync(ps, frame.Payload)
		case transport.MessageChat:
			n.onChat(ps, frame.Payload)
		case transport.MessageControl:
			n.onControl(ps, frame.Payload)
		default:
			// Bootstrap frames belong to ceremony channels; anything
			// else is a version we do not speak.
		}
	}
}

func (n *Node) onHeartbeat(ps *peerState, payload []byte) {
	var hb heartbeatPayload
	if err := json.Unmarshal(payload, &hb); err != nil {
		n.log.Debug("Malformed heartbeat", slog.String("peer", ps.member.String()), "err", err)
		return
	}

	ps.mu.Lock()
	ps.lastHeard = n.clk.Now()
	ps.epoch = interfaces.Epoch(hb.Epoch)
	ps.mu.Unlock()

	n.mu.Lock()
	wd := n.wd
	n.mu.Unlock()
	if wd != nil {
		wd.Heartbeat(ps.member)
	}
}

func (n *Node) onSync(ps *peerState, payload []byte) {
	var sp syncPayload
	if err := json.Unmarshal(payload, &sp); err != nil {
		n.log.Debug("Malformed sync", slog.String("peer", ps.member.String()), "err", err)
		return
	}

	ps.mu.Lock()
	ps.epoch = interfaces.Epoch(sp.Epoch)
	ps.remaining = sp.RemainingBytes
	ps.ratchet = sp.RatchetNeeded
	ps.mu.Unlock()

	if epoch := n.currentEpoch(); epoch != 0 && interfaces.Epoch(sp.Epoch) != epoch {
		n.log.Warn("Peer reports a divergent epoch",
			slog.String("peer", ps.member.String()),
			slog.Uint64("peer_epoch", sp.Epoch),
			slog.Uint64("epoch", uint64(epoch)))
	}
}

func (n *Node) onChat(ps *peerState, payload []byte) {
	var cp chatPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		n.log.Debug("Malformed chat frame", slog.String("peer", ps.member.String()), "err", err)
		return
	}

	plaintext, err := n.VerifyAndDecrypt(n.baseCtx, cp.Envelope)
	if err != nil {
		n.log.Warn("Rejected chat message",
			slog.String("peer", ps.member.String()),
			slog.Uint64("block", uint64(cp.Envelope.Block)), "err", err)
		return
	}

	select {
	case n.msgC <- Message{From: ps.member, Plaintext: plaintext}:
	default:
		n.log.Warn("Message queue full, dropping",
			slog.String("peer", ps.member.String()))
	}
}

func (n *Node) onControl(ps *peerState, payload []byte) {
	var cp controlPayload
	if err := json.Unmarshal(payload, &cp); err != nil {
		n.log.Debug("Malformed control frame", slog.String("peer", ps.member.String()), "err", err)
		return
	}
	n.log.Info("Control signal received",
		slog.String("peer", ps.member.String()),
		slog.String("op", cp.Op))

	switch cp.Op {
	case opRatchet:
		if n.transition(StateActive, StateConsensusPending, fmt.Sprintf("ratchet requested by member %s", ps.member)) {
			n.goTracked(func() {
				if err := n.runRatchet(); err != nil {
					n.log.Error("Peer-initiated ratchet failed", "err", err)
				}
			})
		}
	case opBurn:
		n.destroy(fmt.Sprintf("burn signal from member %s", ps.member))
	case opAbsence:
		member := interfaces.MemberID(cp.Member)
		n.mu.Lock()
		wd := n.wd
		n.mu.Unlock()
		if wd != nil && member.Valid() {
			wd.ReportAbsence(member)
		}
	default:
		n.log.Warn("Unknown control operation", slog.String("op", cp.Op))
	}
}

// --- helpers ---

func (n *Node) sendFrame(ctx context.Context, ps *peerState, typ transport.MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s frame: %w", typ, err)
	}
	frame := transport.Frame{
		Type:    typ,
		Sender:  n.self,
		Seq:     n.seq.Inc(),
		Payload: payload,
	}
	return ps.ch.Send(ctx, frame.Encode())
}

// broadcastControl sends a control frame to every peer, best effort.
func (n *Node) broadcastControl(ctx context.Context, cp controlPayload) {
	for _, ps := range n.peerSnapshot() {
		if err := n.sendFrame(ctx, ps, transport.MessageControl, cp); err != nil {
			n.log.Warn("Control send failed",
				slog.String("peer", ps.member.String()),
				slog.String("op", cp.Op), "err", err)
		}
	}
}

func (n *Node) peerSnapshot() []*peerState {
	n.mu.Lock()
	defer n.mu.Unlock()
	peers := make([]*peerState, 0, len(n.peers))
	for _, ps := range n.peers {
		peers = append(peers, ps)
	}
	return peers
}

func (n *Node) currentEngine() *pad.Engine {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.engine
}

func (n *Node) currentEpoch() interfaces.Epoch {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.epoch
}

// activeEngine gates pad operations on node state.
func (n *Node) activeEngine() (*pad.Engine, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case StateLockdown:
		return nil, fmt.Errorf("%w: %s", interfaces.ErrSecurityLockdown, n.reason)
	case StateActive, StateConsensusPending:
	default:
		return nil, fmt.Errorf("%w: no pad in state %s", interfaces.ErrInvalidState, n.state)
	}
	if n.engine == nil {
		return nil, fmt.Errorf("%w: no pad installed", interfaces.ErrInvalidState)
	}
	return n.engine, nil
}

// persistUsage records the engine's consumption watermark in the manifest.
// Writes are serialized and forward-only per epoch, so a racing older write
// can never rewind what a newer one persisted.
func (n *Node) persistUsage(engine *pad.Engine) {
	used := engine.ExportUsage()

	n.manifestMu.Lock()
	defer n.manifestMu.Unlock()

	n.mu.Lock()
	m, ok := n.manifestLocked(engine, used)
	epoch := n.epoch
	n.mu.Unlock()
	if !ok {
		return
	}
	if n.manifestEpoch == epoch && n.manifestUsed >= used {
		return
	}

	if err := WriteManifest(n.cfg.ManifestPath, m); err != nil {
		n.log.Error("Manifest write failed",
			slog.String("path", n.cfg.ManifestPath), "err", err)
		return
	}
	n.manifestEpoch = epoch
	n.manifestUsed = used
}

func (n *Node) manifestLocked(engine *pad.Engine, used uint64) (Manifest, bool) {
	if n.engine == nil || n.engine != engine {
		return Manifest{}, false
	}
	members := make([]int, 0, len(n.members))
	for _, m := range n.members {
		members = append(members, int(m))
	}
	return Manifest{
		PadID:     n.padID.String(),
		Epoch:     uint64(n.epoch),
		N:         n.group.N,
		T:         n.group.T,
		PadBytes:  n.engine.TotalBytes(),
		Members:   members,
		UsedBytes: used,
	}, true
}

// goTracked runs fn on a goroutine covered by Close's wait, unless the node
// is already closing.
func (n *Node) goTracked(fn func()) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.wg.Add(1)
	n.mu.Unlock()

	go func() {
		defer n.wg.Done()
		fn()
	}()
	return true
}
