package bootstrap

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/atomic"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/sync/errgroup"

	"github.com/ruteri/masterpad-provisioning-backend/attest"
	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/entropy"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
	"github.com/ruteri/masterpad-provisioning-backend/mpc"
	"github.com/ruteri/masterpad-provisioning-backend/pad"
	"github.com/ruteri/masterpad-provisioning-backend/padstore"
	"github.com/ruteri/masterpad-provisioning-backend/transport"
)

// entropyAttempts is the collection retry budget: a rejected batch is
// recollected at most this many times before the session aborts.
const entropyAttempts = 3

// rollbackTimeout bounds the cleanup I/O after an abort. Rollback runs on
// its own context because the stage context is usually already dead.
const rollbackTimeout = 10 * time.Second

// Ratchet seed derivation runs scrypt with the sealing cost parameters, so
// replaying the derivation for many candidate epochs stays expensive.
const (
	ratchetScryptN = 1 << 15
	ratchetScryptR = 8
	ratchetScryptP = 1
)

// Domain separators for the session's derived values.
var (
	helloDomain       = []byte("masterpad/v1 hello transcript")
	tagKeyDomain      = []byte("masterpad/v1 group tag key")
	padIDDomain       = []byte("masterpad/v1 pad id")
	consensusDomain   = []byte("masterpad/v1 consensus")
	extractSeedDomain = []byte("masterpad/v1 extract seed")
	ratchetDomain     = []byte("masterpad/v1 ratchet seed")
	sealPassDomain    = []byte("masterpad/v1 seal passphrase")
)

// Config wires an orchestrator. Identity, Params, Discovery, Dialer,
// Listener, Collector, Blocks and ShareStore are required.
type Config struct {
	Log    *slog.Logger
	Clock  clock.Clock
	Random io.Reader

	// Identity is this device's credential set. Its member index places
	// the device in the group.
	Identity *Identity

	// Params is the local view of the group parameters. Negotiation
	// verifies every member configured the same values.
	Params interfaces.GroupParams

	// Epoch numbers the pad under construction, starting at 1. Ratchet
	// bootstraps pass the predecessor's epoch plus one.
	Epoch interfaces.Epoch

	Discovery *Discovery
	Dialer    interfaces.Dialer
	Listener  interfaces.Listener

	Collector *entropy.Collector

	// ExtractorSeed keys the Toeplitz extractor. Empty derives a seed
	// from the device secret; ratchet bootstraps pass the previous
	// epoch's ratchet seed.
	ExtractorSeed []byte

	// Blocks is the local block store receiving every member's combined
	// share records.
	Blocks *padstore.BlockStore

	// ShareStore receives this member's sealed backup share.
	ShareStore interfaces.ShareStore

	// SealPassphrase overrides the device-derived passphrase for the
	// sealed backup share.
	SealPassphrase []byte

	// MaxRTT bounds the pairwise attestation round trip. Zero selects
	// attest.DefaultMaxRTT.
	MaxRTT time.Duration

	// StageTimeouts overrides individual stage deadlines.
	StageTimeouts map[Stage]time.Duration

	// ActivateWatchdog runs during watchdog activation with the
	// completed result. Nil skips the hook.
	ActivateWatchdog func(context.Context, *Result) error
}

// Result is the outcome of a completed bootstrap: everything the protocol
// layer needs to assemble a pad engine and its attestation machinery.
type Result struct {
	Session *Session

	PadID    interfaces.PadID
	Epoch    interfaces.Epoch
	Params   interfaces.GroupParams
	Blocks   uint64
	PadBytes uint64

	// Members lists the full group, self included.
	Members []interfaces.MemberID

	// TagKey is the group's share tag key for this epoch.
	TagKey []byte

	// RatchetSeed keys the next epoch's extraction. Hold it as closely
	// as the pad itself.
	RatchetSeed []byte

	// Consensus is the threshold-attested state digest.
	Consensus interfaces.StateDigest

	// PublicKeys holds every member's identity key, self included.
	PublicKeys map[interfaces.MemberID]*ecdsa.PublicKey

	// Links are the attested peer channels, still open after a completed
	// session. The caller owns them from here; Run closes them only on
	// failure.
	Links map[interfaces.MemberID]interfaces.Channel
}

// Orchestrator drives one bootstrap session through the stage pipeline. A
// session runs once; retry means a fresh orchestrator.
type Orchestrator struct {
	log *slog.Logger
	clk clock.Clock
	rnd io.Reader
	cfg Config

	self    interfaces.MemberID
	epoch   interfaces.Epoch
	session *Session
	started atomic.Bool

	confirmOnce sync.Once
	confirmC    chan struct{}

	peers   []interfaces.PeerAddress
	links   map[interfaces.MemberID]*peerLink
	pubKeys map[interfaces.MemberID]*ecdsa.PublicKey

	blocks   uint64
	padBytes uint64
	tagKey   []byte
	padID    interfaces.PadID

	samples []entropy.Sample
	secret  []byte
	shares  []mpc.Share
	salt    []byte

	commits     map[interfaces.MemberID]commitPayload
	commitsDig  [32]byte
	combined    mpc.Share
	combinedDig [32]byte
	consensus   interfaces.StateDigest
	ratchetSeed []byte
}

// New validates the configuration and prepares a session in StageIdle.
func New(cfg Config) (*Orchestrator, error) {
	if cfg.Identity == nil {
		return nil, errors.New("bootstrap requires an identity")
	}
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if uint8(cfg.Identity.Member) > cfg.Params.N {
		return nil, fmt.Errorf("%w: member %s outside group of %d",
			interfaces.ErrInvalidThreshold, cfg.Identity.Member, cfg.Params.N)
	}
	if cfg.Epoch == 0 {
		return nil, fmt.Errorf("%w: epoch numbering starts at 1", interfaces.ErrInvalidState)
	}
	if cfg.Discovery == nil || cfg.Dialer == nil || cfg.Listener == nil {
		return nil, errors.New("bootstrap requires discovery, dialer and listener")
	}
	if cfg.Collector == nil {
		return nil, errors.New("bootstrap requires an entropy collector")
	}
	if cfg.Blocks == nil || cfg.ShareStore == nil {
		return nil, errors.New("bootstrap requires a block store and a share store")
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

	o := &Orchestrator{
		log:      cfg.Log,
		clk:      cfg.Clock,
		rnd:      cfg.Random,
		cfg:      cfg,
		self:     cfg.Identity.Member,
		epoch:    cfg.Epoch,
		session:  newSession(cfg.Identity.Member, cfg.Params, cfg.Epoch, cfg.Clock),
		confirmC: make(chan struct{}),
		links:    make(map[interfaces.MemberID]*peerLink),
		pubKeys:  make(map[interfaces.MemberID]*ecdsa.PublicKey),
		commits:  make(map[interfaces.MemberID]commitPayload),
	}
	return o, nil
}

// Session exposes the run's observable state.
func (o *Orchestrator) Session() *Session {
	return o.session
}

// ConfirmPersistence releases the persistence gate. The pipeline will not
// advance past StagePersistence until this is called; the caller confirms
// after its own verification of the stored share. Idempotent.
func (o *Orchestrator) ConfirmPersistence() {
	o.confirmOnce.Do(func() { close(o.confirmC) })
}

// Run executes the pipeline. On any stage failure the session's local
// state is rolled back to the pre-session snapshot and an AbortError for
// the failing stage is returned; no partial pad is ever observable.
func (o *Orchestrator) Run(ctx context.Context) (res *Result, err error) {
	if !o.started.CompareAndSwap(false, true) {
		return nil, fmt.Errorf("%w: session already run", interfaces.ErrInvalidState)
	}
	defer func() { o.teardown(err) }()

	o.log.Info("Bootstrap session starting",
		slog.String("session", o.session.ID().String()),
		slog.String("member", o.self.String()),
		slog.Uint64("epoch", uint64(o.epoch)),
		slog.Int("n", int(o.cfg.Params.N)),
		slog.Int("t", int(o.cfg.Params.T)))

	stages := []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageDiscovery, o.stageDiscovery},
		{StageConnectionEstablishment, o.stageConnect},
		{StageParameterNegotiation, o.stageNegotiate},
	}
	for _, st := range stages {
		if err := o.runStage(ctx, st.stage, st.fn); err != nil {
			return nil, o.abort(st.stage, err)
		}
	}

	if err := o.runEntropy(ctx); err != nil {
		return nil, err
	}

	stages = []struct {
		stage Stage
		fn    func(context.Context) error
	}{
		{StageExtraction, o.stageExtract},
		{StageCommitmentExchange, o.stageCommitExchange},
		{StageCommitmentVerification, o.stageCommitVerify},
		{StageShareDistribution, o.stageShareDistribute},
		{StageShareVerification, o.stageShareVerify},
		{StageConsistencyCheck, o.stageConsistency},
		{StageRatchetKeyDerivation, o.stageRatchet},
		{StagePersistence, o.stagePersist},
		{StageWatchdogActivation, o.stageWatchdog},
	}
	for _, st := range stages {
		if err := o.runStage(ctx, st.stage, st.fn); err != nil {
			return nil, o.abort(st.stage, err)
		}
	}

	o.session.advance(StageComplete)
	o.log.Info("Bootstrap session complete",
		slog.String("session", o.session.ID().String()),
		slog.String("pad_id", o.padID.String()),
		slog.Uint64("blocks", o.blocks))
	return o.result(), nil
}

// runStage drives one stage under its deadline, recording the audit trail.
func (o *Orchestrator) runStage(ctx context.Context, stage Stage, fn func(context.Context) error) error {
	o.session.advance(stage)
	stageCtx, cancel := context.WithTimeout(ctx, o.timeout(stage))
	defer cancel()

	start := o.clk.Now()
	if err := fn(stageCtx); err != nil {
		o.session.note("failed: %v", err)
		return err
	}
	o.session.note("completed in %s", o.clk.Since(start).Round(time.Millisecond))
	return nil
}

func (o *Orchestrator) timeout(stage Stage) time.Duration {
	if d, ok := o.cfg.StageTimeouts[stage]; ok {
		return d
	}
	if d := stage.Timeout(); d > 0 {
		return d
	}
	return 5 * time.Second
}

// abort rolls the session back and wraps the cause.
func (o *Orchestrator) abort(stage Stage, cause error) error {
	o.log.Error("Bootstrap aborted",
		slog.String("session", o.session.ID().String()),
		slog.String("stage", stage.String()),
		"err", cause)
	o.rollback()
	return &AbortError{Stage: stage, Cause: cause}
}

// rollback restores the pre-session snapshot: all in-memory key material
// is wiped and every record the session wrote under its epoch is deleted.
func (o *Orchestrator) rollback() {
	o.wipeSamples()
	cryptoutils.WipeBytes(o.secret)
	o.secret = nil
	for i := range o.shares {
		o.shares[i].Wipe()
	}
	o.shares = nil
	o.combined.Wipe()
	cryptoutils.WipeBytes(o.tagKey)
	o.tagKey = nil
	cryptoutils.WipeBytes(o.ratchetSeed)
	o.ratchetSeed = nil

	ctx, cancel := context.WithTimeout(context.Background(), rollbackTimeout)
	defer cancel()
	if err := o.cfg.Blocks.DeleteEpoch(o.epoch); err != nil {
		o.log.Error("Rollback could not delete epoch share records",
			slog.Uint64("epoch", uint64(o.epoch)), "err", err)
	}
	if err := o.cfg.ShareStore.DeleteShare(ctx, o.self, o.epoch); err != nil {
		o.log.Error("Rollback could not delete sealed share",
			slog.Uint64("epoch", uint64(o.epoch)), "err", err)
	}

	o.log.Warn("Bootstrap session rolled back",
		slog.String("session", o.session.ID().String()),
		slog.Uint64("epoch", uint64(o.epoch)))
}

// teardown closes what the session owns. On success the peer channels stay
// open and pass to the caller; on failure everything closes so peers abort
// promptly too.
func (o *Orchestrator) teardown(err error) {
	if err != nil {
		for _, link := range o.links {
			link.ch.Close()
		}
	}
	if closeErr := o.cfg.Listener.Close(); closeErr != nil {
		o.log.Debug("Listener close failed", "err", closeErr)
	}
}

func (o *Orchestrator) wipeSamples() {
	for i := range o.samples {
		cryptoutils.WipeBytes(o.samples[i].Data)
	}
	o.samples = nil
}

func (o *Orchestrator) result() *Result {
	members := make([]interfaces.MemberID, 0, o.cfg.Params.N)
	for m := interfaces.MemberID(1); uint8(m) <= o.cfg.Params.N; m++ {
		members = append(members, m)
	}
	keys := make(map[interfaces.MemberID]*ecdsa.PublicKey, len(o.pubKeys)+1)
	for m, k := range o.pubKeys {
		keys[m] = k
	}
	keys[o.self] = o.cfg.Identity.PublicKey()

	links := make(map[interfaces.MemberID]interfaces.Channel, len(o.links))
	for m, l := range o.links {
		links[m] = l.ch
	}

	return &Result{
		Session:     o.session,
		PadID:       o.padID,
		Epoch:       o.epoch,
		Params:      o.cfg.Params,
		Blocks:      o.blocks,
		PadBytes:    o.padBytes,
		Members:     members,
		TagKey:      append([]byte(nil), o.tagKey...),
		RatchetSeed: o.ratchetSeed,
		Consensus:   o.consensus,
		PublicKeys:  keys,
		Links:       links,
	}
}

// broadcast sends one message to every peer.
func (o *Orchestrator) broadcast(ctx context.Context, kind string, v any) error {
	for _, link := range o.links {
		if err := link.send(ctx, o.self, kind, v); err != nil {
			return err
		}
	}
	return nil
}

// --- stage bodies ---

func (o *Orchestrator) stageDiscovery(ctx context.Context) error {
	peers, err := o.cfg.Discovery.Peers(ctx, o.self)
	if err != nil {
		return err
	}
	if len(peers) != int(o.cfg.Params.N)-1 {
		return fmt.Errorf("discovered %d peers, group of %d needs %d",
			len(peers), o.cfg.Params.N, o.cfg.Params.N-1)
	}
	for _, p := range peers {
		if !p.Member.Valid() || uint8(p.Member) > o.cfg.Params.N {
			return fmt.Errorf("peer index %s outside group of %d", p.Member, o.cfg.Params.N)
		}
	}

	o.peers = peers
	o.log.Debug("Peer set resolved", slog.Int("peers", len(peers)))
	return nil
}

// stageConnect builds the full mesh: each pair connects once, the lower
// index accepting and the higher dialing. Every channel is wrapped in a
// secure handshake, then hello and mutual pairwise attestation run over it.
func (o *Orchestrator) stageConnect(ctx context.Context) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)

	inbound := 0
	for _, p := range o.peers {
		if p.Member < o.self {
			inbound++
		}
	}

	g.Go(func() error {
		for i := 0; i < inbound; i++ {
			member, ch, err := o.cfg.Listener.Accept(gctx)
			if err != nil {
				return fmt.Errorf("accepting peer channel: %w", err)
			}
			if member >= o.self {
				ch.Close()
				return fmt.Errorf("%w: inbound dial from member %s", interfaces.ErrInvalidState, member)
			}
			g.Go(func() error {
				return o.establishLink(gctx, member, ch, false, &mu)
			})
		}
		return nil
	})

	for _, p := range o.peers {
		if p.Member < o.self {
			continue
		}
		g.Go(func() error {
			// The accepting side may still be opening its listener when the
			// dial goes out, so transient failures retry until the stage
			// deadline.
			var ch interfaces.Channel
			op := func() error {
				var err error
				ch, err = o.cfg.Dialer.Connect(gctx, p)
				return err
			}
			notify := func(err error, wait time.Duration) {
				o.log.Debug("Peer dial failed, retrying",
					slog.String("member", p.Member.String()),
					slog.Duration("backoff", wait),
					"err", err)
			}
			bo := backoff.NewExponentialBackOff()
			bo.InitialInterval = 50 * time.Millisecond
			if err := backoff.RetryNotify(op, backoff.WithContext(bo, gctx), notify); err != nil {
				return fmt.Errorf("dialing member %s: %w", p.Member, err)
			}
			return o.establishLink(gctx, p.Member, ch, true, &mu)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	if len(o.links) != len(o.peers) {
		return fmt.Errorf("established %d of %d peer channels", len(o.links), len(o.peers))
	}

	o.log.Info("Peer mesh established", slog.Int("channels", len(o.links)))
	return nil
}

// establishLink runs the secure handshake, the hello exchange and mutual
// pairwise attestation on one raw channel, then registers the link.
func (o *Orchestrator) establishLink(ctx context.Context, member interfaces.MemberID, raw interfaces.Channel, initiator bool, mu *sync.Mutex) error {
	var sc *transport.SecureChannel
	var err error
	if initiator {
		sc, err = transport.SecureInitiator(ctx, raw, o.rnd)
	} else {
		sc, err = transport.SecureResponder(ctx, raw, o.rnd)
	}
	if err != nil {
		raw.Close()
		return fmt.Errorf("channel handshake with member %s: %w", member, err)
	}

	link := newPeerLink(member, sc)
	fail := func(err error) error {
		sc.Close()
		return err
	}

	hello := helloPayload{
		Member:      uint8(o.self),
		Fingerprint: o.cfg.Identity.Fingerprint(),
		PubKey:      crypto.CompressPubkey(o.cfg.Identity.PublicKey()),
	}
	if err := link.send(ctx, o.self, kindHello, hello); err != nil {
		return fail(err)
	}
	var peerHello helloPayload
	if err := link.recv(ctx, kindHello, &peerHello); err != nil {
		return fail(err)
	}
	if interfaces.MemberID(peerHello.Member) != member {
		return fail(fmt.Errorf("%w: member %s introduced itself as %d",
			interfaces.ErrIntegrityFailure, member, peerHello.Member))
	}
	pub, err := crypto.DecompressPubkey(peerHello.PubKey)
	if err != nil {
		return fail(fmt.Errorf("%w: member %s identity key rejected: %v",
			interfaces.ErrIntegrityFailure, member, err))
	}
	if crypto.PubkeyToAddress(*pub).Hex() != peerHello.Fingerprint {
		return fail(fmt.Errorf("%w: member %s fingerprint does not match its key",
			interfaces.ErrIntegrityFailure, member))
	}

	// Mutual attestation, one session per direction.
	transcript := o.connectTranscript()
	out := attest.NewPairwiseSession(o.self, member, sc.AttestationKey(), o.clk, o.cfg.MaxRTT)
	in := attest.NewPairwiseSession(o.self, member, sc.AttestationKey(), o.clk, o.cfg.MaxRTT)

	challenge, err := out.Challenge(o.rnd)
	if err != nil {
		return fail(err)
	}
	if err := link.send(ctx, o.self, kindChallenge, challenge); err != nil {
		return fail(err)
	}
	var peerChallenge attest.Challenge
	if err := link.recv(ctx, kindChallenge, &peerChallenge); err != nil {
		return fail(err)
	}
	response, err := in.Respond(peerChallenge, transcript)
	if err != nil {
		return fail(err)
	}
	if err := link.send(ctx, o.self, kindResponse, response); err != nil {
		return fail(err)
	}
	var peerResponse attest.Response
	if err := link.recv(ctx, kindResponse, &peerResponse); err != nil {
		return fail(err)
	}
	if err := out.VerifyResponse(peerResponse, transcript); err != nil {
		return fail(fmt.Errorf("pairwise attestation of member %s: %w", member, err))
	}

	mu.Lock()
	o.links[member] = link
	o.pubKeys[member] = pub
	mu.Unlock()

	o.log.Debug("Peer channel attested",
		slog.String("peer", member.String()),
		slog.String("fingerprint", peerHello.Fingerprint))
	return nil
}

// connectTranscript binds connection-time attestation to the epoch being
// bootstrapped. Session parameters are checked separately during
// negotiation, where a mismatch reports precisely.
func (o *Orchestrator) connectTranscript() interfaces.StateDigest {
	var epoch [8]byte
	binary.LittleEndian.PutUint64(epoch[:], uint64(o.epoch))
	return interfaces.StateDigest(cryptoutils.Digest(helloDomain, epoch[:]))
}

func (o *Orchestrator) stageNegotiate(ctx context.Context) error {
	proposal := paramsPayload{
		Session:  o.session.ID(),
		N:        o.cfg.Params.N,
		T:        o.cfg.Params.T,
		PadBytes: o.cfg.Params.PadBytes,
		Epoch:    uint64(o.epoch),
	}
	if err := o.broadcast(ctx, kindParams, proposal); err != nil {
		return err
	}

	adopted := o.session.ID()
	leader := o.self
	for member, link := range o.links {
		var peer paramsPayload
		if err := link.recv(ctx, kindParams, &peer); err != nil {
			return err
		}
		if peer.N != proposal.N || peer.T != proposal.T ||
			peer.PadBytes != proposal.PadBytes || peer.Epoch != proposal.Epoch {
			return fmt.Errorf("parameter mismatch with member %s: n=%d t=%d pad=%d epoch=%d, local n=%d t=%d pad=%d epoch=%d",
				member, peer.N, peer.T, peer.PadBytes, peer.Epoch,
				proposal.N, proposal.T, proposal.PadBytes, proposal.Epoch)
		}
		if member < leader {
			leader = member
			adopted = peer.Session
		}
	}

	o.session.setID(adopted)
	o.deriveSessionValues()

	o.log.Info("Parameters negotiated",
		slog.String("session", adopted.String()),
		slog.String("pad_id", o.padID.String()),
		slog.Uint64("pad_bytes", o.padBytes),
		slog.Uint64("blocks", o.blocks))
	return nil
}

// deriveSessionValues computes the values every member derives identically
// once the session identifier is agreed: block geometry, the group tag key
// and the pad identifier.
func (o *Orchestrator) deriveSessionValues() {
	o.blocks = (o.cfg.Params.PadBytes + pad.BlockSize - 1) / pad.BlockSize
	o.padBytes = o.blocks * pad.BlockSize

	sid := o.session.ID()
	var epoch [8]byte
	binary.LittleEndian.PutUint64(epoch[:], uint64(o.epoch))

	tag := cryptoutils.Digest(tagKeyDomain, sid[:], epoch[:])
	o.tagKey = tag[:]

	id := cryptoutils.Digest(padIDDomain, sid[:], epoch[:])
	copy(o.padID[:], id[:len(o.padID)])
}

// runEntropy drives the collection and validation pair under the retry
// budget. Collection failures are final; only a rejected batch recollects.
func (o *Orchestrator) runEntropy(ctx context.Context) error {
	sources := len(o.cfg.Collector.Sources())
	required := entropy.RequiredBytes(o.padBytes, o.cfg.Params.N)
	perSource := (required + sources - 1) / sources

	for attempt := 1; attempt <= entropyAttempts; attempt++ {
		if err := o.runStage(ctx, StageEntropyCollection, func(c context.Context) error {
			samples, err := o.cfg.Collector.Collect(c, perSource)
			if err != nil {
				return err
			}
			o.wipeSamples()
			o.samples = samples
			return nil
		}); err != nil {
			return o.abort(StageEntropyCollection, err)
		}

		var report *entropy.Report
		err := o.runStage(ctx, StageEntropyValidation, func(c context.Context) error {
			r, err := entropy.Validate(o.samples, required)
			report = r
			return err
		})
		if err == nil {
			o.log.Info("Entropy batch accepted",
				slog.Int("attempt", attempt),
				slog.Int("bytes", report.TotalBytes),
				slog.Float64("aggregate", report.Aggregate))
			return nil
		}
		if !errors.Is(err, interfaces.ErrEntropyInsufficient) || attempt == entropyAttempts {
			return o.abort(StageEntropyValidation, err)
		}

		o.log.Warn("Entropy batch rejected, recollecting",
			slog.Int("attempt", attempt), "err", err)
		o.session.note("recollecting after rejected attempt %d", attempt)
	}
	return nil
}

func (o *Orchestrator) stageExtract(ctx context.Context) error {
	total := 0
	for _, s := range o.samples {
		total += len(s.Data)
	}
	input := make([]byte, 0, total)
	for _, s := range o.samples {
		input = append(input, s.Data...)
	}
	defer cryptoutils.WipeBytes(input)

	seed := o.cfg.ExtractorSeed
	if len(seed) == 0 {
		secret := o.cfg.Identity.Secret()
		derived := cryptoutils.Digest(extractSeedDomain, secret)
		cryptoutils.WipeBytes(secret)
		seed = derived[:]
	}

	outLen := int(o.padBytes)
	key, err := cryptoutils.ExpandToeplitzKey(seed, o.epoch, cryptoutils.ToeplitzKeyLen(len(input), outLen))
	if err != nil {
		return err
	}
	defer cryptoutils.WipeBytes(key)

	contribution, err := cryptoutils.ToeplitzExtract(input, key, outLen)
	if err != nil {
		return err
	}
	o.secret = contribution
	o.wipeSamples()

	o.log.Debug("Entropy contribution extracted",
		slog.Int("input_bytes", total), slog.Int("output_bytes", outLen))
	return nil
}

// stageCommitExchange splits the extracted contribution into shares and
// locks in commitments to all of them before any share leaves the device.
func (o *Orchestrator) stageCommitExchange(ctx context.Context) error {
	o.salt = make([]byte, 32)
	if _, err := io.ReadFull(o.rnd, o.salt); err != nil {
		return fmt.Errorf("drawing commitment salt: %w", err)
	}
	entropyCommit, err := cryptoutils.KeyedDigest(o.salt, o.secret)
	if err != nil {
		return err
	}

	shares, err := mpc.Split(o.secret, o.cfg.Params, o.epoch, o.tagKey, o.rnd)
	if err != nil {
		return err
	}
	o.shares = shares
	// The contribution now lives only in its shares.
	cryptoutils.WipeBytes(o.secret)
	o.secret = nil

	commit := commitPayload{
		Dealer:  uint8(o.self),
		Entropy: entropyCommit[:],
		Shares:  make([][]byte, len(shares)),
	}
	for i := range shares {
		d, err := cryptoutils.KeyedDigest(o.salt, []byte{byte(shares[i].Index)}, shares[i].Value)
		if err != nil {
			return err
		}
		commit.Shares[i] = d[:]
	}
	o.commits[o.self] = commit

	if err := o.broadcast(ctx, kindCommit, commit); err != nil {
		return err
	}
	for member, link := range o.links {
		var peer commitPayload
		if err := link.recv(ctx, kindCommit, &peer); err != nil {
			return err
		}
		if interfaces.MemberID(peer.Dealer) != member {
			return fmt.Errorf("%w: commitment from member %s claims dealer %d",
				interfaces.ErrIntegrityFailure, member, peer.Dealer)
		}
		if len(peer.Shares) != int(o.cfg.Params.N) {
			return fmt.Errorf("%w: member %s committed to %d shares, group is %d",
				interfaces.ErrIntegrityFailure, member, len(peer.Shares), o.cfg.Params.N)
		}
		for _, c := range append([][]byte{peer.Entropy}, peer.Shares...) {
			if len(c) != 32 {
				return fmt.Errorf("%w: member %s sent a %d byte commitment",
					interfaces.ErrIntegrityFailure, member, len(c))
			}
		}
		o.commits[member] = peer
	}
	return nil
}

// stageCommitVerify is the equivocation check: every member echoes a
// digest of the full commitment set, and all echoes must agree before any
// share material moves.
func (o *Orchestrator) stageCommitVerify(ctx context.Context) error {
	o.commitsDig = o.commitSetDigest()
	echo := commitEchoPayload{Member: uint8(o.self), Digest: o.commitsDig[:]}
	if err := o.broadcast(ctx, kindCommitEcho, echo); err != nil {
		return err
	}

	for member, link := range o.links {
		var peer commitEchoPayload
		if err := link.recv(ctx, kindCommitEcho, &peer); err != nil {
			return err
		}
		if !bytes.Equal(peer.Digest, o.commitsDig[:]) {
			return fmt.Errorf("%w: member %s saw a different commitment set",
				interfaces.ErrIntegrityFailure, member)
		}
	}

	o.log.Debug("Commitment set confirmed",
		slog.String("digest", fmt.Sprintf("%x", o.commitsDig[:8])))
	return nil
}

// commitSetDigest hashes every member's commitment message in index order.
// All segments are fixed width, so the encoding is unambiguous.
func (o *Orchestrator) commitSetDigest() [32]byte {
	var parts [][]byte
	for m := interfaces.MemberID(1); uint8(m) <= o.cfg.Params.N; m++ {
		commit := o.commits[m]
		parts = append(parts, []byte{byte(m)}, commit.Entropy)
		parts = append(parts, commit.Shares...)
	}
	return cryptoutils.Digest(parts...)
}

// stageShareDistribute runs the dealing round: the j-th share goes
// privately to member j, incoming deals are checked against their
// commitments and folded into this member's combined share on receipt.
func (o *Orchestrator) stageShareDistribute(ctx context.Context) error {
	acc := o.shares[o.self-1].Clone()
	var accMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for member, link := range o.links {
		g.Go(func() error {
			share := o.shares[member-1]
			return link.sendShare(gctx, o.self, kindDeal, &share, o.salt)
		})
		g.Go(func() error {
			share, salt, err := link.recvShare(gctx, kindDeal, o.epoch, o.padBytes)
			if err != nil {
				return err
			}
			defer share.Wipe()

			if share.Index != o.self {
				return fmt.Errorf("%w: deal from member %s carries index %s",
					interfaces.ErrInvalidShare, member, share.Index)
			}
			if err := o.verifyDeal(member, &share, salt); err != nil {
				return err
			}

			accMu.Lock()
			defer accMu.Unlock()
			folded, err := mpc.FoldShares(o.tagKey, acc, share)
			if err != nil {
				return err
			}
			acc.Wipe()
			acc = folded
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		acc.Wipe()
		return err
	}

	o.combined = acc
	for i := range o.shares {
		o.shares[i].Wipe()
	}
	o.shares = nil

	if err := o.cfg.Blocks.PutShare(o.epoch, o.self, o.combined.Value, pad.BlockSize); err != nil {
		return fmt.Errorf("storing combined share: %w", err)
	}

	o.log.Debug("Deals folded into combined share",
		slog.Int("deals", len(o.links)+1))
	return nil
}

// verifyDeal checks a received deal against the dealer's locked-in
// commitment and the group tag key.
func (o *Orchestrator) verifyDeal(dealer interfaces.MemberID, share *mpc.Share, salt []byte) error {
	if err := mpc.VerifyShareTag(o.tagKey, *share); err != nil {
		return fmt.Errorf("deal from member %s: %w", dealer, err)
	}
	if len(salt) != 32 {
		return fmt.Errorf("%w: member %s revealed a %d byte salt",
			interfaces.ErrIntegrityFailure, dealer, len(salt))
	}

	got, err := cryptoutils.KeyedDigest(salt, []byte{byte(o.self)}, share.Value)
	if err != nil {
		return err
	}
	want := o.commits[dealer].Shares[o.self-1]
	if !bytes.Equal(got[:], want) {
		return fmt.Errorf("%w: deal from member %s does not match its commitment",
			interfaces.ErrIntegrityFailure, dealer)
	}
	return nil
}

// stageShareVerify syncs combined records: every member broadcasts its
// folded share, verifies and stores every peer's, and reads the stored
// rows back, so each device ends the stage able to reconstruct on its own.
func (o *Orchestrator) stageShareVerify(ctx context.Context) error {
	digests := make(map[interfaces.MemberID][32]byte, o.cfg.Params.N)
	digests[o.self] = cryptoutils.Digest([]byte{byte(o.self)}, o.combined.Value)
	var digMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for member, link := range o.links {
		g.Go(func() error {
			return link.sendShare(gctx, o.self, kindCombined, &o.combined, nil)
		})
		g.Go(func() error {
			share, _, err := link.recvShare(gctx, kindCombined, o.epoch, o.padBytes)
			if err != nil {
				return err
			}
			defer share.Wipe()

			if share.Index != member {
				return fmt.Errorf("%w: combined record from member %s carries index %s",
					interfaces.ErrInvalidShare, member, share.Index)
			}
			if err := mpc.VerifyShareTag(o.tagKey, share); err != nil {
				return fmt.Errorf("combined record from member %s: %w", member, err)
			}
			if err := o.cfg.Blocks.PutShare(o.epoch, member, share.Value, pad.BlockSize); err != nil {
				return fmt.Errorf("storing combined record of member %s: %w", member, err)
			}

			d := cryptoutils.Digest([]byte{byte(member)}, share.Value)
			digMu.Lock()
			digests[member] = d
			digMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Readback across every member's first stored block.
	for m := interfaces.MemberID(1); uint8(m) <= o.cfg.Params.N; m++ {
		if _, err := o.cfg.Blocks.ShareBlock(o.epoch, m, 0); err != nil {
			return fmt.Errorf("stored share readback for member %s: %w", m, err)
		}
	}

	var parts [][]byte
	for m := interfaces.MemberID(1); uint8(m) <= o.cfg.Params.N; m++ {
		d := digests[m]
		parts = append(parts, []byte{byte(m)}, d[:])
	}
	o.combinedDig = cryptoutils.Digest(parts...)

	o.log.Debug("Combined share records stored",
		slog.Int("members", int(o.cfg.Params.N)))
	return nil
}

// stageConsistency runs the threshold attestation layer over the session's
// consensus digest. Valid signatures over a different digest are proof of
// a split group and fail hard, regardless of how many members agree.
func (o *Orchestrator) stageConsistency(ctx context.Context) error {
	sid := o.session.ID()
	var epoch, blocks [8]byte
	binary.LittleEndian.PutUint64(epoch[:], uint64(o.epoch))
	binary.LittleEndian.PutUint64(blocks[:], o.blocks)
	o.consensus = interfaces.StateDigest(cryptoutils.Digest(
		consensusDomain, sid[:], epoch[:], o.padID.Bytes(), blocks[:],
		o.commitsDig[:], o.combinedDig[:]))

	own, err := attest.SignDigest(o.cfg.Identity.Key, o.self, o.consensus)
	if err != nil {
		return err
	}
	if err := o.broadcast(ctx, kindConsensus, consensusPayload{Record: own}); err != nil {
		return err
	}

	records := []attest.SignedDigest{own}
	for member, link := range o.links {
		var peer consensusPayload
		if err := link.recv(ctx, kindConsensus, &peer); err != nil {
			return err
		}
		if peer.Record.Member != member {
			return fmt.Errorf("%w: consensus record from member %s claims member %s",
				interfaces.ErrIntegrityFailure, member, peer.Record.Member)
		}
		records = append(records, peer.Record)
	}

	keys := make(map[interfaces.MemberID]*ecdsa.PublicKey, len(o.pubKeys)+1)
	for m, k := range o.pubKeys {
		keys[m] = k
	}
	keys[o.self] = o.cfg.Identity.PublicKey()
	verifier, err := attest.NewThresholdVerifier(o.cfg.Params.T, keys)
	if err != nil {
		return err
	}
	agreed, err := verifier.Verify(records)
	if err != nil {
		return err
	}
	if !agreed.Equal(o.consensus) {
		return fmt.Errorf("%w: group agreed on a different digest", interfaces.ErrSplitConsensus)
	}

	o.log.Info("Consistency check passed",
		slog.String("digest", o.consensus.String()),
		slog.Int("records", len(records)))
	return nil
}

// stageRatchet derives the next epoch's extraction seed from the device
// secret through scrypt. The cost parameters make offline seed grinding as
// expensive as unsealing.
func (o *Orchestrator) stageRatchet(ctx context.Context) error {
	secret := o.cfg.Identity.Secret()
	defer cryptoutils.WipeBytes(secret)

	sid := o.session.ID()
	var next [8]byte
	binary.LittleEndian.PutUint64(next[:], uint64(o.epoch)+1)
	salt := cryptoutils.Digest(ratchetDomain, sid[:], next[:])

	seed, err := scrypt.Key(secret, salt[:], ratchetScryptN, ratchetScryptR, ratchetScryptP, 32)
	if err != nil {
		return fmt.Errorf("deriving ratchet seed: %w", err)
	}
	o.ratchetSeed = seed

	o.log.Debug("Ratchet seed derived", slog.Uint64("next_epoch", uint64(o.epoch)+1))
	return nil
}

// stagePersist seals the combined share, stores it, proves the stored copy
// opens back to the same bytes, and then holds at the confirmation gate.
func (o *Orchestrator) stagePersist(ctx context.Context) error {
	passphrase := o.cfg.SealPassphrase
	if len(passphrase) == 0 {
		derived := o.cfg.Identity.SealPassphrase(o.epoch)
		defer cryptoutils.WipeBytes(derived)
		passphrase = derived
	}

	sealed, err := cryptoutils.SealShare(o.combined.Value, passphrase, o.rnd)
	if err != nil {
		return err
	}
	if err := o.cfg.ShareStore.StoreShare(ctx, o.self, o.epoch, sealed); err != nil {
		return err
	}

	readback, err := o.cfg.ShareStore.LoadShare(ctx, o.self, o.epoch)
	if err != nil {
		return fmt.Errorf("sealed share readback: %w", err)
	}
	opened, err := cryptoutils.OpenShare(readback, passphrase)
	if err != nil {
		return fmt.Errorf("sealed share readback: %w", err)
	}
	match := bytes.Equal(opened, o.combined.Value)
	cryptoutils.WipeBytes(opened)
	if !match {
		return fmt.Errorf("%w: sealed share readback differs from the stored share",
			interfaces.ErrIntegrityFailure)
	}

	o.session.note("sealed share verified at %s", o.cfg.ShareStore.Name())
	o.log.Info("Sealed share persisted",
		slog.String("store", o.cfg.ShareStore.Name()),
		slog.Int("sealed_bytes", len(sealed)))

	select {
	case <-o.confirmC:
	case <-ctx.Done():
		return fmt.Errorf("persistence not confirmed: %w", ctx.Err())
	}
	o.session.note("persistence confirmed")

	// The combined share now lives in the block store and the sealed
	// backup; drop the working copy.
	o.combined.Wipe()
	return nil
}

// stageWatchdog arms the dead man's switch and waits for every peer to
// report the same, so nobody completes into a group that is not armed.
func (o *Orchestrator) stageWatchdog(ctx context.Context) error {
	if o.cfg.ActivateWatchdog != nil {
		if err := o.cfg.ActivateWatchdog(ctx, o.result()); err != nil {
			return fmt.Errorf("watchdog activation: %w", err)
		}
	}

	if err := o.broadcast(ctx, kindDone, donePayload{Member: uint8(o.self)}); err != nil {
		return err
	}
	for member, link := range o.links {
		var peer donePayload
		if err := link.recv(ctx, kindDone, &peer); err != nil {
			return err
		}
		if interfaces.MemberID(peer.Member) != member {
			return fmt.Errorf("%w: completion from member %s claims member %d",
				interfaces.ErrIntegrityFailure, member, peer.Member)
		}
	}
	return nil
}
