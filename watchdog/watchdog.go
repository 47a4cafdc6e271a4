package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Default enforcement windows. A member silent for the absence window makes
// the group suspicious; silence through the grace period on top of it is
// treated as seizure and destroys local pad material.
const (
	DefaultAbsenceWindow = 48 * time.Hour
	DefaultGracePeriod   = 12 * time.Hour
	DefaultPollInterval  = time.Minute
)

// State is the watchdog's enforcement state. Destroyed is terminal; there
// is no path back from Destroying either.
type State int

const (
	Healthy State = iota
	Suspicious
	Destroying
	Destroyed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Suspicious:
		return "suspicious"
	case Destroying:
		return "destroying"
	case Destroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Transition records one state change for observers.
type Transition struct {
	From   State
	To     State
	Reason string
	At     time.Time
}

type namedCheck struct {
	name string
	fn   func(ctx context.Context) error
}

type namedBurn struct {
	name string
	fn   func(ctx context.Context) error
}

// Config assembles a Watchdog.
type Config struct {
	Log   *slog.Logger
	Clock clock.Clock

	// Members lists the peers whose liveness is enforced, self excluded.
	Members []interfaces.MemberID

	AbsenceWindow time.Duration
	GracePeriod   time.Duration
	PollInterval  time.Duration
}

// Watchdog enforces the group's liveness rules: every peer must stay in
// contact, and prolonged silence destroys local pad material before anyone
// can be coerced into handing it over. It runs a background polling loop on
// an injected clock and can be torn down only explicitly; destruction
// itself cannot be cancelled.
type Watchdog struct {
	log           *slog.Logger
	clk           clock.Clock
	absenceWindow time.Duration
	gracePeriod   time.Duration
	pollInterval  time.Duration

	mu       sync.Mutex
	state    State
	reason   string
	lastSeen map[interfaces.MemberID]time.Time
	flagged  map[interfaces.MemberID]bool
	checks   []namedCheck
	burns    []namedBurn
	started  bool

	notifyC chan Transition
	stopC   chan struct{}
	wg      sync.WaitGroup
}

// New creates a watchdog tracking the given members. Every member starts
// with a fresh contact timestamp so tracking begins at construction, not at
// some zero time in the past.
func New(cfg Config) *Watchdog {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	absence := cfg.AbsenceWindow
	if absence <= 0 {
		absence = DefaultAbsenceWindow
	}
	grace := cfg.GracePeriod
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	now := clk.Now()
	lastSeen := make(map[interfaces.MemberID]time.Time, len(cfg.Members))
	for _, member := range cfg.Members {
		lastSeen[member] = now
	}

	return &Watchdog{
		log:           log,
		clk:           clk,
		absenceWindow: absence,
		gracePeriod:   grace,
		pollInterval:  poll,
		lastSeen:      lastSeen,
		flagged:       make(map[interfaces.MemberID]bool),
		notifyC:       make(chan Transition, 16),
		stopC:         make(chan struct{}),
	}
}

// RegisterCheck adds a health check run on every poll. A failing check
// makes the watchdog suspicious; recovery clears it.
func (w *Watchdog) RegisterCheck(name string, check func(ctx context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.checks = append(w.checks, namedCheck{name: name, fn: check})
}

// RegisterBurn adds a destruction callback. Burns run in registration order
// when the watchdog enters Destroying; errors are logged and the remaining
// burns still run.
func (w *Watchdog) RegisterBurn(name string, burn func(ctx context.Context) error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.burns = append(w.burns, namedBurn{name: name, fn: burn})
}

// Notifications delivers state transitions. The channel is buffered and
// drops when nobody listens; the authoritative state is State().
func (w *Watchdog) Notifications() <-chan Transition {
	return w.notifyC
}

// State returns the current enforcement state.
func (w *Watchdog) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Reason returns what pushed the watchdog out of Healthy, empty when
// healthy.
func (w *Watchdog) Reason() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reason
}

// Heartbeat records contact with a member. Heartbeats from members already
// reported absent are ignored: a seized device can keep transmitting, the
// report is what the group trusts.
func (w *Watchdog) Heartbeat(member interfaces.MemberID) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.state == Destroying || w.state == Destroyed {
		return
	}
	if w.flagged[member] {
		return
	}
	if _, tracked := w.lastSeen[member]; !tracked {
		return
	}
	w.lastSeen[member] = w.clk.Now()
}

// ReportAbsence marks a member absent. Their contact clock freezes where it
// is and further heartbeats from them stop counting, so the absence window
// keeps running down regardless of what the device transmits.
func (w *Watchdog) ReportAbsence(member interfaces.MemberID) {
	w.mu.Lock()
	if _, tracked := w.lastSeen[member]; !tracked {
		w.mu.Unlock()
		return
	}
	w.flagged[member] = true
	w.log.Warn("member reported absent", "member", member)
	w.mu.Unlock()

	w.evaluate(context.Background())
}

// Destruct forces destruction immediately, from any state.
func (w *Watchdog) Destruct(ctx context.Context, reason string) {
	w.destroy(ctx, reason)
}

// Start launches the polling loop.
func (w *Watchdog) Start() {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return
	}
	w.started = true
	w.mu.Unlock()

	w.wg.Add(1)
	go w.loop()
}

// Stop tears the polling loop down. It does not destroy anything; explicit
// teardown is the only way to stop enforcement.
func (w *Watchdog) Stop() {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return
	}
	w.started = false
	w.mu.Unlock()

	close(w.stopC)
	w.wg.Wait()
}

func (w *Watchdog) loop() {
	defer w.wg.Done()

	ticker := w.clk.Ticker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.evaluate(context.Background())
		case <-w.stopC:
			return
		}
	}
}

// evaluate runs one enforcement pass: member staleness first, then the
// registered health checks.
func (w *Watchdog) evaluate(ctx context.Context) {
	w.mu.Lock()
	if w.state == Destroying || w.state == Destroyed {
		w.mu.Unlock()
		return
	}

	now := w.clk.Now()
	var worstMember interfaces.MemberID
	var worst time.Duration
	for member, seen := range w.lastSeen {
		if staleness := now.Sub(seen); staleness > worst {
			worst = staleness
			worstMember = member
		}
	}
	checks := make([]namedCheck, len(w.checks))
	copy(checks, w.checks)
	w.mu.Unlock()

	if worst >= w.absenceWindow+w.gracePeriod {
		w.destroy(ctx, fmt.Sprintf("member %d absent for %v, grace period expired", worstMember, worst))
		return
	}
	if worst >= w.absenceWindow {
		w.setSuspicious(fmt.Sprintf("member %d absent for %v", worstMember, worst))
		return
	}

	for _, check := range checks {
		if err := check.fn(ctx); err != nil {
			w.setSuspicious(fmt.Sprintf("health check %s failed: %v", check.name, err))
			return
		}
	}

	w.setHealthy()
}

func (w *Watchdog) setSuspicious(reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Healthy && w.state != Suspicious {
		return
	}
	w.transitionLocked(Suspicious, reason)
}

func (w *Watchdog) setHealthy() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.state != Suspicious {
		return
	}
	w.transitionLocked(Healthy, "")
}

// destroy moves to Destroying, runs every burn callback, and settles in
// Destroyed. Destruction is not cancellable and runs at most once.
func (w *Watchdog) destroy(ctx context.Context, reason string) {
	w.mu.Lock()
	if w.state == Destroying || w.state == Destroyed {
		w.mu.Unlock()
		return
	}
	w.transitionLocked(Destroying, reason)
	burns := make([]namedBurn, len(w.burns))
	copy(burns, w.burns)
	w.mu.Unlock()

	for _, burn := range burns {
		if err := burn.fn(ctx); err != nil {
			w.log.Error("burn callback failed", "burn", burn.name, "err", err)
			continue
		}
		w.log.Info("burn callback completed", "burn", burn.name)
	}

	w.mu.Lock()
	w.transitionLocked(Destroyed, reason)
	w.mu.Unlock()
}

// transitionLocked applies a state change and notifies observers. Callers
// hold the mutex and have validated the transition.
func (w *Watchdog) transitionLocked(to State, reason string) {
	if w.state == to {
		return
	}
	from := w.state
	w.state = to
	w.reason = reason

	w.log.Warn("watchdog state change",
		"from", from.String(), "to", to.String(), "reason", reason)

	select {
	case w.notifyC <- Transition{From: from, To: to, Reason: reason, At: w.clk.Now()}:
	default:
	}
}
