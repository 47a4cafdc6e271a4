package watchdog

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func testWatchdog(clk clock.Clock, members ...interfaces.MemberID) *Watchdog {
	return New(Config{
		Log:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:   clk,
		Members: members,
	})
}

func TestWatchdogStaysHealthyWithHeartbeats(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1, 2, 3)

	for i := 0; i < 4; i++ {
		clk.Add(24 * time.Hour)
		w.Heartbeat(1)
		w.Heartbeat(2)
		w.Heartbeat(3)
		w.evaluate(context.Background())
		require.Equal(t, Healthy, w.State(), "regular contact keeps the group healthy")
	}
}

func TestWatchdogAbsenceMakesSuspicious(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1, 2)

	clk.Add(47 * time.Hour)
	w.Heartbeat(1)
	clk.Add(time.Hour)
	w.evaluate(context.Background())

	assert.Equal(t, Suspicious, w.State(), "48 hours of silence is suspicious")
	assert.Contains(t, w.Reason(), "member 2", "the silent member is named")
}

func TestWatchdogRecoversFromSuspicious(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1)

	clk.Add(DefaultAbsenceWindow)
	w.evaluate(context.Background())
	require.Equal(t, Suspicious, w.State())

	w.Heartbeat(1)
	w.evaluate(context.Background())
	assert.Equal(t, Healthy, w.State(), "contact before the grace period expires recovers")
	assert.Empty(t, w.Reason())
}

func TestWatchdogGraceExpiryDestroys(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1, 2)

	var burned []string
	w.RegisterBurn("pad", func(ctx context.Context) error {
		burned = append(burned, "pad")
		return nil
	})
	w.RegisterBurn("shares", func(ctx context.Context) error {
		burned = append(burned, "shares")
		return nil
	})

	clk.Add(DefaultAbsenceWindow + DefaultGracePeriod)
	w.evaluate(context.Background())

	assert.Equal(t, Destroyed, w.State(), "grace expiry destroys and settles")
	assert.Equal(t, []string{"pad", "shares"}, burned, "burns run in registration order")

	// Nothing comes back from Destroyed.
	w.Heartbeat(1)
	w.evaluate(context.Background())
	assert.Equal(t, Destroyed, w.State())
}

func TestWatchdogReportedAbsenceIgnoresHeartbeats(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1, 2)

	w.ReportAbsence(2)

	// The seized device keeps transmitting; its clock must not reset.
	clk.Add(30 * time.Hour)
	w.Heartbeat(2)
	w.Heartbeat(1)
	clk.Add(31 * time.Hour)
	w.Heartbeat(1)
	w.evaluate(context.Background())

	assert.Equal(t, Destroyed, w.State(),
		"a reported-absent member destroys the pad no matter what its device sends")
}

func TestWatchdogHealthChecks(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1)

	var failing atomic.Bool
	failing.Store(true)
	w.RegisterCheck("transport", func(ctx context.Context) error {
		if failing.Load() {
			return errors.New("no route to peers")
		}
		return nil
	})

	w.evaluate(context.Background())
	assert.Equal(t, Suspicious, w.State(), "a failing health check is suspicious")
	assert.Contains(t, w.Reason(), "transport")

	failing.Store(false)
	w.evaluate(context.Background())
	assert.Equal(t, Healthy, w.State(), "check recovery clears the suspicion")
}

func TestWatchdogDestructImmediate(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1)

	var burns int
	w.RegisterBurn("pad", func(ctx context.Context) error {
		burns++
		return nil
	})

	w.Destruct(context.Background(), "operator panic switch")
	assert.Equal(t, Destroyed, w.State(), "destruct works from Healthy directly")
	assert.Equal(t, 1, burns)

	w.Destruct(context.Background(), "again")
	assert.Equal(t, 1, burns, "destruction runs at most once")
}

func TestWatchdogBurnErrorsDoNotStopDestruction(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1)

	var reached bool
	w.RegisterBurn("failing", func(ctx context.Context) error {
		return errors.New("disk error")
	})
	w.RegisterBurn("last", func(ctx context.Context) error {
		reached = true
		return nil
	})

	w.Destruct(context.Background(), "test")
	assert.Equal(t, Destroyed, w.State(), "destruction completes despite burn errors")
	assert.True(t, reached, "every burn is attempted")
}

func TestWatchdogNotifications(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1)

	clk.Add(DefaultAbsenceWindow)
	w.evaluate(context.Background())
	w.Destruct(context.Background(), "teardown test")

	var seen []State
	for len(w.Notifications()) > 0 {
		seen = append(seen, (<-w.Notifications()).To)
	}
	assert.Equal(t, []State{Suspicious, Destroying, Destroyed}, seen,
		"observers see every transition in order")
}

func TestWatchdogPollingLoop(t *testing.T) {
	clk := clock.NewMock()
	w := New(Config{
		Log:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		Clock:        clk,
		Members:      []interfaces.MemberID{1},
		PollInterval: time.Hour,
	})

	w.Start()
	defer w.Stop()

	clk.Add(DefaultAbsenceWindow + DefaultGracePeriod + time.Hour)
	require.Eventually(t, func() bool { return w.State() == Destroyed },
		2*time.Second, 10*time.Millisecond,
		"the background loop notices the expired grace period on its own")
}

func TestWatchdogUntrackedMember(t *testing.T) {
	clk := clock.NewMock()
	w := testWatchdog(clk, 1)

	w.Heartbeat(9)
	w.ReportAbsence(9)
	w.evaluate(context.Background())
	assert.Equal(t, Healthy, w.State(), "unknown members neither help nor hurt")
}
