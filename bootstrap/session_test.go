package bootstrap

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func TestStageStrings(t *testing.T) {
	seen := make(map[string]bool)
	for stage := StageIdle; stage <= StageComplete; stage++ {
		name := stage.String()
		assert.NotContains(t, name, "stage-", "stage %d should have a name", int(stage))
		assert.False(t, seen[name], "stage name %q should be unique", name)
		seen[name] = true
	}
	assert.Equal(t, "stage-99", Stage(99).String())
}

func TestStageTimeouts(t *testing.T) {
	assert.Equal(t, 60*time.Second, StageDiscovery.Timeout())
	assert.Equal(t, 120*time.Second, StageEntropyCollection.Timeout(), "collection gets the largest budget")
	assert.Equal(t, 60*time.Second, StageRatchetKeyDerivation.Timeout(), "the slow KDF needs headroom")
	assert.Equal(t, 5*time.Second, StagePersistence.Timeout())
	assert.Zero(t, StageIdle.Timeout())
	assert.Zero(t, StageComplete.Timeout())
}

func TestAbortErrorMatching(t *testing.T) {
	cause := errors.New("no quorum")
	err := error(&AbortError{Stage: StageConsistencyCheck, Cause: cause})

	assert.ErrorIs(t, err, interfaces.ErrBootstrapAborted)
	assert.ErrorIs(t, err, cause, "the stage failure should stay matchable")
	assert.Contains(t, err.Error(), "consistency-check")

	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	assert.Equal(t, StageConsistencyCheck, abort.Stage)
}

func TestSessionAuditTrail(t *testing.T) {
	clk := clock.NewMock()
	s := newSession(1, interfaces.GroupParams{N: 3, T: 2, PadBytes: 4096}, 1, clk)
	assert.Equal(t, StageIdle, s.Stage())

	s.advance(StageDiscovery)
	clk.Add(time.Second)
	s.note("resolved %d peers", 2)

	assert.Equal(t, StageDiscovery, s.Stage())
	audit := s.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, StageDiscovery, audit[0].Stage)
	assert.Equal(t, "entered", audit[0].Note)
	assert.Equal(t, "resolved 2 peers", audit[1].Note)
	assert.True(t, audit[1].At.After(audit[0].At))

	audit[0].Note = "mutated"
	assert.Equal(t, "entered", s.Audit()[0].Note, "the returned trail should be a copy")
}

func TestSessionIDAdoption(t *testing.T) {
	s := newSession(2, interfaces.GroupParams{N: 3, T: 2, PadBytes: 4096}, 1, clock.NewMock())
	proposal := s.ID()
	assert.NotEqual(t, uuid.UUID{}, proposal, "every session starts with a local proposal")

	agreed := uuid.Must(uuid.NewRandom())
	s.setID(agreed)
	assert.Equal(t, agreed, s.ID())
}
