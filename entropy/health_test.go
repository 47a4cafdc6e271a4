package entropy

import (
	"bytes"
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func TestHealthRepetitionCountTrips(t *testing.T) {
	h := NewHealthTester()
	err := h.ObserveAll(bytes.Repeat([]byte{0xAB}, rctCutoff))
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrHealthTest))
}

func TestHealthRepetitionCountBoundary(t *testing.T) {
	h := NewHealthTester()
	require.NoError(t, h.ObserveAll(bytes.Repeat([]byte{0xAB}, rctCutoff-1)),
		"a run one below the cutoff must pass")

	err := h.Observe(0xAB)
	require.Error(t, err, "the cutoff-th identical sample must trip")
	assert.True(t, errors.Is(err, interfaces.ErrHealthTest))
}

func TestHealthRepetitionCountSpansCalls(t *testing.T) {
	h := NewHealthTester()
	require.NoError(t, h.ObserveAll(bytes.Repeat([]byte{0x42}, 5)))
	err := h.ObserveAll(bytes.Repeat([]byte{0x42}, 5))
	require.Error(t, err, "runs must be tracked across ObserveAll calls")
}

func TestHealthAdaptiveProportionTrips(t *testing.T) {
	// The pivot recurs at every even offset but never twice in a row, so
	// only the proportion test can catch it.
	data := make([]byte, aptWindow)
	filler := byte(0)
	for i := range data {
		if i%2 == 0 {
			data[i] = 0xAA
		} else {
			filler++
			if filler == 0xAA {
				filler++
			}
			data[i] = filler
		}
	}

	h := NewHealthTester()
	err := h.ObserveAll(data)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrHealthTest))
	assert.Contains(t, err.Error(), "adaptive proportion")
}

func TestHealthPassesOnRandomData(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	data := make([]byte, 4096)
	_, err := r.Read(data)
	require.NoError(t, err)

	h := NewHealthTester()
	assert.NoError(t, h.ObserveAll(data))
}
