package entropy

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAggregatorCombinesByXOR(t *testing.T) {
	a := NewBufferedSource("a", 2.0)
	a.Add([]byte{0x0F, 0xF0, 0xAA, 0x00})
	b := NewBufferedSource("b", 2.0)
	b.Add([]byte{0xFF, 0xFF, 0x55, 0x12})

	agg, err := NewAggregator(testLogger(), a, b)
	require.NoError(t, err)

	dest := []byte{0xDE, 0xAD, 0xBE, 0xEF}
	require.NoError(t, agg.Fill(dest))
	assert.Equal(t, []byte{0xF0, 0x0F, 0xFF, 0x12}, dest,
		"output must be the XOR of the contributions, independent of prior buffer contents")
}

func TestAggregatorSkipsFailedSource(t *testing.T) {
	good := NewBufferedSource("good", 2.0)
	good.Add([]byte{0x01, 0x02, 0x03})
	empty := NewBufferedSource("empty", 2.0)

	agg, err := NewAggregator(testLogger(), empty, good)
	require.NoError(t, err)

	dest := make([]byte, 3)
	require.NoError(t, agg.Fill(dest), "one working source is enough")
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, dest)
}

func TestAggregatorFailsWhenAllSourcesFail(t *testing.T) {
	agg, err := NewAggregator(testLogger(), NewBufferedSource("a", 2.0), NewBufferedSource("b", 2.0))
	require.NoError(t, err)

	dest := make([]byte, 8)
	err = agg.Fill(dest)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrSourceExhausted))
}

func TestAggregatorEstimateIsBestSource(t *testing.T) {
	agg, err := NewAggregator(testLogger(),
		NewBufferedSource("weak", 1.5),
		NewBufferedSource("strong", 6.0),
		NewBufferedSource("mid", 3.0))
	require.NoError(t, err)
	assert.Equal(t, 6.0, agg.EntropyEstimate())
}

func TestAggregatorRequiresSources(t *testing.T) {
	_, err := NewAggregator(testLogger())
	assert.Error(t, err)
}
