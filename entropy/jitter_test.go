package entropy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterSourceFill(t *testing.T) {
	src, err := NewJitterSource()
	if errors.Is(err, errors.ErrUnsupported) {
		t.Skip("platform clock shows no jitter")
	}
	require.NoError(t, err)

	assert.Equal(t, "timing-jitter", src.Name())
	assert.Equal(t, 4.0, src.EntropyEstimate())

	dest := make([]byte, 64)
	require.NoError(t, src.Fill(dest))

	distinct := map[byte]struct{}{}
	for _, b := range dest {
		distinct[b] = struct{}{}
	}
	assert.Greater(t, len(distinct), 1, "a jittering clock must not produce a constant stream")
}

func TestSystemSourceFill(t *testing.T) {
	src := SystemSource{}
	assert.Equal(t, "system-rng", src.Name())
	assert.Equal(t, 8.0, src.EntropyEstimate())

	dest := make([]byte, 64)
	require.NoError(t, src.Fill(dest))

	h := NewHealthTester()
	assert.NoError(t, h.ObserveAll(dest), "system randomness must pass the continuous tests")
}

func TestBufferedSourceFIFO(t *testing.T) {
	s := NewBufferedSource("buf", 2.0)
	s.Add([]byte{1, 2, 3, 4})
	s.Add([]byte{5, 6})
	assert.Equal(t, 6, s.Buffered())

	dest := make([]byte, 3)
	require.NoError(t, s.Fill(dest))
	assert.Equal(t, []byte{1, 2, 3}, dest)

	require.NoError(t, s.Fill(dest))
	assert.Equal(t, []byte{4, 5, 6}, dest)
	assert.Equal(t, 0, s.Buffered())

	assert.Error(t, s.Fill(dest), "an empty buffer must refuse to fill")
}
