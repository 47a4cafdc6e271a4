package entropy

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCaptureSourcesAreUnsupported(t *testing.T) {
	dest := make([]byte, 16)
	assert.ErrorIs(t, AudioSource{}.Fill(dest), errors.ErrUnsupported)
	assert.ErrorIs(t, VideoSource{}.Fill(dest), errors.ErrUnsupported)
	assert.Zero(t, AudioSource{}.EntropyEstimate(), "an unimplemented source must not claim entropy")
	assert.Zero(t, VideoSource{}.EntropyEstimate(), "an unimplemented source must not claim entropy")
}

func TestCaptureSourcesDropOutOfAggregate(t *testing.T) {
	working := NewBufferedSource("working", 2.0)
	working.Add([]byte{0x11, 0x22, 0x33})

	agg, err := NewAggregator(testLogger(), AudioSource{}, VideoSource{}, working)
	require.NoError(t, err)

	dest := make([]byte, 3)
	require.NoError(t, agg.Fill(dest), "unsupported capture stubs must not poison the batch")
	assert.Equal(t, []byte{0x11, 0x22, 0x33}, dest)
}
