package entropy

import (
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// biasedBytes produces bytes whose most common value appears with
// probability p, the remainder spread uniformly, giving a known min-entropy
// of -log2(p) bits per byte.
func biasedBytes(r *rand.Rand, n int, p float64) []byte {
	out := make([]byte, n)
	for i := range out {
		if r.Float64() < p {
			out[i] = 0x00
		} else {
			out[i] = byte(1 + r.Intn(255))
		}
	}
	return out
}

func sampleOf(data []byte) []Sample {
	return []Sample{{Source: "synthetic", CollectedAt: time.Now(), Data: data}}
}

func TestValidateAcceptsSufficientEntropy(t *testing.T) {
	r := rand.New(rand.NewSource(42))

	for _, target := range []float64{1.0, 2.0, 4.0} {
		p := math.Exp2(-target)
		data := biasedBytes(r, 32768, p)

		report, err := Validate(sampleOf(data), 1024)
		require.NoError(t, err, "batch with %.1f bits/byte must be accepted", target)
		assert.True(t, report.Pass)
		assert.GreaterOrEqual(t, report.Aggregate, MinEntropyThreshold)
		assert.LessOrEqual(t, report.Aggregate, 8.0)
	}
}

func TestValidateRejectsInsufficientEntropy(t *testing.T) {
	r := rand.New(rand.NewSource(43))

	for _, target := range []float64{0.6, 0.3, 0.05} {
		p := math.Exp2(-target)
		data := biasedBytes(r, 32768, p)

		report, err := Validate(sampleOf(data), 1024)
		require.Error(t, err, "batch with %.2f bits/byte must be rejected", target)
		assert.True(t, errors.Is(err, interfaces.ErrEntropyInsufficient))
		assert.False(t, report.Pass)
		assert.Less(t, report.Aggregate, MinEntropyThreshold)
	}
}

func TestValidateRejectsConstantData(t *testing.T) {
	data := make([]byte, 8192)
	report, err := Validate(sampleOf(data), 1024)
	require.Error(t, err)
	assert.True(t, errors.Is(err, interfaces.ErrEntropyInsufficient))
	assert.Equal(t, 0.0, report.Aggregate, "constant data carries no entropy")
}

func TestValidateRejectsPeriodicData(t *testing.T) {
	// Alternating bits defeat value-frequency checks only if looked at
	// in isolation; the transition estimator must catch them.
	data := make([]byte, 8192)
	for i := range data {
		data[i] = 0x55
	}
	report, err := Validate(sampleOf(data), 1024)
	require.Error(t, err)
	assert.Less(t, report.Estimates["markov"], MinEntropyThreshold,
		"perfectly predictable transitions must fail the markov estimate")
	assert.False(t, report.Pass)
}

func TestValidateRejectsShortBatch(t *testing.T) {
	r := rand.New(rand.NewSource(44))
	data := biasedBytes(r, 2048, 0.05)

	report, err := Validate(sampleOf(data), 100000)
	require.Error(t, err, "high quality but short batch must still be rejected")
	assert.True(t, errors.Is(err, interfaces.ErrEntropyInsufficient))
	assert.GreaterOrEqual(t, report.Aggregate, MinEntropyThreshold,
		"rejection must be due to length, not quality")
}

func TestValidateAggregateIsMinimum(t *testing.T) {
	r := rand.New(rand.NewSource(45))
	data := biasedBytes(r, 32768, 0.5)

	report, err := Validate(sampleOf(data), 1024)
	require.NoError(t, err)

	min := math.Inf(1)
	for _, est := range report.Estimates {
		if est < min {
			min = est
		}
	}
	assert.Equal(t, min, report.Aggregate, "aggregate must be the battery minimum")
	assert.Len(t, report.Estimates, 6, "all six estimators must report")
}

func TestValidateMultipleSamples(t *testing.T) {
	r := rand.New(rand.NewSource(46))
	samples := []Sample{
		{Source: "a", Data: biasedBytes(r, 16384, 0.25)},
		{Source: "b", Data: biasedBytes(r, 16384, 0.25)},
	}

	report, err := Validate(samples, 1024)
	require.NoError(t, err)
	assert.Equal(t, 32768, report.TotalBytes)
	assert.Contains(t, report.PerSource, "a")
	assert.Contains(t, report.PerSource, "b")
}

func TestRequiredBytes(t *testing.T) {
	// 8 KiB pad for 10 members: (65536 + 160 + 640) bits / 0.8 bits per byte.
	got := RequiredBytes(8192, 10)
	assert.Equal(t, 82920, got)

	assert.Greater(t, RequiredBytes(8192, 20), got, "larger groups need more material")
	assert.Greater(t, RequiredBytes(16384, 10), got, "larger pads need more material")
}

func TestEstimateMinEntropyUniform(t *testing.T) {
	r := rand.New(rand.NewSource(47))
	data := make([]byte, 32768)
	_, err := r.Read(data)
	require.NoError(t, err)

	est := EstimateMinEntropy(data)
	assert.GreaterOrEqual(t, est, 2.0, "uniform data must score well above threshold")
}
