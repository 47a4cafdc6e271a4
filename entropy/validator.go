package entropy

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

const (
	// MinEntropyThreshold is the acceptance bound, in min-entropy bits
	// per byte, applied to the battery's aggregate.
	MinEntropyThreshold = 0.8

	// extractorSlackBits is the Leftover Hash Lemma slack: 2 * 80 bits
	// keeps the extracted output within 2^-80 statistical distance of
	// uniform.
	extractorSlackBits = 160

	// perMemberBits reserves input entropy for per-peer tag and seed
	// material on top of the pad itself.
	perMemberBits = 64

	// spectralPrefixBits bounds the DFT to a fixed prefix so validation
	// stays linear in the batch size.
	spectralPrefixBits = 2048

	// confidenceZ is the one-sided 99% normal quantile used to widen
	// observed proportions before taking logs.
	confidenceZ = 2.576
)

// Report is the validator's verdict over one collection batch.
type Report struct {
	// Estimates holds each estimator's min-entropy lower bound in bits
	// per byte.
	Estimates map[string]float64

	// PerSource holds a most-common-value estimate for each individual
	// sample, for diagnostics.
	PerSource map[string]float64

	// Aggregate is the minimum across estimators. Any single failing
	// test dominates.
	Aggregate float64

	// TotalBytes is the batch size; Required is the minimum the group
	// parameters demand.
	TotalBytes int
	Required   int

	// Pass is true when Aggregate >= MinEntropyThreshold and
	// TotalBytes >= Required.
	Pass bool
}

// RequiredBytes returns the minimum raw batch size for a pad of padBytes
// shared among groupSize members, assuming sources at the acceptance
// threshold: the pad bits plus extractor slack plus per-member material,
// divided by 0.8 bits per byte.
func RequiredBytes(padBytes uint64, groupSize uint8) int {
	entropyBits := 8*padBytes + extractorSlackBits + perMemberBits*uint64(groupSize)
	return int((entropyBits*5 + 3) / 4)
}

// Validate runs the estimator battery over a collection batch. The returned
// report is always populated; the error is non-nil exactly when the batch is
// rejected, wrapping ErrEntropyInsufficient.
func Validate(samples []Sample, required int) (*Report, error) {
	var total int
	for _, s := range samples {
		total += len(s.Data)
	}
	data := make([]byte, 0, total)
	perSource := make(map[string]float64, len(samples))
	for _, s := range samples {
		data = append(data, s.Data...)
		perSource[s.Source] = mostCommonValueEstimate(s.Data)
	}

	report := &Report{
		Estimates:  EstimateAll(data),
		PerSource:  perSource,
		TotalBytes: total,
		Required:   required,
	}

	report.Aggregate = math.Inf(1)
	for _, est := range report.Estimates {
		if est < report.Aggregate {
			report.Aggregate = est
		}
	}
	if math.IsInf(report.Aggregate, 1) {
		report.Aggregate = 0
	}

	report.Pass = report.Aggregate >= MinEntropyThreshold && total >= required
	if !report.Pass {
		return report, fmt.Errorf("%w: aggregate %.3f bits/byte (threshold %.1f), %d bytes collected (%d required)",
			interfaces.ErrEntropyInsufficient, report.Aggregate, MinEntropyThreshold, total, required)
	}
	return report, nil
}

// EstimateAll runs every estimator and returns the per-estimator bounds in
// bits per byte.
func EstimateAll(data []byte) map[string]float64 {
	return map[string]float64{
		"monobit":           monobitEstimate(data),
		"runs":              runsEstimate(data),
		"most-common-value": mostCommonValueEstimate(data),
		"collision":         collisionEstimate(data),
		"markov":            markovEstimate(data),
		"spectral":          spectralEstimate(data),
	}
}

// EstimateMinEntropy returns the battery minimum for a raw buffer.
func EstimateMinEntropy(data []byte) float64 {
	min := math.Inf(1)
	for _, est := range EstimateAll(data) {
		if est < min {
			min = est
		}
	}
	if math.IsInf(min, 1) {
		return 0
	}
	return min
}

// monobitEstimate bounds per-bit predictability from the global ones
// fraction, scaled to bits per byte under an independent-bit model.
func monobitEstimate(data []byte) float64 {
	nBits := len(data) * 8
	if nBits == 0 {
		return 0
	}
	var ones int
	for _, b := range data {
		ones += bits.OnesCount8(b)
	}

	f := float64(ones) / float64(nBits)
	p := math.Max(f, 1-f)
	p += confidenceZ * math.Sqrt(p*(1-p)/float64(nBits))
	if p >= 1 {
		return 0
	}
	return clampPerByte(8 * -math.Log2(p))
}

// runsEstimate compares the observed count of bit runs against the
// Wald-Wolfowitz expectation. The z score is mapped onto the 0..8 scale so
// a failed gate drags the battery minimum down.
func runsEstimate(data []byte) float64 {
	nBits := len(data) * 8
	if nBits < 2 {
		return 0
	}

	var ones, runs int
	var prev uint8
	for i, b := range data {
		for j := 0; j < 8; j++ {
			bit := (b >> uint(j)) & 1
			ones += int(bit)
			if i == 0 && j == 0 {
				runs = 1
			} else if bit != prev {
				runs++
			}
			prev = bit
		}
	}

	n := float64(nBits)
	n1 := float64(ones)
	n0 := n - n1
	if n1 == 0 || n0 == 0 {
		return 0
	}

	expected := 1 + 2*n1*n0/n
	variance := 2 * n1 * n0 * (2*n1*n0 - n) / (n * n * (n - 1))
	if variance <= 0 {
		return 0
	}
	z := math.Abs(float64(runs)-expected) / math.Sqrt(variance)
	return clampPerByte(8 * (1 - z/10))
}

// mostCommonValueEstimate is the SP 800-90B MCV bound over byte values: the
// upper confidence bound of the modal probability, negated through log2.
func mostCommonValueEstimate(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}
	maxCount := 0
	for _, c := range counts {
		if c > maxCount {
			maxCount = c
		}
	}

	n := float64(len(data))
	p := float64(maxCount) / n
	p += confidenceZ * math.Sqrt(p*(1-p)/n)
	if p >= 1 {
		return 0
	}
	return clampPerByte(-math.Log2(p))
}

// collisionEstimate derives a bound from the empirical collision
// probability. Halving the Renyi 2-entropy calibrates the bound for
// unimodal bias and stays conservative elsewhere.
func collisionEstimate(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var counts [256]int
	for _, b := range data {
		counts[b]++
	}

	n := float64(len(data))
	var sumSq float64
	for _, c := range counts {
		p := float64(c) / n
		sumSq += p * p
	}
	if sumSq >= 1 {
		return 0
	}
	return clampPerByte(-math.Log2(sumSq) / 2)
}

// markovEstimate bounds the worst single-step bit predictability from the
// first-order transition counts, scaled to bits per byte.
func markovEstimate(data []byte) float64 {
	nBits := len(data) * 8
	if nBits < 2 {
		return 0
	}

	var trans [2][2]float64
	var prev uint8
	first := true
	for _, b := range data {
		for j := 0; j < 8; j++ {
			bit := (b >> uint(j)) & 1
			if !first {
				trans[prev][bit]++
			}
			first = false
			prev = bit
		}
	}

	pMax := 0.0
	for s := 0; s < 2; s++ {
		totalFromState := trans[s][0] + trans[s][1]
		if totalFromState == 0 {
			return 0
		}
		p := math.Max(trans[s][0], trans[s][1]) / totalFromState
		p += confidenceZ * math.Sqrt(p*(1-p)/totalFromState)
		if p > pMax {
			pMax = p
		}
	}
	if pMax >= 1 {
		return 0
	}
	return clampPerByte(8 * -math.Log2(pMax))
}

// spectralEstimate runs the NIST discrete Fourier transform check over a
// fixed bit prefix, catching broad-band periodic structure the value-based
// estimators miss. The deviation score maps onto the 0..8 scale.
func spectralEstimate(data []byte) float64 {
	nBits := len(data) * 8
	if nBits < 128 {
		// Too little signal for spectral analysis; the batch length
		// check and the other estimators govern tiny inputs.
		return 8
	}
	m := spectralPrefixBits
	if nBits < m {
		m = nBits
	}

	x := make([]float64, m)
	for i := 0; i < m; i++ {
		bit := (data[i/8] >> uint(i%8)) & 1
		x[i] = 2*float64(bit) - 1
	}

	threshold := math.Sqrt(math.Log(1/0.05) * float64(m))
	half := m / 2
	below := 0
	for k := 0; k < half; k++ {
		var re, im float64
		omega := 2 * math.Pi * float64(k) / float64(m)
		for j := 0; j < m; j++ {
			angle := omega * float64(j)
			re += x[j] * math.Cos(angle)
			im += x[j] * math.Sin(angle)
		}
		if math.Hypot(re, im) < threshold {
			below++
		}
	}

	expected := 0.95 * float64(half)
	d := (float64(below) - expected) / math.Sqrt(float64(m)*0.95*0.05/4)
	return clampPerByte(8 * (1 - math.Abs(d)/20))
}

func clampPerByte(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 8 {
		return 8
	}
	return v
}
