package mpc

import (
	"fmt"
	"io"
	"sort"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/gf256"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// splitChunk bounds how many secret positions worth of polynomial
// coefficients are drawn from the randomness source in a single read, so
// sharing a large secret does not issue one read per byte.
const splitChunk = 4096

// Split shares secret among params.N members so that any params.T shares
// reconstruct it and fewer reveal nothing. Each secret byte becomes the
// constant term of a fresh degree T-1 polynomial over GF(2^8); the share for
// member i is the polynomial evaluated at x=i. Shares are tagged under
// tagKey before they leave this function.
func Split(secret []byte, params interfaces.GroupParams, epoch interfaces.Epoch, tagKey []byte, random io.Reader) ([]Share, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if len(secret) == 0 {
		return nil, fmt.Errorf("%w: empty secret", interfaces.ErrInvalidShare)
	}

	n := int(params.N)
	t := int(params.T)

	shares := make([]Share, n)
	for i := range shares {
		shares[i] = Share{
			Index: interfaces.MemberID(i + 1),
			Epoch: epoch,
			Value: make([]byte, len(secret)),
		}
	}

	coeffs := make([]byte, (t-1)*splitChunk)
	defer cryptoutils.WipeBytes(coeffs)
	poly := make([]byte, t)
	defer cryptoutils.WipeBytes(poly)

	for off := 0; off < len(secret); off += splitChunk {
		chunk := len(secret) - off
		if chunk > splitChunk {
			chunk = splitChunk
		}
		if _, err := io.ReadFull(random, coeffs[:(t-1)*chunk]); err != nil {
			return nil, fmt.Errorf("sampling share polynomials: %w", err)
		}

		for pos := 0; pos < chunk; pos++ {
			poly[0] = secret[off+pos]
			copy(poly[1:], coeffs[pos*(t-1):(pos+1)*(t-1)])
			for i := range shares {
				shares[i].Value[off+pos] = gf256.PolyEval(poly, byte(shares[i].Index))
			}
		}
	}

	for i := range shares {
		if err := TagShare(tagKey, &shares[i]); err != nil {
			return nil, err
		}
	}
	return shares, nil
}

// Reconstruct recovers the secret from at least threshold shares carrying
// distinct member indices. Extra shares beyond the threshold are ignored;
// too few distinct shares is a terminal ErrInsufficientShares, never a
// partial result.
func Reconstruct(shares []Share, threshold uint8) ([]byte, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: threshold %d", interfaces.ErrInvalidThreshold, threshold)
	}
	use, err := checkShareSet(shares)
	if err != nil {
		return nil, err
	}
	if len(use) < int(threshold) {
		return nil, fmt.Errorf("%w: have %d distinct shares, need %d",
			interfaces.ErrInsufficientShares, len(use), threshold)
	}
	use = use[:threshold]

	weights := lagrangeWeights(use, 0)
	secret := make([]byte, len(use[0].Value))
	for pos := range secret {
		var acc byte
		for i := range use {
			acc = gf256.Add(acc, gf256.Mul(weights[i], use[i].Value[pos]))
		}
		secret[pos] = acc
	}
	return secret, nil
}

// Refresh rotates a share set to the next epoch without changing the secret:
// every position gets a fresh zero-constant-term polynomial added, so old
// and new shares do not combine and any stash of fewer-than-threshold old
// shares becomes useless. All passed shares must be refreshed together.
func Refresh(shares []Share, threshold uint8, tagKey []byte, random io.Reader) ([]Share, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: threshold %d", interfaces.ErrInvalidThreshold, threshold)
	}
	in, err := checkShareSet(shares)
	if err != nil {
		return nil, err
	}
	t := int(threshold)

	out := make([]Share, len(in))
	for i := range in {
		out[i] = Share{
			Index: in[i].Index,
			Epoch: in[i].Epoch + 1,
			Value: make([]byte, len(in[i].Value)),
		}
	}

	coeffs := make([]byte, (t-1)*splitChunk)
	defer cryptoutils.WipeBytes(coeffs)
	poly := make([]byte, t)
	defer cryptoutils.WipeBytes(poly)

	size := len(in[0].Value)
	for off := 0; off < size; off += splitChunk {
		chunk := size - off
		if chunk > splitChunk {
			chunk = splitChunk
		}
		if _, err := io.ReadFull(random, coeffs[:(t-1)*chunk]); err != nil {
			return nil, fmt.Errorf("sampling refresh polynomials: %w", err)
		}

		for pos := 0; pos < chunk; pos++ {
			poly[0] = 0
			copy(poly[1:], coeffs[pos*(t-1):(pos+1)*(t-1)])
			for i := range out {
				delta := gf256.PolyEval(poly, byte(out[i].Index))
				out[i].Value[off+pos] = gf256.Add(in[i].Value[off+pos], delta)
			}
		}
	}

	for i := range out {
		if err := TagShare(tagKey, &out[i]); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Extend derives the share for a new member index from threshold existing
// shares, admitting a member without ever reconstructing the secret in one
// place. The new index must not collide with an existing one.
func Extend(shares []Share, threshold uint8, newIndex interfaces.MemberID, tagKey []byte) (Share, error) {
	if threshold < 2 {
		return Share{}, fmt.Errorf("%w: threshold %d", interfaces.ErrInvalidThreshold, threshold)
	}
	if !newIndex.Valid() {
		return Share{}, fmt.Errorf("%w: new index 0", interfaces.ErrInvalidShare)
	}
	use, err := checkShareSet(shares)
	if err != nil {
		return Share{}, err
	}
	if len(use) < int(threshold) {
		return Share{}, fmt.Errorf("%w: have %d distinct shares, need %d",
			interfaces.ErrInsufficientShares, len(use), threshold)
	}
	use = use[:threshold]
	for _, s := range use {
		if s.Index == newIndex {
			return Share{}, fmt.Errorf("%w: index %d already held", interfaces.ErrInvalidShare, newIndex)
		}
	}

	weights := lagrangeWeights(use, byte(newIndex))
	out := Share{
		Index: newIndex,
		Epoch: use[0].Epoch,
		Value: make([]byte, len(use[0].Value)),
	}
	for pos := range out.Value {
		var acc byte
		for i := range use {
			acc = gf256.Add(acc, gf256.Mul(weights[i], use[i].Value[pos]))
		}
		out.Value[pos] = acc
	}

	if err := TagShare(tagKey, &out); err != nil {
		return Share{}, err
	}
	return out, nil
}

// checkShareSet validates index, epoch, and length consistency and returns
// the shares sorted by index.
func checkShareSet(shares []Share) ([]Share, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("%w: no shares given", interfaces.ErrInsufficientShares)
	}
	seen := make(map[interfaces.MemberID]struct{}, len(shares))
	for _, s := range shares {
		if !s.Index.Valid() {
			return nil, fmt.Errorf("%w: index 0", interfaces.ErrInvalidShare)
		}
		if _, dup := seen[s.Index]; dup {
			return nil, fmt.Errorf("%w: duplicate index %d", interfaces.ErrInvalidShare, s.Index)
		}
		seen[s.Index] = struct{}{}
		if s.Epoch != shares[0].Epoch {
			return nil, fmt.Errorf("%w: mixed epochs %d and %d",
				interfaces.ErrInvalidShare, shares[0].Epoch, s.Epoch)
		}
		if len(s.Value) != len(shares[0].Value) {
			return nil, fmt.Errorf("%w: mixed lengths %d and %d",
				interfaces.ErrInvalidShare, len(shares[0].Value), len(s.Value))
		}
	}

	sorted := append([]Share(nil), shares...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })
	return sorted, nil
}

// lagrangeWeights computes the basis polynomial values L_i(at) for the given
// share set. Distinct nonzero indices guarantee every denominator is
// nonzero.
func lagrangeWeights(use []Share, at byte) []byte {
	weights := make([]byte, len(use))
	for i := range use {
		num, den := byte(1), byte(1)
		xi := byte(use[i].Index)
		for j := range use {
			if j == i {
				continue
			}
			xj := byte(use[j].Index)
			num = gf256.Mul(num, gf256.Add(at, xj))
			den = gf256.Mul(den, gf256.Add(xi, xj))
		}
		weights[i] = gf256.Div(num, den)
	}
	return weights
}
