// Package mpc implements the threshold sharing layer for pad material:
// Shamir secret sharing over GF(2^8) with member-bound evaluation points.
//
// Member i always holds the evaluation at x=i, so a share is meaningful only
// together with its index and shares from different members never collide.
// Reconstruction takes any threshold-sized subset with distinct indices and
// interpolates the constant term; fewer distinct shares is a terminal
// failure that yields nothing at all.
//
// Because evaluation points are fixed per member, shares are homomorphic:
// FoldShares adds one member's shares of several independent secrets into
// that member's share of their XOR. Pad assembly leans on this so no party
// ever sees another member's raw extractor output, only shares of it.
//
// Refresh rotates a share set to the next epoch without changing the secret,
// and Extend derives the share for a new member index from a threshold of
// existing ones. Every share carries a keyed integrity tag binding value,
// index, and epoch; VerifyShareTag must pass before a share enters any of
// these operations.
package mpc
