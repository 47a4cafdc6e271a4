// Package cryptoutils provides the cryptographic primitives underneath the
// pad pipeline: the polynomial MAC keyed from pad blocks, the Toeplitz
// randomness extractor, share sealing for storage at rest, keyed digests,
// buffer zeroization and hardware attestation providers.
//
// # Pad MAC
//
// PadMACSum/PadMACVerify implement the 64-byte tag carried by every
// pad-encrypted message. The construction runs 64 independent Horner
// evaluations over GF(2^8), one per key byte, absorbing metadata then
// ciphertext in reverse byte order. Keys come from the MAC-key region of a
// pad block and are never reused, which is what the one-time security
// argument depends on.
//
// # Randomness Extraction
//
// ToeplitzExtract applies a Toeplitz universal hash over GF(2) to condense
// validated entropy into nearly uniform pad material. ExpandToeplitzKey
// stretches a 32-byte device seed into the required key bits with a keyed
// BLAKE3 XOF bound to the pad epoch.
//
// # Share Sealing
//
// SealShare/OpenShare protect share blobs at rest: scrypt passphrase
// stretching, independent BLAKE3 subkeys for encryption and authentication,
// and a [Salt 32][MAC 32][Ciphertext] blob layout. The MAC is verified in
// constant time before any decryption.
//
// # Attestation Providers
//
// AttestationProvider binds 64 bytes of report data into hardware evidence.
// DCAPAttestationProvider quotes through the local TDX device,
// RemoteAttestationProvider calls out to a quote service, and
// DummyAttestationProvider stands in where no hardware is available.
package cryptoutils
