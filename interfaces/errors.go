package interfaces

import "errors"

// Error taxonomy shared across the pipeline. Components wrap these with
// context via fmt.Errorf("...: %w", err) so callers can branch on errors.Is
// while logs keep the full chain.
var (
	// ErrEntropyInsufficient is returned when the validator's aggregate
	// min-entropy estimate falls below the acceptance threshold or the
	// collected sample is too short for the requested pad. The
	// orchestrator retries collection within a bounded budget; the error
	// itself is never silently swallowed.
	ErrEntropyInsufficient = errors.New("entropy insufficient")

	// ErrInsufficientShares is returned when fewer than T valid shares
	// are available for reconstruction. Permanent: retrying with the
	// same share set cannot succeed.
	ErrInsufficientShares = errors.New("insufficient shares for reconstruction")

	// ErrIntegrityFailure is returned on any tag, digest or attestation
	// mismatch. Never retried; surfaces to the watchdog.
	ErrIntegrityFailure = errors.New("integrity check failed")

	// ErrBootstrapAborted is returned when a bootstrap session fails or
	// times out in any stage. The session rolls back; a fresh session
	// may be started.
	ErrBootstrapAborted = errors.New("bootstrap aborted")

	// ErrBlockReuse is returned when a pad block that has already been
	// consumed is presented for encryption or decryption again. Always
	// fatal for the operation.
	ErrBlockReuse = errors.New("pad block reuse")

	// ErrSplitConsensus is returned when valid attestation signatures
	// exist over conflicting state digests. Triggers destructive
	// lockdown.
	ErrSplitConsensus = errors.New("split consensus detected")

	// ErrQuorumNotReached is returned when fewer than T members present
	// a matching signed digest and no conflict was observed. Degraded,
	// not hostile: the caller may retry once more members respond.
	ErrQuorumNotReached = errors.New("attestation quorum not reached")

	// ErrPadExhausted is returned when the pad has no unconsumed
	// material left. Encryption is a hard stop; only a ratchet
	// (fresh bootstrap) recovers.
	ErrPadExhausted = errors.New("pad exhausted")

	// ErrPadDestroyed is returned by every pad operation once the
	// watchdog has entered Destroying. Terminal.
	ErrPadDestroyed = errors.New("pad destroyed")

	// ErrSecurityLockdown is returned when the access monitor trips a
	// rate or failure limit and the engine refuses further operations.
	ErrSecurityLockdown = errors.New("security lockdown")

	// ErrKeyTooShort is returned by the extractor when the key material
	// cannot cover input bits + output bits - 1.
	ErrKeyTooShort = errors.New("extractor key too short")

	// ErrSourceExhausted is returned by a bounded entropy source that
	// has no buffered material left.
	ErrSourceExhausted = errors.New("entropy source exhausted")

	// ErrHealthTest is returned when a continuous health test trips on a
	// source's output. The affected batch is discarded.
	ErrHealthTest = errors.New("entropy health test failed")

	// ErrInvalidThreshold is returned for parameter sets violating
	// 2 <= T <= N.
	ErrInvalidThreshold = errors.New("invalid threshold parameters")

	// ErrInvalidShare is returned for malformed shares: zero index,
	// empty value, or length mismatch within a set.
	ErrInvalidShare = errors.New("invalid share")

	// ErrInvalidState is returned for disallowed protocol state
	// transitions, including any attempt to leave Lockdown.
	ErrInvalidState = errors.New("invalid state transition")

	// ErrShareNotFound is returned by share stores when no sealed share
	// exists for the requested member and epoch. Reconstruction treats
	// it as a missing share, not as corruption.
	ErrShareNotFound = errors.New("share not found")

	// ErrStoreUnavailable is returned when a share store backend is not
	// accessible, due to network issues, authentication failures, or
	// service outages.
	ErrStoreUnavailable = errors.New("share store unavailable")

	// ErrInvalidLocationURI is returned when a share store location URI
	// is malformed or names an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid share store location URI")
)
