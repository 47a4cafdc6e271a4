package attest

import (
	"crypto/subtle"
	"fmt"
	"io"
	"os"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// LocalEvidence is the first attestation layer: a keyed digest binding the
// device binary measurement and the member's state snapshot under the device
// secret. When a hardware quote provider is configured, the digest is also
// embedded in the quote's report data, tying the software claim to the
// platform.
type LocalEvidence struct {
	Member interfaces.MemberID    `json:"member"`
	Digest interfaces.StateDigest `json:"digest"`
	Quote  interfaces.Attestation `json:"quote,omitempty"`
}

// LocalAttestor measures the running binary and produces LocalEvidence for
// state snapshots. The device secret never leaves the attestor.
type LocalAttestor struct {
	member   interfaces.MemberID
	secret   []byte
	provider cryptoutils.AttestationProvider

	binaryPath string
	binary     [32]byte
}

// NewLocalAttestor measures the binary at path (the running executable when
// path is empty) and prepares an attestor keyed by the 32-byte device
// secret. provider may be nil when no hardware quotes are available.
func NewLocalAttestor(member interfaces.MemberID, secret []byte, provider cryptoutils.AttestationProvider, path string) (*LocalAttestor, error) {
	if !member.Valid() {
		return nil, fmt.Errorf("%w: member index 0", interfaces.ErrInvalidShare)
	}
	if path == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locating executable: %w", err)
		}
		path = exe
	}

	a := &LocalAttestor{
		member:     member,
		secret:     append([]byte(nil), secret...),
		provider:   provider,
		binaryPath: path,
	}
	if err := a.measureBinary(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *LocalAttestor) measureBinary() error {
	f, err := os.Open(a.binaryPath)
	if err != nil {
		return fmt.Errorf("opening binary for measurement: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("reading binary for measurement: %w", err)
	}
	a.binary = cryptoutils.Digest(data)
	return nil
}

// BinaryMeasurement returns the unkeyed digest of the measured binary.
func (a *LocalAttestor) BinaryMeasurement() [32]byte {
	return a.binary
}

// Attest binds the given state snapshot and the binary measurement under the
// device secret, and attaches a hardware quote over the result when a
// provider is configured.
func (a *LocalAttestor) Attest(snapshot interfaces.StateDigest) (LocalEvidence, error) {
	digest, err := cryptoutils.KeyedDigest(a.secret, []byte{byte(a.member)}, a.binary[:], snapshot.Bytes())
	if err != nil {
		return LocalEvidence{}, err
	}

	ev := LocalEvidence{
		Member: a.member,
		Digest: interfaces.StateDigest(digest),
	}

	if a.provider != nil {
		var reportData [64]byte
		copy(reportData[:32], digest[:])
		copy(reportData[32:], snapshot.Bytes())
		quote, err := a.provider.Attest(reportData)
		if err != nil {
			return LocalEvidence{}, fmt.Errorf("hardware quote: %w", err)
		}
		ev.Quote = quote
	}
	return ev, nil
}

// Verify recomputes the expected digest for the claimed member and snapshot
// and compares it with the evidence. The verifier must hold the same device
// secret and expect the same binary measurement; any mismatch is an
// ErrIntegrityFailure.
func (a *LocalAttestor) Verify(ev LocalEvidence, snapshot interfaces.StateDigest) error {
	want, err := cryptoutils.KeyedDigest(a.secret, []byte{byte(ev.Member)}, a.binary[:], snapshot.Bytes())
	if err != nil {
		return err
	}
	got := ev.Digest.Bytes()
	if subtle.ConstantTimeCompare(want[:], got) != 1 {
		return fmt.Errorf("%w: local attestation digest mismatch for member %d",
			interfaces.ErrIntegrityFailure, ev.Member)
	}
	return nil
}
