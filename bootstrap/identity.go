package bootstrap

import (
	"crypto/ecdsa"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hashicorp/vault/shamir"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// DeviceSecretSize is the length of the device-bound secret that keys local
// attestation digests and seal passphrases.
const DeviceSecretSize = 32

// Identity is a device's long-term credential set: a secp256k1 signing key
// for threshold attestation records and a device secret that never leaves
// the device except inside recovery fragments. The fingerprint, the keccak
// address of the public key, is how peers refer to the device.
type Identity struct {
	Member interfaces.MemberID
	Key    *ecdsa.PrivateKey

	secret [DeviceSecretSize]byte
}

// NewIdentity generates a fresh identity for the member from random.
func NewIdentity(member interfaces.MemberID, random io.Reader) (*Identity, error) {
	if !member.Valid() {
		return nil, fmt.Errorf("%w: member index 0", interfaces.ErrInvalidShare)
	}
	key, err := ecdsa.GenerateKey(crypto.S256(), random)
	if err != nil {
		return nil, fmt.Errorf("generating identity key: %w", err)
	}

	id := &Identity{Member: member, Key: key}
	if _, err := io.ReadFull(random, id.secret[:]); err != nil {
		return nil, fmt.Errorf("drawing device secret: %w", err)
	}
	return id, nil
}

// Fingerprint returns the keccak address of the identity key in hex. Stable
// across backup and restore.
func (id *Identity) Fingerprint() string {
	return crypto.PubkeyToAddress(id.Key.PublicKey).Hex()
}

// PublicKey returns the verification key peers register for this member.
func (id *Identity) PublicKey() *ecdsa.PublicKey {
	return &id.Key.PublicKey
}

// Secret returns a copy of the device secret. Callers own the copy and wipe
// it when done.
func (id *Identity) Secret() []byte {
	return append([]byte(nil), id.secret[:]...)
}

// SealPassphrase derives the epoch-bound passphrase protecting this device's
// sealed share backups. The same derivation opens them again after a restart.
// Callers wipe the returned slice when done.
func (id *Identity) SealPassphrase(epoch interfaces.Epoch) []byte {
	secret := id.Secret()
	defer cryptoutils.WipeBytes(secret)

	var e [8]byte
	binary.LittleEndian.PutUint64(e[:], uint64(epoch))
	derived := cryptoutils.Digest(sealPassDomain, secret, e[:])
	return derived[:]
}

// Wipe zeroes the device secret. The identity is unusable afterwards.
func (id *Identity) Wipe() {
	cryptoutils.WipeBytes(id.secret[:])
	id.Key = nil
}

// BackupFragments splits the identity into parts recovery fragments, any
// threshold of which restore it. The payload covers both the signing key
// and the device secret so a restored device keeps its fingerprint and can
// open its own sealed shares. Fragments go to separate operators; a single
// fragment reveals nothing.
func (id *Identity) BackupFragments(parts, threshold int) ([][]byte, error) {
	if threshold < 2 {
		return nil, fmt.Errorf("%w: fragment threshold %d below minimum 2", interfaces.ErrInvalidThreshold, threshold)
	}
	if parts < threshold {
		return nil, fmt.Errorf("%w: %d fragments below threshold %d", interfaces.ErrInvalidThreshold, parts, threshold)
	}

	payload := make([]byte, 0, 2*DeviceSecretSize)
	payload = append(payload, crypto.FromECDSA(id.Key)...)
	payload = append(payload, id.secret[:]...)
	defer cryptoutils.WipeBytes(payload)
	if len(payload) != 2*DeviceSecretSize {
		return nil, errors.New("unexpected identity key encoding")
	}

	fragments, err := shamir.Split(payload, parts, threshold)
	if err != nil {
		return nil, fmt.Errorf("splitting identity backup: %w", err)
	}
	return fragments, nil
}

// RestoreIdentity reassembles an identity from recovery fragments. Fewer
// fragments than the backup threshold yield garbage that fails the length
// and key checks rather than a usable identity.
func RestoreIdentity(member interfaces.MemberID, fragments [][]byte) (*Identity, error) {
	if !member.Valid() {
		return nil, fmt.Errorf("%w: member index 0", interfaces.ErrInvalidShare)
	}

	payload, err := shamir.Combine(fragments)
	if err != nil {
		return nil, fmt.Errorf("combining recovery fragments: %w", err)
	}
	defer cryptoutils.WipeBytes(payload)
	if len(payload) != 2*DeviceSecretSize {
		return nil, fmt.Errorf("%w: recovery payload is %d bytes", interfaces.ErrInvalidShare, len(payload))
	}

	key, err := crypto.ToECDSA(payload[:DeviceSecretSize])
	if err != nil {
		return nil, fmt.Errorf("%w: recovered key rejected: %v", interfaces.ErrInvalidShare, err)
	}

	id := &Identity{Member: member, Key: key}
	copy(id.secret[:], payload[DeviceSecretSize:])
	return id, nil
}

// SaveFile writes the identity to path with owner-only permissions so a
// restarted device keeps its fingerprint and can open its sealed shares.
// The encoding is the recovery payload, signing key then device secret,
// in hex.
func (id *Identity) SaveFile(path string) error {
	payload := make([]byte, 0, 2*DeviceSecretSize)
	payload = append(payload, crypto.FromECDSA(id.Key)...)
	payload = append(payload, id.secret[:]...)
	defer cryptoutils.WipeBytes(payload)
	if len(payload) != 2*DeviceSecretSize {
		return errors.New("unexpected identity key encoding")
	}

	encoded := make([]byte, hex.EncodedLen(len(payload))+1)
	hex.Encode(encoded, payload)
	encoded[len(encoded)-1] = '\n'
	defer cryptoutils.WipeBytes(encoded)

	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("writing identity file: %w", err)
	}
	return nil
}

// LoadIdentityFile reads an identity previously written by SaveFile.
func LoadIdentityFile(member interfaces.MemberID, path string) (*Identity, error) {
	if !member.Valid() {
		return nil, fmt.Errorf("%w: member index 0", interfaces.ErrInvalidShare)
	}

	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}

	payload, err := hex.DecodeString(strings.TrimSpace(string(encoded)))
	if err != nil {
		return nil, fmt.Errorf("decoding identity file: %w", err)
	}
	defer cryptoutils.WipeBytes(payload)
	if len(payload) != 2*DeviceSecretSize {
		return nil, fmt.Errorf("identity file payload is %d bytes, want %d", len(payload), 2*DeviceSecretSize)
	}

	key, err := crypto.ToECDSA(payload[:DeviceSecretSize])
	if err != nil {
		return nil, fmt.Errorf("identity file key rejected: %w", err)
	}

	id := &Identity{Member: member, Key: key}
	copy(id.secret[:], payload[DeviceSecretSize:])
	return id, nil
}
