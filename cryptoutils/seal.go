package cryptoutils

import (
	"crypto/subtle"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/scrypt"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Sealed share blob layout: [Salt 32][MAC 32][Ciphertext]. The MAC covers
// the ciphertext; both subkeys derive from the salt through scrypt, so a
// tampered salt also fails verification.
const (
	SealSaltSize = 32
	SealMACSize  = 32

	sealScryptN = 1 << 15
	sealScryptR = 8
	sealScryptP = 1

	sealEncContext = "masterpad/v1 share enc"
	sealMACContext = "masterpad/v1 share mac"
)

// SealOverhead is the fixed size added to the plaintext by SealShare.
const SealOverhead = SealSaltSize + SealMACSize

// SealShare encrypts and authenticates a share for storage at rest. The
// passphrase is stretched with scrypt (N=2^15, r=8, p=1); encryption XORs a
// keyed BLAKE3 keystream and authentication is a keyed BLAKE3 MAC under an
// independent subkey.
func SealShare(plaintext, passphrase []byte, random io.Reader) ([]byte, error) {
	salt := make([]byte, SealSaltSize)
	if _, err := io.ReadFull(random, salt); err != nil {
		return nil, fmt.Errorf("generating seal salt: %w", err)
	}

	encKey, macKey, err := sealSubkeys(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(encKey)
	defer WipeBytes(macKey)

	ciphertext := make([]byte, len(plaintext))
	if err := sealKeystreamXOR(ciphertext, plaintext, encKey, salt); err != nil {
		return nil, err
	}

	mac, err := keyedSum(macKey, ciphertext)
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, SealOverhead+len(ciphertext))
	sealed = append(sealed, salt...)
	sealed = append(sealed, mac...)
	sealed = append(sealed, ciphertext...)
	return sealed, nil
}

// OpenShare verifies and decrypts a sealed share blob. The MAC is checked
// in constant time before any decryption happens; a mismatch yields
// ErrIntegrityFailure.
func OpenShare(sealed, passphrase []byte) ([]byte, error) {
	if len(sealed) < SealOverhead {
		return nil, fmt.Errorf("%w: sealed blob too short", interfaces.ErrIntegrityFailure)
	}
	salt := sealed[:SealSaltSize]
	mac := sealed[SealSaltSize:SealOverhead]
	ciphertext := sealed[SealOverhead:]

	encKey, macKey, err := sealSubkeys(passphrase, salt)
	if err != nil {
		return nil, err
	}
	defer WipeBytes(encKey)
	defer WipeBytes(macKey)

	expected, err := keyedSum(macKey, ciphertext)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, fmt.Errorf("%w: sealed share MAC mismatch", interfaces.ErrIntegrityFailure)
	}

	plaintext := make([]byte, len(ciphertext))
	if err := sealKeystreamXOR(plaintext, ciphertext, encKey, salt); err != nil {
		return nil, err
	}
	return plaintext, nil
}

func sealSubkeys(passphrase, salt []byte) (encKey, macKey []byte, err error) {
	master, err := scrypt.Key(passphrase, salt, sealScryptN, sealScryptR, sealScryptP, 32)
	if err != nil {
		return nil, nil, fmt.Errorf("stretching passphrase: %w", err)
	}
	defer WipeBytes(master)

	encKey = make([]byte, 32)
	macKey = make([]byte, 32)
	blake3.DeriveKey(sealEncContext, master, encKey)
	blake3.DeriveKey(sealMACContext, master, macKey)
	return encKey, macKey, nil
}

func sealKeystreamXOR(dst, src, key, salt []byte) error {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return fmt.Errorf("keyed hasher: %w", err)
	}
	if _, err := h.Write(salt); err != nil {
		return err
	}

	stream := make([]byte, len(src))
	if _, err := io.ReadFull(h.Digest(), stream); err != nil {
		return fmt.Errorf("reading keystream: %w", err)
	}
	defer WipeBytes(stream)

	subtle.XORBytes(dst, src, stream)
	return nil
}

func keyedSum(key, data []byte) ([]byte, error) {
	h, err := blake3.NewKeyed(key)
	if err != nil {
		return nil, fmt.Errorf("keyed hasher: %w", err)
	}
	if _, err := h.Write(data); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}
