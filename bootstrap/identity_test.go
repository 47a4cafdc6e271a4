package bootstrap

import (
	"crypto/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func TestIdentityFingerprint(t *testing.T) {
	id, err := NewIdentity(3, rand.Reader)
	require.NoError(t, err)

	fp := id.Fingerprint()
	assert.True(t, strings.HasPrefix(fp, "0x"), "fingerprint should be a hex address")
	assert.Len(t, fp, 42, "fingerprint should be a 20 byte address with prefix")
	assert.Equal(t, fp, id.Fingerprint(), "fingerprint should be stable")

	other, err := NewIdentity(3, rand.Reader)
	require.NoError(t, err)
	assert.NotEqual(t, fp, other.Fingerprint(), "distinct keys should not share a fingerprint")
}

func TestIdentityRejectsMemberZero(t *testing.T) {
	_, err := NewIdentity(0, rand.Reader)
	require.Error(t, err, "member indices start at 1")

	_, err = RestoreIdentity(0, nil)
	require.Error(t, err)
}

func TestIdentitySecretIsCopied(t *testing.T) {
	id, err := NewIdentity(1, rand.Reader)
	require.NoError(t, err)

	first := id.Secret()
	require.Len(t, first, DeviceSecretSize)
	first[0] ^= 0xFF
	second := id.Secret()
	assert.NotEqual(t, first[0], second[0], "mutating a returned secret should not touch the identity")
}

func TestIdentityBackupRoundtrip(t *testing.T) {
	id, err := NewIdentity(2, rand.Reader)
	require.NoError(t, err)

	fragments, err := id.BackupFragments(5, 3)
	require.NoError(t, err)
	require.Len(t, fragments, 5)

	restored, err := RestoreIdentity(2, [][]byte{fragments[4], fragments[0], fragments[2]})
	require.NoError(t, err, "any three fragments should restore the identity")
	assert.Equal(t, id.Fingerprint(), restored.Fingerprint(), "restored identity should keep its fingerprint")
	assert.Equal(t, id.Secret(), restored.Secret(), "restored identity should keep its device secret")
}

func TestIdentityBackupBelowThreshold(t *testing.T) {
	id, err := NewIdentity(2, rand.Reader)
	require.NoError(t, err)

	fragments, err := id.BackupFragments(5, 3)
	require.NoError(t, err)

	restored, err := RestoreIdentity(2, fragments[:2])
	if err == nil {
		assert.NotEqual(t, id.Fingerprint(), restored.Fingerprint(),
			"two of three fragments must not reconstruct the real identity")
	}
}

func TestIdentityBackupParameters(t *testing.T) {
	id, err := NewIdentity(1, rand.Reader)
	require.NoError(t, err)

	_, err = id.BackupFragments(5, 1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold, "single fragment recovery defeats the split")

	_, err = id.BackupFragments(2, 3)
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold, "fewer fragments than threshold can never recover")
}

func TestRestoreIdentityRejectsDuplicates(t *testing.T) {
	id, err := NewIdentity(1, rand.Reader)
	require.NoError(t, err)

	fragments, err := id.BackupFragments(3, 2)
	require.NoError(t, err)

	_, err = RestoreIdentity(1, [][]byte{fragments[0], fragments[0]})
	require.Error(t, err, "a repeated fragment carries no new information")
}

func TestIdentityWipe(t *testing.T) {
	id, err := NewIdentity(1, rand.Reader)
	require.NoError(t, err)

	id.Wipe()
	assert.Nil(t, id.Key, "wipe should drop the signing key")
	assert.Equal(t, make([]byte, DeviceSecretSize), id.Secret(), "wipe should zero the device secret")
}

func TestIdentityFileRoundtrip(t *testing.T) {
	id, err := NewIdentity(3, rand.Reader)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "identity.hex")
	require.NoError(t, id.SaveFile(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm(), "the identity file must be owner-only")

	loaded, err := LoadIdentityFile(3, path)
	require.NoError(t, err)
	assert.Equal(t, id.Fingerprint(), loaded.Fingerprint(), "a reloaded identity should keep its fingerprint")
	assert.Equal(t, id.Secret(), loaded.Secret(), "a reloaded identity should keep its device secret")
	assert.Equal(t, id.SealPassphrase(7), loaded.SealPassphrase(7),
		"a reloaded identity must open the same sealed shares")
}

func TestLoadIdentityFileRejectsBadInput(t *testing.T) {
	dir := t.TempDir()

	_, err := LoadIdentityFile(1, filepath.Join(dir, "missing.hex"))
	require.Error(t, err)

	garbled := filepath.Join(dir, "garbled.hex")
	require.NoError(t, os.WriteFile(garbled, []byte("not hex at all\n"), 0o600))
	_, err = LoadIdentityFile(1, garbled)
	require.Error(t, err)

	short := filepath.Join(dir, "short.hex")
	require.NoError(t, os.WriteFile(short, []byte("deadbeef\n"), 0o600))
	_, err = LoadIdentityFile(1, short)
	require.Error(t, err, "a truncated payload must not produce an identity")

	id, err := NewIdentity(2, rand.Reader)
	require.NoError(t, err)
	saved := filepath.Join(dir, "identity.hex")
	require.NoError(t, id.SaveFile(saved))
	_, err = LoadIdentityFile(0, saved)
	require.Error(t, err, "member indices start at 1")
}
