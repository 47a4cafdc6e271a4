package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

func TestFileStoreRoundtrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testStorageLogger())
	require.NoError(t, err)

	sealed := []byte("sealed share for member five")
	require.NoError(t, store.StoreShare(context.Background(), 5, 1, sealed))

	loaded, err := store.LoadShare(context.Background(), 5, 1)
	require.NoError(t, err)
	assert.Equal(t, sealed, loaded)

	_, err = store.LoadShare(context.Background(), 6, 1)
	assert.ErrorIs(t, err, interfaces.ErrShareNotFound, "another member has no share yet")
	_, err = store.LoadShare(context.Background(), 5, 2)
	assert.ErrorIs(t, err, interfaces.ErrShareNotFound, "epochs are separate namespaces")
}

func TestFileStoreOverwrite(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testStorageLogger())
	require.NoError(t, err)

	require.NoError(t, store.StoreShare(context.Background(), 1, 1, []byte("old sealed blob")))
	require.NoError(t, store.StoreShare(context.Background(), 1, 1, []byte("new")))

	loaded, err := store.LoadShare(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), loaded, "a re-store replaces the share completely")
}

func TestFileStoreDelete(t *testing.T) {
	store, err := NewFileStore(t.TempDir(), testStorageLogger())
	require.NoError(t, err)

	require.NoError(t, store.StoreShare(context.Background(), 2, 3, []byte("doomed")))
	require.NoError(t, store.DeleteShare(context.Background(), 2, 3))

	_, err = store.LoadShare(context.Background(), 2, 3)
	assert.ErrorIs(t, err, interfaces.ErrShareNotFound)

	assert.NoError(t, store.DeleteShare(context.Background(), 2, 3),
		"deleting an absent share is not an error")
}

func TestFileStorePermissions(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir, testStorageLogger())
	require.NoError(t, err)

	require.NoError(t, store.StoreShare(context.Background(), 4, 1, []byte("private")))

	info, err := os.Stat(filepath.Join(dir, "epoch-1", "member-4.share"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "share files are owner-only")
}

func TestFileStoreAvailable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "shares")
	store, err := NewFileStore(dir, testStorageLogger())
	require.NoError(t, err)

	assert.True(t, store.Available(context.Background()))

	require.NoError(t, os.RemoveAll(dir))
	assert.False(t, store.Available(context.Background()),
		"a removed base directory makes the store unavailable")
}

func TestMemStoreRoundtrip(t *testing.T) {
	store := NewMemStore(testStorageLogger())

	sealed := []byte("sealed blob")
	require.NoError(t, store.StoreShare(context.Background(), 1, 1, sealed))

	// The store must not alias caller or callee buffers.
	sealed[0] = 'X'
	loaded, err := store.LoadShare(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed blob"), loaded, "stored copy is independent of the caller's buffer")

	loaded[0] = 'Y'
	again, err := store.LoadShare(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("sealed blob"), again, "loaded copy is independent of the stored one")

	require.NoError(t, store.DeleteShare(context.Background(), 1, 1))
	_, err = store.LoadShare(context.Background(), 1, 1)
	assert.ErrorIs(t, err, interfaces.ErrShareNotFound)
}
