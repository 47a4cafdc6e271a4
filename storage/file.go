package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// shareKey is the canonical backend-relative path for a member's sealed
// share within an epoch. Every backend keys its records with it so a blob
// written through one backend is addressable through another.
func shareKey(member interfaces.MemberID, epoch interfaces.Epoch) string {
	return fmt.Sprintf("epoch-%d/member-%d.share", epoch, member)
}

// FileStore persists sealed shares on the local file system, one file per
// member and epoch under a base directory.
type FileStore struct {
	baseDir     string
	log         *slog.Logger
	locationURI string
}

// NewFileStore creates a file share store rooted at baseDir. The directory
// is created if missing, readable by the owner only.
func NewFileStore(baseDir string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create share directory: %w", err)
	}

	return &FileStore{
		baseDir:     baseDir,
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// StoreShare writes the sealed blob through a temp file and rename, so a
// crash mid-write never leaves a truncated share behind.
func (s *FileStore) StoreShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch, sealed []byte) error {
	sharePath := filepath.Join(s.baseDir, shareKey(member, epoch))
	if err := os.MkdirAll(filepath.Dir(sharePath), 0700); err != nil {
		return fmt.Errorf("failed to create epoch directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(sharePath), ".share-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(sealed); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write share: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync share: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close share file: %w", err)
	}
	if err := os.Chmod(tmpName, 0600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to set share permissions: %w", err)
	}
	if err := os.Rename(tmpName, sharePath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to finalize share: %w", err)
	}

	s.log.Debug("Stored sealed share",
		slog.String("path", sharePath),
		slog.Int("size", len(sealed)))
	return nil
}

// LoadShare reads the sealed blob for a member and epoch. A missing file is
// ErrShareNotFound.
func (s *FileStore) LoadShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) ([]byte, error) {
	sharePath := filepath.Join(s.baseDir, shareKey(member, epoch))

	data, err := os.ReadFile(sharePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, interfaces.ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to read share: %w", err)
	}

	s.log.Debug("Loaded sealed share",
		slog.String("path", sharePath),
		slog.Int("size", len(data)))
	return data, nil
}

// DeleteShare removes the sealed share file. A missing file is not an
// error; burn paths call this on every backend regardless.
func (s *FileStore) DeleteShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) error {
	sharePath := filepath.Join(s.baseDir, shareKey(member, epoch))

	if err := os.Remove(sharePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to delete share: %w", err)
	}

	s.log.Debug("Deleted sealed share", slog.String("path", sharePath))
	return nil
}

// Available checks if the base directory is accessible.
func (s *FileStore) Available(ctx context.Context) bool {
	_, err := os.Stat(s.baseDir)
	if err != nil {
		s.log.Debug("File share store unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this share store.
func (s *FileStore) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(s.baseDir))
}

// LocationURI returns the URI that identifies this share store.
func (s *FileStore) LocationURI() string {
	return s.locationURI
}
