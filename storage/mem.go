package storage

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ruteri/masterpad-provisioning-backend/cryptoutils"
	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// MemStore keeps sealed shares in process memory. It backs tests and
// single-node development setups; nothing survives a restart.
type MemStore struct {
	mu     sync.RWMutex
	shares map[string][]byte
	log    *slog.Logger
}

// NewMemStore creates an empty in-memory share store.
func NewMemStore(log *slog.Logger) *MemStore {
	if log == nil {
		log = slog.Default()
	}
	return &MemStore{
		shares: make(map[string][]byte),
		log:    log,
	}
}

// StoreShare keeps a private copy of the sealed blob.
func (s *MemStore) StoreShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch, sealed []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(sealed))
	copy(stored, sealed)
	s.shares[shareKey(member, epoch)] = stored
	return nil
}

// LoadShare returns a copy of the sealed blob, or ErrShareNotFound.
func (s *MemStore) LoadShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stored, ok := s.shares[shareKey(member, epoch)]
	if !ok {
		return nil, interfaces.ErrShareNotFound
	}
	out := make([]byte, len(stored))
	copy(out, stored)
	return out, nil
}

// DeleteShare wipes the stored copy before releasing it.
func (s *MemStore) DeleteShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := shareKey(member, epoch)
	if stored, ok := s.shares[key]; ok {
		cryptoutils.WipeBytes(stored)
		delete(s.shares, key)
	}
	return nil
}

// Available always reports true.
func (s *MemStore) Available(ctx context.Context) bool { return true }

// Name returns a unique identifier for this share store.
func (s *MemStore) Name() string { return "mem" }

// LocationURI returns the URI that identifies this share store.
func (s *MemStore) LocationURI() string { return "mem://" }
