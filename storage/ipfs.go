package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// IPFSStore persists sealed shares in an IPFS node's mutable file system.
// MFS gives the node path-addressed records, so shares stay addressable by
// member and epoch instead of by content hash.
type IPFSStore struct {
	shell       *shell.Shell
	host        string
	port        string
	root        string
	log         *slog.Logger
	locationURI string
}

// NewIPFSStore creates an IPFS share store talking to the node API at
// host:port. Shares are kept under the MFS root directory.
func NewIPFSStore(host, port, root, timeout string, log *slog.Logger) (*IPFSStore, error) {
	apiURL := fmt.Sprintf("%s:%s", host, port)
	if root == "" {
		root = "/masterpad-shares"
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}

	return &IPFSStore{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		root:        root,
		log:         log,
		locationURI: fmt.Sprintf("ipfs://%s%s/?timeout=%s", apiURL, root, timeout),
	}, nil
}

// StoreShare writes the sealed blob into MFS, creating epoch directories as
// needed and truncating any previous version.
func (s *IPFSStore) StoreShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch, sealed []byte) error {
	start := time.Now()
	sharePath := s.sharePath(member, epoch)

	if !s.shell.IsUp() {
		s.log.Warn("IPFS node unavailable",
			slog.String("host", s.host),
			slog.String("port", s.port))
		return interfaces.ErrStoreUnavailable
	}

	err := s.shell.FilesWrite(ctx, sharePath, bytes.NewReader(sealed),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return fmt.Errorf("failed to write share to IPFS: %w", err)
	}

	s.log.Debug("Stored sealed share in IPFS",
		slog.String("path", sharePath),
		slog.Int("size", len(sealed)),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// LoadShare reads the sealed blob from MFS. A missing path is
// ErrShareNotFound.
func (s *IPFSStore) LoadShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) ([]byte, error) {
	start := time.Now()
	sharePath := s.sharePath(member, epoch)

	if !s.shell.IsUp() {
		s.log.Warn("IPFS node unavailable",
			slog.String("host", s.host),
			slog.String("port", s.port))
		return nil, interfaces.ErrStoreUnavailable
	}

	reader, err := s.shell.FilesRead(ctx, sharePath)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			s.log.Debug("Share not found in IPFS", slog.String("path", sharePath))
			return nil, interfaces.ErrShareNotFound
		}
		return nil, fmt.Errorf("failed to read share from IPFS: %w", err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read share data from IPFS: %w", err)
	}

	s.log.Debug("Loaded sealed share from IPFS",
		slog.String("path", sharePath),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))
	return data, nil
}

// DeleteShare removes the MFS entry. The node may retain unreferenced
// blocks until garbage collection, so burn completeness additionally relies
// on the blobs being sealed.
func (s *IPFSStore) DeleteShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) error {
	sharePath := s.sharePath(member, epoch)

	if !s.shell.IsUp() {
		return interfaces.ErrStoreUnavailable
	}

	if err := s.shell.FilesRm(ctx, sharePath, true); err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil
		}
		return fmt.Errorf("failed to delete share from IPFS: %w", err)
	}

	s.log.Debug("Deleted sealed share from IPFS", slog.String("path", sharePath))
	return nil
}

// Available checks if the IPFS node is accessible.
func (s *IPFSStore) Available(ctx context.Context) bool {
	return s.shell.IsUp()
}

// Name returns a unique identifier for this share store.
func (s *IPFSStore) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", s.host, s.port)
}

// LocationURI returns the URI that identifies this share store.
func (s *IPFSStore) LocationURI() string {
	return s.locationURI
}

// sharePath generates the MFS path for a member's share.
func (s *IPFSStore) sharePath(member interfaces.MemberID, epoch interfaces.Epoch) string {
	return path.Join(s.root, shareKey(member, epoch))
}
