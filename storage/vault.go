package storage

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// VaultStore persists sealed shares in a HashiCorp Vault KV v2 mount.
// Blobs are base64-encoded into the secret payload since Vault stores JSON.
type VaultStore struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	log         *slog.Logger
	locationURI string
}

// NewVaultStore creates a Vault share store.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: KV v2 mount path (e.g. "secret")
//   - dataPath: path within the mount (e.g. "masterpad")
//   - token: Vault token; empty falls back to the VAULT_TOKEN environment
//   - log: structured logger
func NewVaultStore(address, mountPath, dataPath, token string, log *slog.Logger) (*VaultStore, error) {
	config := api.DefaultConfig()
	if address != "" {
		config.Address = address
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	mountPath = strings.Trim(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")

	return &VaultStore{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", config.Address, mountPath, dataPath),
	}, nil
}

// StoreShare writes the sealed blob as a KV v2 secret.
func (s *VaultStore) StoreShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch, sealed []byte) error {
	start := time.Now()
	secretPath := s.secretPath("data", member, epoch)

	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"sealed": base64.StdEncoding.EncodeToString(sealed),
		},
	}

	_, err := s.client.Logical().WriteWithContext(ctx, secretPath, secretData)
	if err != nil {
		s.log.Error("Failed to write share to Vault",
			slog.String("path", secretPath),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Stored sealed share in Vault",
		slog.String("path", secretPath),
		slog.Duration("duration", time.Since(start)))
	return nil
}

// LoadShare reads the sealed blob back out of the KV v2 payload.
func (s *VaultStore) LoadShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) ([]byte, error) {
	start := time.Now()
	secretPath := s.secretPath("data", member, epoch)

	secret, err := s.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		s.log.Error("Failed to read share from Vault",
			slog.String("path", secretPath),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		s.log.Debug("Share not found in Vault", slog.String("path", secretPath))
		return nil, interfaces.ErrShareNotFound
	}

	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid data format in Vault response")
	}
	encoded, ok := data["sealed"].(string)
	if !ok {
		return nil, fmt.Errorf("sealed key not found in Vault data")
	}

	sealed, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode share payload: %w", err)
	}

	s.log.Debug("Loaded sealed share from Vault",
		slog.String("path", secretPath),
		slog.Duration("duration", time.Since(start)))
	return sealed, nil
}

// DeleteShare destroys the share's metadata path, which removes every
// version. A soft KV delete would leave recoverable versions behind, which
// burn semantics cannot accept.
func (s *VaultStore) DeleteShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) error {
	metaPath := s.secretPath("metadata", member, epoch)

	_, err := s.client.Logical().DeleteWithContext(ctx, metaPath)
	if err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrStoreUnavailable, err)
	}

	s.log.Debug("Deleted sealed share from Vault", slog.String("path", metaPath))
	return nil
}

// Available checks that Vault is reachable, initialized, and unsealed.
func (s *VaultStore) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := s.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		s.log.Debug("Vault health check failed", "err", err)
		return false
	}
	if !health.Initialized || health.Sealed {
		s.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}
	return true
}

// Name returns a unique identifier for this share store.
func (s *VaultStore) Name() string {
	return fmt.Sprintf("vault-%s-%s", s.mountPath, s.dataPath)
}

// LocationURI returns the URI that identifies this share store.
func (s *VaultStore) LocationURI() string {
	return s.locationURI
}

// secretPath builds the KV v2 API path. The op segment selects the data or
// metadata endpoint.
func (s *VaultStore) secretPath(op string, member interfaces.MemberID, epoch interfaces.Epoch) string {
	return fmt.Sprintf("%s/%s/%s/%s", s.mountPath, op, s.dataPath, shareKey(member, epoch))
}
