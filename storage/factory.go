package storage

import (
	"fmt"
	"log/slog"
	"net"
	"strings"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// Factory creates share stores from location URIs and assembles
// multi-backend configurations for replicated share persistence.
type Factory struct {
	log *slog.Logger
}

// NewShareStoreFactory creates a factory instance.
func NewShareStoreFactory(log *slog.Logger) *Factory {
	return &Factory{log: log}
}

// ShareStoreFor creates a share store from a parsed location.
//
// Supported schemes:
//   - file:// - local file system
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS node, shares under an MFS directory
//   - vault:// - HashiCorp Vault KV v2 mount
//   - mem:// - in-process memory, for tests and development
func (f *Factory) ShareStoreFor(location interfaces.ShareStoreLocation) (interfaces.ShareStore, error) {
	switch {
	case location.IsFile():
		return f.createFileStore(location)
	case location.IsS3():
		return f.createS3Store(location)
	case location.IsIPFS():
		return f.createIPFSStore(location)
	case location.IsVault():
		return f.createVaultStore(location)
	case location.IsMemory():
		return NewMemStore(f.log), nil
	default:
		return nil, fmt.Errorf("%w: unsupported scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiStore creates a replicated share store from a list of
// locations. Locations that fail to construct are skipped with a warning;
// at least one usable backend is required.
func (f *Factory) CreateMultiStore(locations []interfaces.ShareStoreLocation) (interfaces.ShareStore, error) {
	stores := make([]interfaces.ShareStore, 0, len(locations))

	for _, location := range locations {
		store, err := f.ShareStoreFor(location)
		if err != nil {
			f.log.Warn("Failed to create share store",
				"err", err,
				slog.String("location", location.String()))
			continue
		}
		stores = append(stores, store)
	}

	if len(stores) == 0 {
		return nil, fmt.Errorf("no valid share stores created")
	}

	return NewMultiStore(stores, f.log), nil
}

// createFileStore creates a file system share store.
// URI format: file:///var/lib/masterpad/shares/
func (f *Factory) createFileStore(location interfaces.ShareStoreLocation) (interfaces.ShareStore, error) {
	f.log.Debug("Creating file share store", slog.String("location", location.String()))

	path := location.Path
	if location.Host != "" {
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI %q", interfaces.ErrInvalidLocationURI, location.String())
	}

	return NewFileStore(path, f.log)
}

// createS3Store creates an S3 share store.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix/?region=us-west-2&endpoint=minio.local:9000
func (f *Factory) createS3Store(location interfaces.ShareStoreLocation) (interfaces.ShareStore, error) {
	f.log.Debug("Creating S3 share store", slog.String("location", location.String()))

	bucketName := location.Host
	if bucketName == "" {
		return nil, fmt.Errorf("%w: missing bucket in S3 URI %q", interfaces.ErrInvalidLocationURI, location.String())
	}
	prefix := strings.TrimPrefix(location.Path, "/")

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}
	endpoint := location.GetParam("endpoint")

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
		f.log.Debug("Using embedded credentials for S3 write access")
	} else {
		f.log.Debug("No credentials in S3 URI, relying on the default AWS credential chain")
	}

	return NewS3Store(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createIPFSStore creates an IPFS share store.
// URI format: ipfs://host:port/mfs-root/?timeout=30s
func (f *Factory) createIPFSStore(location interfaces.ShareStoreLocation) (interfaces.ShareStore, error) {
	f.log.Debug("Creating IPFS share store", slog.String("location", location.String()))

	host, port := location.Host, "5001"
	if h, p, err := net.SplitHostPort(location.Host); err == nil {
		host, port = h, p
	}
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in IPFS URI %q", interfaces.ErrInvalidLocationURI, location.String())
	}

	timeout := location.GetParam("timeout")
	if timeout == "" {
		timeout = "30s"
	}

	return NewIPFSStore(host, port, strings.TrimSuffix(location.Path, "/"), timeout, f.log)
}

// createVaultStore creates a Vault share store.
// URI format: vault://vault.example.com:8200/secret/masterpad?token=...&scheme=https
func (f *Factory) createVaultStore(location interfaces.ShareStoreLocation) (interfaces.ShareStore, error) {
	f.log.Debug("Creating Vault share store", slog.String("location", location.String()))

	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing host in Vault URI %q", interfaces.ErrInvalidLocationURI, location.String())
	}

	scheme := location.GetParam("scheme")
	if scheme == "" {
		scheme = "https"
	}
	address := fmt.Sprintf("%s://%s", scheme, location.Host)

	mountPath, dataPath := "secret", "masterpad"
	if trimmed := strings.Trim(location.Path, "/"); trimmed != "" {
		parts := strings.SplitN(trimmed, "/", 2)
		mountPath = parts[0]
		if len(parts) == 2 && parts[1] != "" {
			dataPath = parts[1]
		}
	}

	return NewVaultStore(address, mountPath, dataPath, location.GetParam("token"), f.log)
}
