package interfaces

import (
	"context"
	"fmt"
	"net/url"
)

// ShareStoreLocation represents a URI for a share store backend.
type ShareStoreLocation struct {
	Raw    string     // Original URI
	Scheme string     // Protocol
	Host   string     // Hostname
	Path   string     // Resource path
	Query  url.Values // Query parameters
	Auth   string     // Authentication info
}

// NewShareStoreLocation creates a share store location from a URI string
// with validation. Supported schemes: file://, s3://, ipfs://, vault://,
// mem://.
func NewShareStoreLocation(uri string) (ShareStoreLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ShareStoreLocation{}, fmt.Errorf("%w: %v", ErrInvalidLocationURI, err)
	}

	scheme := parsed.Scheme
	switch scheme {
	case "file", "s3", "ipfs", "vault", "mem":
		// Valid scheme
	default:
		return ShareStoreLocation{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocationURI, scheme)
	}

	var auth string
	if parsed.User != nil {
		auth = parsed.User.String()
	}

	return ShareStoreLocation{
		Raw:    uri,
		Scheme: scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
		Auth:   auth,
	}, nil
}

// String returns the original URI string.
func (loc ShareStoreLocation) String() string {
	return loc.Raw
}

// IsFile checks if this is a file system location.
func (loc ShareStoreLocation) IsFile() bool {
	return loc.Scheme == "file"
}

// IsS3 checks if this is an S3 location.
func (loc ShareStoreLocation) IsS3() bool {
	return loc.Scheme == "s3"
}

// IsIPFS checks if this is an IPFS location.
func (loc ShareStoreLocation) IsIPFS() bool {
	return loc.Scheme == "ipfs"
}

// IsVault checks if this is a Vault location.
func (loc ShareStoreLocation) IsVault() bool {
	return loc.Scheme == "vault"
}

// IsMemory checks if this is an in-memory location.
func (loc ShareStoreLocation) IsMemory() bool {
	return loc.Scheme == "mem"
}

// GetParam returns a query parameter value.
func (loc ShareStoreLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

// GetParamBool returns a boolean query parameter value.
func (loc ShareStoreLocation) GetParamBool(name string) bool {
	value := loc.Query.Get(name)
	return value == "true" || value == "1" || value == "yes"
}

// ShareStore persists sealed pad shares keyed by member and epoch. Stored
// blobs are already sealed; backends never see plaintext share material.
//
// A failed Load means the share is unavailable and counts against the
// reconstruction threshold. It is never interpreted as pad corruption.
type ShareStore interface {
	// StoreShare saves a sealed share blob for a member and epoch.
	StoreShare(ctx context.Context, member MemberID, epoch Epoch, sealed []byte) error

	// LoadShare retrieves the sealed share blob for a member and epoch.
	// Returns ErrShareNotFound if absent.
	LoadShare(ctx context.Context, member MemberID, epoch Epoch) ([]byte, error)

	// DeleteShare removes the sealed share for a member and epoch. Used
	// by burn paths; missing shares are not an error.
	DeleteShare(ctx context.Context, member MemberID, epoch Epoch) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// ShareStoreFactory creates share stores from location URIs.
type ShareStoreFactory interface {
	// ShareStoreFor creates a backend from a parsed location.
	ShareStoreFor(location ShareStoreLocation) (ShareStore, error)

	// CreateMultiStore creates an aggregated store that replicates
	// writes across all backends and serves reads from the first
	// available one.
	CreateMultiStore(locations []ShareStoreLocation) (ShareStore, error)
}
