package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// MultiStore replicates sealed shares across several backends. Writes go to
// every available backend and succeed if at least one does; reads return the
// first hit. A share is only truly gone when every backend agrees, which is
// what the burn path wants and the load path must distinguish from outage.
type MultiStore struct {
	stores []interfaces.ShareStore
	log    *slog.Logger
}

// NewMultiStore aggregates the given share stores.
func NewMultiStore(stores []interfaces.ShareStore, log *slog.Logger) *MultiStore {
	if log == nil {
		log = slog.Default()
	}
	return &MultiStore{
		stores: stores,
		log:    log,
	}
}

// StoreShare writes to all available backends. One success is enough; the
// failures are logged so an operator can restore replication.
func (m *MultiStore) StoreShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch, sealed []byte) error {
	start := time.Now()
	var errs []error
	var successes int

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Share store unavailable",
				slog.String("store", store.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), interfaces.ErrStoreUnavailable))
			continue
		}

		if err := store.StoreShare(ctx, member, epoch, sealed); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Debug("Failed to store share",
				slog.String("store", store.Name()),
				"err", err)
			continue
		}
		successes++
	}

	if successes == 0 {
		m.log.Error("All share stores failed to store share",
			slog.Int("member", int(member)),
			slog.Uint64("epoch", uint64(epoch)),
			slog.Int("failed_stores", len(errs)))
		return fmt.Errorf("all share stores failed: %w", errors.Join(errs...))
	}

	if len(errs) > 0 {
		m.log.Warn("Share stored with reduced replication",
			slog.Int("member", int(member)),
			slog.Uint64("epoch", uint64(epoch)),
			slog.Int("replicas", successes),
			slog.Int("failed_stores", len(errs)))
	} else {
		m.log.Debug("Stored share in all backends",
			slog.Int("member", int(member)),
			slog.Uint64("epoch", uint64(epoch)),
			slog.Int("replicas", successes),
			slog.Duration("duration", time.Since(start)))
	}
	return nil
}

// LoadShare returns the first replica found. ErrShareNotFound only when
// every reachable backend reports the share missing and none failed for
// other reasons; an outage must not masquerade as an absent share.
func (m *MultiStore) LoadShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) ([]byte, error) {
	start := time.Now()
	var errs []error
	var attempted, missing int

	for _, store := range m.stores {
		if !store.Available(ctx) {
			m.log.Debug("Share store unavailable",
				slog.String("store", store.Name()))
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), interfaces.ErrStoreUnavailable))
			continue
		}
		attempted++

		sealed, err := store.LoadShare(ctx, member, epoch)
		if err == nil {
			m.log.Debug("Loaded share",
				slog.String("store", store.Name()),
				slog.Int("member", int(member)),
				slog.Uint64("epoch", uint64(epoch)),
				slog.Duration("duration", time.Since(start)))
			return sealed, nil
		}
		if errors.Is(err, interfaces.ErrShareNotFound) {
			missing++
			continue
		}
		errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
	}

	if attempted > 0 && missing == attempted && len(errs) == 0 {
		return nil, interfaces.ErrShareNotFound
	}

	m.log.Error("All share stores failed to load share",
		slog.Int("member", int(member)),
		slog.Uint64("epoch", uint64(epoch)),
		slog.Int("failed_stores", len(errs)),
		slog.Int("missing", missing))
	if len(errs) == 0 {
		return nil, interfaces.ErrStoreUnavailable
	}
	return nil, fmt.Errorf("all share stores failed: %w", errors.Join(errs...))
}

// DeleteShare removes the share from every backend. Any failure is
// reported: a replica that survives a burn is a live secret.
func (m *MultiStore) DeleteShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) error {
	var errs []error

	for _, store := range m.stores {
		if err := store.DeleteShare(ctx, member, epoch); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", store.Name(), err))
			m.log.Error("Failed to delete share replica",
				slog.String("store", store.Name()),
				slog.Int("member", int(member)),
				slog.Uint64("epoch", uint64(epoch)),
				"err", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("share replicas remain: %w", errors.Join(errs...))
	}
	return nil
}

// Available reports true if any backend is available.
func (m *MultiStore) Available(ctx context.Context) bool {
	for _, store := range m.stores {
		if store.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this share store.
func (m *MultiStore) Name() string {
	return "multi-store"
}

// LocationURI returns the combined URI of all backends.
func (m *MultiStore) LocationURI() string {
	var locations []string
	for _, store := range m.stores {
		locations = append(locations, store.LocationURI())
	}
	return "multi:[" + strings.Join(locations, ",") + "]"
}
