package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/ruteri/masterpad-provisioning-backend/interfaces"
)

// MockShareStore implements interfaces.ShareStore for testing.
type MockShareStore struct {
	mock.Mock
	name string
}

func (m *MockShareStore) StoreShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch, sealed []byte) error {
	args := m.Called(ctx, member, epoch, sealed)
	return args.Error(0)
}

func (m *MockShareStore) LoadShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) ([]byte, error) {
	args := m.Called(ctx, member, epoch)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockShareStore) DeleteShare(ctx context.Context, member interfaces.MemberID, epoch interfaces.Epoch) error {
	args := m.Called(ctx, member, epoch)
	return args.Error(0)
}

func (m *MockShareStore) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockShareStore) Name() string {
	return m.name
}

func (m *MockShareStore) LocationURI() string {
	return "mock:"
}

func testStorageLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMultiStore_Available(t *testing.T) {
	tests := []struct {
		name     string
		stores   []bool
		expected bool
	}{
		{
			name:     "all stores available",
			stores:   []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some stores available",
			stores:   []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no stores available",
			stores:   []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no stores",
			stores:   []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stores []interfaces.ShareStore
			for i, available := range tt.stores {
				mockStore := &MockShareStore{name: fmt.Sprintf("mock-%d", i)}
				mockStore.On("Available", mock.Anything).Return(available).Maybe()
				stores = append(stores, mockStore)
			}

			multi := NewMultiStore(stores, testStorageLogger())
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, store := range stores {
				store.(*MockShareStore).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStore_StoreShare(t *testing.T) {
	sealed := []byte("sealed share blob")
	storeErr := errors.New("disk full")

	t.Run("one replica is enough", func(t *testing.T) {
		healthy := &MockShareStore{name: "healthy"}
		healthy.On("Available", mock.Anything).Return(true)
		healthy.On("StoreShare", mock.Anything, interfaces.MemberID(3), interfaces.Epoch(1), sealed).Return(nil)

		failing := &MockShareStore{name: "failing"}
		failing.On("Available", mock.Anything).Return(true)
		failing.On("StoreShare", mock.Anything, interfaces.MemberID(3), interfaces.Epoch(1), sealed).Return(storeErr)

		multi := NewMultiStore([]interfaces.ShareStore{healthy, failing}, testStorageLogger())
		err := multi.StoreShare(context.Background(), 3, 1, sealed)
		assert.NoError(t, err, "one successful replica is a successful store")

		healthy.AssertExpectations(t)
		failing.AssertExpectations(t)
	})

	t.Run("all backends failing is an error", func(t *testing.T) {
		down := &MockShareStore{name: "down"}
		down.On("Available", mock.Anything).Return(false)

		failing := &MockShareStore{name: "failing"}
		failing.On("Available", mock.Anything).Return(true)
		failing.On("StoreShare", mock.Anything, interfaces.MemberID(3), interfaces.Epoch(1), sealed).Return(storeErr)

		multi := NewMultiStore([]interfaces.ShareStore{down, failing}, testStorageLogger())
		err := multi.StoreShare(context.Background(), 3, 1, sealed)
		require.Error(t, err, "no replica written means the store failed")
		assert.ErrorIs(t, err, storeErr)
	})
}

func TestMultiStore_LoadShare(t *testing.T) {
	sealed := []byte("sealed share blob")
	loadErr := errors.New("connection reset")

	t.Run("first hit wins", func(t *testing.T) {
		empty := &MockShareStore{name: "empty"}
		empty.On("Available", mock.Anything).Return(true)
		empty.On("LoadShare", mock.Anything, interfaces.MemberID(2), interfaces.Epoch(1)).Return(nil, interfaces.ErrShareNotFound)

		holding := &MockShareStore{name: "holding"}
		holding.On("Available", mock.Anything).Return(true)
		holding.On("LoadShare", mock.Anything, interfaces.MemberID(2), interfaces.Epoch(1)).Return(sealed, nil)

		multi := NewMultiStore([]interfaces.ShareStore{empty, holding}, testStorageLogger())
		data, err := multi.LoadShare(context.Background(), 2, 1)
		require.NoError(t, err)
		assert.Equal(t, sealed, data)
	})

	t.Run("missing everywhere is not found", func(t *testing.T) {
		var stores []interfaces.ShareStore
		for i := 0; i < 2; i++ {
			mockStore := &MockShareStore{name: fmt.Sprintf("empty-%d", i)}
			mockStore.On("Available", mock.Anything).Return(true)
			mockStore.On("LoadShare", mock.Anything, interfaces.MemberID(2), interfaces.Epoch(1)).Return(nil, interfaces.ErrShareNotFound)
			stores = append(stores, mockStore)
		}

		multi := NewMultiStore(stores, testStorageLogger())
		_, err := multi.LoadShare(context.Background(), 2, 1)
		assert.ErrorIs(t, err, interfaces.ErrShareNotFound,
			"unanimous absence across reachable stores is a missing share")
	})

	t.Run("outage does not masquerade as absence", func(t *testing.T) {
		empty := &MockShareStore{name: "empty"}
		empty.On("Available", mock.Anything).Return(true)
		empty.On("LoadShare", mock.Anything, interfaces.MemberID(2), interfaces.Epoch(1)).Return(nil, interfaces.ErrShareNotFound)

		down := &MockShareStore{name: "down"}
		down.On("Available", mock.Anything).Return(false)

		multi := NewMultiStore([]interfaces.ShareStore{empty, down}, testStorageLogger())
		_, err := multi.LoadShare(context.Background(), 2, 1)
		require.Error(t, err)
		assert.NotErrorIs(t, err, interfaces.ErrShareNotFound,
			"an unreachable store may still hold the share")
		assert.ErrorIs(t, err, interfaces.ErrStoreUnavailable)
	})

	t.Run("read errors are joined", func(t *testing.T) {
		broken := &MockShareStore{name: "broken"}
		broken.On("Available", mock.Anything).Return(true)
		broken.On("LoadShare", mock.Anything, interfaces.MemberID(2), interfaces.Epoch(1)).Return(nil, loadErr)

		multi := NewMultiStore([]interfaces.ShareStore{broken}, testStorageLogger())
		_, err := multi.LoadShare(context.Background(), 2, 1)
		assert.ErrorIs(t, err, loadErr)
	})
}

func TestMultiStore_DeleteShare(t *testing.T) {
	deleteErr := errors.New("permission denied")

	t.Run("every replica must go", func(t *testing.T) {
		clean := &MockShareStore{name: "clean"}
		clean.On("DeleteShare", mock.Anything, interfaces.MemberID(1), interfaces.Epoch(2)).Return(nil)

		stuck := &MockShareStore{name: "stuck"}
		stuck.On("DeleteShare", mock.Anything, interfaces.MemberID(1), interfaces.Epoch(2)).Return(deleteErr)

		multi := NewMultiStore([]interfaces.ShareStore{clean, stuck}, testStorageLogger())
		err := multi.DeleteShare(context.Background(), 1, 2)
		require.Error(t, err, "a surviving replica is a failed delete")
		assert.ErrorIs(t, err, deleteErr)
	})

	t.Run("all replicas deleted", func(t *testing.T) {
		var stores []interfaces.ShareStore
		for i := 0; i < 3; i++ {
			mockStore := &MockShareStore{name: fmt.Sprintf("clean-%d", i)}
			mockStore.On("DeleteShare", mock.Anything, interfaces.MemberID(1), interfaces.Epoch(2)).Return(nil)
			stores = append(stores, mockStore)
		}

		multi := NewMultiStore(stores, testStorageLogger())
		assert.NoError(t, multi.DeleteShare(context.Background(), 1, 2))
	})
}
