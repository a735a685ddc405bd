package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/cartsync/internal/domain"
	"github.com/utafrali/cartsync/internal/storage"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/validator"
)

// WishlistState is what wishlist subscribers receive after every change.
type WishlistState struct {
	Key   string
	Op    Op
	Items []domain.WishlistItem
}

// WishlistStore is a reactive wishlist persisted under one storage key.
// It is safe for concurrent use.
type WishlistStore struct {
	core     *synced[domain.WishlistItem]
	wishlist domain.Wishlist
	now      func() time.Time
}

// NewWishlistStore creates a wishlist store for key.
func NewWishlistStore(backend storage.Storage, key string, logger *slog.Logger, opts StoreOptions) *WishlistStore {
	s := &WishlistStore{now: time.Now}
	s.core = newSynced[domain.WishlistItem]("wishlist", key, backend, logger, opts.WriteTimeout)
	s.core.encode = domain.EncodeWishlist
	s.core.decode = domain.DecodeWishlist
	s.core.replace = func(items []domain.WishlistItem) { s.wishlist.Items = items }
	s.core.snapshot = s.wishlist.Snapshot
	return s
}

// Key returns the storage key.
func (s *WishlistStore) Key() string { return s.core.key }

// Load reads the persisted snapshot. Calls after the first successful read
// have no effect.
func (s *WishlistStore) Load(ctx context.Context) {
	s.core.load(ctx)
}

// Ready reports whether the snapshot has been loaded.
func (s *WishlistStore) Ready() bool { return s.core.isReady() }

// AddItem saves an item. An item whose id is already present is left as it
// is. It returns the stored item.
func (s *WishlistStore) AddItem(ctx context.Context, in domain.WishlistItemInput) (domain.WishlistItem, error) {
	if err := validator.Validate(in); err != nil {
		return domain.WishlistItem{}, fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}

	var item domain.WishlistItem
	s.core.mutate(ctx, OpAddItem, func() {
		item, _ = s.wishlist.Add(in, s.now(), uuid.NewString)
	})
	return item, nil
}

// RemoveItem removes the item with the given id. Unknown ids are a no-op.
func (s *WishlistStore) RemoveItem(ctx context.Context, id string) {
	s.core.mutate(ctx, OpRemoveItem, func() {
		s.wishlist.Remove(id)
	})
}

// Clear empties the wishlist and persists the empty snapshot.
func (s *WishlistStore) Clear(ctx context.Context) {
	s.core.mutate(ctx, OpClear, func() {
		s.wishlist.Items = nil
	})
}

// Items returns a copy of the items in insertion order.
func (s *WishlistStore) Items() []domain.WishlistItem {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.wishlist.Snapshot()
}

// IsInWishlist reports whether an item with the given id is saved.
func (s *WishlistStore) IsInWishlist(id string) bool {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.wishlist.Contains(id)
}

// Count returns the number of saved items.
func (s *WishlistStore) Count() int {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return len(s.wishlist.Items)
}

// Subscribe registers fn to run after every mutation and every adopted
// external change. It returns a function that unsubscribes.
func (s *WishlistStore) Subscribe(fn func(context.Context, WishlistState)) func() {
	return s.core.subscribe(func(ctx context.Context, op Op, items []domain.WishlistItem) {
		fn(ctx, WishlistState{Key: s.core.key, Op: op, Items: items})
	})
}

// Watch adopts snapshots written to the same key by other writers.
func (s *WishlistStore) Watch(ctx context.Context) error {
	return s.core.watch(ctx)
}

// Close stops watching.
func (s *WishlistStore) Close() {
	s.core.close()
}
