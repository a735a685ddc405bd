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

// CartState is what cart subscribers receive after every change.
type CartState struct {
	Key    string
	Op     Op
	Items  []domain.CartLineItem
	Totals domain.Totals
}

// CartStore is a reactive cart persisted under one storage key.
// It is safe for concurrent use. Listeners must not mutate the store they
// are subscribed to.
type CartStore struct {
	core *synced[domain.CartLineItem]
	cart domain.Cart
}

// StoreOptions tunes a store.
type StoreOptions struct {
	// WriteTimeout bounds each snapshot write. Defaults to 5s.
	WriteTimeout time.Duration
}

// NewCartStore creates a cart store for key. Call Load before relying on
// its contents.
func NewCartStore(backend storage.Storage, key string, logger *slog.Logger, opts StoreOptions) *CartStore {
	s := &CartStore{}
	s.core = newSynced[domain.CartLineItem]("cart", key, backend, logger, opts.WriteTimeout)
	s.core.encode = domain.EncodeCart
	s.core.decode = domain.DecodeCart
	s.core.replace = func(items []domain.CartLineItem) { s.cart.Items = items }
	s.core.snapshot = s.cart.Snapshot
	return s
}

// Key returns the storage key.
func (s *CartStore) Key() string { return s.core.key }

// Load reads the persisted snapshot. Calls after the first successful read
// have no effect.
func (s *CartStore) Load(ctx context.Context) {
	s.core.load(ctx)
}

// Ready reports whether the snapshot has been loaded.
func (s *CartStore) Ready() bool { return s.core.isReady() }

// AddItem merges in into the line for the same product or appends a new
// line. Only invalid input is reported as an error.
func (s *CartStore) AddItem(ctx context.Context, in domain.LineItemInput) error {
	if err := validator.Validate(in); err != nil {
		return fmt.Errorf("%w: %w", apperrors.ErrInvalidInput, err)
	}

	s.core.mutate(ctx, OpAddItem, func() {
		s.cart.Add(in, uuid.NewString)
	})
	return nil
}

// RemoveItem removes the line with the given id. Unknown ids are a no-op.
func (s *CartStore) RemoveItem(ctx context.Context, id string) {
	s.core.mutate(ctx, OpRemoveItem, func() {
		s.cart.Remove(id)
	})
}

// UpdateQuantity sets the quantity of a line, clamped to [1, max_quantity].
// Unknown ids are a no-op.
func (s *CartStore) UpdateQuantity(ctx context.Context, id string, quantity int) {
	s.core.mutate(ctx, OpUpdateQuantity, func() {
		s.cart.SetQuantity(id, quantity)
	})
}

// Clear empties the cart and persists the empty snapshot.
func (s *CartStore) Clear(ctx context.Context) {
	s.core.mutate(ctx, OpClear, func() {
		s.cart.Items = nil
	})
}

// Items returns a copy of the line items in insertion order.
func (s *CartStore) Items() []domain.CartLineItem {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.cart.Snapshot()
}

// Item returns the line with the given id.
func (s *CartStore) Item(id string) (domain.CartLineItem, bool) {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	if i := s.cart.IndexByID(id); i >= 0 {
		return s.cart.Items[i], true
	}
	return domain.CartLineItem{}, false
}

// Totals computes the cart totals from the current items.
func (s *CartStore) Totals() domain.Totals {
	s.core.mu.Lock()
	defer s.core.mu.Unlock()
	return s.cart.Totals()
}

// Subscribe registers fn to run after every mutation and every adopted
// external change. It returns a function that unsubscribes.
func (s *CartStore) Subscribe(fn func(context.Context, CartState)) func() {
	return s.core.subscribe(func(ctx context.Context, op Op, items []domain.CartLineItem) {
		fn(ctx, CartState{Key: s.core.key, Op: op, Items: items, Totals: domain.TotalsOf(items)})
	})
}

// Watch adopts snapshots written to the same key by other writers until
// ctx is done or Close is called.
func (s *CartStore) Watch(ctx context.Context) error {
	return s.core.watch(ctx)
}

// Close stops watching.
func (s *CartStore) Close() {
	s.core.close()
}
