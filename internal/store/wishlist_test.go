package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/utafrali/cartsync/internal/domain"
	"github.com/utafrali/cartsync/internal/storage/memory"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/logger"
)

func newLoadedWishlist(t *testing.T, mem *memory.Storage, key string) *WishlistStore {
	t.Helper()
	s := NewWishlistStore(mem, key, logger.Discard(), StoreOptions{})
	s.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }
	s.Load(context.Background())
	t.Cleanup(s.Close)
	return s
}

func TestWishlistStore_AddAndQuery(t *testing.T) {
	mem := memory.New()
	s := newLoadedWishlist(t, mem, "wishlist:s1")
	ctx := context.Background()

	item, err := s.AddItem(ctx, domain.WishlistItemInput{ProductID: "A", Name: "Lamp", Price: decimal.RequireFromString("12.5")})
	require.NoError(t, err)
	assert.NotEmpty(t, item.ID)
	assert.Equal(t, time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC), item.AddedAt)

	assert.True(t, s.IsInWishlist(item.ID))
	assert.False(t, s.IsInWishlist("missing"))
	assert.Equal(t, 1, s.Count())

	data, err := mem.Get(ctx, "wishlist:s1")
	require.NoError(t, err)
	stored, err := domain.DecodeWishlist(data)
	require.NoError(t, err)
	assert.Empty(t, cmp.Diff(s.Items(), stored, decimalEqual))
}

func TestWishlistStore_DuplicateIDIsNoop(t *testing.T) {
	s := newLoadedWishlist(t, memory.New(), "wishlist:s1")
	ctx := context.Background()

	_, err := s.AddItem(ctx, domain.WishlistItemInput{ID: "w1", ProductID: "A", Name: "first"})
	require.NoError(t, err)
	item, err := s.AddItem(ctx, domain.WishlistItemInput{ID: "w1", ProductID: "B", Name: "second"})
	require.NoError(t, err)

	assert.Equal(t, "first", item.Name)
	assert.Equal(t, 1, s.Count())
}

func TestWishlistStore_InvalidInput(t *testing.T) {
	mem := memory.New()
	s := newLoadedWishlist(t, mem, "wishlist:s1")

	_, err := s.AddItem(context.Background(), domain.WishlistItemInput{Name: "no product"})
	assert.ErrorIs(t, err, apperrors.ErrInvalidInput)
	assert.Equal(t, 0, s.Count())
	assert.Equal(t, 0, mem.Keys())
}

func TestWishlistStore_RemoveIdempotentAndClear(t *testing.T) {
	mem := memory.New()
	s := newLoadedWishlist(t, mem, "wishlist:s1")
	ctx := context.Background()

	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := s.AddItem(ctx, domain.WishlistItemInput{ID: id, ProductID: "p-" + id})
		require.NoError(t, err)
	}

	s.RemoveItem(ctx, "w2")
	s.RemoveItem(ctx, "w2")
	assert.Equal(t, 2, s.Count())
	assert.Equal(t, "w3", s.Items()[1].ID)

	s.Clear(ctx)
	assert.Equal(t, 0, s.Count())
	data, err := mem.Get(ctx, "wishlist:s1")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

func TestWishlistStore_ReloadAndWatch(t *testing.T) {
	mem := memory.New()
	a := newLoadedWishlist(t, mem, "wishlist:s1")
	_, err := a.AddItem(context.Background(), domain.WishlistItemInput{ID: "w1", ProductID: "A"})
	require.NoError(t, err)

	b := newLoadedWishlist(t, mem, "wishlist:s1")
	assert.True(t, b.IsInWishlist("w1"))

	require.NoError(t, b.Watch(context.Background()))
	states := make(chan WishlistState, 2)
	b.Subscribe(func(_ context.Context, st WishlistState) { states <- st })

	_, err = a.AddItem(context.Background(), domain.WishlistItemInput{ID: "w2", ProductID: "B"})
	require.NoError(t, err)

	select {
	case st := <-states:
		assert.Equal(t, OpExternal, st.Op)
		assert.Len(t, st.Items, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("no external update")
	}
	assert.True(t, b.IsInWishlist("w2"))
}
