package store

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/utafrali/cartsync/internal/domain"
	"github.com/utafrali/cartsync/internal/storage/memory"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/pkg/validator"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var decimalEqual = cmp.Comparer(func(a, b decimal.Decimal) bool { return a.Equal(b) })

func newLoadedCart(t *testing.T, mem *memory.Storage, key string) *CartStore {
	t.Helper()
	s := NewCartStore(mem, key, logger.Discard(), StoreOptions{})
	s.Load(context.Background())
	t.Cleanup(s.Close)
	return s
}

func input(productID string, quantity, max int, price string) domain.LineItemInput {
	return domain.LineItemInput{
		ProductID:   productID,
		Name:        "product " + productID,
		UnitPrice:   decimal.RequireFromString(price),
		Quantity:    quantity,
		MaxQuantity: max,
	}
}

func randomInput(f *gofakeit.Faker) domain.LineItemInput {
	max := f.IntRange(1, 10)
	return domain.LineItemInput{
		ProductID:   f.UUID(),
		Name:        f.ProductName(),
		ImageURL:    f.URL(),
		Origin:      f.Country(),
		UnitPrice:   decimal.NewFromFloat(f.Price(0, 300)).Round(2),
		Quantity:    f.IntRange(1, 12),
		MaxQuantity: max,
	}
}

func persisted(t *testing.T, mem *memory.Storage, key string) []domain.CartLineItem {
	t.Helper()
	data, err := mem.Get(context.Background(), key)
	require.NoError(t, err)
	items, err := domain.DecodeCart(data)
	require.NoError(t, err)
	return items
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

func TestCartStore_Load_MissingKeyStartsEmpty(t *testing.T) {
	s := newLoadedCart(t, memory.New(), "cart:s1")

	assert.True(t, s.Ready())
	assert.Empty(t, s.Items())
	assert.Equal(t, 0, s.Totals().TotalItems)
}

func TestCartStore_Load_MalformedSnapshotStartsEmpty(t *testing.T) {
	mem := memory.New()
	require.NoError(t, mem.Set(context.Background(), "cart:s1", []byte(`{"not":"an array"`), "old"))

	before := testutil.ToFloat64(malformedSnapshotsTotal.WithLabelValues("cart"))
	s := newLoadedCart(t, mem, "cart:s1")

	assert.True(t, s.Ready())
	assert.Empty(t, s.Items())
	assert.Equal(t, before+1, testutil.ToFloat64(malformedSnapshotsTotal.WithLabelValues("cart")))
}

func TestCartStore_Load_ReadFailureRetriesAndKeepsSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	require.NoError(t, mem.Set(ctx, "cart:s1", []byte(`[{"id":"x","product_id":"A","unit_price":"1","quantity":2,"max_quantity":5}]`), "old"))
	mem.SetFailure(errors.New("i/o timeout"))

	before := testutil.ToFloat64(loadFailuresTotal.WithLabelValues("cart"))
	s := newLoadedCart(t, mem, "cart:s1")
	assert.False(t, s.Ready())
	assert.Empty(t, s.Items())
	assert.Equal(t, before+1, testutil.ToFloat64(loadFailuresTotal.WithLabelValues("cart")))

	// Mutations made while the read is failing stay in memory.
	require.NoError(t, s.AddItem(ctx, input("B", 1, 5, "1")))
	assert.Len(t, s.Items(), 1)

	mem.SetFailure(nil)
	got := persisted(t, mem, "cart:s1")
	require.Len(t, got, 1)
	assert.Equal(t, "A", got[0].ProductID, "a failed read must not let the snapshot be overwritten")

	s.Load(ctx)
	require.True(t, s.Ready())
	require.Len(t, s.Items(), 1)
	assert.Equal(t, "A", s.Items()[0].ProductID)
	assert.Equal(t, 2, s.Items()[0].Quantity)

	require.NoError(t, s.AddItem(ctx, input("B", 1, 5, "1")))
	assert.Len(t, persisted(t, mem, "cart:s1"), 2)
}

func TestCartStore_Load_OnlyOnce(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	require.NoError(t, s.AddItem(context.Background(), input("A", 1, 5, "1")))

	// A later snapshot written behind the store's back is not re-read.
	require.NoError(t, mem.Set(context.Background(), "cart:s1", []byte(`[]`), "other"))
	s.Load(context.Background())

	assert.Len(t, s.Items(), 1)
}

// ---------------------------------------------------------------------------
// AddItem
// ---------------------------------------------------------------------------

func TestCartStore_AddItem_MergesAndCaps(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	ctx := context.Background()

	require.NoError(t, s.AddItem(ctx, input("A", 3, 5, "2.00")))
	require.NoError(t, s.AddItem(ctx, input("A", 4, 5, "2.00")))

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, 5, items[0].Quantity)
	assert.NotEmpty(t, items[0].ID)

	assert.Empty(t, cmp.Diff(items, persisted(t, mem, "cart:s1"), decimalEqual))
}

func TestCartStore_AddItem_InvalidInput(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")

	tests := []struct {
		name  string
		in    domain.LineItemInput
		field string
	}{
		{"empty product", input("", 1, 5, "1"), "product_id"},
		{"zero quantity", input("A", 0, 5, "1"), "quantity"},
		{"zero max", input("A", 1, 0, "1"), "max_quantity"},
		{"negative price", input("A", 1, 5, "-0.01"), "unit_price"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.AddItem(context.Background(), tt.in)
			require.Error(t, err)
			assert.ErrorIs(t, err, apperrors.ErrInvalidInput)

			var verr *validator.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields(), tt.field)
		})
	}

	assert.Empty(t, s.Items())
	assert.Equal(t, 0, mem.Keys(), "rejected input must not be persisted")
}

func TestCartStore_AddItem_MergeProperty(t *testing.T) {
	f := gofakeit.New(2026)

	for round := 0; round < 25; round++ {
		s := newLoadedCart(t, memory.New(), "cart:prop")
		max := f.IntRange(1, 30)
		sum := 0
		for n := f.IntRange(1, 8); n > 0; n-- {
			q := f.IntRange(1, 20)
			sum += q
			require.NoError(t, s.AddItem(context.Background(), input("P", q, max, "1")))
		}

		items := s.Items()
		require.Len(t, items, 1)
		assert.Equal(t, min(sum, max), items[0].Quantity, "round %d", round)
	}
}

func TestCartStore_AddItem_HugeQuantitySaturates(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")

	require.NoError(t, s.AddItem(ctx, input("A", 3, 5, "2")))
	require.NoError(t, s.AddItem(ctx, input("A", math.MaxInt, 5, "2")))
	require.NoError(t, s.AddItem(ctx, input("B", math.MaxInt, math.MaxInt, "0")))
	require.NoError(t, s.AddItem(ctx, input("B", math.MaxInt, math.MaxInt, "0")))

	items := s.Items()
	require.Len(t, items, 2)
	assert.Equal(t, 5, items[0].Quantity)
	assert.Equal(t, math.MaxInt, items[1].Quantity)
	assert.Equal(t, math.MaxInt, s.Totals().TotalItems)

	got := persisted(t, mem, "cart:s1")
	assert.Equal(t, 5, got[0].Quantity)
	assert.Equal(t, math.MaxInt, got[1].Quantity)
}

// ---------------------------------------------------------------------------
// UpdateQuantity / RemoveItem / Clear
// ---------------------------------------------------------------------------

func TestCartStore_UpdateQuantity_Clamps(t *testing.T) {
	f := gofakeit.New(11)
	s := newLoadedCart(t, memory.New(), "cart:s1")
	require.NoError(t, s.AddItem(context.Background(), input("A", 1, 7, "1")))
	id := s.Items()[0].ID

	for _, q := range []int{math.MaxInt, math.MinInt} {
		s.UpdateQuantity(context.Background(), id, q)
		got, ok := s.Item(id)
		require.True(t, ok)
		assert.Equal(t, min(max(q, 1), 7), got.Quantity, "q=%d", q)
	}
	for i := 0; i < 100; i++ {
		q := f.IntRange(-1_000_000, 1_000_000)
		s.UpdateQuantity(context.Background(), id, q)
		got, ok := s.Item(id)
		require.True(t, ok)
		assert.GreaterOrEqual(t, got.Quantity, 1, "q=%d", q)
		assert.LessOrEqual(t, got.Quantity, 7, "q=%d", q)
	}
}

func TestCartStore_UpdateQuantity_UnknownIDIsNoop(t *testing.T) {
	s := newLoadedCart(t, memory.New(), "cart:s1")
	require.NoError(t, s.AddItem(context.Background(), input("A", 2, 7, "1")))
	before := s.Items()

	s.UpdateQuantity(context.Background(), "missing", 5)

	assert.Empty(t, cmp.Diff(before, s.Items(), decimalEqual))
}

func TestCartStore_RemoveItem_Idempotent(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	ctx := context.Background()
	require.NoError(t, s.AddItem(ctx, input("A", 1, 5, "1")))
	require.NoError(t, s.AddItem(ctx, input("B", 1, 5, "1")))
	id := s.Items()[0].ID

	s.RemoveItem(ctx, id)
	once := s.Items()
	s.RemoveItem(ctx, id)

	assert.Empty(t, cmp.Diff(once, s.Items(), decimalEqual))
	assert.Empty(t, cmp.Diff(once, persisted(t, mem, "cart:s1"), decimalEqual))
	require.Len(t, once, 1)
	assert.Equal(t, "B", once[0].ProductID)
}

func TestCartStore_Clear(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	ctx := context.Background()
	require.NoError(t, s.AddItem(ctx, input("A", 2, 5, "3")))

	s.Clear(ctx)

	assert.Equal(t, 0, s.Totals().TotalItems)
	assert.True(t, s.Totals().TotalPrice.IsZero())
	data, err := mem.Get(ctx, "cart:s1")
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))
}

// ---------------------------------------------------------------------------
// Totals
// ---------------------------------------------------------------------------

func TestCartStore_TotalsTrackMutations(t *testing.T) {
	f := gofakeit.New(5)
	s := newLoadedCart(t, memory.New(), "cart:s1")
	ctx := context.Background()

	for i := 0; i < 60; i++ {
		items := s.Items()
		switch {
		case len(items) == 0 || f.Bool():
			require.NoError(t, s.AddItem(ctx, randomInput(f)))
		case f.Bool():
			s.UpdateQuantity(ctx, items[f.IntRange(0, len(items)-1)].ID, f.IntRange(-3, 15))
		default:
			s.RemoveItem(ctx, items[f.IntRange(0, len(items)-1)].ID)
		}

		wantItems, wantPrice := 0, decimal.Zero
		for _, it := range s.Items() {
			wantItems += it.Quantity
			wantPrice = wantPrice.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
		}
		got := s.Totals()
		assert.Equal(t, wantItems, got.TotalItems)
		assert.True(t, wantPrice.Equal(got.TotalPrice), "want %s got %s", wantPrice, got.TotalPrice)
	}
}

// ---------------------------------------------------------------------------
// Persistence
// ---------------------------------------------------------------------------

func TestCartStore_RoundTripThroughReload(t *testing.T) {
	f := gofakeit.New(77)
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	for i := 0; i < 6; i++ {
		require.NoError(t, s.AddItem(context.Background(), randomInput(f)))
	}

	reloaded := newLoadedCart(t, mem, "cart:s1")

	assert.Empty(t, cmp.Diff(s.Items(), reloaded.Items(), decimalEqual), "order and content must survive a reload")
}

func TestCartStore_NoPersistBeforeLoad(t *testing.T) {
	mem := memory.New()
	require.NoError(t, mem.Set(context.Background(), "cart:s1", []byte(`[{"id":"x","product_id":"A","unit_price":"1","quantity":2,"max_quantity":5}]`), "old"))

	s := NewCartStore(mem, "cart:s1", logger.Discard(), StoreOptions{})
	defer s.Close()
	s.Clear(context.Background())

	assert.Len(t, persisted(t, mem, "cart:s1"), 1, "an unread snapshot must not be overwritten")

	s.Load(context.Background())
	assert.Len(t, s.Items(), 1)
}

func TestCartStore_WriteFailureKeepsMutation(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	mem.SetFailure(errors.New("quota exceeded"))

	before := testutil.ToFloat64(persistFailuresTotal.WithLabelValues("cart"))
	require.NoError(t, s.AddItem(context.Background(), input("A", 2, 5, "1")))

	assert.Len(t, s.Items(), 1)
	assert.Equal(t, before+1, testutil.ToFloat64(persistFailuresTotal.WithLabelValues("cart")))

	mem.SetFailure(nil)
	s.UpdateQuantity(context.Background(), s.Items()[0].ID, 3)
	assert.Equal(t, 3, persisted(t, mem, "cart:s1")[0].Quantity)
}

func TestCartStore_PersistSurvivesCanceledContext(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, s.AddItem(ctx, input("A", 1, 5, "1")))

	assert.Len(t, persisted(t, mem, "cart:s1"), 1)
}

// ---------------------------------------------------------------------------
// Subscribe
// ---------------------------------------------------------------------------

func TestCartStore_Subscribe(t *testing.T) {
	s := newLoadedCart(t, memory.New(), "cart:s1")
	ctx := context.Background()

	var got []CartState
	unsubscribe := s.Subscribe(func(_ context.Context, st CartState) { got = append(got, st) })

	require.NoError(t, s.AddItem(ctx, input("A", 2, 5, "1.50")))
	s.RemoveItem(ctx, "missing")
	unsubscribe()
	unsubscribe()
	s.Clear(ctx)

	require.Len(t, got, 2)
	assert.Equal(t, OpAddItem, got[0].Op)
	assert.Equal(t, "cart:s1", got[0].Key)
	assert.Equal(t, 2, got[0].Totals.TotalItems)
	assert.True(t, got[0].Totals.TotalPrice.Equal(decimal.RequireFromString("3")))
	assert.Equal(t, OpRemoveItem, got[1].Op, "no-op mutations still notify")
}

func TestCartStore_ConcurrentAdds(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.AddItem(context.Background(), input("A", 1, 1000, "1")))
		}()
	}
	wg.Wait()

	require.Len(t, s.Items(), 1)
	assert.Equal(t, 50, s.Items()[0].Quantity)
	assert.Equal(t, 50, persisted(t, mem, "cart:s1")[0].Quantity)
}

// ---------------------------------------------------------------------------
// Watch
// ---------------------------------------------------------------------------

func waitState(t *testing.T, ch <-chan CartState) CartState {
	t.Helper()
	select {
	case st := <-ch:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for cart state")
		return CartState{}
	}
}

func TestCartStore_Watch_AdoptsOtherWriters(t *testing.T) {
	mem := memory.New()
	a := newLoadedCart(t, mem, "cart:s1")
	b := newLoadedCart(t, mem, "cart:s1")
	require.NoError(t, b.Watch(context.Background()))
	require.NoError(t, a.Watch(context.Background()))

	states := make(chan CartState, 4)
	b.Subscribe(func(_ context.Context, st CartState) { states <- st })

	require.NoError(t, a.AddItem(context.Background(), input("A", 2, 5, "4")))

	st := waitState(t, states)
	assert.Equal(t, OpExternal, st.Op)
	assert.Empty(t, cmp.Diff(a.Items(), b.Items(), decimalEqual))
	assert.Equal(t, 2, b.Totals().TotalItems)
}

func TestCartStore_Watch_IgnoresOwnWrites(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	require.NoError(t, s.Watch(context.Background()))

	before := testutil.ToFloat64(externalUpdatesTotal.WithLabelValues("cart"))
	states := make(chan CartState, 4)
	s.Subscribe(func(_ context.Context, st CartState) { states <- st })

	require.NoError(t, s.AddItem(context.Background(), input("A", 1, 5, "1")))
	assert.Equal(t, OpAddItem, waitState(t, states).Op)

	select {
	case st := <-states:
		t.Fatalf("unexpected notification %v", st.Op)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, before, testutil.ToFloat64(externalUpdatesTotal.WithLabelValues("cart")))
}

func TestCartStore_Watch_LastWriterWins(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	require.NoError(t, s.AddItem(context.Background(), input("A", 1, 5, "1")))
	require.NoError(t, s.Watch(context.Background()))

	states := make(chan CartState, 4)
	s.Subscribe(func(_ context.Context, st CartState) { states <- st })

	external := []byte(`[{"id":"z","product_id":"Z","unit_price":"9","quantity":1,"max_quantity":2}]`)
	require.NoError(t, mem.Set(context.Background(), "cart:s1", external, "other-process"))
	waitState(t, states)

	items := s.Items()
	require.Len(t, items, 1)
	assert.Equal(t, "Z", items[0].ProductID, "external snapshot replaces local state without merging")
}

func TestCartStore_Watch_DeletedAndMalformedBecomeEmpty(t *testing.T) {
	mem := memory.New()
	s := newLoadedCart(t, mem, "cart:s1")
	require.NoError(t, s.Watch(context.Background()))
	states := make(chan CartState, 4)
	s.Subscribe(func(_ context.Context, st CartState) { states <- st })

	require.NoError(t, s.AddItem(context.Background(), input("A", 1, 5, "1")))
	waitState(t, states)

	require.NoError(t, mem.Delete(context.Background(), "cart:s1", "other"))
	waitState(t, states)
	assert.Empty(t, s.Items())

	require.NoError(t, s.AddItem(context.Background(), input("B", 1, 5, "1")))
	waitState(t, states)
	require.NoError(t, mem.Set(context.Background(), "cart:s1", []byte(`garbage`), "other"))
	waitState(t, states)
	assert.Empty(t, s.Items())
}

func TestCartStore_Close_StopsWatching(t *testing.T) {
	mem := memory.New()
	s := NewCartStore(mem, "cart:s1", logger.Discard(), StoreOptions{})
	s.Load(context.Background())
	require.NoError(t, s.Watch(context.Background()))
	require.NoError(t, s.Watch(context.Background()), "second Watch is a no-op")

	s.Close()
	require.NoError(t, s.Watch(context.Background()), "Watch after Close is a no-op")

	require.NoError(t, mem.Set(context.Background(), "cart:s1", []byte(`[{"id":"z","product_id":"Z","unit_price":"1","quantity":1,"max_quantity":1}]`), "other"))
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, s.Items())
}
