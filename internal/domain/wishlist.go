package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// WishlistItem is a product saved for later. Ids are unique; there is no
// quantity.
type WishlistItem struct {
	ID        string          `json:"id"`
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Price     decimal.Decimal `json:"price"`
	ImageURL  string          `json:"image_url,omitempty"`
	AddedAt   time.Time       `json:"added_at"`
}

// WishlistItemInput is a candidate wishlist item. An empty ID is replaced
// with a generated one.
type WishlistItemInput struct {
	ID        string          `json:"id" validate:"max=128"`
	ProductID string          `json:"product_id" validate:"required"`
	Name      string          `json:"name" validate:"max=256"`
	Price     decimal.Decimal `json:"price" validate:"gte=0"`
	ImageURL  string          `json:"image_url" validate:"max=2048"`
}

// Wishlist is an ordered collection of wishlist items with unique ids.
// It holds no locks; callers serialize access.
type Wishlist struct {
	Items []WishlistItem
}

// Index returns the index of the item with the given id, or -1.
func (w *Wishlist) Index(id string) int {
	for i := range w.Items {
		if w.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// Contains reports whether an item with the given id is present.
func (w *Wishlist) Contains(id string) bool {
	return w.Index(id) >= 0
}

// Add appends in unless an item with the same id exists. It returns the
// stored item and whether it was added.
func (w *Wishlist) Add(in WishlistItemInput, now time.Time, newID func() string) (WishlistItem, bool) {
	id := in.ID
	if id == "" {
		id = newID()
	}
	if i := w.Index(id); i >= 0 {
		return w.Items[i], false
	}

	item := WishlistItem{
		ID:        id,
		ProductID: in.ProductID,
		Name:      in.Name,
		Price:     in.Price,
		ImageURL:  in.ImageURL,
		AddedAt:   now.UTC(),
	}
	w.Items = append(w.Items, item)
	return item, true
}

// Remove deletes the item with the given id and reports whether it existed.
func (w *Wishlist) Remove(id string) bool {
	i := w.Index(id)
	if i < 0 {
		return false
	}
	w.Items = append(w.Items[:i], w.Items[i+1:]...)
	return true
}

// Snapshot returns a copy of the items, never nil.
func (w *Wishlist) Snapshot() []WishlistItem {
	out := make([]WishlistItem, len(w.Items))
	copy(out, w.Items)
	return out
}

// EncodeWishlist serializes items as a JSON array in insertion order.
func EncodeWishlist(items []WishlistItem) ([]byte, error) {
	if items == nil {
		items = []WishlistItem{}
	}
	return json.Marshal(items)
}

// DecodeWishlist parses a persisted wishlist snapshot. Items without an id
// and repeated ids are dropped.
func DecodeWishlist(data []byte) ([]WishlistItem, error) {
	var raw []WishlistItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode wishlist snapshot: %w", err)
	}

	w := Wishlist{Items: make([]WishlistItem, 0, len(raw))}
	for _, it := range raw {
		if it.ID == "" || w.Contains(it.ID) {
			continue
		}
		w.Items = append(w.Items, it)
	}
	return w.Items, nil
}
