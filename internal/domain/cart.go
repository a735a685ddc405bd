package domain

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/shopspring/decimal"
)

// CartLineItem is one entry in a cart: a quantity of a single product.
type CartLineItem struct {
	ID          string          `json:"id"`
	ProductID   string          `json:"product_id"`
	Name        string          `json:"name"`
	ImageURL    string          `json:"image_url,omitempty"`
	Origin      string          `json:"origin,omitempty"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
	Quantity    int             `json:"quantity"`
	MaxQuantity int             `json:"max_quantity"`
}

// LineItemInput is a candidate line item passed to AddItem.
type LineItemInput struct {
	ProductID   string          `json:"product_id" validate:"required"`
	Name        string          `json:"name" validate:"max=256"`
	ImageURL    string          `json:"image_url" validate:"max=2048"`
	Origin      string          `json:"origin" validate:"max=128"`
	UnitPrice   decimal.Decimal `json:"unit_price" validate:"gte=0"`
	Quantity    int             `json:"quantity" validate:"gte=1"`
	MaxQuantity int             `json:"max_quantity" validate:"gte=1"`
}

// Totals are the aggregates derived from a cart's line items.
type Totals struct {
	TotalItems int             `json:"total_items"`
	TotalPrice decimal.Decimal `json:"total_price"`
}

// Cart is an ordered collection of line items with unique product ids.
// It holds no locks; callers serialize access.
type Cart struct {
	Items []CartLineItem
}

// MergeQuantity adds delta to a quantity already within [1, max] and
// saturates at the bounds instead of overflowing.
func MergeQuantity(current, delta, max int) int {
	current = Clamp(current, max)
	if delta >= max-current {
		return Clamp(max, max)
	}
	return Clamp(current+delta, max)
}

// Clamp bounds quantity into [1, max].
func Clamp(quantity, max int) int {
	if quantity > max {
		quantity = max
	}
	if quantity < 1 {
		quantity = 1
	}
	return quantity
}

// IndexByID returns the index of the line item with the given id, or -1.
func (c *Cart) IndexByID(id string) int {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// IndexByProduct returns the index of the line item for productID, or -1.
func (c *Cart) IndexByProduct(productID string) int {
	for i := range c.Items {
		if c.Items[i].ProductID == productID {
			return i
		}
	}
	return -1
}

// Add merges in into the line for the same product, capping at that line's
// max quantity, or appends a new line with an id from newID. It returns the
// affected line.
func (c *Cart) Add(in LineItemInput, newID func() string) CartLineItem {
	if i := c.IndexByProduct(in.ProductID); i >= 0 {
		line := &c.Items[i]
		line.Quantity = MergeQuantity(line.Quantity, in.Quantity, line.MaxQuantity)
		return *line
	}

	line := CartLineItem{
		ID:          newID(),
		ProductID:   in.ProductID,
		Name:        in.Name,
		ImageURL:    in.ImageURL,
		Origin:      in.Origin,
		UnitPrice:   in.UnitPrice,
		Quantity:    Clamp(in.Quantity, in.MaxQuantity),
		MaxQuantity: in.MaxQuantity,
	}
	c.Items = append(c.Items, line)
	return line
}

// Remove deletes the line with the given id. It reports whether a line was
// removed.
func (c *Cart) Remove(id string) bool {
	i := c.IndexByID(id)
	if i < 0 {
		return false
	}
	c.Items = append(c.Items[:i], c.Items[i+1:]...)
	return true
}

// SetQuantity clamps quantity into the addressed line's bounds. It reports
// whether the line exists.
func (c *Cart) SetQuantity(id string, quantity int) bool {
	i := c.IndexByID(id)
	if i < 0 {
		return false
	}
	c.Items[i].Quantity = Clamp(quantity, c.Items[i].MaxQuantity)
	return true
}

// Totals sums quantities and unit_price * quantity over all lines.
func (c *Cart) Totals() Totals {
	return TotalsOf(c.Items)
}

// TotalsOf computes Totals for a slice of line items.
func TotalsOf(items []CartLineItem) Totals {
	t := Totals{TotalPrice: decimal.Zero}
	for _, it := range items {
		if it.Quantity > 0 && t.TotalItems > math.MaxInt-it.Quantity {
			t.TotalItems = math.MaxInt
		} else {
			t.TotalItems += it.Quantity
		}
		t.TotalPrice = t.TotalPrice.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}
	return t
}

// Snapshot returns a copy of the items, never nil.
func (c *Cart) Snapshot() []CartLineItem {
	out := make([]CartLineItem, len(c.Items))
	copy(out, c.Items)
	return out
}

// EncodeCart serializes line items as a JSON array in insertion order.
func EncodeCart(items []CartLineItem) ([]byte, error) {
	if items == nil {
		items = []CartLineItem{}
	}
	return json.Marshal(items)
}

// DecodeCart parses a persisted cart snapshot and restores the line item
// invariants: lines without a product or a positive max quantity are
// dropped, duplicate products are merged into the first line and every
// quantity is clamped.
func DecodeCart(data []byte) ([]CartLineItem, error) {
	var raw []CartLineItem
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode cart snapshot: %w", err)
	}

	c := Cart{Items: make([]CartLineItem, 0, len(raw))}
	for _, it := range raw {
		if it.ID == "" || it.ProductID == "" || it.MaxQuantity < 1 || it.UnitPrice.IsNegative() {
			continue
		}
		if i := c.IndexByProduct(it.ProductID); i >= 0 {
			c.Items[i].Quantity = MergeQuantity(c.Items[i].Quantity, it.Quantity, c.Items[i].MaxQuantity)
			continue
		}
		it.Quantity = Clamp(it.Quantity, it.MaxQuantity)
		c.Items = append(c.Items, it)
	}
	return c.Items, nil
}
