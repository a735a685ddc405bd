package http

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/utafrali/cartsync/internal/domain"
	"github.com/utafrali/cartsync/internal/store"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/httputil"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/pkg/validator"
)

// CartHandler handles HTTP requests for cart endpoints.
type CartHandler struct {
	provider *store.Provider
	logger   *slog.Logger
}

// NewCartHandler creates a new cart HTTP handler.
func NewCartHandler(provider *store.Provider, logger *slog.Logger) *CartHandler {
	return &CartHandler{
		provider: provider,
		logger:   logger,
	}
}

// UpdateQuantityRequest is the JSON request body for updating a line's
// quantity. Out-of-range values are clamped, not rejected.
type UpdateQuantityRequest struct {
	Quantity *int `json:"quantity" validate:"required"`
}

// CartView is the cart representation returned by every cart endpoint.
type CartView struct {
	Items      []domain.CartLineItem `json:"items"`
	TotalItems int                   `json:"total_items"`
	TotalPrice decimal.Decimal       `json:"total_price"`
}

func newCartView(items []domain.CartLineItem) CartView {
	if items == nil {
		items = []domain.CartLineItem{}
	}
	totals := domain.TotalsOf(items)
	return CartView{Items: items, TotalItems: totals.TotalItems, TotalPrice: totals.TotalPrice}
}

// GetCart handles GET /api/v1/cart
func (h *CartHandler) GetCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	httputil.WriteData(w, http.StatusOK, newCartView(cart.Items()))
}

// AddItem handles POST /api/v1/cart/items
func (h *CartHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req domain.LineItemInput
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	if err := cart.AddItem(r.Context(), req); err != nil {
		writeStoreError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusOK, newCartView(cart.Items()))
}

// UpdateQuantity handles PUT /api/v1/cart/items/{itemId}
func (h *CartHandler) UpdateQuantity(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")

	var req UpdateQuantityRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	cart.UpdateQuantity(r.Context(), itemID, *req.Quantity)

	httputil.WriteData(w, http.StatusOK, newCartView(cart.Items()))
}

// RemoveItem handles DELETE /api/v1/cart/items/{itemId}
func (h *CartHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")

	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	cart.RemoveItem(r.Context(), itemID)

	httputil.WriteData(w, http.StatusOK, newCartView(cart.Items()))
}

// ClearCart handles DELETE /api/v1/cart
func (h *CartHandler) ClearCart(w http.ResponseWriter, r *http.Request) {
	cart, ok := h.cart(w, r)
	if !ok {
		return
	}
	cart.Clear(r.Context())

	httputil.WriteData(w, http.StatusOK, newCartView(nil))
}

func (h *CartHandler) cart(w http.ResponseWriter, r *http.Request) (*store.CartStore, bool) {
	cart, err := h.provider.Cart(r.Context(), logger.SessionIDFromContext(r.Context()))
	if err != nil {
		writeStoreError(w, r, err, h.logger)
		return nil, false
	}
	return cart, true
}

// writeStoreError maps store errors onto the response envelope.
func writeStoreError(w http.ResponseWriter, r *http.Request, err error, fallback *slog.Logger) {
	var valErr *validator.ValidationError
	switch {
	case errors.As(err, &valErr):
		httputil.WriteValidationError(w, err)
	case errors.Is(err, store.ErrProviderClosed):
		httputil.WriteError(w, r, apperrors.Unavailable("store", err), fallback)
	default:
		httputil.WriteError(w, r, err, fallback)
	}
}
