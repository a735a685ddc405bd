package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/utafrali/cartsync/internal/domain"
	"github.com/utafrali/cartsync/internal/store"
	"github.com/utafrali/cartsync/pkg/httputil"
	"github.com/utafrali/cartsync/pkg/logger"
	"github.com/utafrali/cartsync/pkg/validator"
)

// WishlistHandler handles HTTP requests for wishlist endpoints.
type WishlistHandler struct {
	provider *store.Provider
	logger   *slog.Logger
}

// NewWishlistHandler creates a new wishlist HTTP handler.
func NewWishlistHandler(provider *store.Provider, logger *slog.Logger) *WishlistHandler {
	return &WishlistHandler{
		provider: provider,
		logger:   logger,
	}
}

// WishlistView is the wishlist representation returned by list endpoints.
type WishlistView struct {
	Items []domain.WishlistItem `json:"items"`
	Count int                   `json:"count"`
}

// MembershipView answers whether an item is saved.
type MembershipView struct {
	ID         string `json:"id"`
	InWishlist bool   `json:"in_wishlist"`
}

func newWishlistView(items []domain.WishlistItem) WishlistView {
	if items == nil {
		items = []domain.WishlistItem{}
	}
	return WishlistView{Items: items, Count: len(items)}
}

// GetWishlist handles GET /api/v1/wishlist
func (h *WishlistHandler) GetWishlist(w http.ResponseWriter, r *http.Request) {
	wl, ok := h.wishlist(w, r)
	if !ok {
		return
	}
	httputil.WriteData(w, http.StatusOK, newWishlistView(wl.Items()))
}

// AddItem handles POST /api/v1/wishlist/items
func (h *WishlistHandler) AddItem(w http.ResponseWriter, r *http.Request) {
	var req domain.WishlistItemInput
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	wl, ok := h.wishlist(w, r)
	if !ok {
		return
	}
	item, err := wl.AddItem(r.Context(), req)
	if err != nil {
		writeStoreError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, item)
}

// CheckItem handles GET /api/v1/wishlist/items/{itemId}
func (h *WishlistHandler) CheckItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")

	wl, ok := h.wishlist(w, r)
	if !ok {
		return
	}
	httputil.WriteData(w, http.StatusOK, MembershipView{ID: itemID, InWishlist: wl.IsInWishlist(itemID)})
}

// RemoveItem handles DELETE /api/v1/wishlist/items/{itemId}
func (h *WishlistHandler) RemoveItem(w http.ResponseWriter, r *http.Request) {
	itemID := chi.URLParam(r, "itemId")

	wl, ok := h.wishlist(w, r)
	if !ok {
		return
	}
	wl.RemoveItem(r.Context(), itemID)

	httputil.WriteData(w, http.StatusOK, newWishlistView(wl.Items()))
}

// ClearWishlist handles DELETE /api/v1/wishlist
func (h *WishlistHandler) ClearWishlist(w http.ResponseWriter, r *http.Request) {
	wl, ok := h.wishlist(w, r)
	if !ok {
		return
	}
	wl.Clear(r.Context())

	httputil.WriteData(w, http.StatusOK, newWishlistView(nil))
}

func (h *WishlistHandler) wishlist(w http.ResponseWriter, r *http.Request) (*store.WishlistStore, bool) {
	wl, err := h.provider.Wishlist(r.Context(), logger.SessionIDFromContext(r.Context()))
	if err != nil {
		writeStoreError(w, r, err, h.logger)
		return nil, false
	}
	return wl, true
}
