package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/utafrali/cartsync/internal/store"
	"github.com/utafrali/cartsync/pkg/health"
	"github.com/utafrali/cartsync/pkg/middleware"
)

// NewRouter creates a chi router with all cartsync routes registered.
func NewRouter(
	provider *store.Provider,
	healthHandler *health.Handler,
	cors middleware.CORSConfig,
	logger *slog.Logger,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS(cors))
	r.Use(chimw.Compress(5))
	r.Use(chimw.Timeout(30 * time.Second))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.PrometheusMetrics("cartsync"))
	r.Use(middleware.Tracing("cartsync"))
	r.Use(middleware.RequestLogger(logger))

	// Health check endpoints
	r.Get("/health/live", healthHandler.LivenessHandler())
	r.Get("/health/ready", healthHandler.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	cartHandler := NewCartHandler(provider, logger)
	wishlistHandler := NewWishlistHandler(provider, logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)
		r.Use(SessionIDFromHeader)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cartHandler.GetCart)
			r.Delete("/", cartHandler.ClearCart)

			r.Post("/items", cartHandler.AddItem)
			r.Put("/items/{itemId}", cartHandler.UpdateQuantity)
			r.Delete("/items/{itemId}", cartHandler.RemoveItem)
		})

		r.Route("/wishlist", func(r chi.Router) {
			r.Get("/", wishlistHandler.GetWishlist)
			r.Delete("/", wishlistHandler.ClearWishlist)

			r.Post("/items", wishlistHandler.AddItem)
			r.Get("/items/{itemId}", wishlistHandler.CheckItem)
			r.Delete("/items/{itemId}", wishlistHandler.RemoveItem)
		})
	})

	return r
}
