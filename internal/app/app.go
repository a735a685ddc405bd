package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/utafrali/cartsync/internal/config"
	"github.com/utafrali/cartsync/internal/event"
	handler "github.com/utafrali/cartsync/internal/handler/http"
	"github.com/utafrali/cartsync/internal/store"
	"github.com/utafrali/cartsync/pkg/health"
	pkgkafka "github.com/utafrali/cartsync/pkg/kafka"
	"github.com/utafrali/cartsync/pkg/middleware"
	"github.com/utafrali/cartsync/pkg/tracing"
)

// App wires together all dependencies and runs the cartsync service.
type App struct {
	cfg        *config.Config
	logger     *slog.Logger
	backend    *Backend
	producer   *pkgkafka.Producer
	provider   *store.Provider
	httpServer *http.Server

	shutdownTracer func(context.Context) error
}

// NewApp creates a new application instance, initializing all dependencies.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	tcfg := tracing.DefaultConfig(cfg.ServiceName)
	tcfg.Environment = cfg.Environment
	tcfg.OTLPEndpoint = cfg.OTELEndpoint
	tcfg.SampleRate = cfg.OTELSampleRate
	tcfg.Enabled = cfg.OTELEnabled
	shutdownTracer, err := tracing.InitTracer(ctx, tcfg)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	backend, err := OpenStorage(ctx, cfg, logger)
	if err != nil {
		_ = shutdownTracer(context.Background())
		return nil, err
	}
	logger.Info("storage backend ready", slog.String("backend", backend.Name))

	healthHandler := health.NewHandler(5 * time.Second)
	healthHandler.Register("storage", backend.Ping)

	opts := store.ProviderOptions{
		CartKey:         cfg.CartKey,
		WishlistKey:     cfg.WishlistKey,
		IdleTimeout:     cfg.IdleTimeout,
		JanitorInterval: cfg.JanitorInterval,
		WriteTimeout:    cfg.WriteTimeout,
	}

	var producer *pkgkafka.Producer
	if cfg.EventsEnabled() {
		kcfg := pkgkafka.DefaultProducerConfig(cfg.KafkaBrokers)
		kcfg.Async = true
		producer = pkgkafka.NewProducer(kcfg, logger)
		opts.Hooks = event.NewPublisher(producer, logger)
		healthHandler.Register("kafka", producer.Ping)
		logger.Info("kafka producer initialized", slog.Any("brokers", cfg.KafkaBrokers))
	} else {
		logger.Info("kafka brokers not configured, change events disabled")
	}

	provider := store.NewProvider(backend, opts, logger)

	cors := middleware.DefaultCORSConfig()
	cors.AllowedOrigins = cfg.CORSOrigins
	router := handler.NewRouter(provider, healthHandler, cors, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &App{
		cfg:            cfg,
		logger:         logger,
		backend:        backend,
		producer:       producer,
		provider:       provider,
		httpServer:     httpServer,
		shutdownTracer: shutdownTracer,
	}, nil
}

// Handler returns the HTTP handler served by the application.
func (a *App) Handler() http.Handler {
	return a.httpServer.Handler
}

// Run starts the HTTP server and the session janitor and blocks until the
// context is canceled or the server fails.
func (a *App) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("starting HTTP server", slog.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		return a.provider.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown signal received")
		return a.Shutdown()
	})

	return g.Wait()
}

// Shutdown gracefully stops all components. Sessions are closed after the
// HTTP server drains so in-flight mutations still persist.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down application...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()

	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", slog.String("error", err.Error()))
	}

	a.provider.Close()

	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Error("kafka producer close error", slog.String("error", err.Error()))
		}
	}

	a.backend.Close()

	if err := a.shutdownTracer(shutdownCtx); err != nil {
		a.logger.Error("tracer shutdown error", slog.String("error", err.Error()))
	}

	a.logger.Info("application shutdown complete")
	return nil
}
