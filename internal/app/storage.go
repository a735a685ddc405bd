package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/utafrali/cartsync/internal/config"
	"github.com/utafrali/cartsync/internal/storage"
	"github.com/utafrali/cartsync/internal/storage/memory"
	pgstorage "github.com/utafrali/cartsync/internal/storage/postgres"
	redisstorage "github.com/utafrali/cartsync/internal/storage/redis"
	"github.com/utafrali/cartsync/pkg/database"
)

// Backend is an opened storage backend wrapped in a circuit breaker.
type Backend struct {
	storage.Storage

	Name  string
	close []func()
}

// Close releases the backend's connections.
func (b *Backend) Close() {
	for i := len(b.close) - 1; i >= 0; i-- {
		b.close[i]()
	}
	b.close = nil
}

// OpenStorage connects to the configured backend, applies migrations where
// the backend needs them and wraps it in a circuit breaker.
func OpenStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Backend, error) {
	b := &Backend{Name: cfg.StorageBackend}

	var inner storage.Storage
	switch cfg.StorageBackend {
	case config.BackendMemory:
		inner = memory.New()
		logger.Warn("using in-memory storage, snapshots are lost on restart")

	case config.BackendRedis:
		rcfg := database.DefaultRedisConfig()
		rcfg.Addr = cfg.RedisAddr
		rcfg.Password = cfg.RedisPass
		rcfg.DB = cfg.RedisDB
		rcfg.PoolSize = cfg.RedisPoolSize

		rdb, err := database.NewRedisClient(ctx, rcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis storage: %w", err)
		}
		b.close = append(b.close, func() {
			if err := rdb.Close(); err != nil {
				logger.Error("redis close error", slog.String("error", err.Error()))
			}
		})
		registerCollector(database.NewPoolStatsCollector("redis", database.RedisPoolStats(rdb)), logger)

		inner = redisstorage.New(rdb, redisstorage.Options{
			KeyPrefix: cfg.RedisKeyPrefix,
			TTL:       cfg.RedisTTL,
		}, logger)

	case config.BackendPostgres:
		pcfg := database.DefaultPostgresConfig()
		pcfg.URL = cfg.PostgresURL
		pcfg.MaxConns = cfg.PostgresMaxConns
		pcfg.MinConns = cfg.PostgresMinConns

		pool, err := database.NewPostgresPool(ctx, pcfg, logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres storage: %w", err)
		}
		b.close = append(b.close, pool.Close)

		if err := database.RunMigrations(ctx, pool, pgstorage.Migrations(), logger); err != nil {
			b.Close()
			return nil, fmt.Errorf("migrate postgres storage: %w", err)
		}
		registerCollector(database.NewPoolStatsCollector("postgres", database.PgxPoolStats(pool)), logger)

		pg := pgstorage.New(pool, pgstorage.PoolListener(pool), logger)
		b.close = append(b.close, pg.Close)
		inner = pg

	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}

	bcfg := storage.DefaultBreakerConfig(cfg.StorageBackend)
	bcfg.Timeout = cfg.BreakerTimeout
	bcfg.ConsecutiveFailures = cfg.BreakerFailures
	b.Storage = storage.NewBreaker(inner, bcfg, logger)

	return b, nil
}

func registerCollector(c prometheus.Collector, logger *slog.Logger) {
	if err := prometheus.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return
		}
		logger.Warn("failed to register pool metrics", slog.String("error", err.Error()))
	}
}
