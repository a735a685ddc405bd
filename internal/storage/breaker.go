package storage

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/attribute"

	apperrors "github.com/utafrali/cartsync/pkg/errors"
	"github.com/utafrali/cartsync/pkg/tracing"
)

const tracerName = "github.com/utafrali/cartsync/internal/storage"

var breakerState = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "circuit_breaker_state",
		Help: "Current state of the circuit breaker (0=closed, 1=half-open, 2=open)",
	},
	[]string{"name"},
)

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

// BreakerConfig configures the circuit breaker around a storage backend.
type BreakerConfig struct {
	// Name identifies the backend in metrics, logs and errors.
	Name string

	// MaxRequests is the number of trial requests allowed while half-open.
	MaxRequests uint32

	// Interval clears failure counts while closed. 0 never clears them.
	Interval time.Duration

	// Timeout is how long the breaker stays open before going half-open.
	Timeout time.Duration

	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
}

// DefaultBreakerConfig returns defaults for a storage breaker.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:                name,
		MaxRequests:         1,
		Interval:            60 * time.Second,
		Timeout:             10 * time.Second,
		ConsecutiveFailures: 5,
	}
}

// Breaker wraps a Storage so reads and writes fail fast while the backend
// is unavailable. A missing key is not a failure. Watch and Ping go straight
// to the backend.
type Breaker struct {
	inner   Storage
	name    string
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewBreaker wraps inner with a circuit breaker.
func NewBreaker(inner Storage, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("storage circuit breaker state change",
				slog.String("breaker", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			breakerState.WithLabelValues(name).Set(stateToFloat(to))
		},
		IsSuccessful: func(err error) bool {
			return err == nil || apperrors.IsNotFound(err)
		},
	}

	breakerState.WithLabelValues(cfg.Name).Set(0)

	return &Breaker{
		inner:   inner,
		name:    cfg.Name,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}
}

// State returns the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.breaker.State()
}

func (b *Breaker) execute(ctx context.Context, op, key string, fn func(context.Context) ([]byte, error)) ([]byte, error) {
	ctx, span := tracing.StartSpan(ctx, tracerName, "storage."+op,
		attribute.String("storage.backend", b.name),
		attribute.String("storage.key", key),
	)
	defer span.End()

	v, err := b.breaker.Execute(func() ([]byte, error) { return fn(ctx) })
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = apperrors.Unavailable(b.name, err)
	}
	if err != nil && !apperrors.IsNotFound(err) {
		tracing.RecordError(span, err)
	}
	return v, err
}

func (b *Breaker) Get(ctx context.Context, key string) ([]byte, error) {
	return b.execute(ctx, "get", key, func(ctx context.Context) ([]byte, error) {
		return b.inner.Get(ctx, key)
	})
}

func (b *Breaker) Set(ctx context.Context, key string, value []byte, origin string) error {
	_, err := b.execute(ctx, "set", key, func(ctx context.Context) ([]byte, error) {
		return nil, b.inner.Set(ctx, key, value, origin)
	})
	return err
}

func (b *Breaker) Delete(ctx context.Context, key, origin string) error {
	_, err := b.execute(ctx, "delete", key, func(ctx context.Context) ([]byte, error) {
		return nil, b.inner.Delete(ctx, key, origin)
	})
	return err
}

func (b *Breaker) Watch(ctx context.Context, key string) (<-chan Change, error) {
	return b.inner.Watch(ctx, key)
}

func (b *Breaker) Ping(ctx context.Context) error {
	return b.inner.Ping(ctx)
}
