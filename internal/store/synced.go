package store

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/utafrali/cartsync/internal/storage"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

// Op names the operation that produced a state change.
type Op string

const (
	OpAddItem        Op = "add_item"
	OpRemoveItem     Op = "remove_item"
	OpUpdateQuantity Op = "update_quantity"
	OpClear          Op = "clear"
	// OpExternal marks a snapshot adopted from another writer.
	OpExternal Op = "external"
)

const defaultWriteTimeout = 5 * time.Second

// synced holds the load/persist/notify/watch machinery shared by the cart
// and wishlist stores. The collection itself lives in the concrete store and
// is reached through replace and snapshot, both called with mu held.
type synced[T any] struct {
	kind         string
	key          string
	origin       string
	backend      storage.Storage
	logger       *slog.Logger
	writeTimeout time.Duration

	encode   func([]T) ([]byte, error)
	decode   func([]byte) ([]T, error)
	replace  func([]T)
	snapshot func() []T

	// mu guards the collection and ready. notifyMu is taken before mu is
	// released so listeners observe changes in mutation order.
	mu       sync.Mutex
	notifyMu sync.Mutex
	ready    bool

	listenersMu sync.Mutex
	listeners   map[uint64]func(context.Context, Op, []T)
	nextID      uint64

	watchMu sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	closed  bool
}

func newSynced[T any](kind, key string, backend storage.Storage, logger *slog.Logger, writeTimeout time.Duration) *synced[T] {
	if writeTimeout <= 0 {
		writeTimeout = defaultWriteTimeout
	}
	return &synced[T]{
		kind:         kind,
		key:          key,
		origin:       uuid.NewString(),
		backend:      backend,
		logger:       logger.With(slog.String("store", kind), slog.String("key", key)),
		writeTimeout: writeTimeout,
		listeners:    make(map[uint64]func(context.Context, Op, []T)),
	}
}

// load reads the persisted snapshot until one read succeeds. Missing and
// malformed snapshots become an empty collection. A failed read leaves the
// store not ready, so mutations stay in memory and the next load retries.
func (s *synced[T]) load(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ready {
		return
	}
	items, err := s.read(ctx)
	if err != nil {
		loadFailuresTotal.WithLabelValues(s.kind).Inc()
		s.logger.WarnContext(ctx, "reading snapshot failed, staying in memory until the next load",
			slog.String("error", err.Error()),
		)
		return
	}
	s.replace(items)
	s.ready = true
}

func (s *synced[T]) read(ctx context.Context) ([]T, error) {
	data, err := s.backend.Get(ctx, s.key)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return s.decodeOrEmpty(ctx, data), nil
}

func (s *synced[T]) decodeOrEmpty(ctx context.Context, data []byte) []T {
	items, err := s.decode(data)
	if err != nil {
		malformedSnapshotsTotal.WithLabelValues(s.kind).Inc()
		s.logger.WarnContext(ctx, "discarding malformed snapshot", slog.String("error", err.Error()))
		return nil
	}
	return items
}

func (s *synced[T]) isReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ready
}

// mutate runs fn under the lock, persists the result and notifies
// listeners. A mutation that changed nothing is still persisted and
// announced.
func (s *synced[T]) mutate(ctx context.Context, op Op, fn func()) {
	s.mu.Lock()
	fn()
	items := s.snapshot()
	s.persistLocked(ctx, items)
	s.notifyMu.Lock()
	s.mu.Unlock()

	mutationsTotal.WithLabelValues(s.kind, string(op)).Inc()
	s.emit(ctx, op, items)
	s.notifyMu.Unlock()
}

// persistLocked writes items unless the snapshot has not been loaded yet.
// Failures are logged and counted; the in-memory state stays.
func (s *synced[T]) persistLocked(ctx context.Context, items []T) {
	if !s.ready {
		s.logger.DebugContext(ctx, "snapshot not loaded yet, skipping persist")
		return
	}

	data, err := s.encode(items)
	if err != nil {
		persistFailuresTotal.WithLabelValues(s.kind).Inc()
		s.logger.ErrorContext(ctx, "encoding snapshot failed", slog.String("error", err.Error()))
		return
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.writeTimeout)
	defer cancel()

	if err := s.backend.Set(wctx, s.key, data, s.origin); err != nil {
		persistFailuresTotal.WithLabelValues(s.kind).Inc()
		s.logger.WarnContext(ctx, "persisting snapshot failed, keeping in-memory state",
			slog.String("error", err.Error()),
		)
	}
}

func (s *synced[T]) subscribe(fn func(context.Context, Op, []T)) func() {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	id := s.nextID
	s.nextID++
	s.listeners[id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			delete(s.listeners, id)
		})
	}
}

func (s *synced[T]) emit(ctx context.Context, op Op, items []T) {
	s.listenersMu.Lock()
	fns := make([]func(context.Context, Op, []T), 0, len(s.listeners))
	ids := make([]uint64, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(ctx, op, items)
	}
}

// watch starts adopting changes written to the key by other origins. It is
// a no-op when already watching or closed.
func (s *synced[T]) watch(ctx context.Context) error {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()

	if s.cancel != nil || s.closed {
		return nil
	}

	wctx, cancel := context.WithCancel(ctx)
	ch, err := s.backend.Watch(wctx, s.key)
	if err != nil {
		cancel()
		return fmt.Errorf("watch %s: %w", s.key, err)
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	go s.consume(wctx, ch, s.done)
	return nil
}

func (s *synced[T]) consume(ctx context.Context, ch <-chan storage.Change, done chan struct{}) {
	defer close(done)
	for change := range ch {
		if change.Origin == s.origin {
			continue
		}
		s.adopt(ctx, change)
	}
}

// adopt replaces the collection with an externally written snapshot.
// Last writer wins; nothing is merged.
func (s *synced[T]) adopt(ctx context.Context, change storage.Change) {
	var items []T
	if !change.Deleted {
		items = s.decodeOrEmpty(ctx, change.Value)
	}

	s.mu.Lock()
	s.replace(items)
	s.ready = true
	snap := s.snapshot()
	s.notifyMu.Lock()
	s.mu.Unlock()

	externalUpdatesTotal.WithLabelValues(s.kind).Inc()
	s.logger.DebugContext(ctx, "adopted external snapshot",
		slog.String("origin", change.Origin),
		slog.Int("items", len(snap)),
	)
	s.emit(ctx, OpExternal, snap)
	s.notifyMu.Unlock()
}

// close stops watching and waits for the watch goroutine to exit.
func (s *synced[T]) close() {
	s.watchMu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.closed = true
	s.watchMu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}
