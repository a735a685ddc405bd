// Package postgres stores client snapshots in PostgreSQL and broadcasts
// writes with LISTEN/NOTIFY.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/utafrali/cartsync/internal/storage"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

// NotifyChannel is the NOTIFY channel every write is announced on.
const NotifyChannel = "client_storage"

const (
	getQuery = `SELECT value, origin FROM client_storage WHERE key = $1`

	// The upsert and its NOTIFY run as one statement, so listeners are
	// only told about committed rows.
	setQuery = `WITH upsert AS (
	INSERT INTO client_storage (key, value, origin, updated_at)
	VALUES ($1, $2, $3, NOW())
	ON CONFLICT (key) DO UPDATE
	SET value = EXCLUDED.value, origin = EXCLUDED.origin, updated_at = EXCLUDED.updated_at
	RETURNING key
)
SELECT pg_notify('` + NotifyChannel + `', $4) FROM upsert`

	deleteQuery = `WITH removed AS (
	DELETE FROM client_storage WHERE key = $1 RETURNING key
)
SELECT pg_notify('` + NotifyChannel + `', $2) FROM removed`

	listenRetryWait = time.Second
)

// DBTX is the subset of a pgx pool the storage needs. *pgxpool.Pool and
// pgxmock pools satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Notifier is a connection that has issued LISTEN.
type Notifier interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// ListenFunc opens a Notifier listening on channel.
type ListenFunc func(ctx context.Context, channel string) (Notifier, error)

// notice is the NOTIFY payload. The value is re-read on receipt because
// NOTIFY payloads are capped at 8000 bytes.
type notice struct {
	Key     string `json:"key"`
	Origin  string `json:"origin"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Storage implements storage.Storage on PostgreSQL.
type Storage struct {
	db     DBTX
	listen ListenFunc
	logger *slog.Logger

	retryWait time.Duration

	mu       sync.Mutex
	watchers map[string]map[*storage.Latest]struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

// New creates a PostgreSQL-backed storage. listen may be nil, in which case
// Watch is unsupported.
func New(db DBTX, listen ListenFunc, logger *slog.Logger) *Storage {
	return &Storage{
		db:        db,
		listen:    listen,
		logger:    logger,
		retryWait: listenRetryWait,
		watchers:  make(map[string]map[*storage.Latest]struct{}),
	}
}

// PoolListener returns a ListenFunc that takes a connection out of pool for
// the lifetime of the listener.
func PoolListener(pool *pgxpool.Pool) ListenFunc {
	return func(ctx context.Context, channel string) (Notifier, error) {
		c, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("acquire listen connection: %w", err)
		}
		conn := c.Hijack()
		if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize()); err != nil {
			_ = conn.Close(ctx)
			return nil, fmt.Errorf("listen %s: %w", channel, err)
		}
		return conn, nil
	}
}

// Get retrieves the value stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	value, _, err := s.get(ctx, key)
	return value, err
}

func (s *Storage) get(ctx context.Context, key string) ([]byte, string, error) {
	var (
		value  []byte
		origin string
	)
	err := s.db.QueryRow(ctx, getQuery, key).Scan(&value, &origin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.NotFound("key", key)
		}
		return nil, "", fmt.Errorf("postgres get %s: %w", key, err)
	}
	return value, origin, nil
}

// Set upserts value and notifies listeners.
func (s *Storage) Set(ctx context.Context, key string, value []byte, origin string) error {
	payload, err := json.Marshal(notice{Key: key, Origin: origin})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if _, err := s.db.Exec(ctx, setQuery, key, value, origin, string(payload)); err != nil {
		return fmt.Errorf("postgres set %s: %w", key, err)
	}
	return nil
}

// Delete removes key and notifies listeners when a row was removed.
func (s *Storage) Delete(ctx context.Context, key, origin string) error {
	payload, err := json.Marshal(notice{Key: key, Origin: origin, Deleted: true})
	if err != nil {
		return fmt.Errorf("marshal notice: %w", err)
	}
	if _, err := s.db.Exec(ctx, deleteQuery, key, string(payload)); err != nil {
		return fmt.Errorf("postgres delete %s: %w", key, err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Watch registers a watcher for key. All watchers share one LISTEN
// connection, started on first use.
func (s *Storage) Watch(ctx context.Context, key string) (<-chan storage.Change, error) {
	if s.listen == nil {
		return nil, fmt.Errorf("postgres watch: no listener configured")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done == nil {
		n, err := s.listen(ctx, NotifyChannel)
		if err != nil {
			return nil, err
		}
		lctx, cancel := context.WithCancel(context.Background())
		s.cancel = cancel
		s.done = make(chan struct{})
		go s.run(lctx, n, s.done)
	}

	w := storage.NewLatest()
	if s.watchers[key] == nil {
		s.watchers[key] = make(map[*storage.Latest]struct{})
	}
	s.watchers[key][w] = struct{}{}

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.watchers[key][w]; !ok {
			return
		}
		delete(s.watchers[key], w)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
		close(w.C)
	}()

	return w.C, nil
}

// Close stops the shared listener and closes every watch channel.
func (s *Storage) Close() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	for key, ws := range s.watchers {
		for w := range ws {
			close(w.C)
		}
		delete(s.watchers, key)
	}
	s.cancel, s.done = nil, nil
}

func (s *Storage) run(ctx context.Context, n Notifier, done chan struct{}) {
	defer close(done)
	defer func() {
		if n != nil {
			_ = n.Close(context.Background())
		}
	}()

	for {
		if n == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.retryWait):
			}
			var err error
			if n, err = s.listen(ctx, NotifyChannel); err != nil {
				s.logger.WarnContext(ctx, "postgres listen failed, retrying", slog.String("error", err.Error()))
				n = nil
				continue
			}
		}

		msg, err := n.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.WarnContext(ctx, "postgres listener lost connection", slog.String("error", err.Error()))
			_ = n.Close(context.Background())
			n = nil
			continue
		}
		s.dispatch(ctx, msg.Payload)
	}
}

func (s *Storage) dispatch(ctx context.Context, payload string) {
	var nt notice
	if err := json.Unmarshal([]byte(payload), &nt); err != nil {
		s.logger.WarnContext(ctx, "discarding malformed notification", slog.String("error", err.Error()))
		return
	}

	s.mu.Lock()
	interested := len(s.watchers[nt.Key]) > 0
	s.mu.Unlock()
	if !interested {
		return
	}

	change := storage.Change{Key: nt.Key, Origin: nt.Origin, Deleted: nt.Deleted}
	if !nt.Deleted {
		value, _, err := s.get(ctx, nt.Key)
		switch {
		case apperrors.IsNotFound(err):
			change.Deleted = true
		case err != nil:
			s.logger.WarnContext(ctx, "re-reading notified key failed",
				slog.String("key", nt.Key),
				slog.String("error", err.Error()),
			)
			return
		default:
			change.Value = value
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for w := range s.watchers[nt.Key] {
		w.Send(change)
	}
}
