// Package redis stores client snapshots in Redis and broadcasts writes over
// Redis pub/sub.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/utafrali/cartsync/internal/storage"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

const (
	defaultKeyPrefix = "cartsync:"
	changesPrefix    = "storage:changes:"
)

// envelope is the pub/sub message published after every write.
type envelope struct {
	Origin  string `json:"origin"`
	Value   []byte `json:"value,omitempty"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Options configures the Redis storage.
type Options struct {
	// KeyPrefix namespaces stored keys. Defaults to "cartsync:".
	KeyPrefix string
	// TTL expires idle snapshots. Zero keeps them forever.
	TTL time.Duration
}

// Storage implements storage.Storage on Redis.
type Storage struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *slog.Logger
}

// New creates a Redis-backed storage.
func New(client *redis.Client, opts Options, logger *slog.Logger) *Storage {
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultKeyPrefix
	}
	return &Storage{
		client: client,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
		logger: logger,
	}
}

func (s *Storage) dataKey(key string) string { return s.prefix + key }

func (s *Storage) channel(key string) string { return s.prefix + changesPrefix + key }

// Get retrieves the value stored under key.
func (s *Storage) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.dataKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, apperrors.NotFound("key", key)
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set stores value and publishes the change in one MULTI/EXEC block.
func (s *Storage) Set(ctx context.Context, key string, value []byte, origin string) error {
	msg, err := json.Marshal(envelope{Origin: origin, Value: value})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.dataKey(key), value, s.ttl)
		pipe.Publish(ctx, s.channel(key), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes key and publishes a deletion.
func (s *Storage) Delete(ctx context.Context, key, origin string) error {
	msg, err := json.Marshal(envelope{Origin: origin, Deleted: true})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.dataKey(key))
		pipe.Publish(ctx, s.channel(key), msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Watch subscribes to the change channel of key. It returns once the
// subscription is confirmed, so writes made after Watch returns are seen.
func (s *Storage) Watch(ctx context.Context, key string) (<-chan storage.Change, error) {
	ps := s.client.Subscribe(ctx, s.channel(key))
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", key, err)
	}

	out := storage.NewLatest()
	msgs := ps.Channel()

	go func() {
		defer close(out.C)
		defer ps.Close()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					s.logger.WarnContext(ctx, "discarding malformed change message",
						slog.String("key", key),
						slog.String("error", err.Error()),
					)
					continue
				}
				out.Send(storage.Change{Key: key, Value: env.Value, Origin: env.Origin, Deleted: env.Deleted})
			}
		}
	}()

	return out.C, nil
}

// Ping checks the Redis connection.
func (s *Storage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
