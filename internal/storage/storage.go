// Package storage defines the durable key/value contract the client stores
// persist their snapshots to, plus change notification for cross-process
// sync.
package storage

import (
	"context"
)

// Change describes a write observed on a watched key. Origin identifies the
// writer so a store can skip its own writes.
type Change struct {
	Key     string
	Value   []byte
	Origin  string
	Deleted bool
}

// Storage is a durable key/value store with per-key change notification.
//
// Get returns an error wrapping apperrors.ErrNotFound for a missing key.
// Watch delivers changes for key until ctx is done, then closes the channel.
// Delivery is best effort: a slow consumer may miss intermediate changes but
// always observes a change at least as recent as the last one it missed.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, origin string) error
	Delete(ctx context.Context, key, origin string) error
	Watch(ctx context.Context, key string) (<-chan Change, error)
	Ping(ctx context.Context) error
}

// Latest is a single-slot mailbox that keeps only the newest change.
// Send never blocks. A Latest has exactly one sender.
type Latest struct {
	C chan Change
}

// NewLatest returns an empty mailbox.
func NewLatest() *Latest {
	return &Latest{C: make(chan Change, 1)}
}

// Send replaces any undelivered change with c.
func (l *Latest) Send(c Change) {
	select {
	case l.C <- c:
		return
	default:
	}
	select {
	case <-l.C:
	default:
	}
	l.C <- c
}
