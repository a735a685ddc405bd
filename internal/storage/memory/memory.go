// Package memory is an in-process Storage used for development and tests.
package memory

import (
	"context"
	"sync"

	"github.com/utafrali/cartsync/internal/storage"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

// Storage keeps values in a map and fans writes out to watchers.
type Storage struct {
	mu       sync.Mutex
	data     map[string][]byte
	watchers map[string]map[*storage.Latest]struct{}

	// failWith, when set, is returned by every operation. Tests use it to
	// simulate an unavailable backend.
	failWith error
}

// New creates an empty in-memory storage.
func New() *Storage {
	return &Storage{
		data:     make(map[string][]byte),
		watchers: make(map[string]map[*storage.Latest]struct{}),
	}
}

// SetFailure makes every subsequent operation fail with err. Pass nil to
// recover.
func (s *Storage) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWith = err
}

func (s *Storage) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
	}
	v, ok := s.data[key]
	if !ok {
		return nil, apperrors.NotFound("key", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *Storage) Set(_ context.Context, key string, value []byte, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	v := append([]byte(nil), value...)
	s.data[key] = v
	s.notifyLocked(storage.Change{Key: key, Value: v, Origin: origin})
	return nil
}

func (s *Storage) Delete(_ context.Context, key, origin string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return s.failWith
	}
	if _, ok := s.data[key]; !ok {
		return nil
	}
	delete(s.data, key)
	s.notifyLocked(storage.Change{Key: key, Origin: origin, Deleted: true})
	return nil
}

// Watch registers a watcher for key. The channel is closed once ctx is done.
func (s *Storage) Watch(ctx context.Context, key string) (<-chan storage.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failWith != nil {
		return nil, s.failWith
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
		delete(s.watchers[key], w)
		if len(s.watchers[key]) == 0 {
			delete(s.watchers, key)
		}
		close(w.C)
	}()

	return w.C, nil
}

func (s *Storage) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failWith
}

// Keys returns the number of stored keys.
func (s *Storage) Keys() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *Storage) notifyLocked(c storage.Change) {
	for w := range s.watchers[c.Key] {
		w.Send(c)
	}
}
