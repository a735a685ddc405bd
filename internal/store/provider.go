package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/utafrali/cartsync/internal/storage"
	apperrors "github.com/utafrali/cartsync/pkg/errors"
)

// ErrProviderClosed is returned by Cart and Wishlist after Close.
var ErrProviderClosed = errors.New("store provider closed")

// Hooks receives every change of every store a Provider creates.
type Hooks interface {
	CartChanged(ctx context.Context, sessionID string, state CartState)
	WishlistChanged(ctx context.Context, sessionID string, state WishlistState)
}

// ProviderOptions configures a Provider.
type ProviderOptions struct {
	CartKey         string        // base key for carts, default "cart"
	WishlistKey     string        // base key for wishlists, default "wishlist"
	IdleTimeout     time.Duration // evict sessions idle this long, default 30m
	JanitorInterval time.Duration // eviction sweep period, default 1m
	WriteTimeout    time.Duration
	Hooks           Hooks
}

func (o *ProviderOptions) setDefaults() {
	if o.CartKey == "" {
		o.CartKey = "cart"
	}
	if o.WishlistKey == "" {
		o.WishlistKey = "wishlist"
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Minute
	}
	if o.JanitorInterval <= 0 {
		o.JanitorInterval = time.Minute
	}
}

type session struct {
	cart     *CartStore
	wishlist *WishlistStore
	lastSeen time.Time
}

// Provider owns the per-session stores. It is constructed once and passed
// to whatever needs a store.
type Provider struct {
	backend storage.Storage
	opts    ProviderOptions
	logger  *slog.Logger
	now     func() time.Time

	// ctx scopes the watch goroutines of every store.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

// NewProvider creates a Provider over backend.
func NewProvider(backend storage.Storage, opts ProviderOptions, logger *slog.Logger) *Provider {
	opts.setDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Provider{
		backend:  backend,
		opts:     opts,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
}

// CartKey returns the storage key of a session's cart.
func (p *Provider) CartKey(sessionID string) string {
	return p.opts.CartKey + ":" + sessionID
}

// WishlistKey returns the storage key of a session's wishlist.
func (p *Provider) WishlistKey(sessionID string) string {
	return p.opts.WishlistKey + ":" + sessionID
}

// Cart returns the session's cart store, creating, loading and watching it
// on first access.
func (p *Provider) Cart(ctx context.Context, sessionID string) (*CartStore, error) {
	p.mu.Lock()
	sess, err := p.sessionLocked(sessionID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if sess.cart == nil {
		sess.cart = NewCartStore(p.backend, p.CartKey(sessionID), p.logger, StoreOptions{WriteTimeout: p.opts.WriteTimeout})
		if h := p.opts.Hooks; h != nil {
			sess.cart.Subscribe(func(ctx context.Context, st CartState) { h.CartChanged(ctx, sessionID, st) })
		}
	}
	cart := sess.cart
	p.mu.Unlock()

	// A store that is not ready yet also retries its watch.
	pending := !cart.Ready()
	cart.Load(ctx)
	if pending {
		if err := cart.Watch(p.ctx); err != nil {
			p.logger.WarnContext(ctx, "cart watch unavailable, continuing without cross-process sync",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return cart, nil
}

// Wishlist returns the session's wishlist store, creating, loading and
// watching it on first access.
func (p *Provider) Wishlist(ctx context.Context, sessionID string) (*WishlistStore, error) {
	p.mu.Lock()
	sess, err := p.sessionLocked(sessionID)
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	if sess.wishlist == nil {
		sess.wishlist = NewWishlistStore(p.backend, p.WishlistKey(sessionID), p.logger, StoreOptions{WriteTimeout: p.opts.WriteTimeout})
		if h := p.opts.Hooks; h != nil {
			sess.wishlist.Subscribe(func(ctx context.Context, st WishlistState) { h.WishlistChanged(ctx, sessionID, st) })
		}
	}
	wishlist := sess.wishlist
	p.mu.Unlock()

	// A store that is not ready yet also retries its watch.
	pending := !wishlist.Ready()
	wishlist.Load(ctx)
	if pending {
		if err := wishlist.Watch(p.ctx); err != nil {
			p.logger.WarnContext(ctx, "wishlist watch unavailable, continuing without cross-process sync",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
		}
	}
	return wishlist, nil
}

func (p *Provider) sessionLocked(sessionID string) (*session, error) {
	if p.closed {
		return nil, ErrProviderClosed
	}
	if sessionID == "" {
		return nil, apperrors.InvalidInput("session id is required")
	}

	sess, ok := p.sessions[sessionID]
	if !ok {
		sess = &session{}
		p.sessions[sessionID] = sess
		activeSessions.Inc()
	}
	sess.lastSeen = p.now()
	return sess, nil
}

// Sessions returns the number of sessions held in memory.
func (p *Provider) Sessions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// Run evicts idle sessions every JanitorInterval until ctx is done.
// Evicted stores stop watching; their persisted data stays.
func (p *Provider) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.opts.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.ctx.Done():
			return nil
		case <-ticker.C:
			if n := p.evictIdle(); n > 0 {
				p.logger.InfoContext(ctx, "evicted idle sessions", slog.Int("count", n))
			}
		}
	}
}

func (p *Provider) evictIdle() int {
	cutoff := p.now().Add(-p.opts.IdleTimeout)

	p.mu.Lock()
	var idle []*session
	for id, sess := range p.sessions {
		if sess.lastSeen.Before(cutoff) {
			idle = append(idle, sess)
			delete(p.sessions, id)
			activeSessions.Dec()
		}
	}
	p.mu.Unlock()

	for _, sess := range idle {
		sess.close()
	}
	return len(idle)
}

// Close stops every store. Subsequent Cart and Wishlist calls fail.
func (p *Provider) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	sessions := p.sessions
	p.sessions = make(map[string]*session)
	activeSessions.Sub(float64(len(sessions)))
	p.mu.Unlock()

	p.cancel()
	for _, sess := range sessions {
		sess.close()
	}
}

func (s *session) close() {
	if s.cart != nil {
		s.cart.Close()
	}
	if s.wishlist != nil {
		s.wishlist.Close()
	}
}
