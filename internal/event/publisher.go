package event

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/utafrali/cartsync/internal/domain"
	"github.com/utafrali/cartsync/internal/store"
	pkgkafka "github.com/utafrali/cartsync/pkg/kafka"
	"github.com/utafrali/cartsync/pkg/logger"
)

// Kafka topics for cartsync events.
const (
	TopicCartUpdated     = "cartsync.cart.updated"
	TopicCartCleared     = "cartsync.cart.cleared"
	TopicWishlistUpdated = "cartsync.wishlist.updated"
)

// Aggregate types.
const (
	AggregateTypeCart     = "cart"
	AggregateTypeWishlist = "wishlist"
)

// SourceCartsync identifies events published by this service.
const SourceCartsync = "cartsync"

// CartUpdatedData is the payload of cart.updated.
type CartUpdatedData struct {
	SessionID  string                `json:"session_id"`
	Op         string                `json:"op"`
	Items      []domain.CartLineItem `json:"items"`
	TotalItems int                   `json:"total_items"`
	TotalPrice decimal.Decimal       `json:"total_price"`
}

// CartClearedData is the payload of cart.cleared.
type CartClearedData struct {
	SessionID string `json:"session_id"`
}

// WishlistUpdatedData is the payload of wishlist.updated.
type WishlistUpdatedData struct {
	SessionID string                `json:"session_id"`
	Op        string                `json:"op"`
	Items     []domain.WishlistItem `json:"items"`
	Count     int                   `json:"count"`
}

// EventPublisher sends an event to a topic. *pkgkafka.Producer implements it.
type EventPublisher interface {
	Publish(ctx context.Context, topic string, event *pkgkafka.Event) error
}

// Publisher turns store changes into Kafka events. It implements
// store.Hooks. Snapshots adopted from other writers are not republished;
// the writer that produced them already did.
type Publisher struct {
	producer EventPublisher
	logger   *slog.Logger
}

var _ store.Hooks = (*Publisher)(nil)

// NewPublisher creates a Publisher.
func NewPublisher(producer EventPublisher, logger *slog.Logger) *Publisher {
	return &Publisher{producer: producer, logger: logger}
}

// CartChanged publishes cart.cleared for Clear and cart.updated otherwise.
func (p *Publisher) CartChanged(ctx context.Context, sessionID string, st store.CartState) {
	if st.Op == store.OpExternal {
		return
	}

	if st.Op == store.OpClear {
		p.publish(ctx, TopicCartCleared, sessionID, AggregateTypeCart, CartClearedData{SessionID: sessionID})
		return
	}

	p.publish(ctx, TopicCartUpdated, sessionID, AggregateTypeCart, CartUpdatedData{
		SessionID:  sessionID,
		Op:         string(st.Op),
		Items:      st.Items,
		TotalItems: st.Totals.TotalItems,
		TotalPrice: st.Totals.TotalPrice,
	})
}

// WishlistChanged publishes wishlist.updated.
func (p *Publisher) WishlistChanged(ctx context.Context, sessionID string, st store.WishlistState) {
	if st.Op == store.OpExternal {
		return
	}

	p.publish(ctx, TopicWishlistUpdated, sessionID, AggregateTypeWishlist, WishlistUpdatedData{
		SessionID: sessionID,
		Op:        string(st.Op),
		Items:     st.Items,
		Count:     len(st.Items),
	})
}

// publish logs failures instead of returning them; events never block a
// store mutation.
func (p *Publisher) publish(ctx context.Context, topic, sessionID, aggregateType string, data any) {
	evt, err := pkgkafka.NewEvent(topic, sessionID, aggregateType, SourceCartsync, data)
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to build event",
			slog.String("topic", topic),
			slog.String("error", fmt.Errorf("create %s event: %w", topic, err).Error()),
		)
		return
	}
	if id := logger.CorrelationIDFromContext(ctx); id != "" {
		evt.WithCorrelationID(id)
	}

	if err := p.producer.Publish(ctx, topic, evt); err != nil {
		p.logger.WarnContext(ctx, "failed to publish event",
			slog.String("topic", topic),
			slog.String("session_id", sessionID),
			slog.String("error", err.Error()),
		)
		return
	}

	p.logger.DebugContext(ctx, "published event",
		slog.String("topic", topic),
		slog.String("session_id", sessionID),
	)
}
