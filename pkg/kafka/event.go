package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
)

// EnvelopeVersion is the envelope schema written by NewEvent.
const EnvelopeVersion = 1

// Event is the envelope for every message cartsync writes to Kafka. Data
// holds the topic-specific payload.
type Event struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateID   string          `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	Version       int             `json:"version"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Data          json.RawMessage `json:"data"`
}

// NewEvent builds an envelope around data. The aggregate ID doubles as the
// partition key, so it must not be empty.
func NewEvent(eventType, aggregateID, aggregateType, source string, data any) (*Event, error) {
	if eventType == "" || aggregateID == "" {
		return nil, errors.New("event type and aggregate id are required")
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return &Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       EnvelopeVersion,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Data:          payload,
	}, nil
}

// WithCorrelationID sets the correlation ID on the event.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// UnmarshalData decodes the payload into target.
func (e *Event) UnmarshalData(target any) error {
	return json.Unmarshal(e.Data, target)
}

// DecodeEvent parses an envelope written by a Producer.
func DecodeEvent(value []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(value, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}

// headers exposes routing fields so consumers can filter without decoding
// the value.
func (e *Event) headers() []kafka.Header {
	h := []kafka.Header{
		{Key: "event_type", Value: []byte(e.EventType)},
		{Key: "aggregate_type", Value: []byte(e.AggregateType)},
		{Key: "source", Value: []byte(e.Source)},
	}
	if e.CorrelationID != "" {
		h = append(h, kafka.Header{Key: "correlation_id", Value: []byte(e.CorrelationID)})
	}
	return h
}
