package kafka

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/utafrali/cartsync/pkg/logger"
)

func TestHeaderCarrier_SetGetKeys(t *testing.T) {
	headers := []kafka.Header{{Key: "existing", Value: []byte("value1")}}
	carrier := NewHeaderCarrier(&headers)

	assert.Equal(t, "value1", carrier.Get("existing"))
	assert.Empty(t, carrier.Get("missing"))

	carrier.Set("new-key", "new-value")
	carrier.Set("existing", "updated")

	assert.Equal(t, "new-value", carrier.Get("new-key"))
	assert.Equal(t, "updated", carrier.Get("existing"))
	assert.ElementsMatch(t, []string{"existing", "new-key"}, carrier.Keys())
	assert.Len(t, headers, 2)
}

func TestProducer_Publish_InjectsTraceContext(t *testing.T) {
	prev := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(prev) })

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)
	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	w := &fakeWriter{}
	p := newProducer(w, nil, logger.Discard())
	event, err := NewEvent("cartsync.wishlist.updated", "sess-1", "wishlist", "cartsync", nil)
	require.NoError(t, err)

	before := testutil.ToFloat64(ProducerMessagesPublished.WithLabelValues("trace-topic"))
	require.NoError(t, p.Publish(ctx, "trace-topic", event))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headerValue(w.msgs[0], "traceparent"))
	assert.Equal(t, before+1, testutil.ToFloat64(ProducerMessagesPublished.WithLabelValues("trace-topic")))
}
