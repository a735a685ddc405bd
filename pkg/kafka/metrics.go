package kafka

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ProducerMessagesPublished counts events handed to the writer successfully.
	ProducerMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_messages_published_total",
			Help: "Total number of events published to Kafka",
		},
		[]string{"topic"},
	)

	// ProducerMessagesFailed counts events the writer rejected.
	ProducerMessagesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kafka_producer_messages_failed_total",
			Help: "Total number of events that failed to publish",
		},
		[]string{"topic"},
	)

	// ProducerPublishDuration observes how long the writer takes to accept an
	// event. In async mode this excludes the broker round trip.
	ProducerPublishDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kafka_producer_publish_duration_seconds",
			Help:    "Duration of Kafka publish calls in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"topic"},
	)
)
