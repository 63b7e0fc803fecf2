// Package queue selects a job queue backend from configuration. The
// dispatcher only sees the crawl.Queue interface; redelivery semantics
// come from the chosen backend.
package queue

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	kafkaqueue "github.com/stagecrawl/stagecrawl/internal/queue/kafka"
	memoryqueue "github.com/stagecrawl/stagecrawl/internal/queue/memory"
	pubsubqueue "github.com/stagecrawl/stagecrawl/internal/queue/pubsub"
)

// Options configure the non-memory backends.
type Options struct {
	KafkaBrokers       []string
	KafkaTopic         string
	KafkaGroupID       string
	PubsubProjectID    string
	PubsubTopic        string
	PubsubSubscription string
}

// Open returns the queue selected by the backend name: "memory",
// "kafka" or "pubsub".
func Open(ctx context.Context, backend string, opts Options, log *zap.Logger) (crawl.Queue, error) {
	switch strings.ToLower(backend) {
	case "", "memory":
		return memoryqueue.New(), nil
	case "kafka":
		return kafkaqueue.New(kafkaqueue.Config{
			Brokers: opts.KafkaBrokers,
			Topic:   opts.KafkaTopic,
			GroupID: opts.KafkaGroupID,
		}, log)
	case "pubsub":
		return pubsubqueue.New(ctx, pubsubqueue.Config{
			ProjectID:    opts.PubsubProjectID,
			Topic:        opts.PubsubTopic,
			Subscription: opts.PubsubSubscription,
		}, log)
	default:
		return nil, crawl.Configf("unsupported queue backend: %q", backend)
	}
}
