// Package pubsub backs the job queue with Google Cloud Pub/Sub.
// Ack-on-success gives the redelivery guarantee; a job whose handler
// fails is nacked and redelivered to another subscriber.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/pubsub"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// Config names the project, topic and subscription.
type Config struct {
	ProjectID    string
	Topic        string
	Subscription string
}

// Queue publishes to one topic and consumes one subscription.
type Queue struct {
	client *pubsub.Client
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	log    *zap.Logger
}

// New connects and verifies that topic and subscription exist, so a
// misconfigured deployment fails at startup rather than on first job.
func New(ctx context.Context, cfg Config, log *zap.Logger) (*Queue, error) {
	if cfg.ProjectID == "" || cfg.Topic == "" || cfg.Subscription == "" {
		return nil, crawl.Configf("pubsub: project, topic and subscription are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client: %w", err)
	}

	topic := client.Topic(cfg.Topic)
	ok, err := topic.Exists(ctx)
	if err == nil && !ok {
		err = fmt.Errorf("topic %q does not exist", cfg.Topic)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn("closing pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub topic: %w", err)
	}

	sub := client.Subscription(cfg.Subscription)
	ok, err = sub.Exists(ctx)
	if err == nil && !ok {
		err = fmt.Errorf("subscription %q does not exist", cfg.Subscription)
	}
	if err != nil {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn("closing pubsub client", zap.Error(closeErr))
		}
		return nil, fmt.Errorf("pubsub subscription: %w", err)
	}

	return &Queue{client: client, topic: topic, sub: sub, log: log}, nil
}

// Enqueue publishes a job and waits for the server ack, so a failed
// publish surfaces on the emitting stage instead of silently losing
// part of the job tree.
func (q *Queue) Enqueue(ctx context.Context, job crawl.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return &crawl.QueueError{Op: "enqueue", Err: err}
	}
	result := q.topic.Publish(ctx, &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"crawler": job.Crawler,
			"run_id":  job.RunID,
			"stage":   job.Stage,
		},
	})
	if _, err := result.Get(ctx); err != nil {
		return &crawl.QueueError{Op: "enqueue", Err: err}
	}
	return nil
}

// Run consumes until the context ends. Receive manages its own worker
// goroutines, so one Run call services the whole subscription.
func (q *Queue) Run(ctx context.Context, h crawl.Handler) error {
	err := q.sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		var job crawl.Job
		if err := json.Unmarshal(msg.Data, &job); err != nil {
			q.log.Error("dropping undecodable job message", zap.Error(err))
			msg.Ack()
			return
		}
		if err := h(ctx, job); err != nil {
			q.log.Warn("job failed, nacking for redelivery",
				zap.String("crawler", job.Crawler),
				zap.String("stage", job.Stage),
				zap.Error(err))
			msg.Nack()
			return
		}
		msg.Ack()
	})
	if err != nil && ctx.Err() == nil {
		return &crawl.QueueError{Op: "receive", Err: err}
	}
	return ctx.Err()
}

// Close stops the publisher and the client.
func (q *Queue) Close() error {
	q.topic.Stop()
	if err := q.client.Close(); err != nil {
		return fmt.Errorf("close pubsub client: %w", err)
	}
	return nil
}
