// Package kafka backs the job queue with a Kafka topic. Consumer-group
// offsets provide the at-least-once redelivery the coordination layer
// relies on: a job's offset is committed only after its handler
// returns.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// Config names the cluster, topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Queue publishes and consumes jobs on one topic.
type Queue struct {
	writer *kafka.Writer
	reader *kafka.Reader
	log    *zap.Logger
}

// New connects a writer and a consumer-group reader.
func New(cfg Config, log *zap.Logger) (*Queue, error) {
	if len(cfg.Brokers) == 0 {
		return nil, crawl.Configf("kafka: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, crawl.Configf("kafka: topic is required")
	}
	if cfg.GroupID == "" {
		cfg.GroupID = "stagecrawl-workers"
	}
	if log == nil {
		log = zap.NewNop()
	}
	writer := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers...),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		GroupID: cfg.GroupID,
		Topic:   cfg.Topic,
	})
	return &Queue{writer: writer, reader: reader, log: log}, nil
}

// Enqueue publishes a job keyed by run so one run's jobs spread across
// partitions while staying attributable.
func (q *Queue) Enqueue(ctx context.Context, job crawl.Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return &crawl.QueueError{Op: "enqueue", Err: err}
	}
	msg := kafka.Message{
		Key:   []byte(job.Crawler + "/" + job.RunID),
		Value: payload,
	}
	if err := q.writer.WriteMessages(ctx, msg); err != nil {
		return &crawl.QueueError{Op: "enqueue", Err: err}
	}
	return nil
}

// Run consumes until the context ends or the handler fails. A message
// that does not decode is committed and dropped; redelivering it would
// never succeed.
func (q *Queue) Run(ctx context.Context, h crawl.Handler) error {
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			return &crawl.QueueError{Op: "fetch", Err: err}
		}

		var job crawl.Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			q.log.Error("dropping undecodable job message",
				zap.Int64("offset", msg.Offset), zap.Error(err))
			if err := q.reader.CommitMessages(ctx, msg); err != nil {
				return &crawl.QueueError{Op: "commit", Err: err}
			}
			continue
		}

		if err := h(ctx, job); err != nil {
			// The uncommitted offset redelivers the job to another
			// consumer in the group.
			return fmt.Errorf("handle job at offset %d: %w", msg.Offset, err)
		}
		if err := q.reader.CommitMessages(ctx, msg); err != nil {
			return &crawl.QueueError{Op: "commit", Err: err}
		}
	}
}

// Close shuts down the writer and reader.
func (q *Queue) Close() error {
	werr := q.writer.Close()
	rerr := q.reader.Close()
	if werr != nil {
		return fmt.Errorf("close kafka writer: %w", werr)
	}
	if rerr != nil {
		return fmt.Errorf("close kafka reader: %w", rerr)
	}
	return nil
}
