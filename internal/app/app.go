// Package app assembles the service from configuration: logger, tag
// store, archive, queue, crawler definitions, dispatcher and runner.
package app

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/archive"
	"github.com/stagecrawl/stagecrawl/internal/config"
	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/dispatch"
	"github.com/stagecrawl/stagecrawl/internal/graph"
	"github.com/stagecrawl/stagecrawl/internal/logging"
	"github.com/stagecrawl/stagecrawl/internal/ops"
	"github.com/stagecrawl/stagecrawl/internal/queue"
	"github.com/stagecrawl/stagecrawl/internal/tags"
)

// App holds the wired service components.
type App struct {
	Config   config.Config
	Log      *zap.Logger
	Tags     crawl.TagStore
	Queue    crawl.Queue
	Runner   *dispatch.Runner
	Crawlers map[string]*graph.Crawler
}

// New builds the whole service from a config file path.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, err
	}

	crawlers, err := graph.LoadDir(cfg.Crawlers.Dir, ops.Known)
	if err != nil {
		return nil, err
	}
	if len(crawlers) == 0 {
		return nil, crawl.Configf("no crawler definitions in %s", cfg.Crawlers.Dir)
	}

	tags, err := tagsOpen(ctx, cfg)
	if err != nil {
		return nil, err
	}

	blobs, err := archive.Open(ctx, cfg.Archive.URI)
	if err != nil {
		closeQuietly(tags, log)
		return nil, err
	}

	q, err := queue.Open(ctx, cfg.Queue.Backend, queue.Options{
		KafkaBrokers:       cfg.Queue.Kafka.Brokers,
		KafkaTopic:         cfg.Queue.Kafka.Topic,
		KafkaGroupID:       cfg.Queue.Kafka.GroupID,
		PubsubProjectID:    cfg.Queue.Pubsub.ProjectID,
		PubsubTopic:        cfg.Queue.Pubsub.Topic,
		PubsubSubscription: cfg.Queue.Pubsub.Subscription,
	}, log)
	if err != nil {
		closeQuietly(tags, log)
		return nil, err
	}

	d, err := dispatch.New(dispatch.Config{
		Crawlers:    crawlers,
		Tags:        tags,
		Queue:       q,
		Archive:     blobs,
		Log:         log,
		Strict:      cfg.Tags.Strict,
		RunTTL:      cfg.Tags.RunTTL,
		HTTPTimeout: cfg.HTTP.Timeout,
		UserAgent:   cfg.HTTP.UserAgent,
	})
	if err != nil {
		closeQuietly(tags, log)
		return nil, err
	}

	return &App{
		Config:   cfg,
		Log:      log,
		Tags:     tags,
		Queue:    q,
		Runner:   dispatch.NewRunner(d, cfg.Tags.RunTTL, log),
		Crawlers: crawlers,
	}, nil
}

// Close releases the queue and the tag store.
func (a *App) Close() error {
	qErr := a.Queue.Close()
	tErr := a.Tags.Close()
	if qErr != nil {
		return fmt.Errorf("close queue: %w", qErr)
	}
	if tErr != nil {
		return fmt.Errorf("close tag store: %w", tErr)
	}
	return nil
}

func tagsOpen(ctx context.Context, cfg config.Config) (crawl.TagStore, error) {
	return tags.Open(ctx, cfg.Tags.URI, tags.Options{
		PostgresTable: cfg.Tags.PostgresTable,
	})
}

func closeQuietly(store crawl.TagStore, log *zap.Logger) {
	if err := store.Close(); err != nil {
		log.Warn("closing tag store", zap.Error(err))
	}
}
