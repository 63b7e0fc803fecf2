package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/graph"
	"github.com/stagecrawl/stagecrawl/internal/id/uuid"
)

// RunOptions override crawler defaults for a single run.
type RunOptions struct {
	Incremental     *bool
	ContinueOnError *bool
	MaxRuntime      *time.Duration
}

// Runner drives runs end to end: it starts them, feeds the worker
// pool, and handles cancellation and flushing.
type Runner struct {
	d      *Dispatcher
	ids    *uuid.Generator
	runTTL time.Duration
	log    *zap.Logger
}

// NewRunner wraps a dispatcher.
func NewRunner(d *Dispatcher, runTTL time.Duration, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{d: d, ids: uuid.New(), runTTL: runTTL, log: log}
}

// Crawlers lists the configured crawlers.
func (r *Runner) Crawlers() map[string]*graph.Crawler {
	return r.d.Crawlers()
}

// StartRun creates a run for a crawler and enqueues its init stage.
// The run record goes into the shared store first, so workers on other
// machines dispatch the first job with the right settings.
func (r *Runner) StartRun(ctx context.Context, crawler string, opts RunOptions) (string, error) {
	env, ok := r.d.envs[crawler]
	if !ok {
		return "", crawl.Configf("unknown crawler %q", crawler)
	}

	runID, err := r.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	info := runInfo{
		StartedAt:       r.d.clock.Now(),
		Incremental:     env.cfg.IsIncremental(),
		ContinueOnError: env.cfg.ContinueOnError,
		MaxRuntimeSecs:  int64(env.cfg.MaxRuntime.Std() / time.Second),
	}
	if opts.Incremental != nil {
		info.Incremental = *opts.Incremental
	}
	if opts.ContinueOnError != nil {
		info.ContinueOnError = *opts.ContinueOnError
	}
	if opts.MaxRuntime != nil {
		info.MaxRuntimeSecs = int64(*opts.MaxRuntime / time.Second)
	}

	raw, err := json.Marshal(info)
	if err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	if err := r.d.tags.Put(ctx, runInfoKey(crawler, runID), raw, r.runTTL); err != nil {
		return "", fmt.Errorf("start run: record: %w", err)
	}

	// A fresh run ID has no claims, but clearing keeps restarts with a
	// reused ID (operator-supplied) correct.
	if err := env.urls.ClearRun(ctx, runID); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}

	job := crawl.Job{Crawler: crawler, RunID: runID, Stage: env.cfg.Init, Data: crawl.Payload{}}
	if err := r.d.queue.Enqueue(ctx, job); err != nil {
		return "", fmt.Errorf("start run: seed init stage: %w", err)
	}

	r.log.Info("run started",
		zap.String("crawler", crawler),
		zap.String("run_id", runID),
		zap.Bool("incremental", info.Incremental))
	return runID, nil
}

// CancelRun marks a run aborted and clears its claims. Workers skip
// the run's remaining jobs as they dequeue; executing jobs finish.
func (r *Runner) CancelRun(ctx context.Context, crawler, runID string) error {
	env, ok := r.d.envs[crawler]
	if !ok {
		return crawl.Configf("unknown crawler %q", crawler)
	}
	if err := r.d.tags.Put(ctx, runAbortKey(crawler, runID), []byte("aborted"), r.runTTL); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	if err := env.urls.ClearRun(ctx, runID); err != nil {
		return fmt.Errorf("cancel run %s: %w", runID, err)
	}
	r.log.Info("run cancelled", zap.String("crawler", crawler), zap.String("run_id", runID))
	return nil
}

// Flush deletes every tag a crawler owns. The next run reprocesses
// everything from scratch.
func (r *Runner) Flush(ctx context.Context, crawler string) error {
	if _, ok := r.d.envs[crawler]; !ok {
		return crawl.Configf("unknown crawler %q", crawler)
	}
	if err := r.d.tags.DeletePrefix(ctx, crawl.CrawlerPrefix(crawler)); err != nil {
		return fmt.Errorf("flush %s: %w", crawler, err)
	}
	r.log.Info("crawler flushed", zap.String("crawler", crawler))
	return nil
}

// Work runs a pool of queue consumers. It returns when the queue goes
// idle (in-process queue), the context ends, or a worker fails
// fatally.
func (r *Runner) Work(ctx context.Context, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			return r.d.queue.Run(ctx, r.d.Handle)
		})
	}
	return g.Wait()
}
