// Package dispatch executes pipeline jobs. The dispatcher owns the job
// state machine, routes emissions through the incremental gate, and is
// the only component that talks to both the queue and the operations.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/clock/system"
	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/dedup"
	"github.com/stagecrawl/stagecrawl/internal/graph"
	"github.com/stagecrawl/stagecrawl/internal/httpcache"
	"github.com/stagecrawl/stagecrawl/internal/metrics"
	"github.com/stagecrawl/stagecrawl/internal/ops"
	"github.com/stagecrawl/stagecrawl/internal/ratelimit"
)

// Config assembles a Dispatcher.
type Config struct {
	Crawlers map[string]*graph.Crawler
	Tags     crawl.TagStore
	Queue    crawl.Queue
	Archive  crawl.Archive
	Clock    crawl.Clock
	Log      *zap.Logger

	// Strict fails jobs on coordination-store errors instead of
	// degrading to uncached behavior.
	Strict bool
	// RunTTL is the safety expiry on run-scoped claims. Zero disables
	// it; DeletePrefix at run boundaries remains the primary cleanup.
	RunTTL time.Duration
	// HTTPTimeout bounds individual fetches.
	HTTPTimeout time.Duration
	// UserAgent overrides the default request identity.
	UserAgent string
}

// crawlerEnv is the per-crawler slice of shared infrastructure: its own
// gate and claim helper (expiry settings differ per crawler) and its
// own fetcher (stealth and delay settings differ per crawler).
type crawlerEnv struct {
	cfg   *graph.Crawler
	gate  *dedup.Gate
	urls  *dedup.URLDedup
	fetch crawl.Fetcher
}

// Dispatcher turns queued jobs into operation executions.
type Dispatcher struct {
	tags    crawl.TagStore
	queue   crawl.Queue
	archive crawl.Archive
	clock   crawl.Clock
	log     *zap.Logger

	envs map[string]*crawlerEnv

	mu       sync.Mutex
	runCache map[string]crawl.Run
}

// New validates the crawler set and builds the per-crawler
// environments.
func New(cfg Config) (*Dispatcher, error) {
	if len(cfg.Crawlers) == 0 {
		return nil, crawl.Configf("no crawlers configured")
	}
	if cfg.Tags == nil || cfg.Queue == nil || cfg.Archive == nil {
		return nil, crawl.Configf("dispatcher requires tag store, queue and archive")
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	metrics.Init()

	d := &Dispatcher{
		tags:     cfg.Tags,
		queue:    cfg.Queue,
		archive:  cfg.Archive,
		clock:    cfg.Clock,
		log:      cfg.Log,
		envs:     make(map[string]*crawlerEnv, len(cfg.Crawlers)),
		runCache: make(map[string]crawl.Run),
	}
	for name, c := range cfg.Crawlers {
		log := cfg.Log.With(zap.String("crawler", name))
		limiter := ratelimit.New(ratelimit.Config{DefaultRPS: delayToRPS(c.Delay.Std())})
		cache := httpcache.NewCache(name, cfg.Tags, c.Expire.Std(), cfg.Strict, log)
		d.envs[name] = &crawlerEnv{
			cfg:  c,
			gate: dedup.NewGate(name, cfg.Tags, c.Expire.Std(), cfg.Strict, log),
			urls: dedup.NewURLDedup(name, cfg.Tags, cfg.RunTTL, cfg.Strict, log),
			fetch: httpcache.NewClient(cache, limiter, httpcache.ClientConfig{
				UserAgent: cfg.UserAgent,
				Timeout:   cfg.HTTPTimeout,
				Stealthy:  c.Stealthy,
			}, log),
		}
	}
	return d, nil
}

func delayToRPS(delay time.Duration) float64 {
	if delay <= 0 {
		return 0
	}
	return float64(time.Second) / float64(delay)
}

// Crawler returns a configured crawler by name.
func (d *Dispatcher) Crawler(name string) (*graph.Crawler, bool) {
	env, ok := d.envs[name]
	if !ok {
		return nil, false
	}
	return env.cfg, true
}

// Crawlers lists the configured crawlers.
func (d *Dispatcher) Crawlers() map[string]*graph.Crawler {
	out := make(map[string]*graph.Crawler, len(d.envs))
	for name, env := range d.envs {
		out[name] = env.cfg
	}
	return out
}

// Handle processes one dequeued job through the state machine:
// received, then either skipped (cancelled or expired run), or
// executing and finally completed or failed. Cancellation and the run
// deadline are checked only here, before execution; a job that started
// always finishes.
func (d *Dispatcher) Handle(ctx context.Context, job crawl.Job) error {
	log := d.log.With(
		zap.String("crawler", job.Crawler),
		zap.String("run_id", job.RunID),
		zap.String("stage", job.Stage),
	)
	metrics.JobState(job.Stage, string(crawl.JobReceived))

	env, ok := d.envs[job.Crawler]
	if !ok {
		// A stale queue can hold jobs for crawlers no longer deployed.
		log.Warn("dropping job for unknown crawler")
		metrics.JobState(job.Stage, string(crawl.JobSkipped))
		return nil
	}

	run, err := d.loadRun(ctx, env, job)
	if err != nil {
		return err
	}

	aborted, err := d.runAborted(ctx, job)
	if err != nil {
		return err
	}
	if aborted {
		log.Debug("skipping job of cancelled run")
		metrics.JobState(job.Stage, string(crawl.JobSkipped))
		return nil
	}
	if run.Expired(d.clock.Now()) {
		log.Info("skipping job past run deadline",
			zap.Time("deadline", run.Deadline()))
		metrics.JobState(job.Stage, string(crawl.JobSkipped))
		return nil
	}

	stage, ok := env.cfg.Stage(job.Stage)
	if !ok {
		log.Error("job references unknown stage")
		metrics.JobState(job.Stage, string(crawl.JobFailed))
		return nil
	}
	op, ok := ops.Resolve(stage.Method)
	if !ok {
		// Config validation rejects unknown methods, so this only
		// happens when config changed under a live queue.
		log.Error("stage method no longer registered", zap.String("method", stage.Method))
		metrics.JobState(job.Stage, string(crawl.JobFailed))
		return nil
	}

	metrics.JobState(job.Stage, string(crawl.JobExecuting))
	c := d.newContext(env, run, job.Stage, stage.Params, log)

	data := job.Data
	if data == nil {
		data = crawl.Payload{}
	}
	if err := op(ctx, c, data); err != nil {
		metrics.JobState(job.Stage, string(crawl.JobFailed))
		opErr := &crawl.OpError{Crawler: job.Crawler, Stage: job.Stage, Err: err}
		if run.ContinueOnError {
			log.Error("stage failed, run continues", zap.Error(err))
			return nil
		}
		return opErr
	}
	metrics.JobState(job.Stage, string(crawl.JobCompleted))
	return nil
}

// newContext builds the capability handle for one job.
func (d *Dispatcher) newContext(env *crawlerEnv, run crawl.Run, stage string, params crawl.Payload, log *zap.Logger) *crawl.Context {
	c := crawl.NewContext(run, stage, params, d.emitFunc(env, run, stage, log))
	c.Log = log
	c.Tags = d.tags
	c.Gate = env.gate
	c.URLs = env.urls
	c.HTTP = env.fetch
	c.Archive = d.archive
	c.Clock = d.clock
	return c
}

// emitFunc routes one emission: resolve the handler rule to a target
// stage, pass the record through the incremental gate, and enqueue. A
// rule with no binding is a logged drop for plain emits and a silent
// drop for optional ones; it never fails the emitting stage.
func (d *Dispatcher) emitFunc(env *crawlerEnv, run crawl.Run, stage string, log *zap.Logger) crawl.EmitFunc {
	return func(ctx context.Context, rule string, data crawl.Payload, optional bool) error {
		var target string
		if crawl.IsRecurse(rule) {
			target = stage
		} else {
			var bound bool
			target, bound = env.cfg.HandlerTarget(stage, rule)
			if !bound {
				if !optional {
					log.Warn("emission dropped, no handler bound", zap.String("rule", rule))
					metrics.EmitDecision("dropped")
				}
				return nil
			}
		}

		proceed, err := env.gate.TryEmit(ctx, run.Incremental, data)
		if err != nil {
			return err
		}
		if !proceed {
			return nil
		}

		job := crawl.Job{
			Crawler: run.Crawler,
			RunID:   run.ID,
			Stage:   target,
			Data:    data,
		}
		if err := d.queue.Enqueue(ctx, job); err != nil {
			return fmt.Errorf("emit to %s: %w", target, err)
		}
		return nil
	}
}

// runInfo is the durable run record shared through the tag store so
// every worker dispatches a run with the same settings.
type runInfo struct {
	StartedAt       time.Time `json:"started_at"`
	Incremental     bool      `json:"incremental"`
	ContinueOnError bool      `json:"continue_on_error"`
	MaxRuntimeSecs  int64     `json:"max_runtime_secs"`
}

func runInfoKey(crawler, runID string) string {
	return crawl.RunStateKey(crawler, runID, "info")
}

func runAbortKey(crawler, runID string) string {
	return crawl.RunStateKey(crawler, runID, "aborted")
}

// loadRun resolves the run record for a job, falling back to crawler
// defaults when the record is gone (flushed mid-run or expired). The
// result is cached per process.
func (d *Dispatcher) loadRun(ctx context.Context, env *crawlerEnv, job crawl.Job) (crawl.Run, error) {
	cacheKey := job.Crawler + "/" + job.RunID
	d.mu.Lock()
	if run, ok := d.runCache[cacheKey]; ok {
		d.mu.Unlock()
		return run, nil
	}
	d.mu.Unlock()

	run := crawl.Run{
		ID:              job.RunID,
		Crawler:         job.Crawler,
		StartedAt:       d.clock.Now(),
		Incremental:     env.cfg.IsIncremental(),
		ContinueOnError: env.cfg.ContinueOnError,
		MaxRuntime:      env.cfg.MaxRuntime.Std(),
	}

	raw, found, err := d.tags.Get(ctx, runInfoKey(job.Crawler, job.RunID))
	if err != nil {
		// Degrading to defaults keeps the fleet working through a
		// store outage; strictness is enforced by the gate instead.
		metrics.TagStoreError("get")
		d.log.Warn("run record unavailable, using crawler defaults",
			zap.String("run_id", job.RunID), zap.Error(err))
	} else if found {
		var info runInfo
		if err := json.Unmarshal(raw, &info); err == nil {
			run.StartedAt = info.StartedAt
			run.Incremental = info.Incremental
			run.ContinueOnError = info.ContinueOnError
			run.MaxRuntime = time.Duration(info.MaxRuntimeSecs) * time.Second
		}
	}

	d.mu.Lock()
	d.runCache[cacheKey] = run
	d.mu.Unlock()
	return run, nil
}

// runAborted checks the shared abort marker.
func (d *Dispatcher) runAborted(ctx context.Context, job crawl.Job) (bool, error) {
	aborted, err := d.tags.Exists(ctx, runAbortKey(job.Crawler, job.RunID))
	if err != nil {
		metrics.TagStoreError("exists")
		d.log.Warn("abort marker unavailable, assuming run is live",
			zap.String("run_id", job.RunID), zap.Error(err))
		return false, nil
	}
	return aborted, nil
}
