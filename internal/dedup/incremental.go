// Package dedup implements the incremental emit/skip protocol and the
// per-run URL claim on top of the shared tag store.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/metrics"
)

// Gate decides whether emissions proceed and records completion after
// durable storage. Store failures degrade to "not cached" unless the
// gate is strict.
type Gate struct {
	crawler string
	tags    crawl.TagStore
	expiry  time.Duration
	strict  bool
	log     *zap.Logger
}

// NewGate builds a Gate for one crawler. A zero expiry means completion
// tags never expire.
func NewGate(crawler string, tags crawl.TagStore, expiry time.Duration, strict bool, log *zap.Logger) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{crawler: crawler, tags: tags, expiry: expiry, strict: strict, log: log}
}

// TryEmit is the emit phase. It resolves the record's cache key and
// suppresses the emission when a completion tag already exists. When
// the emission proceeds, the resolved store key is attached to the
// record so the storing stage can complete it later; the tag itself is
// NOT written here. Anything failing between emit and storage leaves no
// tag, so the item is retried on the next run.
func (g *Gate) TryEmit(ctx context.Context, incremental bool, data crawl.Payload) (bool, error) {
	cacheKey, ok := crawl.ResolveCacheKey(data)
	if !ok {
		return true, nil
	}
	if !incremental {
		return true, nil
	}

	key := crawl.EmitKey(g.crawler, cacheKey)
	exists, err := g.tags.Exists(ctx, key)
	if err != nil {
		if g.strict {
			return false, fmt.Errorf("emit check: %w", err)
		}
		metrics.TagStoreError("exists")
		g.log.Warn("tag store unavailable, assuming not cached",
			zap.String("key", key), zap.Error(err))
		exists = false
	}
	if exists {
		metrics.EmitDecision("suppressed")
		g.log.Info("emit suppressed (incremental)", zap.String("cache_key", key))
		return false, nil
	}

	data[crawl.FieldPendingKey] = key
	metrics.EmitDecision("proceed")
	return true, nil
}

// MarkComplete is the completion phase, called only after durable
// storage. Idempotent: rewriting the tag is harmless.
func (g *Gate) MarkComplete(ctx context.Context, data crawl.Payload) error {
	key, ok := data.String(crawl.FieldPendingKey)
	if !ok || key == "" {
		return nil
	}
	value := []byte(time.Now().UTC().Format(time.RFC3339))
	if err := g.tags.Put(ctx, key, value, g.expiry); err != nil {
		if g.strict {
			return fmt.Errorf("mark complete: %w", err)
		}
		metrics.TagStoreError("put")
		g.log.Warn("completion tag not written, item will be retried",
			zap.String("key", key), zap.Error(err))
		return nil
	}
	g.log.Debug("marked emit complete", zap.String("cache_key", key))
	return nil
}

// SkipCriteria collapses emit and completion into one atomic
// check-and-set for operations that do not pass through storage.
// Returns true when the composite key was already claimed within the
// expiry window.
func (g *Gate) SkipCriteria(ctx context.Context, incremental bool, parts ...string) (bool, error) {
	if !incremental || len(parts) == 0 {
		return false, nil
	}
	key := crawl.IncKey(g.crawler, crawl.HashCriteria(parts...))
	claimed, err := g.tags.PutIfAbsent(ctx, key, []byte("inc"), g.expiry)
	if err != nil {
		if g.strict {
			return false, fmt.Errorf("skip criteria: %w", err)
		}
		metrics.TagStoreError("put_if_absent")
		g.log.Warn("tag store unavailable, not skipping",
			zap.String("key", key), zap.Error(err))
		return false, nil
	}
	if !claimed {
		g.log.Info("skipping (incremental)", zap.String("key", key))
	}
	return !claimed, nil
}

// IsUnavailable reports whether an error came from the coordination
// store rather than the work itself.
func IsUnavailable(err error) bool {
	return errors.Is(err, crawl.ErrStoreUnavailable)
}
