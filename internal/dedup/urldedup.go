package dedup

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/metrics"
)

// URLDedup prevents concurrent workers from enqueuing the same fetch
// target twice within one run. Claims live under the run prefix and are
// cleared by DeletePrefix at run start and cancel rather than per-key
// TTL, since run duration is unbounded. A safety TTL can be configured
// for runs that never terminate cleanly.
type URLDedup struct {
	crawler string
	tags    crawl.TagStore
	runTTL  time.Duration
	strict  bool
	log     *zap.Logger
}

// NewURLDedup builds the per-run claim helper. runTTL of zero disables
// the safety expiry.
func NewURLDedup(crawler string, tags crawl.TagStore, runTTL time.Duration, strict bool, log *zap.Logger) *URLDedup {
	if log == nil {
		log = zap.NewNop()
	}
	return &URLDedup{crawler: crawler, tags: tags, runTTL: runTTL, strict: strict, log: log}
}

// Claim returns true when this worker is the first to see the target in
// this run. False means another worker holds the claim and the caller
// drops the duplicate silently. On a redirect the caller claims the
// original target, so the same logical source is not fetched twice.
func (d *URLDedup) Claim(ctx context.Context, runID, method, target string) (bool, error) {
	urlKey, err := crawl.URLKey(method, target)
	if err != nil {
		return false, fmt.Errorf("claim %q: %w", target, err)
	}
	key := crawl.RunURLKey(d.crawler, runID, urlKey)
	claimed, err := d.tags.PutIfAbsent(ctx, key, []byte(target), d.runTTL)
	if err != nil {
		if d.strict {
			return false, fmt.Errorf("claim: %w", err)
		}
		metrics.TagStoreError("put_if_absent")
		// Favor crawling over perfect dedup: an unreachable store
		// must not stall the run.
		d.log.Warn("tag store unavailable, proceeding without claim",
			zap.String("key", key), zap.Error(err))
		return true, nil
	}
	if !claimed {
		d.log.Debug("duplicate fetch target dropped",
			zap.String("run_id", runID), zap.String("url", target))
	}
	return claimed, nil
}

// ClearRun removes every run-scoped claim for the given run.
func (d *URLDedup) ClearRun(ctx context.Context, runID string) error {
	if err := d.tags.DeletePrefix(ctx, crawl.RunPrefix(d.crawler, runID)); err != nil {
		return fmt.Errorf("clear run %s: %w", runID, err)
	}
	return nil
}
