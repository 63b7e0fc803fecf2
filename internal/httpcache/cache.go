// Package httpcache layers conditional-request caching over plain HTTP
// fetches. Validators live in the shared tag store under the crawler's
// http namespace, so every worker in a fleet benefits from every other
// worker's fetches.
package httpcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/metrics"
)

// Entry holds the validators and content identity of the last full
// response for a target.
type Entry struct {
	ETag         string    `json:"etag,omitempty"`
	LastModified string    `json:"last_modified,omitempty"`
	ContentHash  string    `json:"content_hash"`
	ContentType  string    `json:"content_type,omitempty"`
	StatusCode   int       `json:"status_code"`
	FetchedAt    time.Time `json:"fetched_at"`
}

// HasValidators reports whether a conditional request is possible.
func (e *Entry) HasValidators() bool {
	return e.ETag != "" || e.LastModified != ""
}

// Cache reads and writes validator entries. A store failure degrades to
// a miss unless the cache is strict; a full fetch is always a correct
// fallback.
type Cache struct {
	crawler string
	tags    crawl.TagStore
	ttl     time.Duration
	strict  bool
	log     *zap.Logger
}

// NewCache builds a validator cache for one crawler. A zero ttl keeps
// entries until explicitly flushed.
func NewCache(crawler string, tags crawl.TagStore, ttl time.Duration, strict bool, log *zap.Logger) *Cache {
	if log == nil {
		log = zap.NewNop()
	}
	return &Cache{crawler: crawler, tags: tags, ttl: ttl, strict: strict, log: log}
}

// Lookup returns the cached entry for a fetch target, or nil on a miss.
func (c *Cache) Lookup(ctx context.Context, method, target string) (*Entry, error) {
	urlKey, err := crawl.URLKey(method, target)
	if err != nil {
		return nil, err
	}
	raw, found, err := c.tags.Get(ctx, crawl.HTTPKey(c.crawler, urlKey))
	if err != nil {
		if c.strict {
			return nil, fmt.Errorf("validator lookup: %w", err)
		}
		metrics.TagStoreError("get")
		c.log.Warn("validator cache unavailable, fetching unconditionally",
			zap.String("url", target), zap.Error(err))
		return nil, nil
	}
	if !found {
		return nil, nil
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// A corrupt entry is a miss; the next store overwrites it.
		c.log.Warn("dropping corrupt validator entry",
			zap.String("url", target), zap.Error(err))
		return nil, nil
	}
	return &entry, nil
}

// Store records the validators of a full response, overwriting any
// previous entry for the target.
func (c *Cache) Store(ctx context.Context, method, target string, entry Entry) error {
	urlKey, err := crawl.URLKey(method, target)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode validator entry: %w", err)
	}
	if err := c.tags.Put(ctx, crawl.HTTPKey(c.crawler, urlKey), raw, c.ttl); err != nil {
		if c.strict {
			return fmt.Errorf("validator store: %w", err)
		}
		metrics.TagStoreError("put")
		c.log.Warn("validator entry not written",
			zap.String("url", target), zap.Error(err))
	}
	return nil
}
