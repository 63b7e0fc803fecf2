package httpcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/metrics"
	"github.com/stagecrawl/stagecrawl/internal/ratelimit"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// defaultUserAgent identifies the crawler to origin servers. Stage
// configuration can override it per crawler.
const defaultUserAgent = "stagecrawl/1.0"

// maxBodyBytes caps response reads so a single runaway response cannot
// exhaust worker memory.
const maxBodyBytes = 512 << 20

// ClientConfig tunes the fetching client.
type ClientConfig struct {
	UserAgent string
	Timeout   time.Duration
	// Stealthy rotates common browser user agents per request.
	Stealthy bool
}

// Client is the conditional-request fetcher. On a cache hit it sends
// If-None-Match / If-Modified-Since and turns a 304 into a result that
// reuses the cached content hash, so downstream emit dedup suppresses
// unchanged items without re-downloading them.
type Client struct {
	http    *http.Client
	cache   *Cache
	limiter *ratelimit.Limiter
	cfg     ClientConfig
	log     *zap.Logger
}

// stealthAgents is a small rotation of common browser identities.
var stealthAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Safari/605.1.15",
	"Mozilla/5.0 (X11; Linux x86_64; rv:127.0) Gecko/20100101 Firefox/127.0",
}

// NewClient builds a Client. cache and limiter may be nil, which
// disables conditional requests and rate limiting respectively.
func NewClient(cache *Cache, limiter *ratelimit.Limiter, cfg ClientConfig, log *zap.Logger) *Client {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache,
		limiter: limiter,
		cfg:     cfg,
		log:     log,
	}
}

// Get fetches a URL, conditionally when validators are cached.
func (c *Client) Get(ctx context.Context, target string) (*crawl.FetchResult, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", target, err)
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, u.Hostname()); err != nil {
			return nil, err
		}
	}

	var cached *Entry
	if c.cache != nil {
		cached, err = c.cache.Lookup(ctx, http.MethodGet, target)
		if err != nil {
			return nil, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", target, err)
	}
	req.Header.Set("User-Agent", c.userAgent(target))
	if cached != nil && cached.HasValidators() {
		if cached.ETag != "" {
			req.Header.Set("If-None-Match", cached.ETag)
		}
		if cached.LastModified != "" {
			req.Header.Set("If-Modified-Since", cached.LastModified)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %q: %w", target, err)
	}
	defer resp.Body.Close()

	now := time.Now().UTC()
	if resp.StatusCode == http.StatusNotModified && cached != nil {
		metrics.HTTPCache("hit")
		c.log.Debug("not modified", zap.String("url", target))
		// 304 responses carry no content headers; restore the cached
		// content type so downstream parsing still works.
		if resp.Header.Get("Content-Type") == "" && cached.ContentType != "" {
			resp.Header.Set("Content-Type", cached.ContentType)
		}
		return &crawl.FetchResult{
			URL:         target,
			FinalURL:    finalURL(resp, target),
			StatusCode:  resp.StatusCode,
			Header:      resp.Header,
			ContentHash: cached.ContentHash,
			NotModified: true,
			RetrievedAt: now,
		}, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read %q: %w", target, err)
	}

	sum := sha256.Sum256(body)
	result := &crawl.FetchResult{
		URL:         target,
		FinalURL:    finalURL(resp, target),
		StatusCode:  resp.StatusCode,
		Header:      resp.Header,
		Body:        body,
		ContentHash: hex.EncodeToString(sum[:]),
		RetrievedAt: now,
	}

	if c.cache != nil && resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.HTTPCache("miss")
		entry := Entry{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
			ContentHash:  result.ContentHash,
			ContentType:  resp.Header.Get("Content-Type"),
			StatusCode:   resp.StatusCode,
			FetchedAt:    now,
		}
		if err := c.cache.Store(ctx, http.MethodGet, target, entry); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// userAgent picks the request identity, rotating browser agents in
// stealthy mode. The rotation is keyed on the target so retries of the
// same URL present the same identity.
func (c *Client) userAgent(target string) string {
	if !c.cfg.Stealthy {
		return c.cfg.UserAgent
	}
	sum := sha256.Sum256([]byte(target))
	return stealthAgents[int(sum[0])%len(stealthAgents)]
}

// finalURL is the post-redirect URL the client actually read from.
func finalURL(resp *http.Response, fallback string) string {
	if resp.Request != nil && resp.Request.URL != nil {
		return resp.Request.URL.String()
	}
	return fallback
}
