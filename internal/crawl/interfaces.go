package crawl

import (
	"context"
	"net/http"
	"time"
)

// TagStore is the shared coordination store. PutIfAbsent must be a true
// atomic claim on every backend; all dedup correctness reduces to it.
// Expired entries behave as absent for Exists/Get and as reclaimable
// for PutIfAbsent. A zero ttl means the entry never expires.
type TagStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// PutIfAbsent returns true when this caller claimed the key.
	PutIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	// DeletePrefix removes all keys under the prefix and is complete
	// before returning. It need not be atomic.
	DeletePrefix(ctx context.Context, prefix string) error
	Close() error
}

// Handler processes one dequeued job.
type Handler func(ctx context.Context, job Job) error

// Queue is the external job queue. The core relies on the queue's own
// redelivery semantics; it does not implement at-least-once itself.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	// Run blocks, feeding jobs to the handler until the context ends
	// or the handler returns a fatal error.
	Run(ctx context.Context, h Handler) error
	Close() error
}

// Archive stores raw fetched artifacts keyed by path and returns a URI.
type Archive interface {
	Put(ctx context.Context, path string, contentType string, data []byte) (string, error)
	Get(ctx context.Context, path string) ([]byte, error)
}

// FetchResult is the outcome of one (possibly conditional) HTTP fetch.
type FetchResult struct {
	URL         string
	FinalURL    string
	StatusCode  int
	Header      http.Header
	Body        []byte
	ContentHash string
	NotModified bool
	RetrievedAt time.Time
}

// OK reports whether the fetch produced usable content, including a
// not-modified short circuit.
func (r *FetchResult) OK() bool {
	return r.NotModified || (r.StatusCode >= 200 && r.StatusCode < 400)
}

// Fetcher performs HTTP fetches with conditional-request caching.
type Fetcher interface {
	Get(ctx context.Context, url string) (*FetchResult, error)
}

// Gate is the incremental emit/skip protocol. TryEmit decides whether
// an emission proceeds and attaches the resolved cache key to the
// record; MarkComplete is called only after durable storage.
type Gate interface {
	TryEmit(ctx context.Context, incremental bool, data Payload) (bool, error)
	MarkComplete(ctx context.Context, data Payload) error
	// SkipCriteria collapses emit and completion into one atomic
	// check-and-set over an ad-hoc composite key.
	SkipCriteria(ctx context.Context, incremental bool, parts ...string) (bool, error)
}

// URLClaimer prevents duplicate fetch enqueues within one run.
type URLClaimer interface {
	Claim(ctx context.Context, runID, method, target string) (bool, error)
	ClearRun(ctx context.Context, runID string) error
}

// Clock returns the current time (swapped out in tests).
type Clock interface {
	Now() time.Time
}
