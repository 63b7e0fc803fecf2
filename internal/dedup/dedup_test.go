package dedup

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/tags/memory"
)

// failingStore simulates a coordination store outage.
type failingStore struct{}

func (failingStore) Exists(context.Context, string) (bool, error) {
	return false, crawl.ErrStoreUnavailable
}
func (failingStore) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, crawl.ErrStoreUnavailable
}
func (failingStore) Put(context.Context, string, []byte, time.Duration) error {
	return crawl.ErrStoreUnavailable
}
func (failingStore) PutIfAbsent(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, crawl.ErrStoreUnavailable
}
func (failingStore) DeletePrefix(context.Context, string) error {
	return crawl.ErrStoreUnavailable
}
func (failingStore) Close() error { return nil }

func TestGateSuppressesAfterMarkComplete(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	data := crawl.Payload{crawl.FieldCacheKey: "doc-1"}
	proceed, err := gate.TryEmit(ctx, true, data)
	require.NoError(t, err)
	require.True(t, proceed)

	// Storage succeeded, so completion is recorded.
	require.NoError(t, gate.MarkComplete(ctx, data))

	again := crawl.Payload{crawl.FieldCacheKey: "doc-1"}
	proceed, err = gate.TryEmit(ctx, true, again)
	require.NoError(t, err)
	require.False(t, proceed, "completed item must be suppressed on the next run")
}

func TestGateRetriesWhenCompletionNeverHappened(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	// First run emits but dies before MarkComplete.
	first := crawl.Payload{crawl.FieldCacheKey: "doc-2"}
	proceed, err := gate.TryEmit(ctx, true, first)
	require.NoError(t, err)
	require.True(t, proceed)

	// The next run sees no completion tag and emits again.
	second := crawl.Payload{crawl.FieldCacheKey: "doc-2"}
	proceed, err = gate.TryEmit(ctx, true, second)
	require.NoError(t, err)
	require.True(t, proceed, "uncompleted item must be retried")
}

func TestGateMarkCompleteIsIdempotent(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	data := crawl.Payload{crawl.FieldCacheKey: "doc-3"}
	_, err := gate.TryEmit(ctx, true, data)
	require.NoError(t, err)
	require.NoError(t, gate.MarkComplete(ctx, data))
	require.NoError(t, gate.MarkComplete(ctx, data), "redelivered job completes again harmlessly")
}

func TestGateNonIncrementalAlwaysProceeds(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	data := crawl.Payload{crawl.FieldCacheKey: "doc-4"}
	proceed, err := gate.TryEmit(ctx, true, data)
	require.NoError(t, err)
	require.True(t, proceed)
	require.NoError(t, gate.MarkComplete(ctx, data))

	// A non-incremental run reprocesses completed items.
	again := crawl.Payload{crawl.FieldCacheKey: "doc-4"}
	proceed, err = gate.TryEmit(ctx, false, again)
	require.NoError(t, err)
	require.True(t, proceed)
	_, pending := again.String(crawl.FieldPendingKey)
	require.False(t, pending, "non-incremental emissions carry no pending key")
}

func TestGateKeylessRecordsAlwaysProceed(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		data := crawl.Payload{"note": "no identity fields"}
		proceed, err := gate.TryEmit(ctx, true, data)
		require.NoError(t, err)
		require.True(t, proceed)
	}
}

func TestGateFlushReopensEmission(t *testing.T) {
	t.Parallel()

	store := memory.New()
	gate := NewGate("news", store, 0, false, zap.NewNop())
	ctx := context.Background()

	data := crawl.Payload{crawl.FieldCacheKey: "doc-5"}
	_, err := gate.TryEmit(ctx, true, data)
	require.NoError(t, err)
	require.NoError(t, gate.MarkComplete(ctx, data))

	require.NoError(t, store.DeletePrefix(ctx, crawl.CrawlerPrefix("news")))

	again := crawl.Payload{crawl.FieldCacheKey: "doc-5"}
	proceed, err := gate.TryEmit(ctx, true, again)
	require.NoError(t, err)
	require.True(t, proceed, "flush must reopen suppressed emissions")
}

func TestGateExpiryReopensEmission(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	clock := &now
	var mu sync.Mutex
	store := memory.NewWithClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return *clock
	})
	gate := NewGate("news", store, time.Hour, false, zap.NewNop())
	ctx := context.Background()

	data := crawl.Payload{crawl.FieldCacheKey: "doc-6"}
	_, err := gate.TryEmit(ctx, true, data)
	require.NoError(t, err)
	require.NoError(t, gate.MarkComplete(ctx, data))

	mu.Lock()
	later := now.Add(2 * time.Hour)
	clock = &later
	mu.Unlock()

	again := crawl.Payload{crawl.FieldCacheKey: "doc-6"}
	proceed, err := gate.TryEmit(ctx, true, again)
	require.NoError(t, err)
	require.True(t, proceed, "expired completion tags no longer suppress")
}

func TestGateDegradesWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", failingStore{}, 0, false, zap.NewNop())
	ctx := context.Background()

	data := crawl.Payload{crawl.FieldCacheKey: "doc-7"}
	proceed, err := gate.TryEmit(ctx, true, data)
	require.NoError(t, err)
	require.True(t, proceed, "store outage degrades to not-cached")

	require.NoError(t, gate.MarkComplete(ctx, data), "completion failure is absorbed, item retries later")
}

func TestGateStrictFailsWhenStoreUnavailable(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", failingStore{}, 0, true, zap.NewNop())
	ctx := context.Background()

	data := crawl.Payload{crawl.FieldCacheKey: "doc-8"}
	_, err := gate.TryEmit(ctx, true, data)
	require.Error(t, err)
	require.True(t, errors.Is(err, crawl.ErrStoreUnavailable))
}

func TestSkipCriteriaClaimsOnce(t *testing.T) {
	t.Parallel()

	gate := NewGate("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	skip, err := gate.SkipCriteria(ctx, true, "page", "42")
	require.NoError(t, err)
	require.False(t, skip, "first claim proceeds")

	skip, err = gate.SkipCriteria(ctx, true, "page", "42")
	require.NoError(t, err)
	require.True(t, skip, "second claim skips")

	skip, err = gate.SkipCriteria(ctx, false, "page", "42")
	require.NoError(t, err)
	require.False(t, skip, "non-incremental never skips")
}

func TestURLDedupClaimsOncePerRun(t *testing.T) {
	t.Parallel()

	urls := NewURLDedup("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	claimed, err := urls.Claim(ctx, "run-a", http.MethodGet, "https://example.com/doc")
	require.NoError(t, err)
	require.True(t, claimed)

	// Equivalent spellings of the URL hit the same claim.
	claimed, err = urls.Claim(ctx, "run-a", http.MethodGet, "HTTPS://Example.com:443/doc")
	require.NoError(t, err)
	require.False(t, claimed)

	// A different run claims independently.
	claimed, err = urls.Claim(ctx, "run-b", http.MethodGet, "https://example.com/doc")
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestURLDedupClearRun(t *testing.T) {
	t.Parallel()

	urls := NewURLDedup("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	claimed, err := urls.Claim(ctx, "run-a", http.MethodGet, "https://example.com/doc")
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, urls.ClearRun(ctx, "run-a"))

	claimed, err = urls.Claim(ctx, "run-a", http.MethodGet, "https://example.com/doc")
	require.NoError(t, err)
	require.True(t, claimed, "cleared run releases its claims")
}

func TestURLDedupConcurrentClaimSingleWinner(t *testing.T) {
	t.Parallel()

	urls := NewURLDedup("news", memory.New(), 0, false, zap.NewNop())
	ctx := context.Background()

	const workers = 32
	var wg sync.WaitGroup
	wins := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := urls.Claim(ctx, "run-a", http.MethodGet, "https://example.com/contested")
			if err == nil && claimed {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	require.Equal(t, 1, count, "exactly one worker wins a contested claim")
}

func TestURLDedupDegradesToFetching(t *testing.T) {
	t.Parallel()

	urls := NewURLDedup("news", failingStore{}, 0, false, zap.NewNop())
	claimed, err := urls.Claim(context.Background(), "run-a", http.MethodGet, "https://example.com/doc")
	require.NoError(t, err)
	require.True(t, claimed, "store outage favors crawling over dedup")
}
