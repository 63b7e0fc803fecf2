package httpcache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	memorystore "github.com/stagecrawl/stagecrawl/internal/tags/memory"
)

func newTestClient(t *testing.T) (*Client, *Cache) {
	t.Helper()
	cache := NewCache("test", memorystore.New(), time.Hour, false, zap.NewNop())
	return NewClient(cache, nil, ClientConfig{}, zap.NewNop()), cache
}

func TestClientConditionalRevalidation(t *testing.T) {
	t.Parallel()

	var full atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		full.Add(1)
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	client, _ := newTestClient(t)
	ctx := context.Background()

	first, err := client.Get(ctx, srv.URL)
	require.NoError(t, err)
	require.True(t, first.OK())
	require.False(t, first.NotModified)
	require.Equal(t, []byte("payload"), first.Body)
	require.NotEmpty(t, first.ContentHash)

	second, err := client.Get(ctx, srv.URL)
	require.NoError(t, err)
	require.True(t, second.OK())
	require.True(t, second.NotModified)
	require.Empty(t, second.Body)
	require.Equal(t, first.ContentHash, second.ContentHash)
	require.EqualValues(t, 1, full.Load(), "second request must revalidate, not refetch")
}

func TestClientLastModifiedValidator(t *testing.T) {
	t.Parallel()

	const stamp = "Wed, 21 Oct 2015 07:28:00 GMT"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-Modified-Since") == stamp {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Last-Modified", stamp)
		_, _ = w.Write([]byte("doc"))
	}))
	defer srv.Close()

	client, _ := newTestClient(t)
	ctx := context.Background()

	_, err := client.Get(ctx, srv.URL)
	require.NoError(t, err)

	second, err := client.Get(ctx, srv.URL)
	require.NoError(t, err)
	require.True(t, second.NotModified)
}

func TestClientDoesNotCacheErrors(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("If-None-Match"))
		w.Header().Set("ETag", `"err"`)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, _ := newTestClient(t)
	ctx := context.Background()

	first, err := client.Get(ctx, srv.URL)
	require.NoError(t, err)
	require.False(t, first.OK())

	// The 500 left no validator entry, so the second request is
	// unconditional (asserted inside the handler).
	_, err = client.Get(ctx, srv.URL)
	require.NoError(t, err)
}

func TestClientChangedContentRefreshesEntry(t *testing.T) {
	t.Parallel()

	version := atomic.Int64{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v := version.Load()
		if v == 0 {
			w.Header().Set("ETag", `"v1"`)
			_, _ = w.Write([]byte("one"))
			return
		}
		// Content changed; ignore validators and serve the new body.
		w.Header().Set("ETag", `"v2"`)
		_, _ = w.Write([]byte("two"))
	}))
	defer srv.Close()

	client, _ := newTestClient(t)
	ctx := context.Background()

	first, err := client.Get(ctx, srv.URL)
	require.NoError(t, err)

	version.Store(1)
	second, err := client.Get(ctx, srv.URL)
	require.NoError(t, err)
	require.False(t, second.NotModified)
	require.NotEqual(t, first.ContentHash, second.ContentHash)
}

func TestCacheLookupMissOnCorruptEntry(t *testing.T) {
	t.Parallel()

	store := memorystore.New()
	cache := NewCache("test", store, 0, false, zap.NewNop())
	ctx := context.Background()

	urlKey, err := crawl.URLKey(http.MethodGet, "http://example.com/x")
	require.NoError(t, err)
	key := crawl.HTTPKey("test", urlKey)
	require.NoError(t, store.Put(ctx, key, []byte("{not json"), 0))

	entry, err := cache.Lookup(ctx, http.MethodGet, "http://example.com/x")
	require.NoError(t, err)
	require.Nil(t, entry)
}
