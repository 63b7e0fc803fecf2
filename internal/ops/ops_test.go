package ops

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	archivememory "github.com/stagecrawl/stagecrawl/internal/archive/memory"
	"github.com/stagecrawl/stagecrawl/internal/crawl"
	"github.com/stagecrawl/stagecrawl/internal/dedup"
	"github.com/stagecrawl/stagecrawl/internal/httpcache"
	tagsmemory "github.com/stagecrawl/stagecrawl/internal/tags/memory"
)

type emission struct {
	rule string
	data crawl.Payload
}

type recorder struct {
	emissions []emission
}

func (r *recorder) emit(_ context.Context, rule string, data crawl.Payload, _ bool) error {
	r.emissions = append(r.emissions, emission{rule: rule, data: data})
	return nil
}

func (r *recorder) rules() []string {
	out := make([]string, 0, len(r.emissions))
	for _, e := range r.emissions {
		out = append(out, e.rule)
	}
	return out
}

func testRun() crawl.Run {
	return crawl.Run{
		ID:          "run-1",
		Crawler:     "test",
		StartedAt:   time.Now().UTC(),
		Incremental: true,
	}
}

// newTestContext wires a Context against in-memory backends and a
// recording emit sink.
func newTestContext(t *testing.T, params crawl.Payload) (*crawl.Context, *recorder, *archivememory.Store) {
	t.Helper()
	rec := &recorder{}
	tags := tagsmemory.New()
	blobs := archivememory.New()
	run := testRun()

	c := crawl.NewContext(run, "stage", params, rec.emit)
	c.Tags = tags
	c.Gate = dedup.NewGate(run.Crawler, tags, 0, false, zap.NewNop())
	c.URLs = dedup.NewURLDedup(run.Crawler, tags, 0, false, zap.NewNop())
	c.Archive = blobs
	cache := httpcache.NewCache(run.Crawler, tags, 0, false, zap.NewNop())
	c.HTTP = httpcache.NewClient(cache, nil, httpcache.ClientConfig{}, zap.NewNop())
	return c, rec, blobs
}

func TestSeedEmitsEachURL(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestContext(t, crawl.Payload{
		"urls": []any{"https://a.example/", "https://b.example/"},
	})
	require.NoError(t, Seed(context.Background(), c, crawl.Payload{}))
	require.Equal(t, []string{"pass", "pass"}, rec.rules())
	url0, _ := rec.emissions[0].data.String(crawl.FieldURL)
	require.Equal(t, "https://a.example/", url0)
}

func TestSeedExpandsEnvironment(t *testing.T) {
	t.Setenv("OPS_TEST_HOST", "env.example")

	c, rec, _ := newTestContext(t, crawl.Payload{"url": "https://${OPS_TEST_HOST}/feed"})
	require.NoError(t, Seed(context.Background(), c, crawl.Payload{}))
	require.Len(t, rec.emissions, 1)
	target, _ := rec.emissions[0].data.String(crawl.FieldURL)
	require.Equal(t, "https://env.example/feed", target)
}

func TestSeedWithoutURLsFails(t *testing.T) {
	t.Parallel()

	c, _, _ := newTestContext(t, crawl.Payload{})
	require.Error(t, Seed(context.Background(), c, crawl.Payload{}))
}

func TestSequenceEmitsRange(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestContext(t, crawl.Payload{"start": 2, "stop": 6, "step": 2})
	require.NoError(t, Sequence(context.Background(), c, crawl.Payload{}))
	require.Len(t, rec.emissions, 3)
	n, ok := rec.emissions[2].data.Int("number")
	require.True(t, ok)
	require.Equal(t, 6, n)
}

func TestEnumerateEmitsItems(t *testing.T) {
	t.Parallel()

	c, rec, _ := newTestContext(t, crawl.Payload{"items": []any{"x", "y"}})
	require.NoError(t, Enumerate(context.Background(), c, crawl.Payload{}))
	require.Len(t, rec.emissions, 2)
}

func TestFetchArchivesBodyAndEmits(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte("<html><body>hi</body></html>"))
	}))
	defer srv.Close()

	c, rec, blobs := newTestContext(t, crawl.Payload{})
	err := Fetch(context.Background(), c, crawl.Payload{crawl.FieldURL: srv.URL})
	require.NoError(t, err)

	require.Equal(t, []string{"pass"}, rec.rules())
	out := rec.emissions[0].data
	hash, ok := out.String(crawl.FieldContentHash)
	require.True(t, ok)
	status, _ := out.Int(FieldStatusCode)
	require.Equal(t, http.StatusOK, status)

	body, err := blobs.Get(context.Background(), BlobPath(hash))
	require.NoError(t, err)
	require.Contains(t, string(body), "hi")
}

func TestFetchRetriesTransportErrors(t *testing.T) {
	t.Parallel()

	// A closed server gives a connection error on every attempt.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	c, rec, _ := newTestContext(t, crawl.Payload{"retry": 2})
	err := Fetch(context.Background(), c, crawl.Payload{crawl.FieldURL: srv.URL})
	require.NoError(t, err)

	require.Len(t, rec.emissions, 1)
	require.True(t, crawl.IsRecurse(rec.emissions[0].rule))
	attempt, ok := rec.emissions[0].data.Int("fetch_attempt")
	require.True(t, ok)
	require.Equal(t, 1, attempt)

	// With the budget exhausted the error surfaces.
	err = Fetch(context.Background(), c, crawl.Payload{
		crawl.FieldURL: srv.URL, "fetch_attempt": 2,
	})
	require.Error(t, err)
}

func TestFetchDropsClaimedRedirectTarget(t *testing.T) {
	t.Parallel()

	var canonical string
	mux := http.NewServeMux()
	mux.HandleFunc("/canonical", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("doc"))
	})
	mux.HandleFunc("/alias", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, canonical, http.StatusFound)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	canonical = srv.URL + "/canonical"

	c, rec, _ := newTestContext(t, crawl.Payload{})
	ctx := context.Background()

	// Another worker already fetched the canonical URL this run.
	claimed, err := c.ClaimURL(ctx, http.MethodGet, canonical)
	require.NoError(t, err)
	require.True(t, claimed)

	err = Fetch(ctx, c, crawl.Payload{crawl.FieldURL: srv.URL + "/alias"})
	require.NoError(t, err)
	require.Empty(t, rec.emissions, "redirect to a claimed URL is dropped")
}

func TestParseExtractsLinksAndTitle(t *testing.T) {
	t.Parallel()

	page := `<html><head><title> Front Page </title></head><body>
		<a href="/next">next</a>
		<a href="https://other.example/doc">other</a>
		<a href="mailto:x@example.com">mail</a>
		<a href="/next#section">dup</a>
		<img src="/logo.png">
	</body></html>`

	c, rec, blobs := newTestContext(t, crawl.Payload{})
	ctx := context.Background()
	_, err := blobs.Put(ctx, "blobs/h1", "text/html", []byte(page))
	require.NoError(t, err)

	data := crawl.Payload{
		crawl.FieldURL:   "https://site.example/index.html",
		FieldBlobPath:    "blobs/h1",
		FieldContentType: "text/html; charset=utf-8",
	}
	require.NoError(t, Parse(ctx, c, data))

	require.Equal(t, "Front Page", data["title"])

	var fetched []string
	storeCount := 0
	for _, e := range rec.emissions {
		switch e.rule {
		case "fetch":
			u, _ := e.data.String(crawl.FieldURL)
			fetched = append(fetched, u)
		case "store":
			storeCount++
		}
	}
	require.Equal(t, 1, storeCount)
	require.ElementsMatch(t, []string{
		"https://site.example/next",
		"https://other.example/doc",
		"https://site.example/logo.png",
	}, fetched)
}

func TestParseSameDomainFilter(t *testing.T) {
	t.Parallel()

	page := `<a href="https://site.example/in">in</a><a href="https://other.example/out">out</a>`
	c, rec, blobs := newTestContext(t, crawl.Payload{"same_domain": true})
	ctx := context.Background()
	_, err := blobs.Put(ctx, "blobs/h2", "text/html", []byte(page))
	require.NoError(t, err)

	data := crawl.Payload{
		crawl.FieldURL:   "https://site.example/",
		FieldBlobPath:    "blobs/h2",
		FieldContentType: "text/html",
	}
	require.NoError(t, Parse(ctx, c, data))

	var fetched []string
	for _, e := range rec.emissions {
		if e.rule == "fetch" {
			u, _ := e.data.String(crawl.FieldURL)
			fetched = append(fetched, u)
		}
	}
	require.Equal(t, []string{"https://site.example/in"}, fetched)
}

func TestParseSkipsClaimedURLs(t *testing.T) {
	t.Parallel()

	page := `<a href="https://site.example/doc">doc</a>`
	c, rec, blobs := newTestContext(t, crawl.Payload{})
	ctx := context.Background()
	_, err := blobs.Put(ctx, "blobs/h3", "text/html", []byte(page))
	require.NoError(t, err)

	claimed, err := c.ClaimURL(ctx, http.MethodGet, "https://site.example/doc")
	require.NoError(t, err)
	require.True(t, claimed)

	data := crawl.Payload{
		crawl.FieldURL:   "https://site.example/",
		FieldBlobPath:    "blobs/h3",
		FieldContentType: "text/html",
	}
	require.NoError(t, Parse(ctx, c, data))
	for _, e := range rec.emissions {
		require.NotEqual(t, "fetch", e.rule)
	}
}

func TestDirectoryStoresAndMarksComplete(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	c, _, blobs := newTestContext(t, crawl.Payload{"path": dir})
	ctx := context.Background()
	_, err := blobs.Put(ctx, "blobs/h4", "text/plain", []byte("content"))
	require.NoError(t, err)

	data := crawl.Payload{
		crawl.FieldURL:         "https://site.example/report.txt",
		crawl.FieldContentHash: "h4",
		FieldBlobPath:          "blobs/h4",
		crawl.FieldPendingKey:  "test/emit/h4",
	}
	require.NoError(t, Directory(ctx, c, data))

	dest, ok := data.String("path")
	require.True(t, ok)
	written, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, []byte("content"), written)
	require.Equal(t, filepath.Join(dir, "test"), filepath.Dir(dest))

	// Completion tag is in place, so the next run suppresses this item.
	done, err := c.Tags.Exists(ctx, "test/emit/h4")
	require.NoError(t, err)
	require.True(t, done)
}

func TestArchiveStoreMarksComplete(t *testing.T) {
	t.Parallel()

	c, _, blobs := newTestContext(t, crawl.Payload{})
	ctx := context.Background()
	_, err := blobs.Put(ctx, "blobs/h5", "application/pdf", []byte("pdf"))
	require.NoError(t, err)

	data := crawl.Payload{
		crawl.FieldURL:         "https://site.example/file.pdf",
		crawl.FieldContentHash: "h5",
		FieldBlobPath:          "blobs/h5",
		crawl.FieldPendingKey:  "test/emit/h5",
	}
	require.NoError(t, StoreArchive(ctx, c, data))

	uri, ok := data.String("archive_url")
	require.True(t, ok)
	require.Contains(t, uri, "store/test/h5-file.pdf")

	done, err := c.Tags.Exists(ctx, "test/emit/h5")
	require.NoError(t, err)
	require.True(t, done)
}

func TestRegistryKnowsBuiltins(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"seed", "enumerate", "sequence", "fetch", "parse", "directory", "archive", "log"} {
		require.True(t, Known(name), name)
	}
	require.False(t, Known("nonexistent"))
	require.Contains(t, Names(), "fetch")
}
