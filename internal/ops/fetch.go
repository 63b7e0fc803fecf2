package ops

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

func init() {
	Register("fetch", Fetch)
}

// Payload fields written by Fetch and consumed downstream.
const (
	FieldOriginalURL = "original_url"
	FieldStatusCode  = "status_code"
	FieldContentType = "content_type"
	FieldRetrievedAt = "retrieved_at"
	FieldBlobPath    = "blob_path"
	FieldNotModified = "not_modified"

	fieldFetchAttempt = "fetch_attempt"
)

// defaultFetchRetries bounds transport-error retries per target.
const defaultFetchRetries = 3

// BlobPath is where a fetched body lives in the archive. Content
// addressing makes concurrent writes of the same document idempotent.
func BlobPath(contentHash string) string {
	return "blobs/" + contentHash
}

// Fetch retrieves the payload URL through the conditional HTTP cache,
// archives the body under its content hash, and passes the enriched
// record to the "pass" handler. Transport errors re-enqueue the stage
// up to the "retry" param; HTTP error statuses do not (the origin
// answered, retrying is a policy decision for the next run).
func Fetch(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	target, ok := data.String(crawl.FieldURL)
	if !ok || target == "" {
		target = c.ParamString("url", "")
	}
	if target == "" {
		return fmt.Errorf("fetch: no url in payload or params")
	}

	result, err := c.HTTP.Get(ctx, target)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt, _ := data.Int(fieldFetchAttempt)
		if attempt < c.ParamInt("retry", defaultFetchRetries) {
			c.Log.Warn("fetch failed, retrying",
				zap.String("url", target), zap.Int("attempt", attempt+1), zap.Error(err))
			retry := data.Clone()
			retry[fieldFetchAttempt] = attempt + 1
			return c.Recurse(ctx, retry)
		}
		return fmt.Errorf("fetch %s: %w", target, err)
	}

	if result.FinalURL != "" && result.FinalURL != target {
		// The original target was already claimed before this job was
		// enqueued. Claiming the final URL as well collapses redirect
		// chains with other paths reaching the same document directly;
		// losing that claim means another job owns the document this run.
		claimed, err := c.ClaimURL(ctx, http.MethodGet, result.FinalURL)
		if err != nil {
			return err
		}
		if !claimed {
			c.Log.Debug("redirect target already claimed",
				zap.String("url", target), zap.String("final_url", result.FinalURL))
			return nil
		}
	}

	if !result.OK() {
		c.Log.Warn("fetch returned error status",
			zap.String("url", target), zap.Int("status", result.StatusCode))
		if c.ParamBool("emit_errors", false) {
			out := data.Clone()
			out[crawl.FieldURL] = result.FinalURL
			out[FieldStatusCode] = result.StatusCode
			return c.EmitOptional(ctx, "error", out)
		}
		return nil
	}

	if len(result.Body) > 0 {
		contentType := result.Header.Get("Content-Type")
		if _, err := c.Archive.Put(ctx, BlobPath(result.ContentHash), contentType, result.Body); err != nil {
			return fmt.Errorf("fetch %s: archive body: %w", target, err)
		}
	}

	out := data.Clone()
	delete(out, fieldFetchAttempt)
	out[crawl.FieldURL] = result.FinalURL
	if result.FinalURL != target {
		out[FieldOriginalURL] = target
	}
	out[FieldStatusCode] = result.StatusCode
	out[FieldContentType] = result.Header.Get("Content-Type")
	out[crawl.FieldContentHash] = result.ContentHash
	out[FieldBlobPath] = BlobPath(result.ContentHash)
	out[FieldRetrievedAt] = result.RetrievedAt.UTC().Format(time.RFC3339)
	if result.NotModified {
		// The body was not re-downloaded; the archived blob from the
		// previous run carries the content.
		out[FieldNotModified] = true
	}
	return c.Emit(ctx, "pass", out)
}
