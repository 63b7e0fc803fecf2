package ops

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

func init() {
	Register("directory", Directory)
	Register("archive", StoreArchive)
}

// Directory writes the fetched document to a local directory and marks
// the record complete. The completion tag is written only after the
// file is durably on disk, so a crash in between leaves the record
// eligible for retry.
func Directory(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	root := c.ParamString("path", "")
	if root == "" {
		return fmt.Errorf("directory: path param is required")
	}

	body, err := loadBody(ctx, c, data)
	if err != nil {
		return err
	}
	if body == nil {
		// Unchanged document; the previous run already stored it.
		return c.MarkComplete(ctx, data)
	}

	name := fileName(data)
	dest := filepath.Join(root, c.Run.Crawler, name)
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".store-*")
	if err != nil {
		return fmt.Errorf("directory: %w", err)
	}
	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("directory: write %s: %w", dest, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("directory: close %s: %w", dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("directory: rename %s: %w", dest, err)
	}

	data["path"] = dest
	c.Log.Info("stored document", zap.String("path", dest))
	return c.MarkComplete(ctx, data)
}

// StoreArchive copies the fetched document into the artifact archive
// under a stable per-crawler path and marks the record complete.
func StoreArchive(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	body, err := loadBody(ctx, c, data)
	if err != nil {
		return err
	}
	if body == nil {
		return c.MarkComplete(ctx, data)
	}

	contentType, _ := data.String(FieldContentType)
	dest := fmt.Sprintf("store/%s/%s", c.Run.Crawler, fileName(data))
	uri, err := c.Archive.Put(ctx, dest, contentType, body)
	if err != nil {
		return fmt.Errorf("archive store: %w", err)
	}

	data["archive_url"] = uri
	c.Log.Info("archived document", zap.String("uri", uri))
	return c.MarkComplete(ctx, data)
}

// loadBody reads the fetched body back from the blob archive. A record
// without a blob (not-modified revalidation) returns nil with no error.
func loadBody(ctx context.Context, c *crawl.Context, data crawl.Payload) ([]byte, error) {
	blobPath, ok := data.String(FieldBlobPath)
	if !ok || blobPath == "" {
		return nil, nil
	}
	body, err := c.Archive.Get(ctx, blobPath)
	if err != nil {
		if notMod, _ := data[FieldNotModified].(bool); notMod {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load %s: %w", blobPath, err)
	}
	return body, nil
}

// fileName derives a collision-free artifact name from the content hash
// and the URL's final path segment.
func fileName(data crawl.Payload) string {
	hash, _ := data.String(crawl.FieldContentHash)
	if hash == "" {
		hash = "unknown"
	}
	base := ""
	if raw, ok := data.String(crawl.FieldURL); ok {
		if u, err := url.Parse(raw); err == nil {
			base = sanitize(filepath.Base(u.Path))
		}
	}
	if base == "" || base == "." || base == "/" {
		base = "data"
	}
	return hash + "-" + base
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '.' || r == '-' || r == '_':
			return r
		default:
			return '_'
		}
	}, name)
}
