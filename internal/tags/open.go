// Package tags selects a tag store backend from a configuration URI.
// The URI scheme is the only environment-dependent branch in the
// coordination core.
package tags

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
	filestore "github.com/stagecrawl/stagecrawl/internal/tags/file"
	memorystore "github.com/stagecrawl/stagecrawl/internal/tags/memory"
	postgresstore "github.com/stagecrawl/stagecrawl/internal/tags/postgres"
	redisstore "github.com/stagecrawl/stagecrawl/internal/tags/redis"
)

// Options tune backend construction.
type Options struct {
	// PostgresTable overrides the tag table name.
	PostgresTable string
}

// Open returns the tag store selected by the URI:
//
//	memory://              in-process map (development, tests)
//	file:///path/to/dir    filesystem store
//	postgres://... (or postgresql://)  Postgres via pgx
//	redis://host:port/db   Redis
func Open(ctx context.Context, uri string, opts Options) (crawl.TagStore, error) {
	switch {
	case uri == "" || strings.HasPrefix(uri, "memory:"):
		return memorystore.New(), nil
	case strings.HasPrefix(uri, "file://"):
		return filestore.New(strings.TrimPrefix(uri, "file://"))
	case strings.HasPrefix(uri, "postgres://"), strings.HasPrefix(uri, "postgresql://"):
		store, err := postgresstore.New(ctx, postgresstore.Config{
			DSN:   uri,
			Table: opts.PostgresTable,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureSchema(ctx); err != nil {
			closeErr := store.Close()
			if closeErr != nil {
				return nil, fmt.Errorf("%w (close: %v)", err, closeErr)
			}
			return nil, err
		}
		return store, nil
	case strings.HasPrefix(uri, "redis://"), strings.HasPrefix(uri, "rediss://"):
		return redisstore.New(uri)
	default:
		return nil, crawl.Configf("unsupported tags uri: %q", uri)
	}
}
