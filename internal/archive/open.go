// Package archive selects an artifact store from a configuration URI.
package archive

import (
	"context"
	"strings"

	"cloud.google.com/go/storage"

	gcsstore "github.com/stagecrawl/stagecrawl/internal/archive/gcs"
	localstore "github.com/stagecrawl/stagecrawl/internal/archive/local"
	memorystore "github.com/stagecrawl/stagecrawl/internal/archive/memory"
	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// Open returns the archive selected by the URI:
//
//	memory://            in-process (development, tests)
//	file:///path         local directory tree
//	gs://bucket          Google Cloud Storage
func Open(ctx context.Context, uri string) (crawl.Archive, error) {
	switch {
	case uri == "" || strings.HasPrefix(uri, "memory:"):
		return memorystore.New(), nil
	case strings.HasPrefix(uri, "file://"):
		return localstore.New(strings.TrimPrefix(uri, "file://"))
	case strings.HasPrefix(uri, "gs://"):
		bucket := strings.TrimPrefix(uri, "gs://")
		bucket = strings.TrimSuffix(bucket, "/")
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, crawl.Configf("gcs client: %v", err)
		}
		return gcsstore.New(client, bucket)
	default:
		return nil, crawl.Configf("unsupported archive uri: %q", uri)
	}
}
