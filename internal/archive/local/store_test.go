package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	uri, err := store.Put(ctx, "blobs/abc123", "text/html", []byte("<html/>"))
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(uri, "file://"))

	data, err := store.Get(ctx, "blobs/abc123")
	require.NoError(t, err)
	require.Equal(t, []byte("<html/>"), data)
}

func TestPutCreatesNestedDirectories(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := New(dir)
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "a/b/c/doc.pdf", "application/pdf", []byte("pdf"))
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "a", "b", "c", "doc.pdf"))
	require.NoError(t, err)
}

func TestPutRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Put(context.Background(), "../outside", "", []byte("x"))
	require.Error(t, err)

	_, err = store.Get(context.Background(), "../outside")
	require.Error(t, err)
}

func TestGetMissingArtifact(t *testing.T) {
	t.Parallel()

	store, err := New(t.TempDir())
	require.NoError(t, err)

	_, err = store.Get(context.Background(), "blobs/missing")
	require.Error(t, err)
}

func TestNewCreatesBaseDir(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "fresh")
	_, err := New(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}
