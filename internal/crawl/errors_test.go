package crawl

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConfigErrorMatchesThroughWrapping(t *testing.T) {
	t.Parallel()

	err := fmt.Errorf("load crawlers: %w", Configf("duplicate crawler name %q", "news"))
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	require.Contains(t, cfgErr.Error(), "duplicate crawler name")
}

func TestOpErrorUnwrapsToCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	err := fmt.Errorf("worker: %w", &OpError{Crawler: "news", Stage: "fetch", Err: cause})
	require.ErrorIs(t, err, cause)

	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	require.Equal(t, "news", opErr.Crawler)
	require.Equal(t, "fetch", opErr.Stage)
}

func TestQueueErrorUnwrapsToCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("broker down")
	err := fmt.Errorf("emit: %w", &QueueError{Op: "enqueue", Err: cause})
	require.ErrorIs(t, err, cause)

	var qErr *QueueError
	require.ErrorAs(t, err, &qErr)
	require.Equal(t, "enqueue", qErr.Op)
}
