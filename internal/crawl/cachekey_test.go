package crawl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveCacheKeyPriority(t *testing.T) {
	t.Parallel()

	key, ok := ResolveCacheKey(Payload{
		FieldCacheKey:    "explicit",
		FieldContentHash: "deadbeef",
		FieldURL:         "https://example.com/a",
	})
	require.True(t, ok)
	require.Equal(t, "explicit", key)

	key, ok = ResolveCacheKey(Payload{
		FieldContentHash: "deadbeef",
		FieldURL:         "https://example.com/a",
	})
	require.True(t, ok)
	require.Equal(t, "deadbeef", key)

	key, ok = ResolveCacheKey(Payload{FieldURL: "https://example.com/a"})
	require.True(t, ok)
	require.NotEmpty(t, key)

	_, ok = ResolveCacheKey(Payload{"title": "no identifiers"})
	require.False(t, ok)
}

func TestResolveCacheKeyEmptyExplicitCountsAsPresent(t *testing.T) {
	t.Parallel()

	key, ok := ResolveCacheKey(Payload{
		FieldCacheKey: "",
		FieldURL:      "https://example.com/a",
	})
	require.True(t, ok)
	require.Equal(t, "", key)
}

func TestResolveCacheKeyIsOrderIndependent(t *testing.T) {
	t.Parallel()

	// Maps iterate in random order; resolution must not depend on it.
	for range 20 {
		key, ok := ResolveCacheKey(Payload{
			"z":      1,
			"a":      2,
			FieldURL: "https://example.com/a?b=2&a=1",
		})
		require.True(t, ok)
		want, _ := ResolveCacheKey(Payload{FieldURL: "https://example.com/a?a=1&b=2"})
		require.Equal(t, want, key)
	}
}

func TestHashCriteriaStable(t *testing.T) {
	t.Parallel()

	require.Equal(t, HashCriteria("a", "b"), HashCriteria("a", "b"))
	require.NotEqual(t, HashCriteria("a", "b"), HashCriteria("ab"))
	require.NotEqual(t, HashCriteria("a", "b"), HashCriteria("b", "a"))
}
