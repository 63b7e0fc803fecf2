package crawl

import (
	"crypto/sha1"
	"encoding/hex"
	"strings"
)

// Reserved payload fields used by the coordination layer.
const (
	// FieldCacheKey is an explicit cache key override on a record.
	FieldCacheKey = "cache_key"
	// FieldContentHash is the content digest attached by fetch.
	FieldContentHash = "content_hash"
	// FieldURL is the record's fetch target.
	FieldURL = "url"
	// FieldPendingKey carries the resolved cache key from the emit
	// phase to the stage that completes it after durable storage.
	FieldPendingKey = "_cache_key"
)

// ResolveCacheKey derives the stable cache key for a record.
//
// Resolution order: explicit cache_key field, content_hash field, hash
// of the normalized url field. An explicit empty-string key counts as
// present; callers wanting "no key" omit the field entirely. When
// nothing resolves, ok is false and incremental skipping never applies
// to the record.
func ResolveCacheKey(data Payload) (string, bool) {
	if v, present := data[FieldCacheKey]; present {
		if s, isString := v.(string); isString {
			return s, true
		}
	}
	if hash, ok := data.String(FieldContentHash); ok && hash != "" {
		return hash, true
	}
	if rawURL, ok := data.String(FieldURL); ok && rawURL != "" {
		normalized, err := NormalizeURL(rawURL)
		if err != nil {
			return "", false
		}
		sum := sha1.Sum([]byte(normalized))
		return hex.EncodeToString(sum[:]), true
	}
	return "", false
}

// HashCriteria joins ad-hoc key parts under a stable separator and
// hashes them, for SkipCriteria composite keys.
func HashCriteria(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "\x1f")))
	return hex.EncodeToString(sum[:])
}
