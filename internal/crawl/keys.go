package crawl

import "strings"

// Tag key namespaces. Three disjoint categories share one store:
//
//	{crawler}/{run_id}/{url key}   per-run URL dedup, cleared at run end
//	{crawler}/http/{url key}       HTTP validators, crawler scope, TTL
//	{crawler}/emit/{cache key}     emit dedup, crawler scope, TTL
//
// plus run lifecycle markers under {crawler}/run/{run_id}.
const (
	nsHTTP = "http"
	nsEmit = "emit"
	nsInc  = "inc"
	nsRun  = "run"
)

// JoinKey joins key parts with the store separator, dropping empties.
func JoinKey(parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		p = strings.Trim(p, "/")
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "/")
}

// EmitKey is the cross-run emit-dedup key for a resolved cache key.
func EmitKey(crawler, cacheKey string) string {
	return JoinKey(crawler, nsEmit, cacheKey)
}

// IncKey is the composite-criteria key used by SkipCriteria.
func IncKey(crawler, digest string) string {
	return JoinKey(crawler, nsInc, digest)
}

// HTTPKey is the crawler-scoped validator cache key for a fetch target.
func HTTPKey(crawler, urlKey string) string {
	return JoinKey(crawler, nsHTTP, urlKey)
}

// RunURLKey is the run-scoped URL dedup key for a fetch target.
func RunURLKey(crawler, runID, urlKey string) string {
	return JoinKey(crawler, runID, urlKey)
}

// RunPrefix covers every run-scoped key, for cleanup at run end.
func RunPrefix(crawler, runID string) string {
	return JoinKey(crawler, runID) + "/"
}

// RunStateKey marks run lifecycle facts (started, aborted) visible to
// all workers through the shared store.
func RunStateKey(crawler, runID, fact string) string {
	return JoinKey(crawler, nsRun, runID, fact)
}

// CrawlerPrefix covers every tag a crawler owns; deleting it forces
// full reprocessing on the next run.
func CrawlerPrefix(crawler string) string {
	return JoinKey(crawler) + "/"
}
