// Package ops holds the operation registry and the built-in pipeline
// stages. Crawler configs reference operations by name; an unknown name
// is rejected at config load, never at dispatch.
package ops

import (
	"context"
	"sort"
	"sync"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// Func is one pipeline operation. It receives the capability handle for
// the current job and the job payload, and emits follow-up work through
// the handle.
type Func func(ctx context.Context, c *crawl.Context, data crawl.Payload) error

var (
	mu       sync.RWMutex
	registry = make(map[string]Func)
)

// Register binds a name to an operation. Duplicate registration is a
// programming error and panics at init.
func Register(name string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	if _, dup := registry[name]; dup {
		panic("ops: duplicate registration of " + name)
	}
	registry[name] = fn
}

// Resolve returns the operation bound to a name.
func Resolve(name string) (Func, bool) {
	mu.RLock()
	defer mu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Known reports whether a name is registered. Config validation uses it
// as a graph.MethodResolver.
func Known(name string) bool {
	_, ok := Resolve(name)
	return ok
}

// Names lists registered operations in sorted order.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
