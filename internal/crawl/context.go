package crawl

import (
	"context"
	"os"
	"time"

	"go.uber.org/zap"
)

// EmitFunc routes one stage emission. The dispatcher provides it; the
// optional flag suppresses the "no handler" log for best-effort rules.
type EmitFunc func(ctx context.Context, rule string, data Payload, optional bool) error

// Context is the capability handle passed to every stage operation. It
// is built per job by the dispatcher; operations never reach for
// ambient state.
type Context struct {
	Run    Run
	Stage  string
	Params Payload
	Log    *zap.Logger

	Tags    TagStore
	Gate    Gate
	URLs    URLClaimer
	HTTP    Fetcher
	Archive Archive
	Clock   Clock

	emit EmitFunc
}

// NewContext assembles a Context. Used by the dispatcher and by tests
// that drive operations directly.
func NewContext(run Run, stage string, params Payload, emit EmitFunc) *Context {
	if params == nil {
		params = Payload{}
	}
	return &Context{
		Run:    run,
		Stage:  stage,
		Params: params,
		Log:    zap.NewNop(),
		emit:   emit,
	}
}

// Emit routes data to the stage bound to the named handler rule.
func (c *Context) Emit(ctx context.Context, rule string, data Payload) error {
	return c.emit(ctx, rule, data, false)
}

// EmitOptional is Emit for rules that may be unbound; an unbound rule
// is dropped silently.
func (c *Context) EmitOptional(ctx context.Context, rule string, data Payload) error {
	return c.emit(ctx, rule, data, true)
}

// Recurse re-enqueues the current stage with modified data. Self-loops
// are legal and expected for recursive crawling.
func (c *Context) Recurse(ctx context.Context, data Payload) error {
	return c.emit(ctx, recurseRule, data, false)
}

// recurseRule is resolved by the dispatcher to the current stage
// itself, bypassing the handler table.
const recurseRule = "\x00recurse"

// IsRecurse reports whether a rule is the internal self-loop marker.
func IsRecurse(rule string) bool {
	return rule == recurseRule
}

// Param returns a stage parameter with environment variables expanded
// in string values.
func (c *Context) Param(name string) (any, bool) {
	v, ok := c.Params[name]
	if !ok {
		return nil, false
	}
	if s, isString := v.(string); isString {
		return os.ExpandEnv(s), true
	}
	return v, true
}

// ParamString returns a string stage parameter, or the fallback.
func (c *Context) ParamString(name, fallback string) string {
	if v, ok := c.Param(name); ok {
		if s, isString := v.(string); isString {
			return s
		}
	}
	return fallback
}

// ParamInt returns an integer stage parameter, or the fallback.
func (c *Context) ParamInt(name string, fallback int) int {
	switch v := c.Params[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return fallback
	}
}

// ParamBool returns a boolean stage parameter, or the fallback.
func (c *Context) ParamBool(name string, fallback bool) bool {
	if v, ok := c.Params[name].(bool); ok {
		return v
	}
	return fallback
}

// ParamStrings returns a parameter that is either a single string or a
// list of strings.
func (c *Context) ParamStrings(name string) []string {
	switch v := c.Params[name].(type) {
	case string:
		return []string{os.ExpandEnv(v)}
	case []string:
		out := make([]string, 0, len(v))
		for _, s := range v {
			out = append(out, os.ExpandEnv(s))
		}
		return out
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, isString := item.(string); isString {
				out = append(out, os.ExpandEnv(s))
			}
		}
		return out
	default:
		return nil
	}
}

// SetTag writes a crawler-namespaced tag.
func (c *Context) SetTag(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.Tags.Put(ctx, JoinKey(c.Run.Crawler, key), value, ttl)
}

// CheckTag reports whether a crawler-namespaced tag exists.
func (c *Context) CheckTag(ctx context.Context, key string) (bool, error) {
	return c.Tags.Exists(ctx, JoinKey(c.Run.Crawler, key))
}

// GetTag reads a crawler-namespaced tag.
func (c *Context) GetTag(ctx context.Context, key string) ([]byte, bool, error) {
	return c.Tags.Get(ctx, JoinKey(c.Run.Crawler, key))
}

// MarkComplete records that the current record reached durable storage,
// enabling incremental skips on future runs. Idempotent.
func (c *Context) MarkComplete(ctx context.Context, data Payload) error {
	return c.Gate.MarkComplete(ctx, data)
}

// SkipIncremental returns true when work identified by the criteria was
// already performed within the expiry window, claiming it otherwise.
func (c *Context) SkipIncremental(ctx context.Context, parts ...string) (bool, error) {
	return c.Gate.SkipCriteria(ctx, c.Run.Incremental, parts...)
}

// ClaimURL claims a fetch target for this run. False means another
// worker already claimed it and the caller drops the duplicate.
func (c *Context) ClaimURL(ctx context.Context, method, target string) (bool, error) {
	return c.URLs.Claim(ctx, c.Run.ID, method, target)
}

// Now returns the context clock's time, defaulting to wall clock.
func (c *Context) Now() time.Time {
	if c.Clock != nil {
		return c.Clock.Now()
	}
	return time.Now().UTC()
}
