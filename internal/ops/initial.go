package ops

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

func init() {
	Register("seed", Seed)
	Register("enumerate", Enumerate)
	Register("sequence", Sequence)
	Register("log", Log)
	Register("debug", Log)
}

// Seed emits one fetch target per configured URL. URLs come from the
// stage params ("urls" or "url") with environment variables expanded,
// so credentials can stay out of config files.
func Seed(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	urls := c.ParamStrings("urls")
	if len(urls) == 0 {
		urls = c.ParamStrings("url")
	}
	if len(urls) == 0 {
		return fmt.Errorf("seed: no urls configured")
	}
	for _, target := range urls {
		out := data.Clone()
		out[crawl.FieldURL] = target
		if err := c.Emit(ctx, "pass", out); err != nil {
			return err
		}
	}
	return nil
}

// Enumerate emits one job per configured item.
func Enumerate(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	items := c.ParamStrings("items")
	if len(items) == 0 {
		return fmt.Errorf("enumerate: no items configured")
	}
	for _, item := range items {
		out := data.Clone()
		out["item"] = item
		if err := c.Emit(ctx, "pass", out); err != nil {
			return err
		}
	}
	return nil
}

// Sequence emits a run of integers, for pipelines that page through
// numbered resources. Params: start (default 1), stop (required),
// step (default 1).
func Sequence(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	start := c.ParamInt("start", 1)
	stop := c.ParamInt("stop", 0)
	step := c.ParamInt("step", 1)
	if step == 0 {
		return fmt.Errorf("sequence: step must be non-zero")
	}
	if stop == 0 {
		return fmt.Errorf("sequence: stop is required")
	}
	for n := start; (step > 0 && n <= stop) || (step < 0 && n >= stop); n += step {
		out := data.Clone()
		out["number"] = n
		if err := c.Emit(ctx, "pass", out); err != nil {
			return err
		}
	}
	return nil
}

// Log prints the payload and passes it through unchanged when a "pass"
// handler is bound.
func Log(ctx context.Context, c *crawl.Context, data crawl.Payload) error {
	c.Log.Info("payload", zap.Any("data", map[string]any(data)))
	return c.EmitOptional(ctx, "pass", data)
}
