// Package graph loads crawler pipeline definitions from YAML and
// validates them into executable stage graphs. Validation runs once at
// load; after that, stage and handler lookups cannot fail except for
// genuinely unbound rules.
package graph

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// nameRe restricts crawler and stage names so they embed safely in tag
// keys and queue topics.
var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Duration decodes YAML durations given either as Go duration strings
// ("90s", "2h") or as bare integer seconds. The node tag decides the
// form: yaml.v3 would otherwise happily decode an int scalar into a
// string and "2" is not a valid Go duration.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("invalid duration %q", value.Value)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Days decodes expiry settings: bare integers are whole days, strings
// are Go durations.
type Days time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Days) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind == yaml.ScalarNode && value.Tag == "!!int" {
		var n int64
		if err := value.Decode(&n); err != nil {
			return fmt.Errorf("invalid expiry %q: %w", value.Value, err)
		}
		*d = Days(time.Duration(n) * 24 * time.Hour)
		return nil
	}
	var dur Duration
	if err := dur.UnmarshalYAML(value); err != nil {
		return err
	}
	*d = Days(dur)
	return nil
}

// Std converts to the standard library type.
func (d Days) Std() time.Duration { return time.Duration(d) }

// StageConfig is one pipeline stage as declared in YAML.
type StageConfig struct {
	// Method names a registered operation ("fetch", "parse", ...).
	Method string `yaml:"method"`
	// Params are passed verbatim to the operation.
	Params crawl.Payload `yaml:"params"`
	// Handle maps emission rules to target stage names.
	Handle map[string]string `yaml:"handle"`
}

// Crawler is a validated pipeline definition.
type Crawler struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Schedule    string `yaml:"schedule"`
	// Init names the entry stage seeded when a run starts.
	Init string `yaml:"init"`
	// Delay spaces requests out; it feeds the per-host limiter. Bare
	// integers are seconds.
	Delay Duration `yaml:"delay"`
	// Expire bounds completion and validator tags. Bare integers are
	// days; zero keeps tags until an explicit flush.
	Expire Days `yaml:"expire"`
	// MaxRuntime aborts jobs dispatched after the run deadline. Bare
	// integers are seconds.
	MaxRuntime Duration `yaml:"max_runtime"`
	// Stealthy rotates browser user agents on fetches.
	Stealthy bool `yaml:"stealthy"`
	// Incremental enables cross-run emit suppression. On by default.
	Incremental *bool `yaml:"incremental"`
	// ContinueOnError keeps a run alive through stage failures.
	ContinueOnError bool                    `yaml:"continue_on_error"`
	Pipeline        map[string]*StageConfig `yaml:"pipeline"`
}

// IsIncremental applies the default when the field is absent.
func (c *Crawler) IsIncremental() bool {
	return c.Incremental == nil || *c.Incremental
}

// Stage returns a pipeline stage by name.
func (c *Crawler) Stage(name string) (*StageConfig, bool) {
	s, ok := c.Pipeline[name]
	return s, ok
}

// HandlerTarget resolves an emission rule to the target stage name.
func (c *Crawler) HandlerTarget(stage, rule string) (string, bool) {
	s, ok := c.Pipeline[stage]
	if !ok {
		return "", false
	}
	target, ok := s.Handle[rule]
	return target, ok
}

// MethodResolver reports whether a method name is registered. The
// operation registry provides it; taking a function keeps this package
// free of a registry dependency.
type MethodResolver func(method string) bool

// Parse decodes and validates one crawler definition.
func Parse(raw []byte, resolve MethodResolver) (*Crawler, error) {
	var c Crawler
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, crawl.Configf("parse crawler config: %v", err)
	}
	if err := c.validate(resolve); err != nil {
		return nil, err
	}
	return &c, nil
}

// LoadFile reads and validates a crawler definition from disk.
func LoadFile(path string, resolve MethodResolver) (*Crawler, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, crawl.Configf("read crawler config %s: %v", path, err)
	}
	c, err := Parse(raw, resolve)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return c, nil
}

// LoadDir loads every .yml/.yaml definition under a directory, keyed by
// crawler name. Duplicate names are a configuration error.
func LoadDir(dir string, resolve MethodResolver) (map[string]*Crawler, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, crawl.Configf("read crawler config dir %s: %v", dir, err)
	}
	out := make(map[string]*Crawler)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		c, err := LoadFile(filepath.Join(dir, e.Name()), resolve)
		if err != nil {
			return nil, err
		}
		if _, dup := out[c.Name]; dup {
			return nil, crawl.Configf("duplicate crawler name %q", c.Name)
		}
		out[c.Name] = c
	}
	return out, nil
}

func (c *Crawler) validate(resolve MethodResolver) error {
	if !nameRe.MatchString(c.Name) {
		return crawl.Configf("invalid crawler name %q", c.Name)
	}
	if len(c.Pipeline) == 0 {
		return crawl.Configf("crawler %s: empty pipeline", c.Name)
	}
	if c.Init == "" {
		return crawl.Configf("crawler %s: missing init stage", c.Name)
	}
	if _, ok := c.Pipeline[c.Init]; !ok {
		return crawl.Configf("crawler %s: init stage %q not in pipeline", c.Name, c.Init)
	}
	if c.Delay < 0 || c.Expire < 0 || c.MaxRuntime < 0 {
		return crawl.Configf("crawler %s: negative duration", c.Name)
	}

	// Deterministic error order makes config failures reproducible.
	stages := make([]string, 0, len(c.Pipeline))
	for name := range c.Pipeline {
		stages = append(stages, name)
	}
	sort.Strings(stages)

	for _, name := range stages {
		stage := c.Pipeline[name]
		if !nameRe.MatchString(name) {
			return crawl.Configf("crawler %s: invalid stage name %q", c.Name, name)
		}
		if stage == nil || stage.Method == "" {
			return crawl.Configf("crawler %s: stage %s: missing method", c.Name, name)
		}
		if resolve != nil && !resolve(stage.Method) {
			return crawl.Configf("crawler %s: stage %s: unknown method %q", c.Name, name, stage.Method)
		}
		rules := make([]string, 0, len(stage.Handle))
		for rule := range stage.Handle {
			rules = append(rules, rule)
		}
		sort.Strings(rules)
		for _, rule := range rules {
			target := stage.Handle[rule]
			if _, ok := c.Pipeline[target]; !ok {
				return crawl.Configf("crawler %s: stage %s: rule %q targets unknown stage %q",
					c.Name, name, rule, target)
			}
		}
	}
	return nil
}
