// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig  `mapstructure:"server"`
	Logging  LoggingConfig `mapstructure:"logging"`
	Tags     TagsConfig    `mapstructure:"tags"`
	Archive  ArchiveConfig `mapstructure:"archive"`
	Queue    QueueConfig   `mapstructure:"queue"`
	HTTP     HTTPConfig    `mapstructure:"http"`
	Crawlers CrawlerSet    `mapstructure:"crawlers"`
	Workers  int           `mapstructure:"workers"`
}

// ServerConfig controls the control API server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// TagsConfig selects and tunes the coordination store.
type TagsConfig struct {
	// URI selects the backend: memory://, file://, postgres://,
	// redis://.
	URI string `mapstructure:"uri"`
	// Strict fails jobs on store errors instead of degrading to
	// uncached behavior.
	Strict bool `mapstructure:"strict"`
	// PostgresTable overrides the tag table name.
	PostgresTable string `mapstructure:"postgres_table"`
	// RunTTL is the safety expiry on run-scoped keys. Zero disables it.
	RunTTL time.Duration `mapstructure:"run_ttl"`
}

// ArchiveConfig selects the artifact store.
type ArchiveConfig struct {
	// URI selects the backend: memory://, file://, gs://.
	URI string `mapstructure:"uri"`
}

// QueueConfig selects and tunes the job queue backend.
type QueueConfig struct {
	// Backend is "memory", "kafka" or "pubsub".
	Backend string       `mapstructure:"backend"`
	Kafka   KafkaConfig  `mapstructure:"kafka"`
	Pubsub  PubsubConfig `mapstructure:"pubsub"`
}

// KafkaConfig names the Kafka cluster, topic and consumer group.
type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// PubsubConfig names the Pub/Sub project, topic and subscription.
type PubsubConfig struct {
	ProjectID    string `mapstructure:"project_id"`
	Topic        string `mapstructure:"topic"`
	Subscription string `mapstructure:"subscription"`
}

// HTTPConfig tunes the fetching client.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// CrawlerSet points at the crawler pipeline definitions.
type CrawlerSet struct {
	// Dir holds one YAML pipeline definition per crawler.
	Dir string `mapstructure:"dir"`
}

// Load builds a Config from disk and environment. Environment
// variables use the STAGECRAWL prefix with underscores, for example
// STAGECRAWL_TAGS_URI.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("STAGECRAWL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("tags.uri", "memory://")
	v.SetDefault("tags.strict", false)
	v.SetDefault("tags.run_ttl", time.Duration(0))
	v.SetDefault("archive.uri", "memory://")
	v.SetDefault("queue.backend", "memory")
	v.SetDefault("queue.kafka.topic", "stagecrawl-jobs")
	v.SetDefault("queue.kafka.group_id", "stagecrawl-workers")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.user_agent", "")
	v.SetDefault("crawlers.dir", "crawlers")
	v.SetDefault("workers", 4)
}

// Validate rejects configurations that cannot possibly run.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return crawl.Configf("workers must be positive, got %d", c.Workers)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return crawl.Configf("invalid server port %d", c.Server.Port)
	}
	if c.Crawlers.Dir == "" {
		return crawl.Configf("crawlers.dir is required")
	}
	switch strings.ToLower(c.Queue.Backend) {
	case "", "memory":
	case "kafka":
		if len(c.Queue.Kafka.Brokers) == 0 {
			return crawl.Configf("queue.kafka.brokers is required for the kafka backend")
		}
		if c.Queue.Kafka.Topic == "" {
			return crawl.Configf("queue.kafka.topic is required for the kafka backend")
		}
	case "pubsub":
		p := c.Queue.Pubsub
		if p.ProjectID == "" || p.Topic == "" || p.Subscription == "" {
			return crawl.Configf("queue.pubsub requires project_id, topic and subscription")
		}
	default:
		return crawl.Configf("unsupported queue backend %q", c.Queue.Backend)
	}
	if c.HTTP.Timeout < 0 || c.Tags.RunTTL < 0 {
		return crawl.Configf("durations must not be negative")
	}
	return nil
}
