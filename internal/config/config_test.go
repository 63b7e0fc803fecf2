package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stagecrawl/stagecrawl/internal/crawl"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, "memory://", cfg.Tags.URI)
	require.Equal(t, "memory://", cfg.Archive.URI)
	require.Equal(t, "memory", cfg.Queue.Backend)
	require.Equal(t, 30*time.Second, cfg.HTTP.Timeout)
	require.Equal(t, 4, cfg.Workers)
	require.False(t, cfg.Tags.Strict)
	require.Zero(t, cfg.Tags.RunTTL)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
logging:
  development: true
  level: debug
tags:
  uri: redis://localhost:6379/0
  strict: true
  run_ttl: 48h
archive:
  uri: file:///var/lib/stagecrawl
queue:
  backend: kafka
  kafka:
    brokers: ["kafka-1:9092", "kafka-2:9092"]
    topic: jobs
    group_id: workers
http:
  timeout: 45s
  user_agent: stagecrawl-test/1.0
crawlers:
  dir: /etc/stagecrawl/crawlers
workers: 16
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.True(t, cfg.Logging.Development)
	require.Equal(t, "redis://localhost:6379/0", cfg.Tags.URI)
	require.True(t, cfg.Tags.Strict)
	require.Equal(t, 48*time.Hour, cfg.Tags.RunTTL)
	require.Equal(t, "kafka", cfg.Queue.Backend)
	require.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Queue.Kafka.Brokers)
	require.Equal(t, 45*time.Second, cfg.HTTP.Timeout)
	require.Equal(t, 16, cfg.Workers)
}

func TestValidateRejectsBrokenConfigs(t *testing.T) {
	t.Parallel()

	cases := map[string]Config{
		"zero workers": {
			Server: ServerConfig{Port: 8080}, Crawlers: CrawlerSet{Dir: "crawlers"},
		},
		"bad port": {
			Server: ServerConfig{Port: 70000}, Workers: 1, Crawlers: CrawlerSet{Dir: "crawlers"},
		},
		"kafka without brokers": {
			Server: ServerConfig{Port: 8080}, Workers: 1, Crawlers: CrawlerSet{Dir: "crawlers"},
			Queue: QueueConfig{Backend: "kafka"},
		},
		"pubsub incomplete": {
			Server: ServerConfig{Port: 8080}, Workers: 1, Crawlers: CrawlerSet{Dir: "crawlers"},
			Queue: QueueConfig{Backend: "pubsub", Pubsub: PubsubConfig{ProjectID: "p"}},
		},
		"unknown backend": {
			Server: ServerConfig{Port: 8080}, Workers: 1, Crawlers: CrawlerSet{Dir: "crawlers"},
			Queue: QueueConfig{Backend: "rabbitmq"},
		},
	}

	for name, cfg := range cases {
		cfg := cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			err := cfg.Validate()
			var cfgErr *crawl.ConfigError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("STAGECRAWL_TAGS_URI", "postgres://db/stagecrawl")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "postgres://db/stagecrawl", cfg.Tags.URI)
}
