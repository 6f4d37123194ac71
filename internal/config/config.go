// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Enrich  EnrichConfig  `mapstructure:"enrich"`
	DB      DBConfig      `mapstructure:"db"`
	PubSub  PubSubConfig  `mapstructure:"pubsub"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the control-API HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CrawlConfig governs session fan-out and per-source fetch behavior.
type CrawlConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	UserAgent        string        `mapstructure:"user_agent"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`
	MaxRetries       int           `mapstructure:"max_retries"`
	RenderTimeout    time.Duration `mapstructure:"render_timeout"`
	RenderMaxTabs    int           `mapstructure:"render_max_tabs"`
	DefaultMaxPages  int           `mapstructure:"default_max_pages"`
	DefaultMaxItems  int           `mapstructure:"default_max_items"`
	DefaultSourceQPS float64       `mapstructure:"default_source_qps"`
}

// RelayConfig configures the secondary egress point used for sources that
// block the pipeline's own network origin.
type RelayConfig struct {
	ProxyURL       string        `mapstructure:"proxy_url"`
	MaxConcurrent  int           `mapstructure:"max_concurrent"`
	RequestsPerSec float64       `mapstructure:"requests_per_sec"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// EnrichConfig governs the enrichment worker pool and retry budget.
type EnrichConfig struct {
	Workers      int           `mapstructure:"workers"`
	QueueDepth   int           `mapstructure:"queue_depth"`
	MaxAttempts  int           `mapstructure:"max_attempts"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// DBConfig controls access to the relational catalog.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for catalog-write event publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// StorageConfig selects the document blob backend.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"` // gcs | local | memory
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LICITOMETRO")
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
	v.SetDefault("crawl.concurrency", 4)
	v.SetDefault("crawl.user_agent", "licitometro-bot/1.0")
	v.SetDefault("crawl.request_timeout", "15s")
	v.SetDefault("crawl.max_retries", 3)
	v.SetDefault("crawl.render_timeout", "25s")
	v.SetDefault("crawl.render_max_tabs", 2)
	v.SetDefault("crawl.default_max_pages", 20)
	v.SetDefault("crawl.default_max_items", 500)
	v.SetDefault("crawl.default_source_qps", 1.0)
	v.SetDefault("relay.max_concurrent", 2)
	v.SetDefault("relay.requests_per_sec", 0.5)
	v.SetDefault("relay.timeout", "30s")
	v.SetDefault("enrich.workers", 4)
	v.SetDefault("enrich.queue_depth", 256)
	v.SetDefault("enrich.max_attempts", 3)
	v.SetDefault("enrich.base_backoff", "2s")
	v.SetDefault("enrich.max_backoff", "2m")
	v.SetDefault("enrich.fetch_timeout", "30s")
	v.SetDefault("pubsub.enabled", false)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "data/documents")
	v.SetDefault("storage.prefix", "documents")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Crawl.Concurrency <= 0 {
		return fmt.Errorf("crawl.concurrency must be > 0")
	}
	if c.Crawl.RequestTimeout <= 0 {
		return fmt.Errorf("crawl.request_timeout must be > 0")
	}
	if c.Enrich.Workers <= 0 {
		return fmt.Errorf("enrich.workers must be > 0")
	}
	if c.Enrich.MaxAttempts <= 0 {
		return fmt.Errorf("enrich.max_attempts must be > 0")
	}
	if c.Relay.MaxConcurrent <= 0 {
		return fmt.Errorf("relay.max_concurrent must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicName == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set when pubsub is enabled")
	}
	switch c.Storage.Backend {
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case "local", "memory":
	default:
		return fmt.Errorf("storage.backend must be one of gcs, local, memory")
	}
	return nil
}
