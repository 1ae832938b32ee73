// ABOUTME: Configuration for the VulnDash service loaded through viper.
// ABOUTME: Defaults, optional YAML file, VULNDASH_ environment overrides, and validation.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jfeddern/VulnDash/internal/sources"
	"github.com/jfeddern/VulnDash/internal/sources/mock"
	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. VULNDASH_FEED_URL
const EnvPrefix = "VULNDASH"

type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Store    StoreConfig    `mapstructure:"store"`
	Ingest   IngestConfig   `mapstructure:"ingest"`
	Cache    CacheConfig    `mapstructure:"cache"`
	Log      LogConfig      `mapstructure:"log"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type FeedConfig struct {
	Source string     `mapstructure:"source"`
	URL    string     `mapstructure:"url"`
	Path   string     `mapstructure:"path"`
	S3     S3Config   `mapstructure:"s3"`
	Mock   MockConfig `mapstructure:"mock"`
}

type S3Config struct {
	Bucket  string `mapstructure:"bucket"`
	Key     string `mapstructure:"key"`
	Region  string `mapstructure:"region"`
	RoleARN string `mapstructure:"role_arn"`
}

type MockConfig struct {
	Groups int `mapstructure:"groups"`
	Repos  int `mapstructure:"repos"`
	Images int `mapstructure:"images"`
	Vulns  int `mapstructure:"vulns"`
}

type SnapshotConfig struct {
	Source string `mapstructure:"source"`
	URL    string `mapstructure:"url"`
	Path   string `mapstructure:"path"`
}

type StoreConfig struct {
	Path string `mapstructure:"path"`
}

type IngestConfig struct {
	BatchSize      int           `mapstructure:"batch_size"`
	ExpectedTotal  int           `mapstructure:"expected_total"`
	SufficientRows int           `mapstructure:"sufficient_rows"`
	YieldDelay     time.Duration `mapstructure:"yield_delay"`
	Auto           bool          `mapstructure:"auto"`
	BufferSize     int           `mapstructure:"buffer_size"`
}

type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

// SetDefaults registers every key so environment overrides reach Unmarshal
func SetDefaults(v *viper.Viper) {
	// -- Server --
	v.SetDefault("server.addr", "127.0.0.1:9090")

	// -- Feed --
	v.SetDefault("feed.source", sources.KindWeb)
	v.SetDefault("feed.url", "http://127.0.0.1:8080/data/ui_demo.json")
	v.SetDefault("feed.path", "")
	v.SetDefault("feed.s3.bucket", "")
	v.SetDefault("feed.s3.key", "")
	v.SetDefault("feed.s3.region", "")
	v.SetDefault("feed.s3.role_arn", "")
	v.SetDefault("feed.mock.groups", 4)
	v.SetDefault("feed.mock.repos", 5)
	v.SetDefault("feed.mock.images", 4)
	v.SetDefault("feed.mock.vulns", 12)

	// -- Snapshot --
	v.SetDefault("snapshot.source", sources.KindWeb)
	v.SetDefault("snapshot.url", "http://127.0.0.1:8080/data/aggregates.json")
	v.SetDefault("snapshot.path", "")

	// -- Store --
	v.SetDefault("store.path", "vulndash.db")

	// -- Ingest --
	v.SetDefault("ingest.batch_size", 5000)
	v.SetDefault("ingest.expected_total", 250000)
	v.SetDefault("ingest.sufficient_rows", 250000)
	v.SetDefault("ingest.yield_delay", "10ms")
	v.SetDefault("ingest.auto", true)
	v.SetDefault("ingest.buffer_size", 64*1024)

	// -- Cache --
	v.SetDefault("cache.ttl", "30s")

	// -- Log --
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
}

// ConfigureEnv enables VULNDASH_ overrides with "." mapped to "_"
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// ReadFile loads a YAML file; an empty path looks for ./vulndash.yaml and tolerates its absence
func ReadFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("vulndash")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path == "" && errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("error reading config file: %w", err)
	}
	return nil
}

// NewConfigFromViper unmarshals and validates the resolved configuration
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if err := c.Feed.Validate(); err != nil {
		return fmt.Errorf("feed configuration invalid: %w", err)
	}
	if err := c.Snapshot.Validate(); err != nil {
		return fmt.Errorf("snapshot configuration invalid: %w", err)
	}
	if c.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if c.Ingest.BatchSize <= 0 {
		return fmt.Errorf("ingest.batch_size must be a positive integer")
	}
	if c.Ingest.ExpectedTotal <= 0 {
		return fmt.Errorf("ingest.expected_total must be a positive integer")
	}
	if c.Ingest.SufficientRows <= 0 {
		return fmt.Errorf("ingest.sufficient_rows must be a positive integer")
	}
	if c.Ingest.YieldDelay < 0 {
		return fmt.Errorf("ingest.yield_delay must not be negative")
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}

// Validate checks that the chosen feed source has what it needs.
func (f *FeedConfig) Validate() error {
	switch f.Source {
	case sources.KindWeb, sources.KindRemote:
		if f.URL == "" {
			return fmt.Errorf("feed.url is required for source %q", f.Source)
		}
	case sources.KindLocal:
		if f.Path == "" {
			return fmt.Errorf("feed.path is required for source %q", f.Source)
		}
	case sources.KindS3:
		if f.S3.Bucket == "" || f.S3.Key == "" {
			return fmt.Errorf("feed.s3.bucket and feed.s3.key are required for source %q", f.Source)
		}
	case sources.KindMock:
		if f.Mock.Groups < 0 || f.Mock.Repos < 0 || f.Mock.Images < 0 || f.Mock.Vulns < 0 {
			return fmt.Errorf("feed.mock sizes must not be negative")
		}
	default:
		return fmt.Errorf("%w: feed.source %q", sources.ErrUnsupportedSource, f.Source)
	}
	return nil
}

// Validate checks that the chosen snapshot source has what it needs.
func (s *SnapshotConfig) Validate() error {
	switch s.Source {
	case "", sources.KindNone:
	case sources.KindWeb, sources.KindRemote:
		if s.URL == "" {
			return fmt.Errorf("snapshot.url is required for source %q", s.Source)
		}
	case sources.KindLocal:
		if s.Path == "" {
			return fmt.Errorf("snapshot.path is required for source %q", s.Source)
		}
	default:
		return fmt.Errorf("%w: snapshot.source %q", sources.ErrUnsupportedSource, s.Source)
	}
	return nil
}

// FeedSourceConfig maps the feed section onto the source factory
func (c *Config) FeedSourceConfig() sources.Config {
	return sources.Config{
		Kind:      c.Feed.Source,
		URL:       c.Feed.URL,
		Path:      c.Feed.Path,
		S3Bucket:  c.Feed.S3.Bucket,
		S3Key:     c.Feed.S3.Key,
		S3Region:  c.Feed.S3.Region,
		S3RoleARN: c.Feed.S3.RoleARN,
		Mock: mock.Shape{
			Groups: c.Feed.Mock.Groups,
			Repos:  c.Feed.Mock.Repos,
			Images: c.Feed.Mock.Images,
			Vulns:  c.Feed.Mock.Vulns,
		},
	}
}

// SnapshotSourceConfig maps the snapshot section onto the source factory
func (c *Config) SnapshotSourceConfig() sources.Config {
	return sources.Config{
		Kind: c.Snapshot.Source,
		URL:  c.Snapshot.URL,
		Path: c.Snapshot.Path,
	}
}
