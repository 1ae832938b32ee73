// ABOUTME: Tests for configuration defaults, environment overrides, file loading, and validation.
// ABOUTME: Each test builds its own viper instance so no global state leaks between cases.

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jfeddern/VulnDash/internal/sources"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newViper() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	ConfigureEnv(v)
	return v
}

func TestDefaults(t *testing.T) {
	cfg, err := NewConfigFromViper(newViper())
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Server.Addr)
	assert.Equal(t, sources.KindWeb, cfg.Feed.Source)
	assert.Equal(t, "http://127.0.0.1:8080/data/ui_demo.json", cfg.Feed.URL)
	assert.Equal(t, "http://127.0.0.1:8080/data/aggregates.json", cfg.Snapshot.URL)
	assert.Equal(t, 5000, cfg.Ingest.BatchSize)
	assert.Equal(t, 250000, cfg.Ingest.ExpectedTotal)
	assert.Equal(t, 250000, cfg.Ingest.SufficientRows)
	assert.Equal(t, 10*time.Millisecond, cfg.Ingest.YieldDelay)
	assert.True(t, cfg.Ingest.Auto)
	assert.Equal(t, 64*1024, cfg.Ingest.BufferSize)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("VULNDASH_FEED_SOURCE", "mock")
	t.Setenv("VULNDASH_FEED_MOCK_GROUPS", "2")
	t.Setenv("VULNDASH_INGEST_BATCH_SIZE", "250")
	t.Setenv("VULNDASH_INGEST_AUTO", "false")
	t.Setenv("VULNDASH_SNAPSHOT_SOURCE", "none")
	t.Setenv("VULNDASH_CACHE_TTL", "2m")

	cfg, err := NewConfigFromViper(newViper())
	require.NoError(t, err)

	assert.Equal(t, sources.KindMock, cfg.Feed.Source)
	assert.Equal(t, 2, cfg.Feed.Mock.Groups)
	assert.Equal(t, 250, cfg.Ingest.BatchSize)
	assert.False(t, cfg.Ingest.Auto)
	assert.Equal(t, sources.KindNone, cfg.Snapshot.Source)
	assert.Equal(t, 2*time.Minute, cfg.Cache.TTL)

	feed := cfg.FeedSourceConfig()
	assert.Equal(t, sources.KindMock, feed.Kind)
	assert.Equal(t, 2, feed.Mock.Groups)
	assert.Equal(t, 5, feed.Mock.Repos)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vulndash.yaml")
	doc := `
feed:
  source: s3
  s3:
    bucket: findings
    key: exports/feed.json
    region: eu-west-1
store:
  path: /var/lib/vulndash/rows.db
log:
  level: debug
  format: text
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	v := newViper()
	require.NoError(t, ReadFile(v, path))
	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	assert.Equal(t, sources.KindS3, cfg.Feed.Source)
	assert.Equal(t, "findings", cfg.Feed.S3.Bucket)
	assert.Equal(t, "/var/lib/vulndash/rows.db", cfg.Store.Path)
	assert.Equal(t, "debug", cfg.Log.Level)

	feed := cfg.FeedSourceConfig()
	assert.Equal(t, "exports/feed.json", feed.S3Key)
	assert.Equal(t, "eu-west-1", feed.S3Region)
}

func TestReadFileErrors(t *testing.T) {
	err := ReadFile(newViper(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err, "an explicit path must exist")

	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	assert.NoError(t, ReadFile(newViper(), ""), "the default file is optional")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "web without url", mutate: func(c *Config) { c.Feed.URL = "" }},
		{name: "local without path", mutate: func(c *Config) { c.Feed.Source = sources.KindLocal }},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Feed.Source = sources.KindS3; c.Feed.S3.Key = "k" }},
		{name: "unknown feed", mutate: func(c *Config) { c.Feed.Source = "ftp" }, wantErr: sources.ErrUnsupportedSource},
		{name: "unknown snapshot", mutate: func(c *Config) { c.Snapshot.Source = "mock" }, wantErr: sources.ErrUnsupportedSource},
		{name: "snapshot local without path", mutate: func(c *Config) { c.Snapshot.Source = sources.KindLocal }},
		{name: "zero batch", mutate: func(c *Config) { c.Ingest.BatchSize = 0 }},
		{name: "negative expected", mutate: func(c *Config) { c.Ingest.ExpectedTotal = -1 }},
		{name: "zero sufficient", mutate: func(c *Config) { c.Ingest.SufficientRows = 0 }},
		{name: "negative mock", mutate: func(c *Config) { c.Feed.Source = sources.KindMock; c.Feed.Mock.Vulns = -1 }},
		{name: "bad log format", mutate: func(c *Config) { c.Log.Format = "xml" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := NewConfigFromViper(newViper())
			require.NoError(t, err)
			tt.mutate(cfg)

			err = cfg.Validate()
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
			}
		})
	}
}
