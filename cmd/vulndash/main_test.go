// ABOUTME: Tests for the vulndash command tree and logger construction.
// ABOUTME: Runs ingest and snapshot end to end against the mock feed and a temporary store.

package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jfeddern/VulnDash/internal/config"
	"github.com/jfeddern/VulnDash/internal/sources/mock"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version+"\n", out)
}

func TestInvalidLogLevelFails(t *testing.T) {
	_, err := execute(t, "snapshot", "--log-level", "chatty", "--store", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestUnknownFeedSourceFails(t *testing.T) {
	_, err := execute(t, "ingest", "--log-level", "error", "--feed-source", "ftp",
		"--store", filepath.Join(t.TempDir(), "x.db"))
	require.Error(t, err)
}

func TestIngestThenSnapshot(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "vulndash.db")
	outPath := filepath.Join(dir, "aggregates.json")

	_, err := execute(t, "ingest", "--log-level", "error", "--feed-source", "mock", "--store", dbPath)
	require.NoError(t, err)

	_, err = execute(t, "snapshot", "--log-level", "error", "--store", dbPath, "--out", outPath)
	require.NoError(t, err)

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)

	var doc struct {
		TotalCount int             `json:"totalCount"`
		Aggregates json.RawMessage `json:"aggregates"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, mock.DefaultShape.Total(), doc.TotalCount)
	assert.NotEmpty(t, doc.Aggregates)
}

func TestSnapshotToStdout(t *testing.T) {
	out, err := execute(t, "snapshot", "--log-level", "error", "--store", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"totalCount": 0`)
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.LogConfig
		wantLevel logrus.Level
		wantErr   bool
	}{
		{name: "json info", cfg: config.LogConfig{Level: "info", Format: "json"}, wantLevel: logrus.InfoLevel},
		{name: "text debug", cfg: config.LogConfig{Level: "debug", Format: "text"}, wantLevel: logrus.DebugLevel},
		{name: "bad level", cfg: config.LogConfig{Level: "loud"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger, closer, err := newLogger(tt.cfg, &buf)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Nil(t, closer)
			assert.Equal(t, tt.wantLevel, logger.GetLevel())

			logger.Info("hello")
			if tt.cfg.Format == "json" {
				assert.Contains(t, buf.String(), `"msg":"hello"`)
			} else {
				assert.Contains(t, buf.String(), "msg=hello")
			}
		})
	}
}

func TestNewLoggerWritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vulndash.log")
	var buf bytes.Buffer

	logger, closer, err := newLogger(config.LogConfig{Level: "info", Format: "json", File: path, MaxSizeMB: 1, MaxBackups: 1}, &buf)
	require.NoError(t, err)
	require.NotNil(t, closer)

	logger.Warn("rotating")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "rotating")
	assert.Contains(t, buf.String(), "rotating")
}
