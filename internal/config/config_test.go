package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Limits.MaxConcurrent)
	assert.Equal(t, 12, cfg.RateLimit.DownloadLimit)
	assert.Equal(t, 300, cfg.RateLimit.DownloadWindow)
	assert.Equal(t, "yt-dlp", cfg.Extract.ToolPath)
	assert.Equal(t, 45, cfg.Jobs.FetchedGraceSeconds)
	assert.Equal(t, "http://api.ipify.org", cfg.Proxy.CheckURL)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "grabtune.yaml")
	content := []byte(`
server:
  port: 9090
limits:
  max_concurrent: 5
ratelimit:
  download_limit: 6
  download_window_seconds: 120
extract:
  tool_path: /usr/local/bin/yt-dlp
proxy:
  source_urls:
    - https://example.com/proxies.txt
`)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 5, cfg.Limits.MaxConcurrent)
	assert.Equal(t, 6, cfg.RateLimit.DownloadLimit)
	assert.Equal(t, "/usr/local/bin/yt-dlp", cfg.Extract.ToolPath)
	assert.Equal(t, []string{"https://example.com/proxies.txt"}, cfg.Proxy.SourceURLs)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30, cfg.Jobs.RetentionMinutes)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/grabtune.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "zero port", mutate: func(c *Config) { c.Server.Port = 0 }},
		{name: "zero concurrency", mutate: func(c *Config) { c.Limits.MaxConcurrent = 0 }},
		{name: "inverted memory thresholds", mutate: func(c *Config) { c.Limits.MemorySoft = 0.95; c.Limits.MemoryHard = 0.90 }},
		{name: "inverted disk thresholds", mutate: func(c *Config) { c.Limits.DiskSoftMB = 100; c.Limits.DiskHardMB = 200 }},
		{name: "zero download limit", mutate: func(c *Config) { c.RateLimit.DownloadLimit = 0 }},
		{name: "zero queue depth", mutate: func(c *Config) { c.Jobs.QueueDepth = 0 }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}

	assert.NoError(t, base.Validate())
}

func TestDurationHelpers(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Minute, cfg.ProxyRefreshInterval())
	assert.Equal(t, 10*time.Minute, cfg.ToolTimeout())
}
