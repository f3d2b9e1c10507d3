package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ModeLake, cfg.Mode)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, 10*time.Minute, cfg.Routing.IdleThreshold)
	assert.Equal(t, 150*time.Millisecond, cfg.Routing.LatencyBudget)
	assert.True(t, cfg.Routing.InitialSync)
	assert.Equal(t, 16, cfg.Cache.Shards)

	cfg.Resolve()
	require.NoError(t, cfg.Validate())
}

func TestResolve_DerivesPathsFromDataDir(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data/syncbridge"
	cfg.Resolve()

	assert.Equal(t, filepath.Join("/data/syncbridge", "log"), cfg.Cache.LogDir)
	assert.Equal(t, filepath.Join("/data/syncbridge", "archive"), cfg.Storage.Path)
	assert.Equal(t, filepath.Join("/data/syncbridge", "snapshots"), cfg.Snapshot.WorkDir)

	// No lake unless one is configured; an empty DSN means cache-only.
	assert.Empty(t, cfg.Lake.DSN)
}

func TestResolve_KeepsExplicitPaths(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = "/data/syncbridge"
	cfg.Cache.LogDir = "/fast-disk/log"
	cfg.Lake.DSN = "trino://lake:8443/hive"
	cfg.Resolve()

	assert.Equal(t, "/fast-disk/log", cfg.Cache.LogDir)
	assert.Equal(t, "trino://lake:8443/hive", cfg.Lake.DSN)
}

func TestValidate_Failures(t *testing.T) {
	cases := map[string]func(*Config){
		"bad mode":            func(c *Config) { c.Mode = "hybrid" },
		"bad storage type":    func(c *Config) { c.Storage.Type = "gcs" },
		"s3 without bucket":   func(c *Config) { c.Storage.Type = "s3"; c.Storage.S3.Bucket = "" },
		"feed without broker": func(c *Config) { c.Feed.Enabled = true; c.Feed.Brokers = nil },
		"zero shards":         func(c *Config) { c.Cache.Shards = 0 },
		"zero idle threshold": func(c *Config) { c.Routing.IdleThreshold = 0 },
		"zero budget":         func(c *Config) { c.Routing.LatencyBudget = 0 },
		"freshness beyond idle": func(c *Config) {
			c.Routing.FreshnessWindow = time.Hour
			c.Routing.IdleThreshold = time.Minute
		},
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Resolve()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadFromFile_YAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
mode: parallel
data_dir: /data/sb
http:
  addr: ":9090"
routing:
  latency_budget: 200ms
  initial_sync: false
feed:
  enabled: false
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ModeParallel, cfg.Mode)
	assert.Equal(t, "/data/sb", cfg.DataDir)
	assert.Equal(t, ":9090", cfg.HTTP.Addr)
	assert.Equal(t, 200*time.Millisecond, cfg.Routing.LatencyBudget)
	assert.False(t, cfg.Routing.InitialSync)
	assert.False(t, cfg.Feed.Enabled)

	// Untouched fields keep defaults.
	assert.Equal(t, 10*time.Minute, cfg.Routing.IdleThreshold)
}

func TestLoadFromFile_UnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("mode = 'lake'"), 0644))

	_, err := LoadFromFile(path)
	assert.Error(t, err)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("SYNCBRIDGE_MODE", "parallel")
	t.Setenv("SYNCBRIDGE_HTTP_ADDR", ":7070")
	t.Setenv("SYNCBRIDGE_FEED_BROKERS", "k1:9092,k2:9092")
	t.Setenv("SYNCBRIDGE_LATENCY_BUDGET", "120ms")
	t.Setenv("SYNCBRIDGE_INITIAL_SYNC", "false")
	t.Setenv("SYNCBRIDGE_CACHE_SHARDS", "32")
	t.Setenv("SYNCBRIDGE_S3_PATH_STYLE", "1")

	cfg := DefaultConfig()
	LoadFromEnv(cfg)

	assert.Equal(t, ModeParallel, cfg.Mode)
	assert.Equal(t, ":7070", cfg.HTTP.Addr)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Feed.Brokers)
	assert.Equal(t, 120*time.Millisecond, cfg.Routing.LatencyBudget)
	assert.False(t, cfg.Routing.InitialSync)
	assert.Equal(t, 32, cfg.Cache.Shards)
	assert.True(t, cfg.Storage.S3.UsePathStyle)
}

func TestEnsureDirectories(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DataDir = filepath.Join(t.TempDir(), "sb")
	cfg.Resolve()

	require.NoError(t, cfg.EnsureDirectories())

	for _, dir := range []string{cfg.DataDir, cfg.Cache.LogDir, cfg.Storage.Path, cfg.Snapshot.WorkDir} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
