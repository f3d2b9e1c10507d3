// Package config provides unified configuration for the Syncbridge service.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the routing behavior of the read path.
type Mode string

const (
	// ModeLake serves cache-first with the analytical store as fallback,
	// and keeps the event feed consumer running.
	ModeLake Mode = "lake"

	// ModeParallel races the cache and the analytical store per request
	// and serves whichever usable result arrives first.
	ModeParallel Mode = "parallel"
)

// Config holds the unified configuration for the Syncbridge service.
type Config struct {
	// Mode is the initial data source mode: lake or parallel
	Mode Mode `json:"mode" yaml:"mode"`

	// DataDir is the base directory for all data files
	DataDir string `json:"data_dir" yaml:"data_dir"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http"`

	// Auth configuration
	Auth AuthConfig `json:"auth" yaml:"auth"`

	// Feed is the inbound event feed configuration
	Feed FeedConfig `json:"feed" yaml:"feed"`

	// Lake is the analytical store configuration
	Lake LakeConfig `json:"lake" yaml:"lake"`

	// Cache is the hot cache store configuration
	Cache CacheConfig `json:"cache" yaml:"cache"`

	// Routing is the read-path routing configuration
	Routing RoutingConfig `json:"routing" yaml:"routing"`

	// Snapshot is the compaction/archive configuration
	Snapshot SnapshotConfig `json:"snapshot" yaml:"snapshot"`

	// Storage is the object storage configuration for snapshot archives
	Storage StorageConfig `json:"storage" yaml:"storage"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP address for the read API
	Addr string `json:"addr" yaml:"addr"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout"`
}

// AuthConfig holds session token verification configuration.
// Token issuance is owned by the external auth collaborator; Syncbridge
// only verifies what it is handed.
type AuthConfig struct {
	// JWTSecret is the HMAC secret shared with the auth collaborator
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`

	// Issuer, when set, must match the token's iss claim
	Issuer string `json:"issuer" yaml:"issuer"`
}

// FeedConfig holds the Kafka event feed configuration.
type FeedConfig struct {
	// Enabled controls whether the consumer starts with the service
	Enabled bool `json:"enabled" yaml:"enabled"`

	// Brokers is the list of Kafka bootstrap brokers
	Brokers []string `json:"brokers" yaml:"brokers"`

	// Topic is the device event topic
	Topic string `json:"topic" yaml:"topic"`

	// GroupID is the consumer group ID
	GroupID string `json:"group_id" yaml:"group_id"`
}

// LakeConfig holds the analytical store client configuration.
type LakeConfig struct {
	// Driver is the database/sql driver name
	Driver string `json:"driver" yaml:"driver"`

	// DSN is the data source name. Empty means no analytical store: the
	// service runs cache-only and inactive misses return NotFound.
	DSN string `json:"dsn" yaml:"dsn"`

	// Table is the fully qualified user state table
	Table string `json:"table" yaml:"table"`

	// QueryTimeout bounds a single lake query
	QueryTimeout time.Duration `json:"query_timeout" yaml:"query_timeout"`
}

// CacheConfig holds hot cache store configuration.
type CacheConfig struct {
	// LogDir is the directory for durable log segments
	LogDir string `json:"log_dir" yaml:"log_dir"`

	// MaxSegmentSize is the durable log segment rotation threshold in bytes
	MaxSegmentSize int64 `json:"max_segment_size" yaml:"max_segment_size"`

	// Shards is the number of ingest worker shards
	Shards int `json:"shards" yaml:"shards"`

	// ShardBuffer is the per-shard event channel depth
	ShardBuffer int `json:"shard_buffer" yaml:"shard_buffer"`

	// EvictAfter is how long a user must be inactive before the in-memory
	// entry may be dropped (the durable copy is retained)
	EvictAfter time.Duration `json:"evict_after" yaml:"evict_after"`
}

// RoutingConfig holds the read-path routing tunables.
// The original system left these as aspirational figures; they are
// configuration here, with defaults documented in DefaultConfig.
type RoutingConfig struct {
	// IdleThreshold is the recency window for ACTIVE classification
	IdleThreshold time.Duration `json:"idle_threshold" yaml:"idle_threshold"`

	// FreshnessWindow is the max staleness for an unconditional cache serve
	FreshnessWindow time.Duration `json:"freshness_window" yaml:"freshness_window"`

	// LatencyBudget is the hard per-request budget
	LatencyBudget time.Duration `json:"latency_budget" yaml:"latency_budget"`

	// InitialSync controls the startup backfill from the lake
	InitialSync bool `json:"initial_sync" yaml:"initial_sync"`

	// BatchConcurrency bounds parallel fetches for batch reads
	BatchConcurrency int `json:"batch_concurrency" yaml:"batch_concurrency"`
}

// SnapshotConfig holds compaction snapshot configuration.
type SnapshotConfig struct {
	// Interval is how often the compactor writes a snapshot
	Interval time.Duration `json:"interval" yaml:"interval"`

	// WorkDir is the directory for snapshot work files
	WorkDir string `json:"work_dir" yaml:"work_dir"`
}

// StorageConfig holds object storage configuration.
type StorageConfig struct {
	// Type is the storage type: local, s3
	Type string `json:"type" yaml:"type"`

	// Path is the local storage path (for local type)
	Path string `json:"path" yaml:"path"`

	// S3 configuration (for s3 type)
	S3 S3Config `json:"s3" yaml:"s3"`
}

// S3Config holds S3 storage configuration.
type S3Config struct {
	// Bucket is the S3 bucket name
	Bucket string `json:"bucket" yaml:"bucket"`

	// Region is the AWS region
	Region string `json:"region" yaml:"region"`

	// Endpoint is the S3 endpoint (for S3-compatible storage)
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// UsePathStyle enables path-style addressing (required for MinIO)
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`
}

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		Mode:    ModeLake,
		DataDir: "./data/syncbridge",
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		Auth: AuthConfig{
			JWTSecret: "",
			Issuer:    "",
		},
		Feed: FeedConfig{
			Enabled: true,
			Brokers: []string{"127.0.0.1:9092"},
			Topic:   "device-state-events",
			GroupID: "syncbridge",
		},
		Lake: LakeConfig{
			Driver:       "sqlite3",
			DSN:          "",
			Table:        "user_device_state",
			QueryTimeout: 2 * time.Second,
		},
		Cache: CacheConfig{
			LogDir:         "",
			MaxSegmentSize: 64 * 1024 * 1024,
			Shards:         16,
			ShardBuffer:    256,
			EvictAfter:     24 * time.Hour,
		},
		Routing: RoutingConfig{
			IdleThreshold:    10 * time.Minute,
			FreshnessWindow:  30 * time.Second,
			LatencyBudget:    150 * time.Millisecond,
			InitialSync:      true,
			BatchConcurrency: 20,
		},
		Snapshot: SnapshotConfig{
			Interval: 5 * time.Minute,
			WorkDir:  "",
		},
		Storage: StorageConfig{
			Type: "local",
			Path: "",
		},
	}
}

// Resolve resolves relative paths and sets defaults based on DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "./data/syncbridge"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = filepath.Join(c.DataDir, "archive")
	}

	if c.Cache.LogDir == "" {
		c.Cache.LogDir = filepath.Join(c.DataDir, "log")
	}

	if c.Snapshot.WorkDir == "" {
		c.Snapshot.WorkDir = filepath.Join(c.DataDir, "snapshots")
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeLake, ModeParallel:
		// Valid modes
	default:
		return fmt.Errorf("invalid mode: %s (must be lake or parallel)", c.Mode)
	}

	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	if c.Storage.Type != "local" && c.Storage.Type != "s3" {
		return fmt.Errorf("invalid storage type: %s (must be local or s3)", c.Storage.Type)
	}

	if c.Storage.Type == "s3" && c.Storage.S3.Bucket == "" {
		return fmt.Errorf("s3.bucket is required when storage type is s3")
	}

	if c.Feed.Enabled && len(c.Feed.Brokers) == 0 {
		return fmt.Errorf("feed.brokers is required when the feed is enabled")
	}

	if c.Cache.Shards <= 0 {
		return fmt.Errorf("cache.shards must be positive, got %d", c.Cache.Shards)
	}

	if c.Routing.IdleThreshold <= 0 {
		return fmt.Errorf("routing.idle_threshold must be positive")
	}

	if c.Routing.LatencyBudget <= 0 {
		return fmt.Errorf("routing.latency_budget must be positive")
	}

	if c.Routing.FreshnessWindow > c.Routing.IdleThreshold {
		return fmt.Errorf("routing.freshness_window must not exceed routing.idle_threshold")
	}

	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables.
// Environment variables use the SYNCBRIDGE_ prefix.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("SYNCBRIDGE_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("SYNCBRIDGE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// HTTP configuration
	if v := os.Getenv("SYNCBRIDGE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}

	// Auth configuration
	if v := os.Getenv("SYNCBRIDGE_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("SYNCBRIDGE_JWT_ISSUER"); v != "" {
		cfg.Auth.Issuer = v
	}

	// Feed configuration
	if v := os.Getenv("SYNCBRIDGE_FEED_ENABLED"); v != "" {
		cfg.Feed.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("SYNCBRIDGE_FEED_BROKERS"); v != "" {
		cfg.Feed.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("SYNCBRIDGE_FEED_TOPIC"); v != "" {
		cfg.Feed.Topic = v
	}
	if v := os.Getenv("SYNCBRIDGE_FEED_GROUP_ID"); v != "" {
		cfg.Feed.GroupID = v
	}

	// Lake configuration
	if v := os.Getenv("SYNCBRIDGE_LAKE_DRIVER"); v != "" {
		cfg.Lake.Driver = v
	}
	if v := os.Getenv("SYNCBRIDGE_LAKE_DSN"); v != "" {
		cfg.Lake.DSN = v
	}
	if v := os.Getenv("SYNCBRIDGE_LAKE_TABLE"); v != "" {
		cfg.Lake.Table = v
	}
	if v := os.Getenv("SYNCBRIDGE_LAKE_QUERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Lake.QueryTimeout = d
		}
	}

	// Cache configuration
	if v := os.Getenv("SYNCBRIDGE_CACHE_SHARDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Shards = n
		}
	}
	if v := os.Getenv("SYNCBRIDGE_CACHE_EVICT_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cache.EvictAfter = d
		}
	}

	// Routing configuration
	if v := os.Getenv("SYNCBRIDGE_IDLE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Routing.IdleThreshold = d
		}
	}
	if v := os.Getenv("SYNCBRIDGE_FRESHNESS_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Routing.FreshnessWindow = d
		}
	}
	if v := os.Getenv("SYNCBRIDGE_LATENCY_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Routing.LatencyBudget = d
		}
	}
	if v := os.Getenv("SYNCBRIDGE_INITIAL_SYNC"); v != "" {
		cfg.Routing.InitialSync = v == "true" || v == "1"
	}

	// Snapshot configuration
	if v := os.Getenv("SYNCBRIDGE_SNAPSHOT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Snapshot.Interval = d
		}
	}

	// Storage configuration
	if v := os.Getenv("SYNCBRIDGE_STORAGE_TYPE"); v != "" {
		cfg.Storage.Type = v
	}
	if v := os.Getenv("SYNCBRIDGE_STORAGE_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("SYNCBRIDGE_S3_BUCKET"); v != "" {
		cfg.Storage.S3.Bucket = v
	}
	if v := os.Getenv("SYNCBRIDGE_S3_REGION"); v != "" {
		cfg.Storage.S3.Region = v
	}
	if v := os.Getenv("SYNCBRIDGE_S3_ENDPOINT"); v != "" {
		cfg.Storage.S3.Endpoint = v
	}
	if v := os.Getenv("SYNCBRIDGE_S3_PATH_STYLE"); v != "" {
		cfg.Storage.S3.UsePathStyle = v == "true" || v == "1"
	}
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.Storage.Path,
		c.Cache.LogDir,
		c.Snapshot.WorkDir,
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
