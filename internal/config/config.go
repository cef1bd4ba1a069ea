// Package config handles configuration loading and validation for ftsync.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

// Storage backend types.
const (
	KVStoreSQLite   = "sqlite"
	KVStorePostgres = "postgres"
	KVStoreMongoDB  = "mongodb"
	KVStoreMemory   = "memory"
)

// Blob store types.
const (
	BlobsFS = "fs"
	BlobsS3 = "s3"
)

// LocksMemory selects the process-local lock manager.
const LocksMemory = "memory"

// DefaultMaxUploadSize is used when a bucket does not set max_upload_size.
const DefaultMaxUploadSize = "256MB"

var bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]{0,62}$`)

// LogConfig controls the process logger.
type LogConfig struct {
	Level      string     `yaml:"level"`
	JSON       bool       `yaml:"json"`
	File       string     `yaml:"file"`         // Optional log file, rotated by size
	MaxSizeMB  int        `yaml:"max_size_mb"`  // Rotate after this many megabytes (default: 100)
	MaxBackups int        `yaml:"max_backups"`  // Rotated files to keep (default: 3)
	MaxAgeDays int        `yaml:"max_age_days"` // Days to keep rotated files (default: 28)
	Loki       LokiConfig `yaml:"loki"`
}

// LokiConfig enables pushing log lines to Grafana Loki.
type LokiConfig struct {
	URL           string            `yaml:"url"` // Empty disables Loki
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`     // default: 100
	FlushInterval time.Duration     `yaml:"flush_interval"` // default: 5s
}

// MetricsConfig controls the admin listener serving metrics, health and traces.
type MetricsConfig struct {
	Listen        string `yaml:"listen"`          // Empty disables the admin listener
	Trace         bool   `yaml:"trace"`           // Keep a runtime trace ring buffer for /debug/trace
	TraceBufferMB int    `yaml:"trace_buffer_mb"` // Ring buffer size (default: 10)
}

// SQLiteConfig holds settings for the embedded single-file backend.
type SQLiteConfig struct {
	Path     string `yaml:"path"`
	PoolSize int    `yaml:"pool_size"`
}

// PostgresConfig holds settings for the PostgreSQL backend.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	PoolSize int    `yaml:"pool_size"`
}

// ConnString returns a lib/pq keyword/value connection string.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode)
}

// MongoDBConfig holds settings for the MongoDB backend.
type MongoDBConfig struct {
	URI      string `yaml:"uri"`
	Database string `yaml:"database"`
	PoolSize int    `yaml:"pool_size"`
}

// KVStoreConfig selects and configures the metadata backend of a bucket.
type KVStoreConfig struct {
	Type     string         `yaml:"type"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
}

// FSBlobConfig configures the local filesystem blob store.
type FSBlobConfig struct {
	Dir      string `yaml:"dir"`
	Compress *bool  `yaml:"compress"` // zstd compression (default: true)
}

// CompressEnabled reports whether blobs are stored zstd-compressed.
func (c FSBlobConfig) CompressEnabled() bool {
	return c.Compress == nil || *c.Compress
}

// S3BlobConfig configures an S3-compatible blob store.
type S3BlobConfig struct {
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"` // Custom endpoint (MinIO, LocalStack); enables path-style
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Prefix          string `yaml:"prefix"` // Key prefix (default: bucket name)
}

// BlobConfig selects where file content bytes are kept.
type BlobConfig struct {
	Type string       `yaml:"type"`
	FS   FSBlobConfig `yaml:"fs"`
	S3   S3BlobConfig `yaml:"s3"`
}

// BucketConfig holds everything one tenant needs to run.
type BucketConfig struct {
	Name          string        `yaml:"name"`
	Listen        string        `yaml:"listen"`
	MaxUploadSize string        `yaml:"max_upload_size"`
	Locks         string        `yaml:"locks"`
	KVStore       KVStoreConfig `yaml:"kvstore"`
	Blobs         BlobConfig    `yaml:"blobs"`

	maxUploadBytes int64
}

// MaxUploadBytes returns max_upload_size in bytes. Valid after Load or ApplyDefaults.
func (b *BucketConfig) MaxUploadBytes() int64 {
	return b.maxUploadBytes
}

// Config is the top-level ftsync configuration.
type Config struct {
	DataDir string         `yaml:"data_dir"`
	Log     LogConfig      `yaml:"log"`
	Metrics MetricsConfig  `yaml:"metrics"`
	Buckets []BucketConfig `yaml:"buckets"`
}

// Load reads configuration from a YAML file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration, applies defaults and validates it.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() error {
	if c.DataDir == "" {
		c.DataDir = "/var/lib/ftsync"
	}
	c.DataDir = expandHome(c.DataDir)

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 3
	}
	if c.Log.MaxAgeDays == 0 {
		c.Log.MaxAgeDays = 28
	}
	c.Log.File = expandHome(c.Log.File)
	if c.Log.Loki.BatchSize == 0 {
		c.Log.Loki.BatchSize = 100
	}
	if c.Log.Loki.FlushInterval == 0 {
		c.Log.Loki.FlushInterval = 5 * time.Second
	}

	if c.Metrics.TraceBufferMB == 0 {
		c.Metrics.TraceBufferMB = 10
	}

	for i := range c.Buckets {
		if err := c.Buckets[i].applyDefaults(c.DataDir); err != nil {
			return err
		}
	}
	return nil
}

func (b *BucketConfig) applyDefaults(dataDir string) error {
	if b.Locks == "" {
		b.Locks = LocksMemory
	}
	if b.MaxUploadSize == "" {
		b.MaxUploadSize = DefaultMaxUploadSize
	}
	n, err := humanize.ParseBytes(b.MaxUploadSize)
	if err != nil {
		return fmt.Errorf("bucket %q: invalid max_upload_size %q: %w", b.Name, b.MaxUploadSize, err)
	}
	b.maxUploadBytes = int64(n)

	kv := &b.KVStore
	if kv.Type == "" {
		kv.Type = KVStoreSQLite
	}
	switch kv.Type {
	case KVStoreSQLite:
		if kv.SQLite.Path == "" {
			kv.SQLite.Path = filepath.Join(dataDir, b.Name+".db")
		}
		kv.SQLite.Path = expandHome(kv.SQLite.Path)
		if kv.SQLite.PoolSize == 0 {
			kv.SQLite.PoolSize = 4
		}
	case KVStorePostgres:
		if kv.Postgres.Host == "" {
			kv.Postgres.Host = "localhost"
		}
		if kv.Postgres.Port == 0 {
			kv.Postgres.Port = 5432
		}
		if kv.Postgres.SSLMode == "" {
			kv.Postgres.SSLMode = "disable"
		}
		if kv.Postgres.PoolSize == 0 {
			kv.Postgres.PoolSize = 10
		}
	case KVStoreMongoDB:
		if kv.MongoDB.Database == "" {
			kv.MongoDB.Database = "ftsync"
		}
		if kv.MongoDB.PoolSize == 0 {
			kv.MongoDB.PoolSize = 10
		}
	}

	bl := &b.Blobs
	if bl.Type == "" {
		bl.Type = BlobsFS
	}
	switch bl.Type {
	case BlobsFS:
		if bl.FS.Dir == "" {
			bl.FS.Dir = filepath.Join(dataDir, "blobs", b.Name)
		}
		bl.FS.Dir = expandHome(bl.FS.Dir)
	case BlobsS3:
		if bl.S3.Region == "" {
			bl.S3.Region = "us-east-1"
		}
		if bl.S3.Prefix == "" {
			bl.S3.Prefix = b.Name
		}
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if len(c.Buckets) == 0 {
		return fmt.Errorf("at least one bucket is required")
	}
	names := make(map[string]bool, len(c.Buckets))
	listens := make(map[string]string, len(c.Buckets))
	for i := range c.Buckets {
		b := &c.Buckets[i]
		if err := b.Validate(); err != nil {
			return err
		}
		if names[b.Name] {
			return fmt.Errorf("bucket %q: duplicate name", b.Name)
		}
		names[b.Name] = true
		if other, ok := listens[b.Listen]; ok {
			return fmt.Errorf("bucket %q: listen address %s already used by bucket %q", b.Name, b.Listen, other)
		}
		listens[b.Listen] = b.Name
	}
	if c.Metrics.Listen != "" {
		if other, ok := listens[c.Metrics.Listen]; ok {
			return fmt.Errorf("metrics.listen %s already used by bucket %q", c.Metrics.Listen, other)
		}
	}
	return nil
}

// Validate checks a single bucket.
func (b *BucketConfig) Validate() error {
	if !bucketNamePattern.MatchString(b.Name) {
		return fmt.Errorf("bucket %q: name must match %s", b.Name, bucketNamePattern.String())
	}
	if b.Listen == "" {
		return fmt.Errorf("bucket %q: listen address is required", b.Name)
	}
	if b.Locks != LocksMemory {
		return fmt.Errorf("bucket %q: unknown locks type %q", b.Name, b.Locks)
	}
	if b.maxUploadBytes <= 0 {
		return fmt.Errorf("bucket %q: max_upload_size must be positive", b.Name)
	}

	switch b.KVStore.Type {
	case KVStoreSQLite, KVStoreMemory:
	case KVStorePostgres:
		pg := b.KVStore.Postgres
		if pg.User == "" || pg.DBName == "" {
			return fmt.Errorf("bucket %q: kvstore.postgres.user and kvstore.postgres.dbname are required", b.Name)
		}
		if pg.Port <= 0 || pg.Port > 65535 {
			return fmt.Errorf("bucket %q: kvstore.postgres.port must be between 1 and 65535", b.Name)
		}
		if pg.PoolSize < 1 {
			return fmt.Errorf("bucket %q: kvstore.postgres.pool_size must be at least 1", b.Name)
		}
	case KVStoreMongoDB:
		if b.KVStore.MongoDB.URI == "" {
			return fmt.Errorf("bucket %q: kvstore.mongodb.uri is required", b.Name)
		}
	default:
		return fmt.Errorf("bucket %q: unknown kvstore type %q", b.Name, b.KVStore.Type)
	}

	switch b.Blobs.Type {
	case BlobsFS:
	case BlobsS3:
		if b.Blobs.S3.Bucket == "" {
			return fmt.Errorf("bucket %q: blobs.s3.bucket is required", b.Name)
		}
	default:
		return fmt.Errorf("bucket %q: unknown blobs type %q", b.Name, b.Blobs.Type)
	}
	return nil
}

// Bucket returns the named bucket configuration.
func (c *Config) Bucket(name string) (*BucketConfig, bool) {
	for i := range c.Buckets {
		if c.Buckets[i].Name == name {
			return &c.Buckets[i], true
		}
	}
	return nil, false
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}
