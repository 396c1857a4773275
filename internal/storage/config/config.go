package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/historio/historian/internal/storage/types"
)

// Config represents the complete historian configuration.
type Config struct {
	// Listen is the HTTP API listen address.
	Listen string `yaml:"listen"`

	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir"`

	// Rotation configures segment rotation.
	Rotation RotationConfig `yaml:"rotation"`

	// Retention defines how long sealed archives are kept.
	Retention RetentionConfig `yaml:"retention"`

	// WAL configures the crash-safety log of the active segment.
	WAL WALConfig `yaml:"wal"`

	// Archive configures sealed-segment files.
	Archive ArchiveConfig `yaml:"archive"`

	// Query configures the query engine.
	Query QueryConfig `yaml:"query"`

	// Groups lists the rotation groups and per-group overrides.
	Groups []GroupConfig `yaml:"groups"`
}

// GroupConfig configures one rotation group. Zero durations inherit the
// top-level rotation/retention settings.
type GroupConfig struct {
	// ID names the group.
	ID string `yaml:"id"`

	// RotationPeriod overrides Rotation.Period for this group.
	RotationPeriod time.Duration `yaml:"rotation_period"`

	// RetentionHorizon overrides Retention.Horizon for this group.
	RetentionHorizon time.Duration `yaml:"retention_horizon"`

	// Tags lists the recording configuration of this group's tags.
	Tags []types.Tag `yaml:"tags"`
}

// RotationConfig configures segment rotation.
type RotationConfig struct {
	// Period is the rotation boundary measured from segment creation.
	Period time.Duration `yaml:"period"`

	// CheckInterval is how often the manager checks for due rotations.
	CheckInterval time.Duration `yaml:"check_interval"`

	// BarrierTimeout bounds how long sealing may wait for in-flight
	// appends to quiesce before the attempt is retried.
	BarrierTimeout time.Duration `yaml:"barrier_timeout"`

	// MaxRetries is the number of sealing retries after a barrier timeout.
	MaxRetries int `yaml:"max_retries"`

	// RetryBackoff is the initial backoff between sealing retries. Each
	// retry doubles it.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// RetentionConfig defines how long sealed archives are kept.
type RetentionConfig struct {
	// Horizon is the age beyond which archives are deleted outright.
	Horizon time.Duration `yaml:"horizon"`

	// CheckInterval is how often expired archives are pruned.
	CheckInterval time.Duration `yaml:"check_interval"`
}

// WALConfig configures the write-ahead log.
type WALConfig struct {
	// SyncMode is the sync mode: async, sync, fsync.
	SyncMode string `yaml:"sync_mode"`

	// SyncInterval is the sync interval for async mode.
	SyncInterval time.Duration `yaml:"sync_interval"`

	// MaxSegmentSize is the maximum WAL file size before rotation.
	MaxSegmentSize int64 `yaml:"max_segment_size"`
}

// ArchiveConfig configures sealed-segment Parquet files.
type ArchiveConfig struct {
	// Compression is the Parquet compression algorithm: snappy, zstd, lz4,
	// gzip, none.
	Compression string `yaml:"compression"`

	// S3 configures optional off-site copies of sealed archives.
	S3 S3Config `yaml:"s3"`
}

// S3Config configures the optional S3 archive offload.
type S3Config struct {
	// Enabled turns the offload on.
	Enabled bool `yaml:"enabled"`

	// Bucket is the target bucket. Required when enabled.
	Bucket string `yaml:"bucket"`

	// Region is the bucket region.
	Region string `yaml:"region"`

	// Endpoint overrides the S3 endpoint for S3-compatible services.
	Endpoint string `yaml:"endpoint"`

	// AccessKeyID and SecretAccessKey authenticate against the bucket.
	// Prefer IAM roles or the AWS_* environment variables; set these only
	// for S3-compatible services that need static credentials.
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix"`

	// UsePathStyle enables path-style addressing (MinIO etc.).
	UsePathStyle bool `yaml:"use_path_style"`

	// MaxRetries bounds upload/delete retry attempts.
	MaxRetries int `yaml:"max_retries"`
}

// QueryConfig configures the query engine.
type QueryConfig struct {
	// MemoryLimit is the DuckDB memory limit (e.g. "2GB").
	MemoryLimit string `yaml:"memory_limit"`

	// Timeout is the per-query timeout.
	Timeout time.Duration `yaml:"timeout"`

	// MaxPoints caps the number of points returned per tag. 0 = unlimited.
	MaxPoints int `yaml:"max_points"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return config, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:  "0.0.0.0:8086",
		DataDir: "/var/lib/historian",
		Rotation: RotationConfig{
			Period:         24 * time.Hour,
			CheckInterval:  time.Minute,
			BarrierTimeout: 5 * time.Second,
			MaxRetries:     3,
			RetryBackoff:   time.Second,
		},
		Retention: RetentionConfig{
			Horizon:       90 * 24 * time.Hour,
			CheckInterval: time.Hour,
		},
		WAL: WALConfig{
			SyncMode:       "async",
			SyncInterval:   time.Second,
			MaxSegmentSize: 64 * 1024 * 1024, // 64MB
		},
		Archive: ArchiveConfig{
			Compression: "zstd",
		},
		Query: QueryConfig{
			MemoryLimit: "1GB",
			Timeout:     30 * time.Second,
		},
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}

	switch c.WAL.SyncMode {
	case "async", "sync", "fsync":
	default:
		return fmt.Errorf("invalid wal sync_mode %q (want async, sync, or fsync)", c.WAL.SyncMode)
	}

	if c.WAL.MaxSegmentSize <= 0 {
		return fmt.Errorf("wal max_segment_size must be positive")
	}

	if c.Rotation.Period <= 0 {
		return fmt.Errorf("rotation period must be positive")
	}
	if c.Rotation.BarrierTimeout <= 0 {
		return fmt.Errorf("rotation barrier_timeout must be positive")
	}
	if c.Rotation.MaxRetries < 0 {
		return fmt.Errorf("rotation max_retries must not be negative")
	}

	if c.Retention.Horizon <= 0 {
		return fmt.Errorf("retention horizon must be positive")
	}
	if c.Retention.Horizon < c.Rotation.Period {
		return fmt.Errorf("retention horizon %v shorter than rotation period %v", c.Retention.Horizon, c.Rotation.Period)
	}

	switch c.Archive.Compression {
	case "snappy", "zstd", "lz4", "gzip", "none", "":
	default:
		return fmt.Errorf("invalid archive compression %q", c.Archive.Compression)
	}

	if c.Archive.S3.Enabled && c.Archive.S3.Bucket == "" {
		return fmt.Errorf("archive s3 bucket is required when offload is enabled")
	}

	seen := make(map[string]bool, len(c.Groups))
	seenTags := make(map[string]bool)
	for _, g := range c.Groups {
		if g.ID == "" {
			return fmt.Errorf("group id must not be empty")
		}
		if seen[g.ID] {
			return fmt.Errorf("duplicate group id %q", g.ID)
		}
		seen[g.ID] = true

		for _, tag := range g.Tags {
			if tag.ID == "" {
				return fmt.Errorf("group %q: tag id must not be empty", g.ID)
			}
			if seenTags[tag.ID] {
				return fmt.Errorf("duplicate tag id %q", tag.ID)
			}
			seenTags[tag.ID] = true
			if tag.IntervalMs < 0 {
				return fmt.Errorf("tag %q: interval_ms must not be negative", tag.ID)
			}
			if tag.Deadband < 0 {
				return fmt.Errorf("tag %q: deadband must not be negative", tag.ID)
			}
		}
	}

	return nil
}

// EnsureDirectories creates the data directory tree.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.DataDir, c.CatalogDir()}
	for _, g := range c.Groups {
		dirs = append(dirs, c.GroupDir(g.ID), c.WALDir(g.ID), c.ArchiveDir(g.ID))
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// GroupDir returns the directory holding one group's storage.
func (c *Config) GroupDir(groupID string) string {
	return filepath.Join(c.DataDir, "groups", groupID)
}

// WALDir returns the WAL directory for a group.
func (c *Config) WALDir(groupID string) string {
	return filepath.Join(c.GroupDir(groupID), "wal")
}

// ArchiveDir returns the archive directory for a group.
func (c *Config) ArchiveDir(groupID string) string {
	return filepath.Join(c.GroupDir(groupID), "archive")
}

// CatalogDir returns the directory holding the archive catalog database.
func (c *Config) CatalogDir() string {
	return filepath.Join(c.DataDir, "catalog")
}

// CatalogPath returns the archive catalog database path.
func (c *Config) CatalogPath() string {
	return filepath.Join(c.CatalogDir(), "catalog.db")
}

// RotationPeriod returns the effective rotation period for a group.
func (c *Config) RotationPeriod(groupID string) time.Duration {
	for _, g := range c.Groups {
		if g.ID == groupID && g.RotationPeriod > 0 {
			return g.RotationPeriod
		}
	}
	return c.Rotation.Period
}

// RetentionHorizon returns the effective retention horizon for a group.
func (c *Config) RetentionHorizon(groupID string) time.Duration {
	for _, g := range c.Groups {
		if g.ID == groupID && g.RetentionHorizon > 0 {
			return g.RetentionHorizon
		}
	}
	return c.Retention.Horizon
}

// GroupIDs returns the configured group ids.
func (c *Config) GroupIDs() []string {
	ids := make([]string, len(c.Groups))
	for i, g := range c.Groups {
		ids[i] = g.ID
	}
	return ids
}

// AllTags returns every configured tag with its GroupID stamped from the
// enclosing group.
func (c *Config) AllTags() []types.Tag {
	var tags []types.Tag
	for _, g := range c.Groups {
		for _, t := range g.Tags {
			t.GroupID = g.ID
			tags = append(tags, t)
		}
	}
	return tags
}
