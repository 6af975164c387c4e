// Package config holds the storage service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	defaults "github.com/xtxerr/feedrec/config"
	"github.com/xtxerr/feedrec/internal/storage/archive"
	"github.com/xtxerr/feedrec/internal/storage/engine"
)

// Config is the storage section of the daemon configuration.
type Config struct {
	// Root is the directory under which day files are written.
	Root string `yaml:"root"`

	// Extension is the day file extension without the dot.
	Extension string `yaml:"extension"`

	// BufferCapacity is the per-stream record count that forces a flush.
	BufferCapacity int `yaml:"buffer_capacity"`

	// LateRecords is "reopen" or "drop".
	LateRecords string `yaml:"late_records"`

	// Timezone selects the trading-day boundary, as an IANA name.
	Timezone string `yaml:"timezone"`

	// SegmentQueueSize is the closed-file event queue capacity.
	SegmentQueueSize int `yaml:"segment_queue_size"`

	// Catalog configures the SQLite day file index.
	Catalog CatalogConfig `yaml:"catalog"`

	// Archive configures Parquet conversion of finished days.
	Archive ArchiveConfig `yaml:"archive"`

	// Retention configures removal of old day files.
	Retention RetentionConfig `yaml:"retention"`
}

// CatalogConfig configures the day file index.
type CatalogConfig struct {
	Enabled bool `yaml:"enabled"`

	// Path defaults to catalog.db inside Root.
	Path string `yaml:"path"`
}

// ArchiveConfig configures Parquet conversion.
type ArchiveConfig struct {
	Enabled      bool             `yaml:"enabled"`
	Dir          string           `yaml:"dir"`
	Compression  string           `yaml:"compression"`
	Workers      int              `yaml:"workers"`
	QueueSize    int              `yaml:"queue_size"`
	RemoveSource bool             `yaml:"remove_source"`
	S3           archive.S3Config `yaml:"s3"`

	// UploadTimeout bounds a single object upload.
	UploadTimeout time.Duration `yaml:"upload_timeout"`
}

// RetentionConfig configures day file cleanup. Zero days keeps files
// forever.
type RetentionConfig struct {
	// RawDays is the number of past days of CSV files kept. With the
	// archive enabled, a file is only removed once it is archived.
	RawDays int `yaml:"raw_days"`

	// ArchiveDays is the number of past days of Parquet files kept.
	ArchiveDays int `yaml:"archive_days"`

	// Interval is the cleanup period.
	Interval time.Duration `yaml:"interval"`
}

// Enabled reports whether any tree is cleaned.
func (c RetentionConfig) Enabled() bool {
	return c.RawDays > 0 || c.ArchiveDays > 0
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Root:             defaults.DefaultStorageRoot,
		Extension:        defaults.DefaultFileExtension,
		BufferCapacity:   defaults.DefaultBufferCapacity,
		LateRecords:      defaults.DefaultLateRecordPolicy,
		Timezone:         defaults.DefaultTimezone,
		SegmentQueueSize: defaults.DefaultSegmentQueueSize,
		Catalog: CatalogConfig{
			Enabled: true,
		},
		Archive: ArchiveConfig{
			Dir:           defaults.DefaultArchiveDir,
			Compression:   defaults.DefaultArchiveCompression,
			Workers:       defaults.DefaultArchiveWorkers,
			QueueSize:     defaults.DefaultArchiveQueueSize,
			UploadTimeout: time.Minute,
		},
		Retention: RetentionConfig{
			Interval: defaults.DefaultRetentionInterval,
		},
	}
}

// Load loads a storage configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	if c.Root == "" {
		errs = append(errs, errors.New("root is required"))
	}
	if c.Extension == "" {
		errs = append(errs, errors.New("extension is required"))
	}
	if c.BufferCapacity <= 0 {
		errs = append(errs, errors.New("buffer_capacity must be positive"))
	}
	if _, err := engine.ParseLatePolicy(c.LateRecords); err != nil {
		errs = append(errs, fmt.Errorf("late_records: %w", err))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	if c.SegmentQueueSize < 0 {
		errs = append(errs, errors.New("segment_queue_size must not be negative"))
	}

	if err := c.Archive.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("archive: %w", err))
	}

	if c.Retention.RawDays < 0 || c.Retention.ArchiveDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative"))
	}
	if c.Retention.Enabled() && c.Retention.Interval <= 0 {
		errs = append(errs, errors.New("retention.interval must be positive"))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Validate checks the archive configuration.
func (c *ArchiveConfig) Validate() error {
	if !c.Enabled {
		return nil
	}

	var errs []error

	if c.Dir == "" {
		errs = append(errs, errors.New("dir is required when enabled"))
	}

	validCompression := map[string]bool{
		"snappy": true,
		"zstd":   true,
		"lz4":    true,
		"gzip":   true,
		"none":   true,
		"":       true,
	}
	if !validCompression[c.Compression] {
		errs = append(errs, errors.New("compression must be one of: snappy, zstd, lz4, gzip, none"))
	}

	if c.Workers < 0 {
		errs = append(errs, errors.New("workers must not be negative"))
	}

	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("s3.bucket is required when s3 is enabled"))
		}
		if c.S3.Region == "" {
			errs = append(errs, errors.New("s3.region is required when s3 is enabled"))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Location returns the configured timezone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// LatePolicy returns the parsed late-record policy.
func (c *Config) LatePolicy() engine.LatePolicy {
	p, err := engine.ParseLatePolicy(c.LateRecords)
	if err != nil {
		return engine.LateReopen
	}
	return p
}

// CatalogPath returns the catalog database path.
func (c *Config) CatalogPath() string {
	if c.Catalog.Path != "" {
		return c.Catalog.Path
	}
	return filepath.Join(c.Root, defaults.DefaultCatalogFile)
}

// EnsureDirectories creates the storage and archive roots.
func (c *Config) EnsureDirectories() error {
	dirs := []string{c.Root}
	if c.Archive.Enabled {
		dirs = append(dirs, c.Archive.Dir)
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, defaults.DefaultDirMode); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}
	return nil
}
