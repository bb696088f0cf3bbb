// Package config defines the storage configuration and its validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config represents the complete bundlestore configuration.
type Config struct {
	// DataDir is the root directory for all storage files.
	DataDir string `yaml:"data_dir" validate:"required"`

	// Ingest configures the ingestion pipeline.
	Ingest IngestConfig `yaml:"ingest"`

	// Retention configures version cleanup.
	Retention RetentionConfig `yaml:"retention"`

	// Parquet configures columnar file output.
	Parquet ParquetConfig `yaml:"parquet"`
}

// IngestConfig configures the ingestion pipeline.
type IngestConfig struct {
	// ForwardFillThresholdDays is the maximum calendar gap, in sessions,
	// that the normalizer bridges by carrying the prior close forward.
	ForwardFillThresholdDays int `yaml:"forward_fill_threshold_days" validate:"min=0"`

	// MaxMissingFraction aborts an asset's normalization when more than
	// this fraction of its expected sessions is absent from the source.
	MaxMissingFraction float64 `yaml:"max_missing_fraction" validate:"gt=0,lte=1"`

	// ReuseGapDays is the minimum gap between a closed validity window and
	// a new observation before a symbol is treated as a different asset.
	ReuseGapDays int `yaml:"reuse_gap_days" validate:"min=0"`

	// RetryCount is the number of retries per source adapter call.
	RetryCount int `yaml:"retry_count" validate:"min=0"`

	// RetryBackoffBaseMs is the initial backoff between retries, in
	// milliseconds. Doubled per attempt.
	RetryBackoffBaseMs int `yaml:"retry_backoff_base_ms" validate:"min=0"`

	// FetchWorkers bounds the number of concurrent symbol fetches.
	FetchWorkers int `yaml:"fetch_workers" validate:"min=1"`

	// FetchTimeoutSec bounds a single source adapter call, in seconds.
	FetchTimeoutSec int `yaml:"fetch_timeout_sec" validate:"min=1"`
}

// RetryBackoffBase returns the initial retry backoff as a duration.
func (c *IngestConfig) RetryBackoffBase() time.Duration {
	return time.Duration(c.RetryBackoffBaseMs) * time.Millisecond
}

// FetchTimeout returns the per-fetch timeout as a duration.
func (c *IngestConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// RetentionConfig configures version cleanup.
type RetentionConfig struct {
	// KeepLastNVersions is the number of committed ingestions retained
	// per bundle by Retain.
	KeepLastNVersions int `yaml:"keep_last_n_versions" validate:"min=1"`
}

// ParquetConfig configures columnar file output.
type ParquetConfig struct {
	// Compression is the algorithm: snappy, zstd, lz4, gzip, none.
	Compression string `yaml:"compression" validate:"omitempty,oneof=snappy zstd lz4 gzip none"`

	// CompressionLevel for algorithms that support it (zstd: 1-22).
	CompressionLevel int `yaml:"compression_level"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",
		Ingest: IngestConfig{
			ForwardFillThresholdDays: 5,
			MaxMissingFraction:       0.25,
			ReuseGapDays:             180,
			RetryCount:               3,
			RetryBackoffBaseMs:       500,
			FetchWorkers:             4,
			FetchTimeoutSec:          120,
		},
		Retention: RetentionConfig{
			KeepLastNVersions: 3,
		},
		Parquet: ParquetConfig{
			Compression:      "zstd",
			CompressionLevel: 3,
		},
	}
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

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return err
	}

	if c.Parquet.Compression == "zstd" {
		if c.Parquet.CompressionLevel < 0 || c.Parquet.CompressionLevel > 22 {
			return fmt.Errorf("compression_level must be 0-22 for zstd, got %d", c.Parquet.CompressionLevel)
		}
	}

	return nil
}

// BundlesDir returns the directory holding all bundles.
func (c *Config) BundlesDir() string {
	return filepath.Join(c.DataDir, "bundles")
}

// BundleDir returns the directory for a named bundle.
func (c *Config) BundleDir(bundle string) string {
	return filepath.Join(c.BundlesDir(), bundle)
}

// AuxDir returns the directory holding auxiliary datasets.
func (c *Config) AuxDir() string {
	return filepath.Join(c.DataDir, "aux")
}

// EnsureDirectories creates all required directories.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.DataDir,
		c.BundlesDir(),
		c.AuxDir(),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create directory %s: %w", dir, err)
		}
	}

	return nil
}
