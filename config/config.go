// Package config loads the YAML configuration of a block cache process.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/blockcache/pkg/logger"
	"github.com/sushant-115/blockcache/pkg/telemetry"
)

// Config is the root of the configuration file.
type Config struct {
	Cache      CacheConfig      `yaml:"cache"`
	Serializer SerializerConfig `yaml:"serializer"`
	Logger     logger.Config    `yaml:"logger"`
	Telemetry  telemetry.Config `yaml:"telemetry"`
}

// CacheConfig configures the block directory.
type CacheConfig struct {
	// MaxDirtyPages bounds pages dirtied by unflushed transactions.
	MaxDirtyPages int64 `yaml:"max_dirty_pages"`
	// MemoryLimitBytes is the soft cap on resident buffer bytes. 0 disables eviction.
	MemoryLimitBytes uint64 `yaml:"memory_limit_bytes"`
	// ReadAhead allows the serializer to push speculatively read blocks.
	ReadAhead bool `yaml:"read_ahead"`
}

// SerializerConfig configures the durable block log.
type SerializerConfig struct {
	Dir              string `yaml:"dir"`
	BlockSize        int    `yaml:"block_size"`
	SegmentSizeLimit int64  `yaml:"segment_size_limit"`
	// WriteBytesPerSec throttles block writes. 0 means unlimited.
	WriteBytesPerSec int64 `yaml:"write_bytes_per_sec"`
	Sync             bool  `yaml:"sync"`
	// DirectRead reads blocks with O_DIRECT where the filesystem allows it.
	DirectRead bool `yaml:"direct_read"`
}

// Default returns a configuration that works out of the box.
func Default() Config {
	return Config{
		Cache: CacheConfig{
			MaxDirtyPages:    1024,
			MemoryLimitBytes: 64 * 1024 * 1024,
			ReadAhead:        true,
		},
		Serializer: SerializerConfig{
			Dir:              "data",
			BlockSize:        4096,
			SegmentSizeLimit: 64 * 1024 * 1024,
			Sync:             true,
		},
		Logger: logger.Config{
			Level:      "info",
			Format:     "json",
			OutputFile: "stdout",
		},
		Telemetry: telemetry.Config{
			ServiceName:      "blockcache",
			PrometheusPort:   9464,
			TraceSampleRatio: 1.0,
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the cache cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Cache.MaxDirtyPages <= 0 {
		errs = append(errs, fmt.Errorf("cache.max_dirty_pages must be positive, got %d", c.Cache.MaxDirtyPages))
	}
	if c.Serializer.Dir == "" {
		errs = append(errs, errors.New("serializer.dir is required"))
	}
	if c.Serializer.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("serializer.block_size must be positive, got %d", c.Serializer.BlockSize))
	}
	if c.Serializer.SegmentSizeLimit < int64(c.Serializer.BlockSize) {
		errs = append(errs, fmt.Errorf("serializer.segment_size_limit (%d) is smaller than a block", c.Serializer.SegmentSizeLimit))
	}
	if c.Serializer.WriteBytesPerSec < 0 {
		errs = append(errs, errors.New("serializer.write_bytes_per_sec must not be negative"))
	}
	if c.Cache.MemoryLimitBytes != 0 && c.Cache.MemoryLimitBytes < uint64(c.Serializer.BlockSize) {
		errs = append(errs, fmt.Errorf("cache.memory_limit_bytes (%d) cannot hold a single block", c.Cache.MemoryLimitBytes))
	}
	return errors.Join(errs...)
}
