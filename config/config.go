// Package config loads the engine's YAML configuration with sensible
// defaults for anything left unset.
package config

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/wal"
)

// WALConfig holds write-ahead-log specific configurations.
type WALConfig struct {
	Dir                    string `yaml:"dir"`
	SyncMode               string `yaml:"sync_mode"` // "always", "manual" or "disabled"
	MaxGenerationSizeBytes int64  `yaml:"max_generation_size_bytes"`
	Compression            string `yaml:"compression"` // "none", "snappy", "lz4" or "zstd"
	Disabled               bool   `yaml:"disabled"`
}

// EngineConfig holds all engine-related configurations.
type EngineConfig struct {
	Shard   string    `yaml:"shard"`
	DataDir string    `yaml:"data_dir"`
	WAL     WALConfig `yaml:"wal"`
}

// LoggingConfig holds logging-specific configurations.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // e.g., "debug", "info", "warn", "error"
	Output string `yaml:"output"` // e.g., "stdout", "file", "none"
	File   string `yaml:"file"`   // Path to the log file, used if output is "file"
}

// MetricsConfig controls expvar publication.
type MetricsConfig struct {
	PublishGlobally bool   `yaml:"publish_globally"`
	Prefix          string `yaml:"prefix"`
}

// Config is the root configuration structure.
type Config struct {
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// Load reads YAML from r and unmarshals it over the defaults. A nil reader or
// empty input yields the default configuration.
func Load(r io.Reader) (*Config, error) {
	cfg := &Config{
		Engine: EngineConfig{
			Shard:   "shard-0",
			DataDir: "./data",
			WAL: WALConfig{
				Dir:                    "", // defaults to <data_dir>/wal
				SyncMode:               "always",
				MaxGenerationSizeBytes: 32 * 1024 * 1024, // 32 MiB
				Compression:            "none",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			File:   "segrep.log",
		},
		Metrics: MetricsConfig{
			PublishGlobally: false,
			Prefix:          "segrep_",
		},
	}

	if r == nil {
		return cfg, nil
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read config data: %w", err)
	}
	if len(data) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig reads configuration from a YAML file by path. A missing file
// yields the default configuration.
func LoadConfig(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Load(nil)
		}
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer file.Close()

	return Load(file)
}

// Validate rejects values the engine cannot act on.
func (c *Config) Validate() error {
	if c.Engine.DataDir == "" {
		return fmt.Errorf("engine.data_dir must not be empty")
	}
	if _, err := c.SyncMode(); err != nil {
		return err
	}
	if _, err := c.Compression(); err != nil {
		return err
	}
	if c.Engine.WAL.MaxGenerationSizeBytes < 0 {
		return fmt.Errorf("engine.wal.max_generation_size_bytes must not be negative")
	}
	return nil
}

// SyncMode maps the configured sync mode string onto the WAL's type.
func (c *Config) SyncMode() (wal.SyncMode, error) {
	switch c.Engine.WAL.SyncMode {
	case "", "always":
		return wal.SyncAlways, nil
	case "manual":
		return wal.SyncManual, nil
	case "disabled":
		return wal.SyncDisabled, nil
	default:
		return "", fmt.Errorf("unknown engine.wal.sync_mode %q", c.Engine.WAL.SyncMode)
	}
}

// Compression maps the configured compression string onto its type.
func (c *Config) Compression() (core.CompressionType, error) {
	switch c.Engine.WAL.Compression {
	case "", "none":
		return core.CompressionNone, nil
	case "snappy":
		return core.CompressionSnappy, nil
	case "lz4":
		return core.CompressionLZ4, nil
	case "zstd":
		return core.CompressionZSTD, nil
	default:
		return 0, fmt.Errorf("unknown engine.wal.compression %q", c.Engine.WAL.Compression)
	}
}

// WALDir resolves the WAL directory, defaulting to a subdirectory of the
// data directory.
func (c *Config) WALDir() string {
	if c.Engine.WAL.Dir != "" {
		return c.Engine.WAL.Dir
	}
	return c.Engine.DataDir + "/wal"
}
