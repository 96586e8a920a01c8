package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ripolin/segrep/core"
	"github.com/Ripolin/segrep/wal"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
engine:
  shard: "orders-3"
  data_dir: "/tmp/test_data"
  wal:
    sync_mode: "manual"
    compression: "snappy"
    max_generation_size_bytes: 8388608 # 8 MiB
logging:
  level: "debug"
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "orders-3", cfg.Engine.Shard)
	assert.Equal(t, "/tmp/test_data", cfg.Engine.DataDir)
	assert.Equal(t, int64(8388608), cfg.Engine.WAL.MaxGenerationSizeBytes)
	assert.Equal(t, "debug", cfg.Logging.Level)

	mode, err := cfg.SyncMode()
	require.NoError(t, err)
	assert.Equal(t, wal.SyncManual, mode)

	compression, err := cfg.Compression()
	require.NoError(t, err)
	assert.Equal(t, core.CompressionSnappy, compression)

	// Check a default value that was not overridden
	assert.Equal(t, "stdout", cfg.Logging.Output)
	assert.Equal(t, "/tmp/test_data/wal", cfg.WALDir())
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
engine:
  wal:
    compression: "zstd"
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	compression, err := cfg.Compression()
	require.NoError(t, err)
	assert.Equal(t, core.CompressionZSTD, compression)

	// Defaults are still in place.
	assert.Equal(t, "shard-0", cfg.Engine.Shard)
	assert.Equal(t, "./data", cfg.Engine.DataDir)
	assert.Equal(t, int64(32*1024*1024), cfg.Engine.WAL.MaxGenerationSizeBytes)
}

func TestLoad_NilAndEmptyYieldDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "always", cfg.Engine.WAL.SyncMode)

	cfg, err = Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_InvalidValues(t *testing.T) {
	_, err := Load(strings.NewReader("engine:\n  wal:\n    sync_mode: \"sometimes\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sync_mode")

	_, err = Load(strings.NewReader("engine:\n  wal:\n    compression: \"gzip\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "compression")

	_, err = Load(strings.NewReader("engine:\n  data_dir: \"\"\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_dir")
}

func TestLoad_MalformedYAML(t *testing.T) {
	_, err := Load(strings.NewReader("engine: [not a mapping"))
	require.Error(t, err)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "segrep.yaml")
	require.NoError(t, os.WriteFile(path, []byte("engine:\n  shard: \"from-file\"\n"), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "from-file", cfg.Engine.Shard)
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "shard-0", cfg.Engine.Shard)
}
