package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroDimension(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Dimension = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownMetric(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Metric = "chebyshev"
	assert.Error(t, cfg.Validate())
}

func TestValidateRequiresDataDirUnlessInMemory(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.DataDir = "  "
	assert.Error(t, cfg.Validate())

	cfg.Database.InMemory = true
	assert.NoError(t, cfg.Validate())
}

func TestLoadFromEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MNEMOS_DIMENSION", "384")
	t.Setenv("MNEMOS_IN_MEMORY", "true")
	t.Setenv("MNEMOS_HNSW_M", "32")
	t.Setenv("MNEMOS_DEFAULT_TIME_BUDGET", "250ms")

	cfg := LoadFromEnv()
	assert.Equal(t, 384, cfg.Database.Dimension)
	assert.True(t, cfg.Database.InMemory)
	assert.Equal(t, 32, cfg.HNSW.M)
	assert.Equal(t, 250*time.Millisecond, cfg.Query.DefaultTimeBudget)
}

func TestLoadFromFileOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mnemos.yaml")
	data := []byte("database:\n  dimension: 128\n  metric: euclidean\nhnsw:\n  m: 8\n")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 128, cfg.Database.Dimension)
	assert.Equal(t, "euclidean", cfg.Database.Metric)
	assert.Equal(t, 8, cfg.HNSW.M)
	// Fields the file omits keep their defaults.
	assert.Equal(t, 50, cfg.HNSW.EfSearch)
}

func TestLoadFromFileMissingPathFails(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
