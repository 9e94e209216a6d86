// Package config loads database configuration from environment variables
// or a YAML file.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mnemos/mnemos/pkg/vecmath"
)

// Config holds everything needed to open a database.
type Config struct {
	Database DatabaseConfig     `yaml:"database"`
	HNSW     HNSWConfig         `yaml:"hnsw"`
	Cache    CacheConfig        `yaml:"cache"`
	Query    QueryConfig        `yaml:"query"`
	Logging  LoggingConfig      `yaml:"logging"`
	Features FeatureFlagsConfig `yaml:"features"`
}

// DatabaseConfig selects the storage backend and the entity vector shape.
type DatabaseConfig struct {
	// DataDir is the on-disk location for the Badger backend. Ignored when
	// InMemory is true.
	DataDir string `yaml:"data_dir"`
	// InMemory selects the MemoryEngine backend instead of Badger.
	InMemory bool `yaml:"in_memory"`
	// Dimension is the fixed vector width every entity must match.
	Dimension int `yaml:"dimension"`
	// Metric selects the distance function (cosine, dot, euclidean, manhattan).
	Metric string `yaml:"metric"`
	// SyncWrites forces an fsync on every Badger commit.
	SyncWrites bool `yaml:"sync_writes"`
}

// HNSWConfig tunes the vector index.
type HNSWConfig struct {
	M              int `yaml:"m"`
	EfConstruction int `yaml:"ef_construction"`
	EfSearch       int `yaml:"ef_search"`
}

// CacheConfig sizes the in-process caches.
type CacheConfig struct {
	// EntityHydrationCacheSize bounds the ristretto-backed cache used by the
	// execution engine when hydrating final-page results.
	EntityHydrationCacheSize int64 `yaml:"entity_hydration_cache_size"`
	// PlanCacheSize bounds the planner's structural plan cache.
	PlanCacheSize int `yaml:"plan_cache_size"`
	// EmbeddingCacheSize is loaded from YAML and the environment but no
	// component reads it; embed.NewCachedEmbedder takes its own size.
	EmbeddingCacheSize int `yaml:"embedding_cache_size"`
}

// QueryConfig holds query-wide defaults.
type QueryConfig struct {
	// DefaultTimeBudget is the deadline applied to a query when the caller
	// supplies none.
	DefaultTimeBudget time.Duration `yaml:"default_time_budget"`
	// DefaultTraversalDepth is used when a graph query omits max_depth.
	DefaultTraversalDepth int `yaml:"default_traversal_depth"`
	// BackpressureQueueSize is loaded from YAML and the environment but no
	// component reads it; queries are never queued or rejected by count.
	BackpressureQueueSize int `yaml:"backpressure_queue_size"`
	// WorkerCount is loaded from YAML and the environment but no component
	// reads it; the module has no query worker pool.
	WorkerCount int `yaml:"worker_count"`
}

// LoggingConfig is loaded from YAML and the MNEMOS_LOG_* variables but no
// component reads it; packages log through the standard log package's
// default logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR
	Format string `yaml:"format"` // text, json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// FeatureFlagsConfig toggles optional behavior.
type FeatureFlagsConfig struct {
	// ContentFingerprintDedup is not read by the registry or by Open: the
	// fingerprint->id dedup path runs whenever an add carries a content
	// fingerprint, whatever this flag says.
	ContentFingerprintDedup bool `yaml:"content_fingerprint_dedup"`
	// DegradedRebuildOnCorruptSnapshot triggers an automatic HNSW rebuild
	// from the entity store when the persisted snapshot fails its CRC check.
	DegradedRebuildOnCorruptSnapshot bool `yaml:"degraded_rebuild_on_corrupt_snapshot"`
}

// DefaultConfig returns sane defaults matching this system's design notes.
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			DataDir:   "./data",
			Dimension: 768,
			Metric:    vecmath.Cosine.String(),
		},
		HNSW: HNSWConfig{
			M:              16,
			EfConstruction: 200,
			EfSearch:       50,
		},
		Cache: CacheConfig{
			EntityHydrationCacheSize: 10_000,
			PlanCacheSize:            256,
			EmbeddingCacheSize:       1_000,
		},
		Query: QueryConfig{
			DefaultTimeBudget:     5 * time.Second,
			DefaultTraversalDepth: 2,
			BackpressureQueueSize: 10_000,
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
			Output: "stderr",
		},
		Features: FeatureFlagsConfig{
			ContentFingerprintDedup:          true,
			DegradedRebuildOnCorruptSnapshot: true,
		},
	}
}

// LoadFromEnv builds a Config from DefaultConfig, overridden by any
// MNEMOS_* environment variables that are set.
func LoadFromEnv() *Config {
	cfg := DefaultConfig()

	cfg.Database.DataDir = getEnv("MNEMOS_DATA_DIR", cfg.Database.DataDir)
	cfg.Database.InMemory = getEnvBool("MNEMOS_IN_MEMORY", cfg.Database.InMemory)
	cfg.Database.Dimension = getEnvInt("MNEMOS_DIMENSION", cfg.Database.Dimension)
	cfg.Database.Metric = getEnv("MNEMOS_METRIC", cfg.Database.Metric)
	cfg.Database.SyncWrites = getEnvBool("MNEMOS_SYNC_WRITES", cfg.Database.SyncWrites)

	cfg.HNSW.M = getEnvInt("MNEMOS_HNSW_M", cfg.HNSW.M)
	cfg.HNSW.EfConstruction = getEnvInt("MNEMOS_HNSW_EF_CONSTRUCTION", cfg.HNSW.EfConstruction)
	cfg.HNSW.EfSearch = getEnvInt("MNEMOS_HNSW_EF_SEARCH", cfg.HNSW.EfSearch)

	cfg.Cache.EntityHydrationCacheSize = int64(getEnvInt("MNEMOS_ENTITY_CACHE_SIZE", int(cfg.Cache.EntityHydrationCacheSize)))
	cfg.Cache.PlanCacheSize = getEnvInt("MNEMOS_PLAN_CACHE_SIZE", cfg.Cache.PlanCacheSize)
	cfg.Cache.EmbeddingCacheSize = getEnvInt("MNEMOS_EMBEDDING_CACHE_SIZE", cfg.Cache.EmbeddingCacheSize)

	cfg.Query.DefaultTimeBudget = getEnvDuration("MNEMOS_DEFAULT_TIME_BUDGET", cfg.Query.DefaultTimeBudget)
	cfg.Query.DefaultTraversalDepth = getEnvInt("MNEMOS_DEFAULT_TRAVERSAL_DEPTH", cfg.Query.DefaultTraversalDepth)
	cfg.Query.BackpressureQueueSize = getEnvInt("MNEMOS_BACKPRESSURE_QUEUE_SIZE", cfg.Query.BackpressureQueueSize)
	cfg.Query.WorkerCount = getEnvInt("MNEMOS_WORKER_COUNT", cfg.Query.WorkerCount)

	cfg.Logging.Level = getEnv("MNEMOS_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("MNEMOS_LOG_FORMAT", cfg.Logging.Format)
	cfg.Logging.Output = getEnv("MNEMOS_LOG_OUTPUT", cfg.Logging.Output)

	cfg.Features.ContentFingerprintDedup = getEnvBool("MNEMOS_DEDUP_ENABLED", cfg.Features.ContentFingerprintDedup)
	cfg.Features.DegradedRebuildOnCorruptSnapshot = getEnvBool("MNEMOS_DEGRADED_REBUILD", cfg.Features.DegradedRebuildOnCorruptSnapshot)

	return cfg
}

// LoadFromFile reads a YAML config file and overlays it on DefaultConfig.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// Validate checks for invalid or contradictory settings.
func (c *Config) Validate() error {
	if c.Database.Dimension <= 0 {
		return fmt.Errorf("database.dimension must be positive")
	}
	switch c.Database.Metric {
	case "cosine", "dot", "euclidean", "l2", "manhattan", "l1":
	default:
		return fmt.Errorf("database.metric: unknown metric %q", c.Database.Metric)
	}
	if c.HNSW.M <= 0 {
		return fmt.Errorf("hnsw.m must be positive")
	}
	if c.HNSW.EfSearch <= 0 || c.HNSW.EfConstruction <= 0 {
		return fmt.Errorf("hnsw.ef_search and hnsw.ef_construction must be positive")
	}
	if !c.Database.InMemory && strings.TrimSpace(c.Database.DataDir) == "" {
		return fmt.Errorf("database.data_dir is required unless in_memory is set")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
