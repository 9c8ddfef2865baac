// Package config loads the audit engine's tunables from the environment,
// with an optional YAML file overlay for operators who prefer a checked-in
// configuration over exporting variables.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds every engine tunable named across spec.md: PBKDF2
// iterations, the dataset-hash chunking threshold and chunk size, the
// Merkle proof cache capacity, and the metadata store's persistence path.
// DatasetHashThreshold is loaded and reported but not passed to the
// engine: dataset hashing always switches to chunking at
// contenthash.LargeDatasetThreshold.
type Config struct {
	LogLevel            string `yaml:"log_level"`
	PBKDF2Iterations    int    `yaml:"pbkdf2_iterations"`
	DatasetHashThreshold int   `yaml:"dataset_hash_threshold"`
	DatasetHashChunkSize int   `yaml:"dataset_hash_chunk_size"`
	ProofCacheCapacity  int    `yaml:"proof_cache_capacity"`
	MetadataStorePath   string `yaml:"metadata_store_path"`
	AllowSampleOverwrite bool  `yaml:"allow_sample_overwrite"`
	AuditRateLimitPerSecond float64 `yaml:"audit_rate_limit_per_second"`
	TelemetryEnabled    bool   `yaml:"telemetry_enabled"`
}

// Load reads configuration from environment variables, applying defaults
// for anything unset.
func Load() *Config {
	return &Config{
		LogLevel:                getEnv("LAZYAUDIT_LOG_LEVEL", "INFO"),
		PBKDF2Iterations:        getEnvInt("LAZYAUDIT_PBKDF2_ITERATIONS", 100_000),
		DatasetHashThreshold:    getEnvInt("LAZYAUDIT_DATASET_HASH_THRESHOLD", 5000),
		DatasetHashChunkSize:    getEnvInt("LAZYAUDIT_DATASET_HASH_CHUNK_SIZE", 1000),
		ProofCacheCapacity:      getEnvInt("LAZYAUDIT_PROOF_CACHE_CAPACITY", 4096),
		MetadataStorePath:       getEnv("LAZYAUDIT_METADATA_STORE_PATH", "./lazyaudit-metadata.json"),
		AllowSampleOverwrite:    getEnv("LAZYAUDIT_ALLOW_SAMPLE_OVERWRITE", "false") == "true",
		AuditRateLimitPerSecond: getEnvFloat("LAZYAUDIT_AUDIT_RATE_LIMIT_PER_SECOND", 50.0),
		TelemetryEnabled:        getEnv("LAZYAUDIT_TELEMETRY_ENABLED", "true") == "true",
	}
}

// LoadWithOverlay calls Load and then merges in any fields present in the
// YAML file at path. A missing file is not an error: it simply means no
// overlay applies.
func LoadWithOverlay(path string) (*Config, error) {
	cfg := Load()
	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read overlay %s: %w", path, err)
	}

	var overlay Config
	if err := yaml.Unmarshal(raw, &overlay); err != nil {
		return nil, fmt.Errorf("config: parse overlay %s: %w", path, err)
	}

	applyOverlay(cfg, &overlay, raw)
	return cfg, nil
}

// applyOverlay overwrites cfg's fields with overlay's non-zero values. A
// second YAML pass into a map catches explicit zero-valued overrides
// (e.g. "allow_sample_overwrite: false") that a plain non-zero-value merge
// would otherwise mistake for "not set".
func applyOverlay(cfg, overlay *Config, raw []byte) {
	var present map[string]any
	if err := yaml.Unmarshal(raw, &present); err != nil {
		present = nil
	}

	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if overlay.PBKDF2Iterations != 0 {
		cfg.PBKDF2Iterations = overlay.PBKDF2Iterations
	}
	if overlay.DatasetHashThreshold != 0 {
		cfg.DatasetHashThreshold = overlay.DatasetHashThreshold
	}
	if overlay.DatasetHashChunkSize != 0 {
		cfg.DatasetHashChunkSize = overlay.DatasetHashChunkSize
	}
	if overlay.ProofCacheCapacity != 0 {
		cfg.ProofCacheCapacity = overlay.ProofCacheCapacity
	}
	if overlay.MetadataStorePath != "" {
		cfg.MetadataStorePath = overlay.MetadataStorePath
	}
	if overlay.AuditRateLimitPerSecond != 0 {
		cfg.AuditRateLimitPerSecond = overlay.AuditRateLimitPerSecond
	}
	if _, ok := present["allow_sample_overwrite"]; ok {
		cfg.AllowSampleOverwrite = overlay.AllowSampleOverwrite
	}
	if _, ok := present["telemetry_enabled"]; ok {
		cfg.TelemetryEnabled = overlay.TelemetryEnabled
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return f
}
