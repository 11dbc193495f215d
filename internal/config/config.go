// Package config provides configuration loading for sqlrecall.
//
// Configuration is loaded once at startup from a YAML file overlaid by
// SQLRECALL_* environment variables, validated, and then passed by pointer
// into component constructors. Nothing re-reads it afterwards.
package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fyrsmithlabs/sqlrecall/internal/logging"
	"github.com/fyrsmithlabs/sqlrecall/internal/telemetry"
)

// ErrConfig is returned for every invalid configuration value.
var ErrConfig = errors.New("invalid configuration")

// Metric names tracked by the structural analyzer.
const (
	MetricNesting    = "nesting"
	MetricJoins      = "joins"
	MetricSubqueries = "subqueries"
	MetricPredicates = "predicates"
	MetricTables     = "tables"
	MetricBooleanOps = "boolean_ops"
	MetricAggregates = "aggregates"
)

// Metrics lists every scoring metric in a fixed order.
var Metrics = []string{
	MetricNesting,
	MetricJoins,
	MetricSubqueries,
	MetricPredicates,
	MetricTables,
	MetricBooleanOps,
	MetricAggregates,
}

// WeightTolerance is the allowed deviation of the weight sum from 1.0.
const WeightTolerance = 1e-6

// Config holds the complete sqlrecall configuration.
type Config struct {
	Scoring     ScoringConfig     `koanf:"scoring"`
	Retrieval   RetrievalConfig   `koanf:"retrieval"`
	Curator     CuratorConfig     `koanf:"curator"`
	Taxonomy    TaxonomyConfig    `koanf:"taxonomy"`
	Embeddings  EmbeddingsConfig  `koanf:"embeddings"`
	VectorStore VectorStoreConfig `koanf:"vectorstore"`
	Storage     StorageConfig     `koanf:"storage"`
	Server      ServerConfig      `koanf:"server"`
	Logging     logging.Config    `koanf:"logging"`
	Telemetry   telemetry.Config  `koanf:"telemetry"`
}

// MetricConfig is the weight and saturation bound of one scoring metric.
type MetricConfig struct {
	Weight float64 `koanf:"weight"`
	Bound  float64 `koanf:"bound"`
}

// ScoringConfig configures complexity scoring and signatures.
type ScoringConfig struct {
	Metrics map[string]MetricConfig `koanf:"metrics"`

	// SignatureMaxLen is the longest signature kept verbatim; longer ones are hashed.
	SignatureMaxLen int `koanf:"signature_max_len"`
}

// RetrievalConfig configures diversity-aware few-shot selection.
type RetrievalConfig struct {
	PoolSize int     `koanf:"pool_size"`
	Buckets  int     `koanf:"buckets"`
	Lambda   float64 `koanf:"lambda"`
}

// CuratorConfig configures the confirmed-fix store.
type CuratorConfig struct {
	DedupThreshold    float64 `koanf:"dedup_threshold"`
	RetrieveThreshold float64 `koanf:"retrieve_threshold"`
	Cap               int     `koanf:"cap"`
	PruneFloorRatio   float64 `koanf:"prune_floor_ratio"`
	// LookupMultiplier sizes the window of above-threshold candidates that
	// FindSimilar reranks by table overlap: limit * LookupMultiplier.
	LookupMultiplier int `koanf:"lookup_multiplier"`
}

// PruneFloor returns the size a pruned collection is reduced to.
func (c CuratorConfig) PruneFloor() int {
	return int(math.Floor(c.PruneFloorRatio * float64(c.Cap)))
}

// TaxonomyConfig maps error-tag prefixes to categories.
type TaxonomyConfig struct {
	Categories map[string]string `koanf:"categories"`
}

// EmbeddingsConfig holds embedding provider configuration.
type EmbeddingsConfig struct {
	// Provider is "fastembed" (local ONNX) or "tei" (remote HTTP).
	Provider             string        `koanf:"provider"`
	Model                string        `koanf:"model"`
	BaseURL              string        `koanf:"base_url"`
	CacheDir             string        `koanf:"cache_dir"`
	Dimension            int           `koanf:"dimension"`
	RetryAttempts        int           `koanf:"retry_attempts"`
	RetryInitialInterval time.Duration `koanf:"retry_initial_interval"`
	// RateLimit caps outbound TEI requests per second. Zero disables limiting.
	RateLimit float64 `koanf:"rate_limit"`
}

// VectorStoreConfig selects and configures the example index backend.
type VectorStoreConfig struct {
	// Provider is "chromem" (embedded, default) or "qdrant".
	Provider   string `koanf:"provider"`
	Path       string `koanf:"path"`
	Compress   bool   `koanf:"compress"`
	Collection string `koanf:"collection"`

	QdrantHost   string `koanf:"qdrant_host"`
	QdrantPort   int    `koanf:"qdrant_port"`
	QdrantTLS    bool   `koanf:"qdrant_tls"`
	QdrantAPIKey Secret `koanf:"qdrant_api_key"`
}

// StorageConfig locates the per-database confirmed-fix files.
type StorageConfig struct {
	Dir string `koanf:"dir"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host            string        `koanf:"http_host"`
	Port            int           `koanf:"http_port"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// Default returns a configuration populated with every default value.
func Default() *Config {
	return &Config{
		Scoring: ScoringConfig{
			Metrics:         DefaultMetrics(),
			SignatureMaxLen: 100,
		},
		Retrieval: RetrievalConfig{
			PoolSize: 40,
			Buckets:  3,
			Lambda:   0.6,
		},
		Curator: CuratorConfig{
			DedupThreshold:    0.8,
			RetrieveThreshold: 0.75,
			Cap:               500,
			PruneFloorRatio:   0.9,
			LookupMultiplier:  2,
		},
		Taxonomy: TaxonomyConfig{
			Categories: DefaultCategories(),
		},
		Embeddings: EmbeddingsConfig{
			Provider:             "fastembed",
			Model:                "BAAI/bge-small-en-v1.5",
			BaseURL:              "http://localhost:8080",
			CacheDir:             "~/.config/sqlrecall/models",
			Dimension:            384,
			RetryAttempts:        3,
			RetryInitialInterval: 200 * time.Millisecond,
		},
		VectorStore: VectorStoreConfig{
			Provider:   "chromem",
			Path:       "~/.config/sqlrecall/examples",
			Compress:   true,
			Collection: "sqlrecall_examples",
			QdrantHost: "localhost",
			QdrantPort: 6334,
		},
		Storage: StorageConfig{
			Dir: "~/.config/sqlrecall/fixes",
		},
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            9191,
			ShutdownTimeout: 10 * time.Second,
		},
		Logging:   *logging.NewDefaultConfig(),
		Telemetry: *telemetry.NewDefaultConfig(),
	}
}

// DefaultMetrics returns the default metric weights and bounds.
func DefaultMetrics() map[string]MetricConfig {
	return map[string]MetricConfig{
		MetricNesting:    {Weight: 0.20, Bound: 5},
		MetricJoins:      {Weight: 0.20, Bound: 5},
		MetricSubqueries: {Weight: 0.15, Bound: 5},
		MetricPredicates: {Weight: 0.15, Bound: 5},
		MetricTables:     {Weight: 0.10, Bound: 5},
		MetricBooleanOps: {Weight: 0.10, Bound: 5},
		MetricAggregates: {Weight: 0.10, Bound: 5},
	}
}

// DefaultCategories returns the default error-tag prefix to category map.
func DefaultCategories() map[string]string {
	return map[string]string{
		"syntax":      "syntax",
		"schema":      "semantic",
		"logical":     "logical",
		"join":        "join_related",
		"aggregation": "aggregation",
		"filter":      "filter_conditions",
		"value":       "value_representation",
		"subquery":    "subquery_formulation",
		"set":         "set_operations",
		"structural":  "structural",
	}
}

// Validate validates the configuration.
//
// Every returned error wraps ErrConfig.
func (c *Config) Validate() error {
	if err := c.Scoring.Validate(); err != nil {
		return err
	}
	if err := c.Retrieval.Validate(); err != nil {
		return err
	}
	if err := c.Curator.Validate(); err != nil {
		return err
	}
	for prefix, category := range c.Taxonomy.Categories {
		if prefix == "" || category == "" {
			return fmt.Errorf("%w: taxonomy entries need a prefix and a category", ErrConfig)
		}
	}

	switch c.Embeddings.Provider {
	case "fastembed", "tei":
	default:
		return fmt.Errorf("%w: unknown embeddings provider %q", ErrConfig, c.Embeddings.Provider)
	}
	if c.Embeddings.Provider == "tei" && c.Embeddings.BaseURL == "" {
		return fmt.Errorf("%w: embeddings.base_url is required for tei", ErrConfig)
	}
	if c.Embeddings.RetryAttempts < 1 {
		return fmt.Errorf("%w: embeddings.retry_attempts must be at least 1", ErrConfig)
	}
	if c.Embeddings.RateLimit < 0 {
		return fmt.Errorf("%w: embeddings.rate_limit cannot be negative", ErrConfig)
	}

	switch c.VectorStore.Provider {
	case "chromem":
		if c.VectorStore.Path == "" {
			return fmt.Errorf("%w: vectorstore.path is required for chromem", ErrConfig)
		}
	case "qdrant":
		if c.VectorStore.QdrantHost == "" {
			return fmt.Errorf("%w: vectorstore.qdrant_host is required for qdrant", ErrConfig)
		}
		if c.VectorStore.QdrantPort < 1 || c.VectorStore.QdrantPort > 65535 {
			return fmt.Errorf("%w: invalid qdrant port: %d", ErrConfig, c.VectorStore.QdrantPort)
		}
		if c.Embeddings.Dimension <= 0 {
			return fmt.Errorf("%w: embeddings.dimension must be positive for qdrant", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown vectorstore provider %q", ErrConfig, c.VectorStore.Provider)
	}
	if c.VectorStore.Collection == "" {
		return fmt.Errorf("%w: vectorstore.collection is required", ErrConfig)
	}

	if c.Storage.Dir == "" {
		return fmt.Errorf("%w: storage.dir is required", ErrConfig)
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("%w: invalid server port: %d (must be 1-65535)", ErrConfig, c.Server.Port)
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown timeout must be positive", ErrConfig)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("%w: logging: %v", ErrConfig, err)
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrConfig, err)
	}
	return nil
}

// Validate checks that every metric is known and present, bounds are
// positive, weights are non-negative and the weights sum to 1.0.
func (s ScoringConfig) Validate() error {
	known := make(map[string]bool, len(Metrics))
	for _, name := range Metrics {
		known[name] = true
	}
	for name := range s.Metrics {
		if !known[name] {
			return fmt.Errorf("%w: unknown scoring metric %q", ErrConfig, name)
		}
	}

	var sum float64
	for _, name := range Metrics {
		m, ok := s.Metrics[name]
		if !ok {
			return fmt.Errorf("%w: missing scoring metric %q", ErrConfig, name)
		}
		if m.Weight < 0 {
			return fmt.Errorf("%w: metric %q has negative weight %v", ErrConfig, name, m.Weight)
		}
		if m.Bound <= 0 {
			return fmt.Errorf("%w: metric %q needs a positive bound, got %v", ErrConfig, name, m.Bound)
		}
		sum += m.Weight
	}
	if math.Abs(sum-1.0) > WeightTolerance {
		return fmt.Errorf("%w: metric weights sum to %v, want 1.0", ErrConfig, sum)
	}

	if s.SignatureMaxLen < 1 {
		return fmt.Errorf("%w: signature_max_len must be positive", ErrConfig)
	}
	return nil
}

// Validate checks pool size, bucket count and the MMR trade-off.
func (r RetrievalConfig) Validate() error {
	if r.PoolSize < 1 {
		return fmt.Errorf("%w: retrieval.pool_size must be positive", ErrConfig)
	}
	if r.Buckets < 1 {
		return fmt.Errorf("%w: retrieval.buckets must be at least 1", ErrConfig)
	}
	if r.Lambda < 0 || r.Lambda > 1 {
		return fmt.Errorf("%w: retrieval.lambda must be in [0,1], got %v", ErrConfig, r.Lambda)
	}
	return nil
}

// Validate checks thresholds, the cap and the prune floor ratio.
func (c CuratorConfig) Validate() error {
	if c.DedupThreshold < 0 || c.DedupThreshold > 1 {
		return fmt.Errorf("%w: curator.dedup_threshold must be in [0,1], got %v", ErrConfig, c.DedupThreshold)
	}
	if c.RetrieveThreshold < 0 || c.RetrieveThreshold > 1 {
		return fmt.Errorf("%w: curator.retrieve_threshold must be in [0,1], got %v", ErrConfig, c.RetrieveThreshold)
	}
	if c.Cap < 1 {
		return fmt.Errorf("%w: curator.cap must be positive", ErrConfig)
	}
	if c.PruneFloorRatio <= 0 || c.PruneFloorRatio > 1 {
		return fmt.Errorf("%w: curator.prune_floor_ratio must be in (0,1], got %v", ErrConfig, c.PruneFloorRatio)
	}
	if c.LookupMultiplier < 1 {
		return fmt.Errorf("%w: curator.lookup_multiplier must be at least 1", ErrConfig)
	}
	return nil
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
