// Package config loads kittvault configuration from a YAML file with
// environment variable overrides.
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/kittclouds/kittvault/internal/logging"
	"github.com/kittclouds/kittvault/internal/proposal"
	"github.com/kittclouds/kittvault/pkg/embed"
	"github.com/kittclouds/kittvault/pkg/resolver"
)

// Config holds all configuration for kittvault. Environment variables
// override YAML values. Secrets (the embedding API key) should come from the
// environment.
type Config struct {
	// DataDir holds the canonical records and, unless overridden, the
	// derived stores.
	DataDir string `yaml:"data_dir" env:"KITTVAULT_DATA_DIR" env-default:"./vault"`

	Canon    CanonConfig         `yaml:"canon"`
	Index    IndexConfig         `yaml:"index"`
	Cache    CacheConfig         `yaml:"cache"`
	Embed    EmbedConfig         `yaml:"embed"`
	Resolver resolver.Thresholds `yaml:"resolver"`
	Rules    proposal.RuleSet    `yaml:"proposals"`
	Log      logging.Config      `yaml:"log"`
}

// CanonConfig locates the canonical markdown store.
type CanonConfig struct {
	// Dir defaults to <data_dir>/records.
	Dir string `yaml:"dir" env:"KITTVAULT_CANON_DIR"`
}

// IndexConfig locates the SQLite relational index.
type IndexConfig struct {
	// Path defaults to <data_dir>/index.db; ":memory:" keeps it in memory.
	Path string `yaml:"path" env:"KITTVAULT_INDEX_PATH"`
}

// InMemory reports whether the index lives only in memory.
func (c IndexConfig) InMemory() bool { return c.Path == ":memory:" }

// CacheConfig locates the Badger graph cache and the vector index.
type CacheConfig struct {
	// Dir defaults to <data_dir>/cache.
	Dir      string `yaml:"dir" env:"KITTVAULT_CACHE_DIR"`
	InMemory bool   `yaml:"in_memory" env:"KITTVAULT_CACHE_IN_MEMORY" env-default:"false"`
	// VectorFile is relative to the cache directory.
	VectorFile string  `yaml:"vector_file" env:"KITTVAULT_VECTOR_FILE" env-default:"vectors.hnsw"`
	K1         float64 `yaml:"bm25_k1" env:"KITTVAULT_BM25_K1" env-default:"1.2"`
	B          float64 `yaml:"bm25_b" env:"KITTVAULT_BM25_B" env-default:"0.75"`
}

// Embedding providers.
const (
	ProviderNone    = "none"
	ProviderHashing = "hashing"
	ProviderOpenAI  = "openai"
)

// EmbedConfig selects how records are embedded for semantic search.
type EmbedConfig struct {
	// Provider is none, hashing or openai.
	Provider   string `yaml:"provider" env:"EMBED_PROVIDER" env-default:"hashing"`
	HashingDim int    `yaml:"hashing_dimension" env:"EMBED_HASHING_DIMENSION" env-default:"256"`
	// Deadline bounds one embedding call made while writing or searching.
	Deadline time.Duration `yaml:"deadline" env:"EMBED_DEADLINE" env-default:"5s"`
	OpenAI   embed.Config  `yaml:"openai"`
}

// Dimension is the vector size the configured provider produces, or 0 when
// embeddings are off.
func (c EmbedConfig) Dimension() int {
	switch c.Provider {
	case ProviderHashing:
		return c.HashingDim
	case ProviderOpenAI:
		return c.OpenAI.Dimension
	default:
		return 0
	}
}

// Load reads configuration from the YAML file at path with environment
// variable overrides. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	var err error
	if path == "" {
		err = cleanenv.ReadEnv(cfg)
	} else {
		err = cleanenv.ReadConfig(path, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg.derivePaths()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// derivePaths fills store locations left empty from DataDir.
func (c *Config) derivePaths() {
	c.Embed.Provider = strings.ToLower(strings.TrimSpace(c.Embed.Provider))
	if c.Canon.Dir == "" {
		c.Canon.Dir = filepath.Join(c.DataDir, "records")
	}
	if c.Index.Path == "" {
		c.Index.Path = filepath.Join(c.DataDir, "index.db")
	}
	if c.Cache.Dir == "" {
		c.Cache.Dir = filepath.Join(c.DataDir, "cache")
	}
}

// Validate checks value ranges and cross-field rules.
func (c *Config) Validate() error {
	if err := c.Log.Validate(); err != nil {
		return err
	}
	switch c.Embed.Provider {
	case ProviderNone:
	case ProviderHashing:
		if c.Embed.HashingDim <= 0 {
			return fmt.Errorf("embed.hashing_dimension must be positive")
		}
	case ProviderOpenAI:
		if c.Embed.OpenAI.Endpoint == "" {
			return fmt.Errorf("embed.openai.endpoint is required for the openai provider")
		}
	default:
		return fmt.Errorf("embed.provider %q: want none, hashing or openai", c.Embed.Provider)
	}

	for name, v := range map[string]float64{
		"resolver.fuzzy":                  c.Resolver.Fuzzy,
		"resolver.candidate_floor":        c.Resolver.CandidateFloor,
		"resolver.discard":                c.Resolver.Discard,
		"proposals.auto_select":           c.Rules.AutoSelect,
		"proposals.type_confidence_floor": c.Rules.TypeConfidenceFloor,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be within [0, 1], got %v", name, v)
		}
	}
	if c.Resolver.Discard > c.Resolver.CandidateFloor {
		return fmt.Errorf("resolver.discard (%v) exceeds resolver.candidate_floor (%v)",
			c.Resolver.Discard, c.Resolver.CandidateFloor)
	}
	if c.Resolver.MaxCandidates <= 0 {
		return fmt.Errorf("resolver.max_candidates must be positive")
	}
	return nil
}
