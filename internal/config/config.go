// Package config loads contextd configuration from YAML with environment
// variable overrides. Precedence: defaults < config file < environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete contextd configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Storage   StorageConfig   `yaml:"storage" json:"storage"`
	Chunking  ChunkingConfig  `yaml:"chunking" json:"chunking"`
	Embedding EmbeddingConfig `yaml:"embedding" json:"embedding"`
	Enrich    EnrichConfig    `yaml:"enrich" json:"enrich"`
	Graph     GraphConfig     `yaml:"graph" json:"graph"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	Logging   LoggingConfig   `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`
	// ShutdownTimeout bounds graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// StorageConfig configures the record store and index files.
type StorageConfig struct {
	// DataDir holds the SQLite database, the bleve index, and the vector index.
	DataDir string `yaml:"data_dir" json:"data_dir"`
}

// ChunkingConfig configures the smart chunker.
type ChunkingConfig struct {
	// MaxChunkTokens is the hard per-node token budget (default: 4000).
	MaxChunkTokens int `yaml:"max_chunk_tokens" json:"max_chunk_tokens"`
	// TargetChunkTokens is the merge target for adjacent compatible chunks
	// (default: 3000 = 0.75 * MaxChunkTokens).
	TargetChunkTokens int `yaml:"target_chunk_tokens" json:"target_chunk_tokens"`
	// Timeout is the wall-clock budget for chunking one context (default: 2s).
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// EmbeddingConfig pins the embedding model contract.
// Dimensions and ModelVersion have no defaults: the daemon refuses to start
// when they are unset, so a model change is always an explicit operation.
type EmbeddingConfig struct {
	Dimensions   int    `yaml:"dimensions" json:"dimensions"`
	ModelVersion string `yaml:"model_version" json:"model_version"`
	// GeneratorModel is the chat model used for RAG answers.
	GeneratorModel string `yaml:"generator_model" json:"generator_model"`
	// Provider selects the enricher backend: "openai" or "fallback".
	Provider string `yaml:"provider" json:"provider"`
	// APIKey authenticates against the provider. Usually set via env.
	APIKey string `yaml:"api_key" json:"-"`
	// BaseURL overrides the provider endpoint (for proxies and local servers).
	BaseURL string `yaml:"base_url" json:"base_url"`
	// CacheSize is the query-embedding LRU size (default: 1000).
	CacheSize int `yaml:"cache_size" json:"cache_size"`
}

// EnrichConfig configures enrichment concurrency and timeouts.
type EnrichConfig struct {
	// Parallelism bounds concurrent provider calls per process (default: 8).
	Parallelism int `yaml:"parallelism" json:"parallelism"`
	// MaxQueue is the enrichment queue capacity; beyond it new ingests get
	// fallback vectors immediately (default: 10000).
	MaxQueue int `yaml:"max_queue" json:"max_queue"`
	// EmbedTimeout bounds one embedding batch (default: 15s).
	EmbedTimeout time.Duration `yaml:"embed_timeout" json:"embed_timeout"`
	// AnalyzeTimeout bounds one analyze call (default: 15s).
	AnalyzeTimeout time.Duration `yaml:"analyze_timeout" json:"analyze_timeout"`
	// GenerateTimeout bounds one generation call (default: 30s).
	GenerateTimeout time.Duration `yaml:"generate_timeout" json:"generate_timeout"`
	// BatchWindow is the embedding coalescing window (default: 25ms).
	BatchWindow time.Duration `yaml:"batch_window" json:"batch_window"`
	// BatchSize is the max coalesced embedding batch (default: 32).
	BatchSize int `yaml:"batch_size" json:"batch_size"`
}

// GraphConfig configures the similarity graph builder.
type GraphConfig struct {
	// SimilarityThreshold is the minimum weight for similar edges (default: 0.62).
	SimilarityThreshold float64 `yaml:"similarity_threshold" json:"similarity_threshold"`
	// EdgesPerNode is the top-K edges retained per node (default: 16).
	EdgesPerNode int `yaml:"edges_per_node" json:"edges_per_node"`
	// Hyperplanes is the LSH signature width in bits (default: 12).
	Hyperplanes int `yaml:"hyperplanes" json:"hyperplanes"`
	// NeighborBuckets is how many nearest buckets to probe (default: 8).
	NeighborBuckets int `yaml:"neighbor_buckets" json:"neighbor_buckets"`
	// SimCacheMax is the pairwise similarity LRU capacity (default: 100000).
	SimCacheMax int `yaml:"sim_cache_max" json:"sim_cache_max"`
	// RecompactionRatio triggers a rebuild when removed/total exceeds it (default: 0.10).
	RecompactionRatio float64 `yaml:"recompaction_ratio" json:"recompaction_ratio"`
	// AddTimeout bounds integrating one node into the graph (default: 5s).
	AddTimeout time.Duration `yaml:"add_timeout" json:"add_timeout"`
}

// SearchConfig configures the search and retrieval engine.
type SearchConfig struct {
	// RRFConstant is the reciprocal rank fusion smoothing constant (default: 60).
	RRFConstant int `yaml:"rrf_constant" json:"rrf_constant"`
	// DefaultLimit is the default result count (default: 10).
	DefaultLimit int `yaml:"default_limit" json:"default_limit"`
	// MaxLimit caps requested result counts (default: 100).
	MaxLimit int `yaml:"max_limit" json:"max_limit"`
	// MaxGraphDepth bounds graph-traversal expansion (default: 2).
	MaxGraphDepth int `yaml:"max_graph_depth" json:"max_graph_depth"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// NewConfig returns a Config populated with defaults.
// Embedding dimensions and model version deliberately stay zero-valued.
func NewConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8231,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			DataDir: defaultDataDir(),
		},
		Chunking: ChunkingConfig{
			MaxChunkTokens:    4000,
			TargetChunkTokens: 3000,
			Timeout:           2 * time.Second,
		},
		Embedding: EmbeddingConfig{
			GeneratorModel: "gpt-4o-mini",
			Provider:       "openai",
			CacheSize:      1000,
		},
		Enrich: EnrichConfig{
			Parallelism:     8,
			MaxQueue:        10000,
			EmbedTimeout:    15 * time.Second,
			AnalyzeTimeout:  15 * time.Second,
			GenerateTimeout: 30 * time.Second,
			BatchWindow:     25 * time.Millisecond,
			BatchSize:       32,
		},
		Graph: GraphConfig{
			SimilarityThreshold: 0.62,
			EdgesPerNode:        16,
			Hyperplanes:         12,
			NeighborBuckets:     8,
			SimCacheMax:         100000,
			RecompactionRatio:   0.10,
			AddTimeout:          5 * time.Second,
		},
		Search: SearchConfig{
			RRFConstant:   60,
			DefaultLimit:  10,
			MaxLimit:      100,
			MaxGraphDepth: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".contextd"
	}
	return home + "/.contextd"
}

// Load reads configuration from path (optional), applies environment
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := NewConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides configuration fields from CONTEXTD_* variables.
func (c *Config) applyEnv() {
	envStr("CONTEXTD_DATA_DIR", &c.Storage.DataDir)
	envStr("CONTEXTD_HOST", &c.Server.Host)
	envInt("CONTEXTD_PORT", &c.Server.Port)

	envInt("CONTEXTD_MAX_CHUNK_TOKENS", &c.Chunking.MaxChunkTokens)
	envInt("CONTEXTD_TARGET_CHUNK_TOKENS", &c.Chunking.TargetChunkTokens)

	envInt("CONTEXTD_EMBEDDING_DIM", &c.Embedding.Dimensions)
	envStr("CONTEXTD_EMBEDDING_MODEL_VERSION", &c.Embedding.ModelVersion)
	envStr("CONTEXTD_GENERATOR_MODEL", &c.Embedding.GeneratorModel)
	envStr("CONTEXTD_EMBEDDING_PROVIDER", &c.Embedding.Provider)
	envStr("OPENAI_API_KEY", &c.Embedding.APIKey)
	envStr("CONTEXTD_PROVIDER_BASE_URL", &c.Embedding.BaseURL)

	envInt("CONTEXTD_P_ENRICH", &c.Enrich.Parallelism)
	envInt("CONTEXTD_MAX_ENRICH_QUEUE", &c.Enrich.MaxQueue)

	envFloat("CONTEXTD_SIMILARITY_THRESHOLD", &c.Graph.SimilarityThreshold)
	envInt("CONTEXTD_EDGES_PER_NODE_K", &c.Graph.EdgesPerNode)
	envInt("CONTEXTD_LSH_HYPERPLANES", &c.Graph.Hyperplanes)
	envInt("CONTEXTD_LSH_NEIGHBOR_BUCKETS", &c.Graph.NeighborBuckets)
	envInt("CONTEXTD_SIM_CACHE_MAX", &c.Graph.SimCacheMax)

	envInt("CONTEXTD_RRF_K", &c.Search.RRFConstant)

	envStr("CONTEXTD_LOG_LEVEL", &c.Logging.Level)
	envStr("CONTEXTD_LOG_FILE", &c.Logging.FilePath)
}

// Validate checks invariants the rest of the system relies on.
// The embedding contract must be pinned explicitly: an unset dimension or
// model version is a startup failure, not a silent default.
func (c *Config) Validate() error {
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be set (CONTEXTD_EMBEDDING_DIM)")
	}
	if c.Embedding.ModelVersion == "" {
		return fmt.Errorf("embedding.model_version must be set (CONTEXTD_EMBEDDING_MODEL_VERSION)")
	}
	if c.Chunking.MaxChunkTokens <= 0 {
		return fmt.Errorf("chunking.max_chunk_tokens must be positive, got %d", c.Chunking.MaxChunkTokens)
	}
	if c.Chunking.TargetChunkTokens <= 0 || c.Chunking.TargetChunkTokens > c.Chunking.MaxChunkTokens {
		return fmt.Errorf("chunking.target_chunk_tokens must be in (0, %d], got %d",
			c.Chunking.MaxChunkTokens, c.Chunking.TargetChunkTokens)
	}
	if c.Graph.SimilarityThreshold < 0 || c.Graph.SimilarityThreshold > 1 {
		return fmt.Errorf("graph.similarity_threshold must be in [0,1], got %f", c.Graph.SimilarityThreshold)
	}
	if c.Graph.Hyperplanes <= 0 || c.Graph.Hyperplanes > 32 {
		return fmt.Errorf("graph.hyperplanes must be in [1,32], got %d", c.Graph.Hyperplanes)
	}
	if c.Enrich.Parallelism <= 0 {
		return fmt.Errorf("enrich.parallelism must be positive, got %d", c.Enrich.Parallelism)
	}
	if c.Search.RRFConstant <= 0 {
		return fmt.Errorf("search.rrf_constant must be positive, got %d", c.Search.RRFConstant)
	}
	return nil
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
