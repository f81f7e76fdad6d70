package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pinEmbedding sets the two required env vars for the test's duration.
func pinEmbedding(t *testing.T) {
	t.Helper()
	t.Setenv("CONTEXTD_EMBEDDING_DIM", "1536")
	t.Setenv("CONTEXTD_EMBEDDING_MODEL_VERSION", "text-embedding-3-small")
}

func TestLoad_Defaults(t *testing.T) {
	// Given: no config file, only the required embedding pin
	pinEmbedding(t)

	// When: loading
	cfg, err := Load("")
	require.NoError(t, err)

	// Then: documented defaults apply
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, 8231, cfg.Server.Port)
	assert.Equal(t, 4000, cfg.Chunking.MaxChunkTokens)
	assert.Equal(t, 3000, cfg.Chunking.TargetChunkTokens)
	assert.Equal(t, 0.62, cfg.Graph.SimilarityThreshold)
	assert.Equal(t, 16, cfg.Graph.EdgesPerNode)
	assert.Equal(t, 12, cfg.Graph.Hyperplanes)
	assert.Equal(t, 8, cfg.Graph.NeighborBuckets)
	assert.Equal(t, 0.10, cfg.Graph.RecompactionRatio)
	assert.Equal(t, 60, cfg.Search.RRFConstant)
	assert.Equal(t, 10, cfg.Search.DefaultLimit)
	assert.Equal(t, 100, cfg.Search.MaxLimit)
	assert.Equal(t, 8, cfg.Enrich.Parallelism)
	assert.Equal(t, 25*time.Millisecond, cfg.Enrich.BatchWindow)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoad_RequiresEmbeddingPin(t *testing.T) {
	t.Setenv("CONTEXTD_EMBEDDING_DIM", "")
	t.Setenv("CONTEXTD_EMBEDDING_MODEL_VERSION", "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.dimensions")

	t.Setenv("CONTEXTD_EMBEDDING_DIM", "1536")
	_, err = Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "embedding.model_version")
}

func TestLoad_YAMLFile(t *testing.T) {
	// Given: a config file overriding a few fields
	pinEmbedding(t)
	path := filepath.Join(t.TempDir(), "contextd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 9000
graph:
  edges_per_node: 8
search:
  rrf_constant: 30
`), 0o644))

	// When: loading it
	cfg, err := Load(path)
	require.NoError(t, err)

	// Then: file values override defaults, the rest stay
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Graph.EdgesPerNode)
	assert.Equal(t, 30, cfg.Search.RRFConstant)
	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	// Given: a file setting the port and an env var overriding it
	pinEmbedding(t)
	path := filepath.Join(t.TempDir(), "contextd.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 9000\n"), 0o644))
	t.Setenv("CONTEXTD_PORT", "9500")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9500, cfg.Server.Port)
}

func TestLoad_MissingFile(t *testing.T) {
	pinEmbedding(t)

	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))

	assert.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	base := func() *Config {
		cfg := NewConfig()
		cfg.Embedding.Dimensions = 1536
		cfg.Embedding.ModelVersion = "text-embedding-3-small"
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		substr string
	}{
		{"target above max", func(c *Config) { c.Chunking.TargetChunkTokens = 5000 }, "target_chunk_tokens"},
		{"zero max chunk", func(c *Config) { c.Chunking.MaxChunkTokens = 0 }, "max_chunk_tokens"},
		{"threshold above one", func(c *Config) { c.Graph.SimilarityThreshold = 1.5 }, "similarity_threshold"},
		{"hyperplanes beyond signature width", func(c *Config) { c.Graph.Hyperplanes = 33 }, "hyperplanes"},
		{"zero parallelism", func(c *Config) { c.Enrich.Parallelism = 0 }, "parallelism"},
		{"zero rrf constant", func(c *Config) { c.Search.RRFConstant = 0 }, "rrf_constant"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestValidate_AcceptsDefaultsOncePinned(t *testing.T) {
	cfg := NewConfig()
	cfg.Embedding.Dimensions = 384
	cfg.Embedding.ModelVersion = "text-embedding-3-small"

	assert.NoError(t, cfg.Validate())
}
