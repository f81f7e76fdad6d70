package enrich

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/contextd/contextd/internal/memory"
)

// DefaultEmbeddingCacheSize is the default number of embeddings to cache.
// At 1536 dimensions * 4 bytes * 1000 entries, about 6MB of memory.
const DefaultEmbeddingCacheSize = 1000

// CachedEnricher wraps an Enricher with LRU caching of embeddings so
// repeated queries and re-ingested content skip the provider round trip.
// Analyses are not cached; they are one-shot per node.
type CachedEnricher struct {
	inner Enricher
	cache *lru.Cache[string, []float32]
}

// Verify interface implementation
var _ Enricher = (*CachedEnricher)(nil)

// NewCachedEnricher creates a cached enricher wrapping inner.
func NewCachedEnricher(inner Enricher, cacheSize int) *CachedEnricher {
	if cacheSize <= 0 {
		cacheSize = DefaultEmbeddingCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEnricher{inner: inner, cache: cache}
}

// cacheKey hashes text together with the model version so a model change
// never serves stale vectors.
func (c *CachedEnricher) cacheKey(text string) string {
	combined := text + "\x00" + c.inner.ModelVersion()
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached embedding when present, otherwise computes and
// caches it.
func (c *CachedEnricher) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.cacheKey(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}

	vec, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, vec)
	return vec, nil
}

// EmbedBatch checks the cache per text and batches only the misses.
func (c *CachedEnricher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	uncachedIndices := make([]int, 0, len(texts))
	uncachedTexts := make([]string, 0, len(texts))

	for i, text := range texts {
		if vec, ok := c.cache.Get(c.cacheKey(text)); ok {
			results[i] = vec
		} else {
			uncachedIndices = append(uncachedIndices, i)
			uncachedTexts = append(uncachedTexts, text)
		}
	}

	if len(uncachedTexts) == 0 {
		return results, nil
	}

	newEmbeddings, err := c.inner.EmbedBatch(ctx, uncachedTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range uncachedIndices {
		results[idx] = newEmbeddings[j]
		c.cache.Add(c.cacheKey(texts[idx]), newEmbeddings[j])
	}
	return results, nil
}

// AnalyzeNode passes through to the inner enricher.
func (c *CachedEnricher) AnalyzeNode(ctx context.Context, content string, chunkType memory.ChunkType) (*NodeAnalysis, error) {
	return c.inner.AnalyzeNode(ctx, content, chunkType)
}

// AnalyzePrompt passes through to the inner enricher.
func (c *CachedEnricher) AnalyzePrompt(ctx context.Context, prompt string) (*memory.PromptAnalysis, error) {
	return c.inner.AnalyzePrompt(ctx, prompt)
}

// GenerateAnswer passes through to the inner enricher.
func (c *CachedEnricher) GenerateAnswer(ctx context.Context, prompt, contextText string) (string, error) {
	return c.inner.GenerateAnswer(ctx, prompt, contextText)
}

// Dimensions passes through to the inner enricher.
func (c *CachedEnricher) Dimensions() int {
	return c.inner.Dimensions()
}

// ModelVersion passes through to the inner enricher.
func (c *CachedEnricher) ModelVersion() string {
	return c.inner.ModelVersion()
}

// Available passes through to the inner enricher.
func (c *CachedEnricher) Available(ctx context.Context) bool {
	return c.inner.Available(ctx)
}

// Close closes the inner enricher.
func (c *CachedEnricher) Close() error {
	return c.inner.Close()
}

// Inner returns the wrapped enricher.
func (c *CachedEnricher) Inner() Enricher {
	return c.inner
}
