// Package enrich turns raw node content into retrieval signals: embeddings,
// titles, summaries, keywords, and importance. A provider-backed enricher
// does the real work; a deterministic fallback keeps ingestion available
// when the provider is down.
package enrich

import (
	"context"

	"github.com/contextd/contextd/internal/memory"
)

// NodeAnalysis is the AI-derived metadata for a single node.
type NodeAnalysis struct {
	Title      string   `json:"title"`
	Summary    string   `json:"summary"`
	Keywords   []string `json:"keywords"`
	Importance float64  `json:"importance"`
}

// Enricher produces embeddings and analyses. Implementations must be safe
// for concurrent use.
type Enricher interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts in one call.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// AnalyzeNode derives title, summary, keywords, and importance.
	AnalyzeNode(ctx context.Context, content string, chunkType memory.ChunkType) (*NodeAnalysis, error)

	// AnalyzePrompt classifies a query prompt's intent and keywords.
	AnalyzePrompt(ctx context.Context, prompt string) (*memory.PromptAnalysis, error)

	// GenerateAnswer produces a grounded answer from assembled context.
	GenerateAnswer(ctx context.Context, prompt, contextText string) (string, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelVersion identifies the embedding model, recorded on every node.
	ModelVersion() string

	// Available reports whether the enricher can currently serve requests.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}
