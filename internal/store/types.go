// Package store provides persistence for contexts and nodes (SQLite), the
// BM25 text index (Bleve), and the vector index (HNSW). All indexed data
// flows through this layer.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/contextd/contextd/internal/memory"
)

// ContextFilter narrows a context listing.
type ContextFilter struct {
	Type memory.ContextType // empty = all types
	Tags []string           // contexts must carry every listed tag
}

// ContextPage is one page of a cursor-based context listing, newest first.
type ContextPage struct {
	Contexts   []*memory.Context
	NextCursor string // empty when no further page exists
}

// EnrichmentUpdate carries the AI-derived fields written back to a node
// after enrichment completes.
type EnrichmentUpdate struct {
	NodeID                string
	Title                 string
	Summary               string
	Keywords              []string
	Importance            float64
	Embedding             []float32
	EmbeddingModelVersion string
	NeedsReenrichment     bool
}

// ScopeStats summarizes a scope's stored data.
type ScopeStats struct {
	ContextCount   int
	NodeCount      int
	EnrichedNodes  int
	FallbackNodes  int
	PendingNodes   int
	LastIngestedAt time.Time
}

// RecordStore persists contexts and nodes.
type RecordStore interface {
	// Context operations
	SaveContext(ctx context.Context, c *memory.Context) error
	GetContext(ctx context.Context, scope memory.Scope, id string) (*memory.Context, error)
	// GetContextByID is the unscoped lookup used by internal pipelines.
	GetContextByID(ctx context.Context, id string) (*memory.Context, error)
	ListContexts(ctx context.Context, scope memory.Scope, filter ContextFilter, cursor string, limit int) (*ContextPage, error)
	UpdateContext(ctx context.Context, c *memory.Context) error
	TombstoneContext(ctx context.Context, scope memory.Scope, id string) error
	DeleteContext(ctx context.Context, scope memory.Scope, id string) error // removes context and its nodes

	// Node operations
	UpsertNodes(ctx context.Context, contextID string, nodes []*memory.Node) error // atomic replace per context
	GetNode(ctx context.Context, id string) (*memory.Node, error)
	GetNodes(ctx context.Context, ids []string) ([]*memory.Node, error)
	GetNodesByContext(ctx context.Context, contextID string) ([]*memory.Node, error)
	ListNodesByScope(ctx context.Context, scope memory.Scope) ([]*memory.Node, error)
	ListNodesNeedingReenrichment(ctx context.Context, limit int) ([]*memory.Node, error)
	MarkNodesForReenrichment(ctx context.Context, nodeIDs []string) error
	ApplyEnrichment(ctx context.Context, update *EnrichmentUpdate) error

	// Stats
	Stats(ctx context.Context, scope memory.Scope) (*ScopeStats, error)

	// Lifecycle
	Close() error
}

// Document is a node projected into the text index.
type Document struct {
	ID        string
	UserID    string
	ProjectID string
	ContextID string
	Content   string
	Title     string
	Summary   string
	Keywords  []string
	Tags      []string
}

// TextResult is a single BM25 hit.
type TextResult struct {
	DocID        string
	Score        float64
	MatchedTerms []string
}

// TextIndexStats provides statistics about the text index.
type TextIndexStats struct {
	DocumentCount int
}

// TextIndex provides keyword search with BM25 scoring, scoped per tenant.
type TextIndex interface {
	// Index adds documents. Existing IDs are replaced.
	Index(ctx context.Context, docs []*Document) error

	// Search returns scope-filtered documents matching query.
	Search(ctx context.Context, scope memory.Scope, query string, limit int) ([]*TextResult, error)

	// Delete removes documents by ID.
	Delete(ctx context.Context, docIDs []string) error

	Stats() *TextIndexStats
	Close() error
}

// VectorResult is a single nearest-neighbor hit.
type VectorResult struct {
	ID       string
	Distance float32 // cosine distance, 0-2
	Score    float32 // normalized similarity, 0-1
}

// VectorIndexConfig configures a vector index.
type VectorIndexConfig struct {
	// Dimensions is the embedding dimension all vectors must share.
	Dimensions int

	// M is HNSW max connections per layer (default: 16).
	M int

	// EfSearch is HNSW query-time search width (default: 20).
	EfSearch int
}

// VectorIndex provides approximate nearest-neighbor search over embeddings.
type VectorIndex interface {
	// Add inserts vectors with their IDs. Existing IDs are replaced.
	Add(ctx context.Context, ids []string, vectors [][]float32) error

	// Search finds the k nearest neighbors to query.
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)

	// Delete removes vectors by ID.
	Delete(ctx context.Context, ids []string) error

	Contains(id string) bool
	Count() int
	Close() error
}

// ErrDimensionMismatch indicates a vector with the wrong dimension.
type ErrDimensionMismatch struct {
	Expected int
	Got      int
}

func (e ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("dimension mismatch: expected %d, got %d", e.Expected, e.Got)
}
