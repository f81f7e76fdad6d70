// Package graph maintains per-scope similarity graphs over enriched nodes.
// Edges are derived from a weighted similarity blend; candidate pairs come
// from an LSH pre-filter so full builds stay near O(n log n) instead of
// comparing every pair.
package graph

import (
	"time"

	"github.com/contextd/contextd/internal/memory"
)

// State is the lifecycle of a scope's graph.
type State string

const (
	// StateEmpty means no graph has been built for the scope yet.
	StateEmpty State = "empty"
	// StateBuilding means the initial build is in progress.
	StateBuilding State = "building"
	// StateReady means the graph is current and serving queries.
	StateReady State = "ready"
	// StateStale means accumulated changes exceed the recompaction budget;
	// queries still serve from the old edges until the rebuild finishes.
	StateStale State = "stale"
	// StateRebuilding means a rebuild is replacing a stale graph.
	StateRebuilding State = "rebuilding"
)

// Config tunes graph construction.
type Config struct {
	// SimilarityThreshold is the minimum blended score for a similar edge
	// (default: 0.62).
	SimilarityThreshold float64

	// EdgesPerNode caps retained similar edges per node (default: 16).
	EdgesPerNode int

	// Hyperplanes is the LSH signature width in bits (default: 12).
	Hyperplanes int

	// NeighborBuckets is how many nearest buckets by Hamming distance join
	// the candidate pool besides the node's own bucket (default: 8).
	NeighborBuckets int

	// SimCacheSize bounds the pairwise similarity cache (default: 100000).
	SimCacheSize int

	// RecompactRatio marks the graph stale once this fraction of nodes
	// changed since the last build (default: 0.10).
	RecompactRatio float64

	// Dimensions is the embedding dimension.
	Dimensions int
}

func (c *Config) applyDefaults() {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = 0.62
	}
	if c.EdgesPerNode <= 0 {
		c.EdgesPerNode = 16
	}
	if c.Hyperplanes <= 0 {
		c.Hyperplanes = 12
	}
	if c.NeighborBuckets <= 0 {
		c.NeighborBuckets = 8
	}
	if c.SimCacheSize <= 0 {
		c.SimCacheSize = 100000
	}
	if c.RecompactRatio <= 0 {
		c.RecompactRatio = 0.10
	}
}

// Info is a snapshot of a scope graph's status.
type Info struct {
	State     State     `json:"state"`
	Version   uint64    `json:"version"`
	NodeCount int       `json:"nodeCount"`
	EdgeCount int       `json:"edgeCount"`
	BuiltAt   time.Time `json:"builtAt,omitempty"`
}

// nodeMeta is the per-node material similarity scoring needs. Embeddings
// and shingle sets are kept here so scoring never rereads the store.
type nodeMeta struct {
	node      *memory.Node
	tags      []string
	ctype     memory.ContextType
	shingles  map[uint64]struct{}
	signature uint32
}
