package search

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/graph"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/store"
)

const testDims = 16

var scopeU1 = memory.Scope{UserID: "u1"}

// failingEnricher simulates a provider whose embedding endpoint is down.
type failingEnricher struct {
	*enrich.FallbackEnricher
}

func (f *failingEnricher) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, apperr.Unavailable("embedding endpoint down")
}

type engineFixture struct {
	records store.RecordStore
	text    store.TextIndex
	graphs  *graph.Manager
	engine  *Engine

	// seedEmbed produces node embeddings during seeding, independent of
	// the engine's query enricher.
	seedEmbed *enrich.FallbackEnricher
}

func newEngineFixture(t *testing.T, enricher enrich.Enricher) *engineFixture {
	t.Helper()

	records, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	text, err := store.NewBleveTextIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = text.Close() })

	seedEmbed, err := enrich.NewFallbackEnricher(testDims)
	require.NoError(t, err)
	if enricher == nil {
		enricher = seedEmbed
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	graphs := graph.NewManager(graph.Config{
		Hyperplanes:     4,
		NeighborBuckets: 16,
		Dimensions:      testDims,
	}, records, logger)

	engine := NewEngine(Config{Dimensions: testDims}, records, text, enricher, graphs, logger)
	return &engineFixture{
		records:   records,
		text:      text,
		graphs:    graphs,
		engine:    engine,
		seedEmbed: seedEmbed,
	}
}

type seedChunk struct {
	id         string
	content    string
	tokens     int
	importance float64
	createdAt  time.Time
}

// seed persists an enriched, text-indexed context under u1.
func (f *engineFixture) seed(t *testing.T, ctxID string, chunks []seedChunk) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, f.records.SaveContext(ctx, &memory.Context{
		ID:        ctxID,
		UserID:    scopeU1.UserID,
		Title:     ctxID,
		Content:   "content",
		Type:      memory.TypeNote,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}))

	nodes := make([]*memory.Node, 0, len(chunks))
	docs := make([]*store.Document, 0, len(chunks))
	for i, c := range chunks {
		tokens := c.tokens
		if tokens == 0 {
			tokens = 10
		}
		createdAt := c.createdAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		nodes = append(nodes, &memory.Node{
			ID:         c.id,
			ContextID:  ctxID,
			Content:    c.content,
			TokenCount: tokens,
			ChunkType:  memory.ChunkParagraph,
			ChunkIndex: i,
			Importance: c.importance,
			CreatedAt:  createdAt,
		})
		docs = append(docs, &store.Document{
			ID:        c.id,
			UserID:    scopeU1.UserID,
			ContextID: ctxID,
			Content:   c.content,
		})
	}
	require.NoError(t, f.records.UpsertNodes(ctx, ctxID, nodes))
	require.NoError(t, f.text.Index(ctx, docs))

	for _, c := range chunks {
		vec, err := f.seedEmbed.Embed(ctx, c.content)
		require.NoError(t, err)
		require.NoError(t, f.records.ApplyEnrichment(ctx, &store.EnrichmentUpdate{
			NodeID:                c.id,
			Title:                 c.id,
			Importance:            c.importance,
			Embedding:             vec,
			EmbeddingModelVersion: f.seedEmbed.ModelVersion(),
		}))
	}
}

func resultIDs(results []*Result) []string {
	ids := make([]string, len(results))
	for i, r := range results {
		ids[i] = r.Node.ID
	}
	return ids
}

func TestEngine_SearchText(t *testing.T) {
	// Given: two contexts about different topics
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool for postgres"},
	})
	f.seed(t, "ctxB", []seedChunk{
		{id: "bread", content: "kneading sourdough bread dough overnight"},
	})

	// When: searching in text mode
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeText,
	})
	require.NoError(t, err)

	// Then: only the matching node returns
	assert.Equal(t, ModeText, resp.Mode)
	assert.False(t, resp.Degraded)
	assert.Equal(t, []string{"pool"}, resultIDs(resp.Results))
	assert.Greater(t, resp.Results[0].TextScore, 0.0)
}

func TestEngine_SearchSemantic(t *testing.T) {
	// Given: seeded nodes with persisted embeddings
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool for postgres"},
		{id: "bread", content: "kneading sourdough bread dough overnight"},
	})

	// When: searching semantically for related wording
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "database connection pool tuning", Mode: ModeSemantic,
	})
	require.NoError(t, err)

	// Then: the related node ranks first
	assert.Equal(t, ModeSemantic, resp.Mode)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "pool", resp.Results[0].Node.ID)
	assert.Greater(t, resp.Results[0].VecScore, 0.0)
}

func TestEngine_SearchSemantic_DegradesToText(t *testing.T) {
	// Given: an engine whose query embedder is down
	fallback, err := enrich.NewFallbackEnricher(testDims)
	require.NoError(t, err)
	f := newEngineFixture(t, &failingEnricher{FallbackEnricher: fallback})
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool"},
	})

	// When: a semantic search runs
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeSemantic,
	})
	require.NoError(t, err)

	// Then: the query still answers via text, marked degraded
	assert.True(t, resp.Degraded)
	assert.Equal(t, ModeText, resp.Mode)
	assert.Equal(t, []string{"pool"}, resultIDs(resp.Results))
}

func TestEngine_SearchHybrid_BothListsWin(t *testing.T) {
	// Given: a node matching both lexically and semantically, plus a
	// lexical-only distractor
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "both", content: "database connection pool exhaustion under load"},
		{id: "lexical", content: "the word database appears once in this cooking note"},
	})

	// When: a hybrid search runs
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "database connection pool exhaustion", Mode: ModeHybrid,
	})
	require.NoError(t, err)

	// Then: the doubly-matched node leads with the normalized top score
	assert.Equal(t, ModeHybrid, resp.Mode)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "both", resp.Results[0].Node.ID)
	assert.Equal(t, 1.0, resp.Results[0].Score)
}

func TestEngine_SearchHybrid_DegradesToText(t *testing.T) {
	fallback, err := enrich.NewFallbackEnricher(testDims)
	require.NoError(t, err)
	f := newEngineFixture(t, &failingEnricher{FallbackEnricher: fallback})
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool"},
	})

	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeHybrid,
	})
	require.NoError(t, err)

	assert.True(t, resp.Degraded)
	assert.Equal(t, ModeText, resp.Mode)
	assert.NotEmpty(t, resp.Results)
}

func TestEngine_SearchGraph_ExpandsToNeighbors(t *testing.T) {
	// Given: two chunks of one context, only the first matching the query
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "hit", content: "incident timeline for the outage last tuesday"},
		{id: "followup", content: "remediation steps agreed afterwards"},
	})

	// When: a graph search runs
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "outage incident timeline", Mode: ModeGraph,
	})
	require.NoError(t, err)

	// Then: the matched chunk leads and its sibling is in the result set
	assert.Equal(t, ModeGraph, resp.Mode)
	ids := resultIDs(resp.Results)
	require.Contains(t, ids, "hit")
	assert.Contains(t, ids, "followup")
	assert.Equal(t, "hit", ids[0])
	assert.Equal(t, 0, resp.Results[0].Depth)
}

func TestEngine_SearchGraph_SeededFromContext(t *testing.T) {
	// Given: two contexts, where only ctxB matches the query lexically
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "design", content: "auth service design decisions and tradeoffs"},
		{id: "rollout", content: "auth service rollout plan by region"},
	})
	f.seed(t, "ctxB", []seedChunk{
		{id: "recipe", content: "weekend deployment checklist for the bakery site"},
	})

	// When: graph search is seeded from ctxA
	resp, err := f.engine.Search(context.Background(), Request{
		Scope:         scopeU1,
		Query:         "deployment checklist",
		Mode:          ModeGraph,
		SeedContextID: "ctxA",
	})
	require.NoError(t, err)

	// Then: seeds come from the named context's nodes, not scope-wide
	// retrieval, so the lexical match outside it does not seed
	assert.Equal(t, ModeGraph, resp.Mode)
	require.NotEmpty(t, resp.Results)
	for _, r := range resp.Results {
		if r.Depth == 0 {
			assert.Equal(t, "ctxA", r.Node.ContextID)
		}
	}
}

func TestEngine_SearchGraph_SeedContextNotFound(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "hit", content: "incident timeline for the outage"},
	})

	_, err := f.engine.Search(context.Background(), Request{
		Scope:         scopeU1,
		Query:         "outage",
		Mode:          ModeGraph,
		SeedContextID: "nope",
	})

	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

// gatedStore blocks the first scope-wide node listing until released,
// holding a graph build in flight.
type gatedStore struct {
	store.RecordStore
	entered chan struct{}
	release chan struct{}
}

func (g *gatedStore) ListNodesByScope(ctx context.Context, scope memory.Scope) ([]*memory.Node, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.RecordStore.ListNodesByScope(ctx, scope)
}

func TestEngine_SearchGraph_DegradesToSemanticDuringBuild(t *testing.T) {
	// Given: a fixture whose graph manager reads nodes through a gate
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool"},
		{id: "bread", content: "kneading sourdough bread dough"},
	})

	gated := &gatedStore{
		RecordStore: f.records,
		entered:     make(chan struct{}, 1),
		release:     make(chan struct{}),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	graphs := graph.NewManager(graph.Config{
		Hyperplanes:     4,
		NeighborBuckets: 16,
		Dimensions:      testDims,
	}, gated, logger)
	engine := NewEngine(Config{Dimensions: testDims}, f.records, f.text, f.seedEmbed, graphs, logger)

	buildDone := make(chan error, 1)
	go func() {
		buildDone <- graphs.EnsureReady(context.Background(), scopeU1)
	}()
	<-gated.entered

	// When: a graph search runs while the build is in flight
	resp, err := engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeGraph,
	})
	require.NoError(t, err)

	// Then: it answers semantically and reports the degradation
	assert.True(t, resp.Degraded)
	assert.Equal(t, ModeSemantic, resp.Mode)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "pool", resp.Results[0].Node.ID)

	// And: once the build lands, graph mode serves normally
	close(gated.release)
	require.NoError(t, <-buildDone)

	resp, err = engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeGraph,
	})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	assert.Equal(t, ModeGraph, resp.Mode)
}

func TestOrderNewerFirstOnTies(t *testing.T) {
	// Given: two results with equal text scores and one clear winner
	now := time.Now().UTC()
	results := []*Result{
		{Node: &memory.Node{ID: "older", CreatedAt: now.Add(-time.Hour)}, Score: 0.9, TextScore: 2.0},
		{Node: &memory.Node{ID: "newer", CreatedAt: now}, Score: 0.8, TextScore: 2.0},
		{Node: &memory.Node{ID: "top", CreatedAt: now.Add(-24 * time.Hour)}, Score: 1.0, TextScore: 5.0},
	}

	// When: ordering
	orderNewerFirstOnTies(results)

	// Then: relevance still dominates, ties go to the newer node
	assert.Equal(t, []string{"top", "newer", "older"}, resultIDs(results))
}

func TestEngine_Search_InvalidMode(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "anything", Mode: Mode("psychic"),
	})

	assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
}

func TestEngine_Search_ScopeIsolation(t *testing.T) {
	// Given: data under u1 only
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool"},
	})

	// When: u2 searches for the same words
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: memory.Scope{UserID: "u2"}, Query: "connection pool", Mode: ModeHybrid,
	})
	require.NoError(t, err)

	// Then: nothing leaks across users
	assert.Empty(t, resp.Results)
}

func TestEngine_Search_TombstonedContextFiltered(t *testing.T) {
	// Given: a seeded context that is then tombstoned
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool"},
	})
	require.NoError(t, f.records.TombstoneContext(context.Background(), scopeU1, "ctxA"))

	// When: searching before the indexes catch up
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeText,
	})
	require.NoError(t, err)

	// Then: the stale index hit is dropped at resolution
	assert.Empty(t, resp.Results)
}

func TestEngine_RemoveEmbeddings(t *testing.T) {
	// Given: a warmed vector index
	f := newEngineFixture(t, nil)
	f.seed(t, "ctxA", []seedChunk{
		{id: "pool", content: "tuning the database connection pool"},
	})
	_, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeSemantic,
	})
	require.NoError(t, err)

	// When: the node's embedding is removed and its rows deleted
	require.NoError(t, f.engine.RemoveEmbeddings(context.Background(), scopeU1, []string{"pool"}))
	require.NoError(t, f.records.DeleteContext(context.Background(), scopeU1, "ctxA"))

	// Then: semantic search no longer returns it
	resp, err := f.engine.Search(context.Background(), Request{
		Scope: scopeU1, Query: "connection pool", Mode: ModeSemantic,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)
}
