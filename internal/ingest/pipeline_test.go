package ingest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/chunk"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/graph"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/search"
	"github.com/contextd/contextd/internal/store"
)

const testDims = 16

var scopeU1 = memory.Scope{UserID: "u1"}

type pipeFixture struct {
	records  store.RecordStore
	text     store.TextIndex
	engine   *search.Engine
	graphs   *graph.Manager
	pool     *enrich.Pool
	pipeline *Pipeline
	done     chan string
}

func newPipeFixture(t *testing.T, cfg Config) *pipeFixture {
	t.Helper()

	records, err := store.NewSQLiteStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = records.Close() })

	text, err := store.NewBleveTextIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = text.Close() })

	fallback, err := enrich.NewFallbackEnricher(testDims)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	graphs := graph.NewManager(graph.Config{
		Hyperplanes:     4,
		NeighborBuckets: 16,
		Dimensions:      testDims,
	}, records, logger)
	engine := search.NewEngine(search.Config{Dimensions: testDims},
		records, text, fallback, graphs, logger)

	f := &pipeFixture{
		records: records,
		text:    text,
		engine:  engine,
		graphs:  graphs,
		done:    make(chan string, 64),
	}

	f.pool = enrich.NewPool(enrich.PoolConfig{Parallelism: 2}, nil, fallback,
		records, text, func(scope memory.Scope, node *memory.Node) {
			f.done <- node.ID
		}, logger)
	f.pool.Start()
	t.Cleanup(f.pool.Stop)

	f.pipeline = NewPipeline(cfg, records, text, engine, graphs, f.pool,
		chunk.New(chunk.Options{}), logger)
	return f
}

// waitEnriched blocks until n enrichment completions have landed.
func (f *pipeFixture) waitEnriched(t *testing.T, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for enrichment %d of %d", i+1, n)
		}
	}
}

func noteInput(content string) CreateInput {
	return CreateInput{
		Scope:   scopeU1,
		Content: content,
		Type:    memory.TypeNote,
		Source:  memory.Source{Kind: "api", Agent: "test"},
	}
}

func TestPipeline_Create_Validation(t *testing.T) {
	f := newPipeFixture(t, Config{MaxContentBytes: 64})

	tests := []struct {
		name string
		in   CreateInput
	}{
		{"empty content", noteInput("   ")},
		{"oversized content", noteInput(strings.Repeat("x", 65))},
		{"unknown type", CreateInput{Scope: scopeU1, Content: "fine", Type: memory.ContextType("poem")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.pipeline.Create(context.Background(), tt.in)
			assert.Equal(t, apperr.KindInvalidInput, apperr.KindOf(err))
		})
	}
}

func TestPipeline_Create_ChunksAndPersists(t *testing.T) {
	// Given: multi-paragraph content with no explicit title
	f := newPipeFixture(t, Config{})
	content := "# Migration plan\n\nFirst we snapshot the database.\n\nThen we switch the writers over."

	// When: creating
	c, err := f.pipeline.Create(context.Background(), noteInput(content))
	require.NoError(t, err)

	// Then: the context is immediately readable with derived title
	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "Migration plan", c.Title)
	assert.True(t, c.HasNodes)
	assert.Greater(t, c.ChunkCount, 0)

	stored, err := f.records.GetContext(context.Background(), scopeU1, c.ID)
	require.NoError(t, err)
	assert.Equal(t, content, stored.Content)

	// And: nodes cover the content in order
	nodes, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, nodes, c.ChunkCount)
	for i, n := range nodes {
		assert.Equal(t, i, n.ChunkIndex)
		assert.Equal(t, c.ID, n.ContextID)
		assert.Greater(t, n.TokenCount, 0)
	}
}

func TestPipeline_Create_BecomesSearchableAfterEnrichment(t *testing.T) {
	// Given: an ingested context
	f := newPipeFixture(t, Config{})
	c, err := f.pipeline.Create(context.Background(),
		noteInput("The billing cronjob retries failed invoices every night."))
	require.NoError(t, err)
	f.waitEnriched(t, c.ChunkCount)

	// Then: text search finds it
	resp, err := f.engine.Search(context.Background(), search.Request{
		Scope: scopeU1, Query: "billing cronjob invoices", Mode: search.ModeText,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, c.ID, resp.Results[0].Node.ContextID)

	// And: the node carries a fallback embedding flagged for re-enrichment
	nodes, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)
	assert.True(t, nodes[0].HasFallbackEmbedding())
	assert.True(t, nodes[0].NeedsReenrichment)
}

func TestPipeline_Create_CancelledPersistsNothing(t *testing.T) {
	// Given: a request context cancelled before the ingest
	f := newPipeFixture(t, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// When: creating
	_, err := f.pipeline.Create(ctx, noteInput("Notes that must never half-land."))
	require.Error(t, err)

	// Then: no context or node survives
	nodes, err := f.records.ListNodesByScope(context.Background(), scopeU1)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestPipeline_Create_StoppedPoolFlagsAllNodes(t *testing.T) {
	// Given: an enrichment pool that is already stopped
	f := newPipeFixture(t, Config{})
	f.pool.Stop()

	// When: creating
	c, err := f.pipeline.Create(context.Background(),
		noteInput("First paragraph of the note.\n\nSecond paragraph of the note."))
	require.NoError(t, err)

	// Then: the content persisted and every node awaits re-enrichment
	nodes, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, nodes, c.ChunkCount)
	for _, n := range nodes {
		assert.True(t, n.NeedsReenrichment, "node %s not flagged", n.ID)
	}
}

func TestPipeline_Update_MetadataOnlyKeepsNodes(t *testing.T) {
	// Given: an ingested context
	f := newPipeFixture(t, Config{})
	c, err := f.pipeline.Create(context.Background(), noteInput("Stable content that never changes."))
	require.NoError(t, err)
	f.waitEnriched(t, c.ChunkCount)
	before, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)

	// When: patching title and tags only
	title := "renamed"
	tags := []string{"ops"}
	updated, err := f.pipeline.Update(context.Background(), UpdateInput{
		Scope: scopeU1, ID: c.ID, Title: &title, Tags: &tags,
	})
	require.NoError(t, err)

	// Then: metadata changed, nodes untouched
	assert.Equal(t, "renamed", updated.Title)
	assert.Equal(t, []string{"ops"}, updated.Tags)
	after, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].ID, after[i].ID)
	}
}

func TestPipeline_Update_ContentChangeReplacesNodes(t *testing.T) {
	// Given: an enriched context
	f := newPipeFixture(t, Config{})
	c, err := f.pipeline.Create(context.Background(), noteInput("The original draft about caching."))
	require.NoError(t, err)
	f.waitEnriched(t, c.ChunkCount)
	before, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)

	// When: the content changes
	content := "A rewritten version about sharding instead."
	updated, err := f.pipeline.Update(context.Background(), UpdateInput{
		Scope: scopeU1, ID: c.ID, Content: &content,
	})
	require.NoError(t, err)
	f.waitEnriched(t, updated.ChunkCount)

	// Then: nodes are fully replaced
	after, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)
	require.NotEmpty(t, after)
	for _, old := range before {
		for _, n := range after {
			assert.NotEqual(t, old.ID, n.ID)
		}
	}

	// And: the old wording is gone from the text index
	resp, err := f.engine.Search(context.Background(), search.Request{
		Scope: scopeU1, Query: "caching draft original", Mode: search.ModeText,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	resp, err = f.engine.Search(context.Background(), search.Request{
		Scope: scopeU1, Query: "sharding rewritten", Mode: search.ModeText,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

func TestPipeline_Update_WrongScope(t *testing.T) {
	f := newPipeFixture(t, Config{})
	c, err := f.pipeline.Create(context.Background(), noteInput("private to u1"))
	require.NoError(t, err)

	title := "stolen"
	_, err = f.pipeline.Update(context.Background(), UpdateInput{
		Scope: memory.Scope{UserID: "u2"}, ID: c.ID, Title: &title,
	})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestPipeline_Delete_RemovesEverywhere(t *testing.T) {
	// Given: an enriched, searchable context
	f := newPipeFixture(t, Config{})
	c, err := f.pipeline.Create(context.Background(),
		noteInput("Temporary scratchpad notes about feature flags."))
	require.NoError(t, err)
	f.waitEnriched(t, c.ChunkCount)

	// When: deleting
	require.NoError(t, f.pipeline.Delete(context.Background(), scopeU1, c.ID))

	// Then: reads and searches both come back empty
	_, err = f.records.GetContext(context.Background(), scopeU1, c.ID)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	resp, err := f.engine.Search(context.Background(), search.Request{
		Scope: scopeU1, Query: "scratchpad feature flags", Mode: search.ModeText,
	})
	require.NoError(t, err)
	assert.Empty(t, resp.Results)

	nodes, err := f.records.GetNodesByContext(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

func TestPipeline_Delete_UnknownContext(t *testing.T) {
	f := newPipeFixture(t, Config{})

	err := f.pipeline.Delete(context.Background(), scopeU1, "no-such-id")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestDeriveTitle(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"heading", "# Weekly sync\n\nnotes", "Weekly sync"},
		{"plain first line", "just some text\nmore", "just some text"},
		{"skips blank lines", "\n\n- bullet point first", "bullet point first"},
		{"truncates long lines", strings.Repeat("a", 100), strings.Repeat("a", 80)},
		{"all blank", "   \n\t\n", "untitled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, deriveTitle(tt.content))
		})
	}
}
