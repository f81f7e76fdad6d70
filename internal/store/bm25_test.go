package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contextd/contextd/internal/memory"
)

func newTestTextIndex(t *testing.T) *BleveTextIndex {
	t.Helper()
	idx, err := NewBleveTextIndex("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestBleveTextIndex_IndexAndSearch(t *testing.T) {
	// Given: indexed documents for one user
	idx := newTestTextIndex(t)
	ctx := context.Background()
	scope := memory.Scope{UserID: "u1"}
	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "1", UserID: "u1", ContextID: "c1", Content: "database connection pool sizing"},
		{ID: "2", UserID: "u1", ContextID: "c1", Content: "http router middleware ordering"},
	}))

	// When: searching
	results, err := idx.Search(ctx, scope, "database pool", 10)
	require.NoError(t, err)

	// Then: the matching document scores on top
	require.NotEmpty(t, results)
	assert.Equal(t, "1", results[0].DocID)
	assert.Greater(t, results[0].Score, 0.0)
	assert.NotEmpty(t, results[0].MatchedTerms)
}

func TestBleveTextIndex_Search_ScopeIsolation(t *testing.T) {
	// Given: the same content under two scopes
	idx := newTestTextIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "a", UserID: "u1", Content: "secret deployment runbook"},
		{ID: "b", UserID: "u2", Content: "secret deployment runbook"},
		{ID: "c", UserID: "u1", ProjectID: "p1", Content: "secret deployment runbook"},
	}))

	// When: u1 searches the personal scope
	results, err := idx.Search(ctx, memory.Scope{UserID: "u1"}, "deployment", 10)
	require.NoError(t, err)

	// Then: only the personal-scope document comes back; the project scope
	// is separate even for the same user
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].DocID)
}

func TestBleveTextIndex_Search_IdentifierSplitting(t *testing.T) {
	idx := newTestTextIndex(t)
	ctx := context.Background()
	scope := memory.Scope{UserID: "u1"}
	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "1", UserID: "u1", Content: "func getUserById(ctx context.Context)"},
	}))

	results, err := idx.Search(ctx, scope, "user", 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "1", results[0].DocID)
}

func TestBleveTextIndex_Search_TitleBoost(t *testing.T) {
	// Given: one doc matching in the title, one in the body
	idx := newTestTextIndex(t)
	ctx := context.Background()
	scope := memory.Scope{UserID: "u1"}
	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "title-hit", UserID: "u1", Title: "migration checklist", Content: "steps for the rollout"},
		{ID: "body-hit", UserID: "u1", Title: "rollout steps", Content: "the migration checklist lives here"},
	}))

	// When: searching the shared phrase
	results, err := idx.Search(ctx, scope, "migration checklist", 10)
	require.NoError(t, err)

	// Then: the title match ranks first
	require.Len(t, results, 2)
	assert.Equal(t, "title-hit", results[0].DocID)
}

func TestBleveTextIndex_Delete(t *testing.T) {
	idx := newTestTextIndex(t)
	ctx := context.Background()
	scope := memory.Scope{UserID: "u1"}
	require.NoError(t, idx.Index(ctx, []*Document{
		{ID: "1", UserID: "u1", Content: "ephemeral note"},
	}))

	require.NoError(t, idx.Delete(ctx, []string{"1"}))

	results, err := idx.Search(ctx, scope, "ephemeral", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBleveTextIndex_Reindex_ReplacesDocument(t *testing.T) {
	idx := newTestTextIndex(t)
	ctx := context.Background()
	scope := memory.Scope{UserID: "u1"}

	require.NoError(t, idx.Index(ctx, []*Document{{ID: "1", UserID: "u1", Content: "old words"}}))
	require.NoError(t, idx.Index(ctx, []*Document{{ID: "1", UserID: "u1", Content: "new words"}}))

	results, err := idx.Search(ctx, scope, "old", 10)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = idx.Search(ctx, scope, "new", 10)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestBleveTextIndex_EmptyQuery(t *testing.T) {
	idx := newTestTextIndex(t)
	results, err := idx.Search(context.Background(), memory.Scope{UserID: "u1"}, "   ", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestBleveTextIndex_Stats(t *testing.T) {
	idx := newTestTextIndex(t)
	require.NoError(t, idx.Index(context.Background(), []*Document{
		{ID: "1", UserID: "u1", Content: "one"},
		{ID: "2", UserID: "u1", Content: "two"},
	}))
	assert.Equal(t, 2, idx.Stats().DocumentCount)
}
