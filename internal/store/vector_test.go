package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVectorIndex(t *testing.T) *HNSWIndex {
	t.Helper()
	idx, err := NewHNSWIndex(VectorIndexConfig{Dimensions: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func TestHNSWIndex_AddAndSearch(t *testing.T) {
	// Given: three orthogonal-ish vectors
	idx := newTestVectorIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx,
		[]string{"x", "y", "z"},
		[][]float32{{1, 0, 0}, {0, 1, 0}, {0, 0, 1}}))

	// When: searching near the x axis
	results, err := idx.Search(ctx, []float32{0.9, 0.1, 0}, 2)
	require.NoError(t, err)

	// Then: x is the nearest hit with the best score
	require.NotEmpty(t, results)
	assert.Equal(t, "x", results[0].ID)
	assert.Greater(t, results[0].Score, float32(0.9))
}

func TestHNSWIndex_DimensionMismatch(t *testing.T) {
	idx := newTestVectorIndex(t)
	ctx := context.Background()

	err := idx.Add(ctx, []string{"a"}, [][]float32{{1, 0}})
	var dimErr ErrDimensionMismatch
	require.ErrorAs(t, err, &dimErr)
	assert.Equal(t, 3, dimErr.Expected)
	assert.Equal(t, 2, dimErr.Got)

	_, err = idx.Search(ctx, []float32{1, 0}, 1)
	assert.ErrorAs(t, err, &dimErr)
}

func TestHNSWIndex_DeleteIsLazy(t *testing.T) {
	// Given: two vectors, one deleted
	idx := newTestVectorIndex(t)
	ctx := context.Background()
	require.NoError(t, idx.Add(ctx,
		[]string{"keep", "drop"},
		[][]float32{{1, 0, 0}, {0.9, 0.1, 0}}))
	require.NoError(t, idx.Delete(ctx, []string{"drop"}))

	// Then: the deleted id is gone from lookups but lingers in the graph
	assert.False(t, idx.Contains("drop"))
	assert.True(t, idx.Contains("keep"))
	assert.Equal(t, 1, idx.Count())
	assert.Equal(t, 1, idx.Orphans())

	// And: search never surfaces it
	results, err := idx.Search(ctx, []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "drop", r.ID)
	}
}

func TestHNSWIndex_ReplaceExistingID(t *testing.T) {
	idx := newTestVectorIndex(t)
	ctx := context.Background()

	require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{{1, 0, 0}}))
	require.NoError(t, idx.Add(ctx, []string{"a"}, [][]float32{{0, 1, 0}}))

	// Count stays one; the replacement wins the search.
	assert.Equal(t, 1, idx.Count())
	results, err := idx.Search(ctx, []float32{0, 1, 0}, 1)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
	assert.InDelta(t, 1.0, float64(results[0].Score), 1e-5)
}

func TestHNSWIndex_EmptySearch(t *testing.T) {
	idx := newTestVectorIndex(t)
	results, err := idx.Search(context.Background(), []float32{1, 0, 0}, 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}
