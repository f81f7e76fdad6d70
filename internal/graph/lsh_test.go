package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLSHIndex_SignatureDeterministicPerScope(t *testing.T) {
	// Given: two indexes seeded from the same scope key
	a := newLSHIndex("u1/p1", 12, 8)
	b := newLSHIndex("u1/p1", 12, 8)
	vec := []float32{0.3, -0.1, 0.7, 0.2, -0.5, 0.4, 0.1, -0.2}

	// Then: signatures agree across instances
	assert.Equal(t, a.signature(vec), b.signature(vec))
}

func TestLSHIndex_NearbyVectorsShareSignature(t *testing.T) {
	idx := newLSHIndex("u1", 8, 4)

	base := idx.signature([]float32{1, 0, 0, 0})
	near := idx.signature([]float32{0.99, 0.01, 0, 0})
	far := idx.signature([]float32{-1, 0, 0, 0})

	assert.LessOrEqual(t, hammingDistance(base, near), hammingDistance(base, far))
}

func TestLSHIndex_AddRemove(t *testing.T) {
	idx := newLSHIndex("u1", 8, 4)

	idx.add("a", 0b0101)
	idx.add("b", 0b0101)
	idx.remove("a", 0b0101)

	ids := idx.candidates(0b0101, 0)
	assert.Equal(t, []string{"b"}, ids)

	// Removing the last occupant drops the bucket entirely.
	idx.remove("b", 0b0101)
	assert.Empty(t, idx.buckets)
}

func TestLSHIndex_CandidatesNearestBucketsFirst(t *testing.T) {
	// Given: occupants in the own bucket and at Hamming distances 1 and 3
	idx := newLSHIndex("u1", 8, 4)
	idx.add("own", 0b0000)
	idx.add("close", 0b0001)
	idx.add("far", 0b0111)

	// When: one neighbor bucket is allowed
	ids := idx.candidates(0b0000, 1)

	// Then: the own bucket and the closest bucket contribute
	require.Len(t, ids, 2)
	assert.Contains(t, ids, "own")
	assert.Contains(t, ids, "close")
	assert.NotContains(t, ids, "far")
}

func TestLSHIndex_CandidateBucketTiesBreakOnLowerSignature(t *testing.T) {
	// Given: two buckets at equal Hamming distance from the probe
	idx := newLSHIndex("u1", 8, 4)
	idx.add("low", 0b0001)
	idx.add("high", 0b0010)

	ids := idx.candidates(0b0000, 1)

	require.Len(t, ids, 1)
	assert.Equal(t, "low", ids[0])
}

func TestHammingDistance(t *testing.T) {
	tests := []struct {
		a, b uint32
		want int
	}{
		{0, 0, 0},
		{0b1010, 0b1010, 0},
		{0b1010, 0b0101, 4},
		{0xFFFFFFFF, 0, 32},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hammingDistance(tt.a, tt.b))
	}
}
