package graph

import (
	"hash/fnv"
	"math/rand"
	"sort"
)

// lshIndex buckets nodes by random-hyperplane signatures. Two vectors with
// small cosine distance land in the same or a nearby bucket with high
// probability, so edge candidates come from a handful of buckets instead
// of the whole scope.
//
// Hyperplanes are seeded from the scope key: the same scope always gets
// the same planes, which keeps signatures stable across rebuilds.
type lshIndex struct {
	planes  [][]float32
	buckets map[uint32]map[string]struct{}
}

func newLSHIndex(scopeKey string, hyperplanes, dimensions int) *lshIndex {
	h := fnv.New64()
	_, _ = h.Write([]byte(scopeKey))
	rng := rand.New(rand.NewSource(int64(h.Sum64())))

	planes := make([][]float32, hyperplanes)
	for i := range planes {
		plane := make([]float32, dimensions)
		for j := range plane {
			plane[j] = float32(rng.NormFloat64())
		}
		planes[i] = plane
	}

	return &lshIndex{
		planes:  planes,
		buckets: make(map[uint32]map[string]struct{}),
	}
}

// signature computes the bit pattern of vec against the hyperplanes.
func (l *lshIndex) signature(vec []float32) uint32 {
	var sig uint32
	for i, plane := range l.planes {
		var dot float64
		n := len(plane)
		if len(vec) < n {
			n = len(vec)
		}
		for j := 0; j < n; j++ {
			dot += float64(plane[j]) * float64(vec[j])
		}
		if dot >= 0 {
			sig |= 1 << uint(i)
		}
	}
	return sig
}

func (l *lshIndex) add(id string, sig uint32) {
	bucket, ok := l.buckets[sig]
	if !ok {
		bucket = make(map[string]struct{})
		l.buckets[sig] = bucket
	}
	bucket[id] = struct{}{}
}

func (l *lshIndex) remove(id string, sig uint32) {
	if bucket, ok := l.buckets[sig]; ok {
		delete(bucket, id)
		if len(bucket) == 0 {
			delete(l.buckets, sig)
		}
	}
}

// candidates returns the ids in the signature's own bucket plus the
// maxNeighbors nearest non-empty buckets by Hamming distance. Bucket ties
// break on the lower signature value for determinism.
func (l *lshIndex) candidates(sig uint32, maxNeighbors int) []string {
	type bucketDist struct {
		sig  uint32
		dist int
	}

	ranked := make([]bucketDist, 0, len(l.buckets))
	for bsig := range l.buckets {
		if bsig == sig {
			continue
		}
		ranked = append(ranked, bucketDist{sig: bsig, dist: hammingDistance(sig, bsig)})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].dist != ranked[j].dist {
			return ranked[i].dist < ranked[j].dist
		}
		return ranked[i].sig < ranked[j].sig
	})
	if len(ranked) > maxNeighbors {
		ranked = ranked[:maxNeighbors]
	}

	var ids []string
	for id := range l.buckets[sig] {
		ids = append(ids, id)
	}
	for _, b := range ranked {
		for id := range l.buckets[b.sig] {
			ids = append(ids, id)
		}
	}
	return ids
}

func hammingDistance(a, b uint32) int {
	x := a ^ b
	count := 0
	for x != 0 {
		x &= x - 1
		count++
	}
	return count
}
