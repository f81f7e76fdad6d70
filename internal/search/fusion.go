// Package search runs retrieval over the memory: BM25 text search,
// semantic vector search, their RRF fusion, graph-expanded search, context
// window assembly, and grounded question answering on top of a window.
package search

import (
	"sort"

	"github.com/contextd/contextd/internal/store"
)

// DefaultRRFConstant is the standard RRF smoothing parameter. k=60 is
// empirically validated across domains.
const DefaultRRFConstant = 60

// Weights balances the two sources during fusion.
type Weights struct {
	Text     float64
	Semantic float64
}

// DefaultWeights weighs both sources equally.
func DefaultWeights() Weights {
	return Weights{Text: 1.0, Semantic: 1.0}
}

// FusedResult is a single result after RRF fusion.
type FusedResult struct {
	NodeID       string
	RRFScore     float64 // combined score, normalized to 0-1
	TextScore    float64
	TextRank     int // 1-indexed, 0 if absent
	VecScore     float64
	VecRank      int // 1-indexed, 0 if absent
	InBothLists  bool
	MatchedTerms []string
}

// RRFFusion combines text and vector results with Reciprocal Rank Fusion:
// RRF_score(d) = sum over sources of weight_i / (k + rank_i).
type RRFFusion struct {
	K int
}

// NewRRFFusion creates a fusion instance; k <= 0 defaults to 60.
func NewRRFFusion(k int) *RRFFusion {
	if k <= 0 {
		k = DefaultRRFConstant
	}
	return &RRFFusion{K: k}
}

// Fuse combines both ranked lists. Documents appearing in only one list
// take missing_rank = max(len(text), len(vec)) + 1 for the other source.
// Sorted by RRF score, then in-both-lists, then text score, then node id.
func (f *RRFFusion) Fuse(text []*store.TextResult, vec []*store.VectorResult, weights Weights) []*FusedResult {
	if len(text) == 0 && len(vec) == 0 {
		return []*FusedResult{}
	}

	scores := make(map[string]*FusedResult, len(text)+len(vec))

	for rank, r := range text {
		result := f.getOrCreate(scores, r.DocID)
		result.TextScore = r.Score
		result.TextRank = rank + 1
		result.MatchedTerms = r.MatchedTerms
		result.RRFScore += weights.Text / float64(f.K+rank+1)
	}

	for rank, r := range vec {
		result := f.getOrCreate(scores, r.ID)
		result.VecScore = float64(r.Score)
		result.VecRank = rank + 1
		result.RRFScore += weights.Semantic / float64(f.K+rank+1)
		if result.TextRank > 0 {
			result.InBothLists = true
		}
	}

	missingRank := len(text)
	if len(vec) > missingRank {
		missingRank = len(vec)
	}
	missingRank++

	for _, r := range scores {
		if r.TextRank == 0 && r.VecRank > 0 {
			r.RRFScore += weights.Text / float64(f.K+missingRank)
		}
		if r.VecRank == 0 && r.TextRank > 0 {
			r.RRFScore += weights.Semantic / float64(f.K+missingRank)
		}
	}

	results := make([]*FusedResult, 0, len(scores))
	for _, r := range scores {
		results = append(results, r)
	}
	sort.Slice(results, func(i, j int) bool {
		return f.compare(results[i], results[j])
	})

	f.normalize(results)
	return results
}

func (f *RRFFusion) getOrCreate(m map[string]*FusedResult, id string) *FusedResult {
	if r, ok := m[id]; ok {
		return r
	}
	r := &FusedResult{NodeID: id}
	m[id] = r
	return r
}

// compare orders deterministically: higher RRF score, then presence in
// both lists, then higher text score, then lexicographic node id.
func (f *RRFFusion) compare(a, b *FusedResult) bool {
	if a.RRFScore != b.RRFScore {
		return a.RRFScore > b.RRFScore
	}
	if a.InBothLists != b.InBothLists {
		return a.InBothLists
	}
	if a.TextScore != b.TextScore {
		return a.TextScore > b.TextScore
	}
	return a.NodeID < b.NodeID
}

// normalize scales scores so the top result becomes 1.0.
func (f *RRFFusion) normalize(results []*FusedResult) {
	if len(results) == 0 || results[0].RRFScore == 0 {
		return
	}
	max := results[0].RRFScore
	for _, r := range results {
		r.RRFScore /= max
	}
}
