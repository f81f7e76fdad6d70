package graph

import (
	"hash/fnv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Similarity blend weights. Cosine dominates; the lexical and structural
// signals correct for embedding noise on short chunks.
const (
	weightCosine   = 0.55
	weightTags     = 0.15
	weightTypeEq   = 0.10
	weightShingles = 0.10
	weightKeywords = 0.10

	shingleSize = 4
)

// simCache memoizes pairwise similarity scores. Keys order the pair so
// score(a,b) and score(b,a) share an entry.
type simCache struct {
	cache *lru.Cache[string, float64]
}

func newSimCache(size int) *simCache {
	cache, _ := lru.New[string, float64](size)
	return &simCache{cache: cache}
}

func (c *simCache) key(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

func (c *simCache) get(a, b string) (float64, bool) {
	return c.cache.Get(c.key(a, b))
}

func (c *simCache) put(a, b string, score float64) {
	c.cache.Add(c.key(a, b), score)
}

// purge clears the cache. The LRU cannot evict by key prefix, so a node
// update drops everything; updates are rare next to scoring.
func (c *simCache) purge() {
	c.cache.Purge()
}

// similarity computes the blended score between two nodes.
func similarity(a, b *nodeMeta) float64 {
	score := weightCosine * cosine(a.node.Embedding, b.node.Embedding)
	score += weightTags * jaccardStrings(a.tags, b.tags)
	if a.ctype == b.ctype && a.ctype != "" {
		score += weightTypeEq
	}
	score += weightShingles * jaccardShingles(a.shingles, b.shingles)
	score += weightKeywords * jaccardStrings(a.node.Keywords, b.node.Keywords)
	return score
}

// cosine computes cosine similarity clamped to [0, 1]. Vectors in the
// graph are unit-normalized, so this is a dot product.
func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(b) == 0 || len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	if dot < 0 {
		return 0
	}
	if dot > 1 {
		return 1
	}
	return dot
}

func jaccardStrings(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[strings.ToLower(s)] = struct{}{}
	}
	inter := 0
	union := len(set)
	seen := make(map[string]struct{}, len(b))
	for _, s := range b {
		l := strings.ToLower(s)
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		if _, ok := set[l]; ok {
			inter++
		} else {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

func jaccardShingles(a, b map[uint64]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(small) > len(large) {
		small, large = large, small
	}
	inter := 0
	for s := range small {
		if _, ok := large[s]; ok {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

// contentShingles builds the hashed word 4-gram set of a node's content.
func contentShingles(content string) map[uint64]struct{} {
	words := strings.Fields(strings.ToLower(content))
	if len(words) < shingleSize {
		if len(words) == 0 {
			return nil
		}
		h := fnv.New64()
		_, _ = h.Write([]byte(strings.Join(words, " ")))
		return map[uint64]struct{}{h.Sum64(): {}}
	}

	set := make(map[uint64]struct{}, len(words)-shingleSize+1)
	for i := 0; i+shingleSize <= len(words); i++ {
		h := fnv.New64()
		_, _ = h.Write([]byte(strings.Join(words[i:i+shingleSize], " ")))
		set[h.Sum64()] = struct{}{}
	}
	return set
}
