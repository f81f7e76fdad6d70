package enrich

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"regexp"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/memory"
)

// FallbackEnricher generates embeddings with a hash-based approach and
// analyses with heuristics. No network, no model download. Deterministic
// and fast, with reduced semantic quality; nodes enriched this way are
// flagged for re-enrichment once the provider recovers.
type FallbackEnricher struct {
	dimensions int

	mu     sync.RWMutex
	closed bool
}

// Verify interface implementation
var _ Enricher = (*FallbackEnricher)(nil)

// Weights for vector generation.
const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

// stopWords contains filler words excluded from hashing and keywords.
var stopWords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true,
	"but": true, "is": true, "are": true, "was": true, "were": true,
	"in": true, "on": true, "at": true, "to": true, "of": true,
	"for": true, "with": true, "as": true, "by": true, "that": true,
	"this": true, "it": true, "be": true, "have": true, "has": true,
	"func": true, "function": true, "def": true, "class": true,
	"return": true, "import": true, "const": true, "var": true,
}

var wordRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// NewFallbackEnricher creates a fallback enricher producing vectors of the
// given dimension.
func NewFallbackEnricher(dimensions int) (*FallbackEnricher, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive, got %d", dimensions)
	}
	return &FallbackEnricher{dimensions: dimensions}, nil
}

// Embed generates a deterministic hashed-feature embedding.
func (e *FallbackEnricher) Embed(ctx context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("enricher is closed")
	}
	e.mu.RUnlock()

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, e.dimensions), nil
	}

	vector := make([]float32, e.dimensions)

	for _, token := range tokenizeWords(trimmed) {
		if stopWords[token] {
			continue
		}
		vector[hashToIndex(token, e.dimensions)] += tokenWeight
	}

	normalized := normalizeForNgrams(trimmed)
	for _, ngram := range extractNgrams(normalized, ngramSize) {
		vector[hashToIndex(ngram, e.dimensions)] += ngramWeight
	}

	return normalizeVector(vector), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *FallbackEnricher) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	results := make([][]float32, len(texts))
	for i, text := range texts {
		emb, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("failed to embed text %d: %w", i, err)
		}
		results[i] = emb
	}
	return results, nil
}

// AnalyzeNode derives metadata heuristically: the first line becomes the
// title, the leading sentences the summary, and the most frequent
// non-stop-word tokens the keywords.
func (e *FallbackEnricher) AnalyzeNode(ctx context.Context, content string, chunkType memory.ChunkType) (*NodeAnalysis, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("enricher is closed")
	}
	e.mu.RUnlock()

	return &NodeAnalysis{
		Title:      heuristicTitle(content),
		Summary:    heuristicSummary(content),
		Keywords:   TopKeywords(content, 8),
		Importance: heuristicImportance(chunkType),
	}, nil
}

// AnalyzePrompt classifies a prompt with keyword heuristics. The result is
// marked FromFallback so callers know the classification is approximate.
func (e *FallbackEnricher) AnalyzePrompt(ctx context.Context, prompt string) (*memory.PromptAnalysis, error) {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, fmt.Errorf("enricher is closed")
	}
	e.mu.RUnlock()

	return &memory.PromptAnalysis{
		Intent:       ClassifyIntent(prompt),
		Keywords:     TopKeywords(prompt, 8),
		FromFallback: true,
	}, nil
}

// GenerateAnswer always fails: answer generation has no offline fallback.
func (e *FallbackEnricher) GenerateAnswer(ctx context.Context, prompt, contextText string) (string, error) {
	return "", apperr.Unavailable("answer generator is not available")
}

// Dimensions returns the embedding dimension.
func (e *FallbackEnricher) Dimensions() int {
	return e.dimensions
}

// ModelVersion returns the fallback model identifier.
func (e *FallbackEnricher) ModelVersion() string {
	return fmt.Sprintf("%shash-v1-%dd", memory.FallbackModelPrefix, e.dimensions)
}

// Available reports readiness (always true until closed).
func (e *FallbackEnricher) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close releases resources.
func (e *FallbackEnricher) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// ClassifyIntent buckets a prompt by surface patterns.
func ClassifyIntent(prompt string) memory.Intent {
	p := strings.ToLower(prompt)
	switch {
	case containsAny(p, "error", "bug", "crash", "fail", "broken", "panic", "exception", "not working"):
		return memory.IntentDebugging
	case containsAny(p, "how do i", "how to", "how can i", "steps to", "guide"):
		return memory.IntentHowTo
	case containsAny(p, "what did", "discussed", "we talked", "last time", "remember when", "recap"):
		return memory.IntentRecall
	case containsAny(p, "write a", "generate", "draft", "compose", "create a"):
		return memory.IntentGeneration
	case strings.Contains(p, "?") || containsAny(p, "what is", "what are", "who", "when", "where", "why"):
		return memory.IntentFactual
	default:
		return memory.IntentGeneral
	}
}

// TopKeywords returns the most frequent non-stop-word tokens, ties broken
// alphabetically for determinism.
func TopKeywords(text string, limit int) []string {
	counts := make(map[string]int)
	for _, token := range tokenizeWords(text) {
		if stopWords[token] || len(token) < 3 {
			continue
		}
		counts[token]++
	}

	type kc struct {
		word  string
		count int
	}
	ranked := make([]kc, 0, len(counts))
	for w, c := range counts {
		ranked = append(ranked, kc{w, c})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].count != ranked[j].count {
			return ranked[i].count > ranked[j].count
		}
		return ranked[i].word < ranked[j].word
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	out := make([]string, len(ranked))
	for i, k := range ranked {
		out[i] = k.word
	}
	return out
}

func heuristicTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(strings.TrimLeft(line, "#-*> \t"))
		if t != "" {
			return truncate(t, 80)
		}
	}
	return ""
}

func heuristicSummary(content string) string {
	flat := strings.Join(strings.Fields(content), " ")
	return truncate(flat, 240)
}

func heuristicImportance(chunkType memory.ChunkType) float64 {
	switch chunkType {
	case memory.ChunkHeading:
		return 0.8
	case memory.ChunkCode:
		return 0.7
	case memory.ChunkList:
		return 0.5
	default:
		return 0.6
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := s[:n]
	if i := strings.LastIndex(cut, " "); i > n/2 {
		cut = cut[:i]
	}
	return cut
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func tokenizeWords(text string) []string {
	words := wordRegex.FindAllString(text, -1)
	out := make([]string, 0, len(words))
	for _, w := range words {
		out = append(out, strings.ToLower(w))
	}
	return out
}

func normalizeForNgrams(text string) string {
	var result strings.Builder
	for _, r := range strings.ToLower(text) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			result.WriteRune(r)
		}
	}
	return result.String()
}

func extractNgrams(text string, n int) []string {
	if len(text) < n {
		return []string{}
	}
	ngrams := make([]string, 0, len(text)-n+1)
	for i := 0; i <= len(text)-n; i++ {
		ngrams = append(ngrams, text[i:i+n])
	}
	return ngrams
}

func hashToIndex(s string, size int) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(size))
}

func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return v
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
	return v
}
