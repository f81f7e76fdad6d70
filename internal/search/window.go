package search

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/chunk"
	"github.com/contextd/contextd/internal/memory"
)

// Strategy picks how window candidates are prioritized.
type Strategy string

const (
	StrategyRelevance  Strategy = "relevance"
	StrategyRecency    Strategy = "recency"
	StrategyImportance Strategy = "importance"
	StrategyMixed      Strategy = "mixed"
)

// Mixed-strategy blend weights.
const (
	mixedRelevanceWeight  = 0.50
	mixedRecencyWeight    = 0.25
	mixedImportanceWeight = 0.25
)

// recencyHalfLife is the exponential-decay half-life for recency scoring:
// a candidate this much older than the newest scores 0.5.
const recencyHalfLife = 7 * 24 * time.Hour

// nodeSeparator joins selected nodes in the assembled text. Its token
// cost is charged against the budget for every gap.
const nodeSeparator = "\n\n"

// ValidStrategy reports whether s is a supported strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyRelevance, StrategyRecency, StrategyImportance, StrategyMixed:
		return true
	}
	return false
}

// WindowRequest asks for a budget-bounded context window. Candidates come
// from retrieval on Query (hybrid, or graph-expanded when SeedContextID is
// set), or from the caller directly via NodeIDs.
type WindowRequest struct {
	Scope         memory.Scope
	Query         string
	NodeIDs       []string // explicit candidates, skips retrieval
	SeedContextID string   // graph-expanded retrieval around this context
	Budget        int      // token budget, strict
	Strategy      Strategy
	// IncludeMetadata prefixes each node with a title/type/createdAt
	// header, charged against the budget.
	IncludeMetadata bool
	// NoSeparators disables the per-node separator (and its token cost).
	NoSeparators bool
	Limit        int // candidate pool size (default: 50)
}

// AssembleWindow retrieves candidates, re-scores them by the strategy, and
// packs the best into the token budget. Selection is greedy on priority
// per token; the final window is ordered by (context, chunk index) so text
// reads in document order.
func (e *Engine) AssembleWindow(ctx context.Context, req WindowRequest) (*memory.ContextWindow, error) {
	if req.Budget <= 0 {
		return nil, apperr.InvalidInput("window budget must be positive")
	}
	if req.Strategy == "" {
		req.Strategy = StrategyMixed
	}
	if !ValidStrategy(req.Strategy) {
		return nil, apperr.InvalidInput("unknown window strategy").WithDetail("strategy", string(req.Strategy))
	}
	if strings.TrimSpace(req.Query) == "" && len(req.NodeIDs) == 0 {
		return nil, apperr.InvalidInput("either a query or explicit node ids are required")
	}
	if req.Limit <= 0 {
		req.Limit = 50
	}

	candidates, err := e.windowCandidates(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &memory.ContextWindow{Nodes: []memory.WindowNode{}}, nil
	}

	priorities := scorePriorities(candidates, req.Strategy)

	// Greedy pack on priority per token. A node that alone exceeds the
	// remaining budget is skipped, not truncated.
	order := make([]int, len(candidates))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool {
		i, j := order[a], order[b]
		di := density(priorities[i], candidates[i].Node.TokenCount)
		dj := density(priorities[j], candidates[j].Node.TokenCount)
		if di != dj {
			return di > dj
		}
		if priorities[i] != priorities[j] {
			return priorities[i] > priorities[j]
		}
		return candidates[i].Node.ID < candidates[j].Node.ID
	})

	sepTokens := 0
	if !req.NoSeparators {
		sepTokens = chunk.EstimateTokens(nodeSeparator)
	}

	// Separator and metadata header tokens count against the budget the
	// same as content tokens.
	remaining := req.Budget
	charged := make(map[int]int, len(candidates))
	var selected []int
	for _, i := range order {
		tokens := candidates[i].Node.TokenCount
		if tokens <= 0 {
			continue
		}
		cost := tokens
		if req.IncludeMetadata {
			cost += chunk.EstimateTokens(metadataHeader(candidates[i].Node))
		}
		if len(selected) > 0 {
			cost += sepTokens
		}
		if cost > remaining {
			continue
		}
		charged[i] = cost
		selected = append(selected, i)
		remaining -= cost
	}

	// Document order for readable assembled text.
	sort.Slice(selected, func(a, b int) bool {
		na, nb := candidates[selected[a]].Node, candidates[selected[b]].Node
		if na.ContextID != nb.ContextID {
			return na.ContextID < nb.ContextID
		}
		return na.ChunkIndex < nb.ChunkIndex
	})

	window := &memory.ContextWindow{Nodes: make([]memory.WindowNode, 0, len(selected))}
	selectedTokens := 0
	var parts []string
	for _, i := range selected {
		node := candidates[i].Node
		window.Nodes = append(window.Nodes, memory.WindowNode{
			NodeID:     node.ID,
			ContextID:  node.ContextID,
			ChunkIndex: node.ChunkIndex,
			Tokens:     node.TokenCount,
			Score:      priorities[i],
		})
		window.TotalTokens += charged[i]
		selectedTokens += node.TokenCount
		text := node.Content
		if req.IncludeMetadata {
			text = metadataHeader(node) + "\n" + text
		}
		parts = append(parts, text)
	}
	sep := nodeSeparator
	if req.NoSeparators {
		sep = ""
	}
	window.Text = strings.Join(parts, sep)
	window.Coverage = tokenCoverage(selectedTokens, candidates)
	return window, nil
}

// windowCandidates resolves the candidate pool: explicit node ids when
// supplied, retrieval otherwise.
func (e *Engine) windowCandidates(ctx context.Context, req WindowRequest) ([]*Result, error) {
	if len(req.NodeIDs) > 0 {
		nodes, err := e.liveNodes(ctx, req.Scope, req.NodeIDs)
		if err != nil {
			return nil, err
		}
		candidates := make([]*Result, 0, len(req.NodeIDs))
		for _, id := range req.NodeIDs {
			if node, ok := nodes[id]; ok {
				// No retrieval ran, so there is no engine relevance score.
				candidates = append(candidates, &Result{Node: node, Score: 1.0})
			}
		}
		return candidates, nil
	}

	mode := ModeHybrid
	if req.SeedContextID != "" {
		mode = ModeGraph
	}
	resp, err := e.Search(ctx, Request{
		Scope:         req.Scope,
		Query:         req.Query,
		Mode:          mode,
		SeedContextID: req.SeedContextID,
		Limit:         req.Limit,
	})
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}

// metadataHeader is the optional per-node prefix line.
func metadataHeader(node *memory.Node) string {
	title := node.Title
	if title == "" {
		title = node.ID
	}
	return fmt.Sprintf("[%s | %s | %s]", title, node.ChunkType, node.CreatedAt.Format("2006-01-02"))
}

// tokenCoverage is the selected fraction of the candidate pool's tokens.
func tokenCoverage(selectedTokens int, candidates []*Result) float64 {
	candidateTokens := 0
	for _, c := range candidates {
		candidateTokens += c.Node.TokenCount
	}
	if candidateTokens <= 0 {
		return 0
	}
	return float64(selectedTokens) / float64(candidateTokens)
}

func density(priority float64, tokens int) float64 {
	if tokens <= 0 {
		return 0
	}
	return priority / float64(tokens)
}

// scorePriorities converts search relevance into strategy priorities.
func scorePriorities(candidates []*Result, strategy Strategy) []float64 {
	recency := recencyScores(candidates)

	priorities := make([]float64, len(candidates))
	for i, c := range candidates {
		switch strategy {
		case StrategyRelevance:
			priorities[i] = c.Score
		case StrategyRecency:
			priorities[i] = recency[i]
		case StrategyImportance:
			priorities[i] = c.Node.Importance
		default: // mixed
			priorities[i] = mixedRelevanceWeight*c.Score +
				mixedRecencyWeight*recency[i] +
				mixedImportanceWeight*c.Node.Importance
		}
	}
	return priorities
}

// recencyScores decays exponentially with age: the newest candidate
// scores 1.0 and a candidate one half-life older scores 0.5.
func recencyScores(candidates []*Result) []float64 {
	var newest time.Time
	for i, c := range candidates {
		if i == 0 || c.Node.CreatedAt.After(newest) {
			newest = c.Node.CreatedAt
		}
	}

	scores := make([]float64, len(candidates))
	for i, c := range candidates {
		age := newest.Sub(c.Node.CreatedAt)
		if age <= 0 {
			scores[i] = 1.0
			continue
		}
		scores[i] = math.Pow(0.5, float64(age)/float64(recencyHalfLife))
	}
	return scores
}
