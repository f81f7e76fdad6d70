package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/graph"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/store"
)

// Mode selects the retrieval strategy.
type Mode string

const (
	ModeText     Mode = "text"
	ModeSemantic Mode = "semantic"
	ModeHybrid   Mode = "hybrid"
	ModeGraph    Mode = "graph"
)

// ValidMode reports whether m is a supported mode.
func ValidMode(m Mode) bool {
	switch m {
	case ModeText, ModeSemantic, ModeHybrid, ModeGraph:
		return true
	}
	return false
}

// Config tunes the engine.
type Config struct {
	// RRFK is the fusion smoothing constant (default: 60).
	RRFK int

	// MaxGraphDepth bounds graph expansion (default: 2).
	MaxGraphDepth int

	// GraphAlpha weighs seed relevance in graph scoring (default: 0.7).
	GraphAlpha float64

	// GraphBeta weighs graph proximity in graph scoring (default: 0.3).
	GraphBeta float64

	// Dimensions is the embedding dimension for per-scope vector indexes.
	Dimensions int

	// Candidates is how many hits each source contributes before fusion
	// (default: 50).
	Candidates int
}

func (c *Config) applyDefaults() {
	if c.RRFK <= 0 {
		c.RRFK = DefaultRRFConstant
	}
	if c.MaxGraphDepth <= 0 {
		c.MaxGraphDepth = 2
	}
	if c.GraphAlpha <= 0 {
		c.GraphAlpha = 0.7
	}
	if c.GraphBeta <= 0 {
		c.GraphBeta = 0.3
	}
	if c.Candidates <= 0 {
		c.Candidates = 50
	}
}

// Request is one search invocation. SeedContextID narrows graph-mode
// seeding to that context's nodes; other modes ignore it.
type Request struct {
	Scope         memory.Scope
	Query         string
	Mode          Mode
	SeedContextID string
	Limit         int
}

// Result is a single scored node.
type Result struct {
	Node         *memory.Node `json:"node"`
	Score        float64      `json:"score"`
	TextScore    float64      `json:"textScore,omitempty"`
	VecScore     float64      `json:"vecScore,omitempty"`
	MatchedTerms []string     `json:"matchedTerms,omitempty"`
	Depth        int          `json:"depth,omitempty"` // graph hops from a seed
}

// Response carries results plus the mode actually used: a degraded search
// reports the fallback mode it ran with.
type Response struct {
	Results  []*Result `json:"results"`
	Mode     Mode      `json:"mode"`
	Degraded bool      `json:"degraded,omitempty"`
}

// Engine runs searches over the text index, per-scope vector indexes, and
// the similarity graph.
type Engine struct {
	cfg      Config
	records  store.RecordStore
	text     store.TextIndex
	enricher enrich.Enricher
	graphs   *graph.Manager
	fusion   *RRFFusion
	logger   *slog.Logger

	mu      sync.Mutex
	vectors map[string]store.VectorIndex
}

// NewEngine creates a search engine. enricher embeds queries and should be
// the same chain used at ingest so query and node vectors share a space.
func NewEngine(cfg Config, records store.RecordStore, text store.TextIndex,
	enricher enrich.Enricher, graphs *graph.Manager, logger *slog.Logger) *Engine {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:      cfg,
		records:  records,
		text:     text,
		enricher: enricher,
		graphs:   graphs,
		fusion:   NewRRFFusion(cfg.RRFK),
		logger:   logger.With(slog.String("component", "search")),
		vectors:  make(map[string]store.VectorIndex),
	}
}

// vectorIndex returns the scope's vector index, creating it on demand.
func (e *Engine) vectorIndex(scope memory.Scope) (store.VectorIndex, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := scope.Key()
	if idx, ok := e.vectors[key]; ok {
		return idx, nil
	}
	idx, err := store.NewHNSWIndex(store.VectorIndexConfig{Dimensions: e.cfg.Dimensions})
	if err != nil {
		return nil, err
	}
	e.vectors[key] = idx
	return idx, nil
}

// AddEmbedding indexes a node's embedding for its scope. The enrichment
// pool calls this after persisting enrichment.
func (e *Engine) AddEmbedding(ctx context.Context, scope memory.Scope, nodeID string, vec []float32) error {
	idx, err := e.vectorIndex(scope)
	if err != nil {
		return err
	}
	return idx.Add(ctx, []string{nodeID}, [][]float32{vec})
}

// RemoveEmbeddings drops node embeddings from the scope's vector index.
func (e *Engine) RemoveEmbeddings(ctx context.Context, scope memory.Scope, nodeIDs []string) error {
	idx, err := e.vectorIndex(scope)
	if err != nil {
		return err
	}
	return idx.Delete(ctx, nodeIDs)
}

// WarmScope loads a scope's persisted embeddings into its vector index.
// Indexes live in memory, so a restart starts cold; the first search (or
// the server at startup) warms them from the record store.
func (e *Engine) WarmScope(ctx context.Context, scope memory.Scope) error {
	idx, err := e.vectorIndex(scope)
	if err != nil {
		return err
	}
	if idx.Count() > 0 {
		return nil
	}

	nodes, err := e.records.ListNodesByScope(ctx, scope)
	if err != nil {
		return err
	}

	var ids []string
	var vecs [][]float32
	for _, n := range nodes {
		if len(n.Embedding) == e.cfg.Dimensions {
			ids = append(ids, n.ID)
			vecs = append(vecs, n.Embedding)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	return idx.Add(ctx, ids, vecs)
}

// Search runs the requested mode, degrading along text <- hybrid <-
// semantic when the vector side is unavailable.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if req.Limit <= 0 {
		req.Limit = 10
	}
	if req.Mode == "" {
		req.Mode = ModeHybrid
	}
	if !ValidMode(req.Mode) {
		return nil, apperr.InvalidInput("unknown search mode").WithDetail("mode", string(req.Mode))
	}

	switch req.Mode {
	case ModeText:
		return e.searchText(ctx, req)
	case ModeSemantic:
		return e.searchSemantic(ctx, req)
	case ModeHybrid:
		return e.searchHybrid(ctx, req)
	case ModeGraph:
		return e.searchGraph(ctx, req)
	}
	return nil, apperr.Internal("unreachable search mode", nil)
}

func (e *Engine) searchText(ctx context.Context, req Request) (*Response, error) {
	hits, err := e.text.Search(ctx, req.Scope, req.Query, e.cfg.Candidates)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "text search failed")
	}

	fused := e.fusion.Fuse(hits, nil, DefaultWeights())
	results, err := e.resolve(ctx, req.Scope, fused, len(fused))
	if err != nil {
		return nil, err
	}
	orderNewerFirstOnTies(results)
	if len(results) > req.Limit {
		results = results[:req.Limit]
	}
	return &Response{Results: results, Mode: ModeText}, nil
}

// orderNewerFirstOnTies breaks equal text relevance by node recency. Rank
// fusion always produces distinct scores, so ties are detected on the raw
// text score.
func orderNewerFirstOnTies(results []*Result) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		if a.TextScore != b.TextScore {
			return a.TextScore > b.TextScore
		}
		if !a.Node.CreatedAt.Equal(b.Node.CreatedAt) {
			return a.Node.CreatedAt.After(b.Node.CreatedAt)
		}
		return a.Node.ID < b.Node.ID
	})
}

func (e *Engine) searchSemantic(ctx context.Context, req Request) (*Response, error) {
	vecHits, err := e.semanticHits(ctx, req)
	if err != nil {
		// Vector side down: fall back to text so the query still answers.
		e.logger.Warn("semantic search degraded to text",
			slog.String("error", err.Error()))
		resp, terr := e.searchText(ctx, req)
		if terr != nil {
			return nil, terr
		}
		resp.Degraded = true
		return resp, nil
	}

	fused := e.fusion.Fuse(nil, vecHits, DefaultWeights())
	results, err := e.resolve(ctx, req.Scope, fused, req.Limit)
	if err != nil {
		return nil, err
	}
	return &Response{Results: results, Mode: ModeSemantic}, nil
}

// searchHybrid runs the text and vector legs in parallel and fuses the
// rankings. A failed vector leg degrades to text only.
func (e *Engine) searchHybrid(ctx context.Context, req Request) (*Response, error) {
	var textHits []*store.TextResult
	var vecHits []*store.VectorResult
	var vecErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := e.text.Search(gctx, req.Scope, req.Query, e.cfg.Candidates)
		if err != nil {
			return apperr.Wrap(err, apperr.KindInternal, "text search failed")
		}
		textHits = hits
		return nil
	})
	g.Go(func() error {
		vecHits, vecErr = e.semanticHits(gctx, req)
		return nil // degradation is decided after both legs finish
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	degraded := false
	if vecErr != nil {
		e.logger.Warn("hybrid search degraded to text only",
			slog.String("error", vecErr.Error()))
		vecHits = nil
		degraded = true
	}

	fused := e.fusion.Fuse(textHits, vecHits, DefaultWeights())
	results, err := e.resolve(ctx, req.Scope, fused, req.Limit)
	if err != nil {
		return nil, err
	}

	mode := ModeHybrid
	if degraded {
		mode = ModeText
	}
	return &Response{Results: results, Mode: mode, Degraded: degraded}, nil
}

// searchGraph expands seed nodes over the similarity graph. Seeds come
// from semantic scoring over the seed context's nodes when one is given,
// or scope-wide hybrid retrieval otherwise. Each reached node scores
// alpha * seed relevance + beta * path proximity, where proximity is the
// product of edge weights along the best path.
func (e *Engine) searchGraph(ctx context.Context, req Request) (*Response, error) {
	if err := e.graphs.EnsureReady(ctx, req.Scope); err != nil {
		return nil, err
	}

	// A graph mid-build has no trustworthy edge set for this scope yet;
	// answer semantically instead of from partial or outdated edges.
	if st := e.graphs.Info(req.Scope).State; st == graph.StateBuilding || st == graph.StateRebuilding {
		e.logger.Warn("graph search degraded to semantic during rebuild",
			slog.String("scope", req.Scope.Key()))
		resp, err := e.searchSemantic(ctx, req)
		if err != nil {
			return nil, err
		}
		resp.Degraded = true
		return resp, nil
	}

	seeds, degraded, err := e.graphSeeds(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(seeds) == 0 {
		return &Response{Results: []*Result{}, Mode: ModeGraph, Degraded: degraded}, nil
	}

	type reached struct {
		score float64
		depth int
		seed  *Result
	}
	best := make(map[string]*reached)

	for _, seed := range seeds {
		cur := best[seed.Node.ID]
		score := e.cfg.GraphAlpha*seed.Score + e.cfg.GraphBeta
		if cur == nil || score > cur.score {
			best[seed.Node.ID] = &reached{score: score, depth: 0, seed: seed}
		}

		// Bounded BFS from the seed.
		type frontier struct {
			id        string
			proximity float64
			depth     int
		}
		queue := []frontier{{id: seed.Node.ID, proximity: 1.0, depth: 0}}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]
			if cur.depth >= e.cfg.MaxGraphDepth {
				continue
			}
			for _, edge := range e.graphs.Neighbors(req.Scope, cur.id) {
				proximity := cur.proximity * edge.Weight
				score := e.cfg.GraphAlpha*seed.Score + e.cfg.GraphBeta*proximity
				prev := best[edge.TargetID]
				if prev != nil && prev.score >= score {
					continue
				}
				best[edge.TargetID] = &reached{score: score, depth: cur.depth + 1, seed: seed}
				queue = append(queue, frontier{id: edge.TargetID, proximity: proximity, depth: cur.depth + 1})
			}
		}
	}

	ids := make([]string, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := best[ids[i]], best[ids[j]]
		if a.score != b.score {
			return a.score > b.score
		}
		return ids[i] < ids[j]
	})

	nodes, err := e.liveNodes(ctx, req.Scope, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, req.Limit)
	for _, id := range ids {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		r := best[id]
		results = append(results, &Result{
			Node:  node,
			Score: r.score,
			Depth: r.depth,
		})
		if len(results) == req.Limit {
			break
		}
	}
	return &Response{Results: results, Mode: ModeGraph, Degraded: degraded}, nil
}

// graphSeeds computes the seed set: semantic similarity over the nodes of
// the seed context when one is named, scope-wide hybrid otherwise. A
// failed query embedding in seeded mode falls back to hybrid seeding.
func (e *Engine) graphSeeds(ctx context.Context, req Request) ([]*Result, bool, error) {
	if req.SeedContextID == "" {
		resp, err := e.searchHybrid(ctx, req)
		if err != nil {
			return nil, false, err
		}
		return resp.Results, resp.Degraded, nil
	}

	c, err := e.records.GetContext(ctx, req.Scope, req.SeedContextID)
	if err != nil {
		return nil, false, err
	}
	nodes, err := e.records.GetNodesByContext(ctx, c.ID)
	if err != nil {
		return nil, false, apperr.Wrap(err, apperr.KindInternal, "failed to load seed context nodes")
	}

	vec, err := e.enricher.Embed(ctx, req.Query)
	if err != nil {
		e.logger.Warn("seed embedding failed, falling back to hybrid seeds",
			slog.String("error", err.Error()))
		resp, herr := e.searchHybrid(ctx, req)
		if herr != nil {
			return nil, false, herr
		}
		return resp.Results, true, nil
	}

	seeds := make([]*Result, 0, len(nodes))
	for _, n := range nodes {
		if len(n.Embedding) != e.cfg.Dimensions {
			continue
		}
		seeds = append(seeds, &Result{Node: n, Score: cosine32(vec, n.Embedding)})
	}
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].Score != seeds[j].Score {
			return seeds[i].Score > seeds[j].Score
		}
		return seeds[i].Node.ID < seeds[j].Node.ID
	})
	if len(seeds) > e.cfg.Candidates {
		seeds = seeds[:e.cfg.Candidates]
	}
	return seeds, false, nil
}

// cosine32 is cosine similarity clamped to [0,1].
func cosine32(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	s := dot / (math.Sqrt(na) * math.Sqrt(nb))
	if s < 0 {
		return 0
	}
	if s > 1 {
		return 1
	}
	return s
}

// semanticHits embeds the query and searches the scope's vector index.
func (e *Engine) semanticHits(ctx context.Context, req Request) ([]*store.VectorResult, error) {
	if err := e.WarmScope(ctx, req.Scope); err != nil {
		return nil, err
	}

	vec, err := e.enricher.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	idx, err := e.vectorIndex(req.Scope)
	if err != nil {
		return nil, err
	}
	return idx.Search(ctx, vec, e.cfg.Candidates)
}

// resolve loads nodes for fused hits, drops dead ones, and truncates.
func (e *Engine) resolve(ctx context.Context, scope memory.Scope, fused []*FusedResult, limit int) ([]*Result, error) {
	ids := make([]string, len(fused))
	for i, f := range fused {
		ids[i] = f.NodeID
	}

	nodes, err := e.liveNodes(ctx, scope, ids)
	if err != nil {
		return nil, err
	}

	results := make([]*Result, 0, limit)
	for _, f := range fused {
		node, ok := nodes[f.NodeID]
		if !ok {
			continue
		}
		results = append(results, &Result{
			Node:         node,
			Score:        f.RRFScore,
			TextScore:    f.TextScore,
			VecScore:     f.VecScore,
			MatchedTerms: f.MatchedTerms,
		})
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// liveNodes fetches nodes by id, filtering out nodes whose context is
// tombstoned or belongs to another scope. Index entries can outlive their
// rows briefly during deletion; this is where they get dropped.
func (e *Engine) liveNodes(ctx context.Context, scope memory.Scope, ids []string) (map[string]*memory.Node, error) {
	nodes, err := e.records.GetNodes(ctx, ids)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to load result nodes")
	}

	ctxAlive := make(map[string]bool)
	out := make(map[string]*memory.Node, len(nodes))
	for _, n := range nodes {
		alive, checked := ctxAlive[n.ContextID]
		if !checked {
			parent, err := e.records.GetContextByID(ctx, n.ContextID)
			alive = err == nil && !parent.Tombstoned &&
				parent.UserID == scope.UserID && parent.ProjectID == scope.ProjectID
			ctxAlive[n.ContextID] = alive
		}
		if alive {
			out[n.ID] = n
		}
	}
	return out, nil
}
