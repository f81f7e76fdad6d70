package graph

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/store"
)

// Manager owns one similarity graph per scope. Graphs build lazily on
// first use, update incrementally as nodes arrive and leave, and rebuild
// wholesale once enough churn accumulates.
type Manager struct {
	cfg     Config
	records store.RecordStore
	logger  *slog.Logger
	cache   *simCache

	mu     sync.Mutex
	scopes map[string]*scopeGraph
}

type scopeGraph struct {
	mu      sync.RWMutex
	scope   memory.Scope
	state   State
	version uint64
	builtAt time.Time

	lsh   *lshIndex
	meta  map[string]*nodeMeta
	edges map[string][]memory.Edge

	// changedSinceBuild counts adds and removals; crossing the recompact
	// ratio flips the graph stale.
	changedSinceBuild int
	builtNodeCount    int
}

// NewManager creates a graph manager.
func NewManager(cfg Config, records store.RecordStore, logger *slog.Logger) *Manager {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:     cfg,
		records: records,
		logger:  logger.With(slog.String("component", "graph")),
		cache:   newSimCache(cfg.SimCacheSize),
		scopes:  make(map[string]*scopeGraph),
	}
}

func (m *Manager) scopeGraph(scope memory.Scope) *scopeGraph {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := scope.Key()
	g, ok := m.scopes[key]
	if !ok {
		g = &scopeGraph{
			scope: scope,
			state: StateEmpty,
			lsh:   newLSHIndex(key, m.cfg.Hyperplanes, m.cfg.Dimensions),
			meta:  make(map[string]*nodeMeta),
			edges: make(map[string][]memory.Edge),
		}
		m.scopes[key] = g
	}
	return g
}

// EnsureReady builds the scope's graph if it has never been built, or
// rebuilds it if stale. Queries call this before traversal.
func (m *Manager) EnsureReady(ctx context.Context, scope memory.Scope) error {
	g := m.scopeGraph(scope)

	g.mu.RLock()
	state := g.state
	g.mu.RUnlock()

	switch state {
	case StateReady, StateBuilding, StateRebuilding:
		return nil
	case StateEmpty, StateStale:
		return m.build(ctx, g)
	}
	return nil
}

// Rebuild forces a full rebuild of the scope's graph.
func (m *Manager) Rebuild(ctx context.Context, scope memory.Scope) error {
	return m.build(ctx, m.scopeGraph(scope))
}

// build loads the scope's enriched nodes and recomputes all edges.
// Queries against the old edge set keep serving until the swap at the end.
func (m *Manager) build(ctx context.Context, g *scopeGraph) error {
	g.mu.Lock()
	switch g.state {
	case StateBuilding, StateRebuilding:
		g.mu.Unlock()
		return nil // a build is already running
	case StateEmpty:
		g.state = StateBuilding
	default:
		g.state = StateRebuilding
	}
	g.mu.Unlock()

	start := time.Now()
	nodes, err := m.records.ListNodesByScope(ctx, g.scope)
	if err != nil {
		m.revertBuildState(g)
		return apperr.Wrap(err, apperr.KindInternal, "failed to load nodes for graph build")
	}

	// Context tags and types feed the similarity blend.
	ctxCache := make(map[string]*memory.Context)
	lsh := newLSHIndex(g.scope.Key(), m.cfg.Hyperplanes, m.cfg.Dimensions)
	meta := make(map[string]*nodeMeta, len(nodes))

	for _, node := range nodes {
		if len(node.Embedding) == 0 {
			continue // not yet enriched
		}
		parent, ok := ctxCache[node.ContextID]
		if !ok {
			parent, err = m.records.GetContextByID(ctx, node.ContextID)
			if err != nil {
				continue
			}
			ctxCache[node.ContextID] = parent
		}

		nm := &nodeMeta{
			node:      node,
			tags:      parent.Tags,
			ctype:     parent.Type,
			shingles:  contentShingles(node.Content),
			signature: lsh.signature(node.Embedding),
		}
		meta[node.ID] = nm
		lsh.add(node.ID, nm.signature)
	}

	edges := make(map[string][]memory.Edge, len(meta))
	for id, nm := range meta {
		if err := ctx.Err(); err != nil {
			m.revertBuildState(g)
			return apperr.Wrap(err, apperr.KindDeadlineExceeded, "graph build cancelled")
		}
		edges[id] = m.scoreCandidates(nm, meta, lsh.candidates(nm.signature, m.cfg.NeighborBuckets))
	}
	m.addStructuralEdges(meta, edges)

	g.mu.Lock()
	g.lsh = lsh
	g.meta = meta
	g.edges = edges
	g.state = StateReady
	g.version++
	g.builtAt = time.Now()
	g.changedSinceBuild = 0
	g.builtNodeCount = len(meta)
	version := g.version
	g.mu.Unlock()

	m.logger.Info("graph built",
		slog.String("scope", g.scope.Key()),
		slog.Int("nodes", len(meta)),
		slog.Uint64("version", version),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

func (m *Manager) revertBuildState(g *scopeGraph) {
	g.mu.Lock()
	if g.builtNodeCount == 0 {
		g.state = StateEmpty
	} else {
		g.state = StateStale
	}
	g.mu.Unlock()
}

// scoreCandidates scores nm against the candidate pool and keeps the
// top-K edges above the threshold. Ties break on the lower target id.
func (m *Manager) scoreCandidates(nm *nodeMeta, meta map[string]*nodeMeta, candidates []string) []memory.Edge {
	var edges []memory.Edge
	for _, otherID := range candidates {
		if otherID == nm.node.ID {
			continue
		}
		other, ok := meta[otherID]
		if !ok {
			continue
		}

		score, cached := m.cache.get(nm.node.ID, otherID)
		if !cached {
			score = similarity(nm, other)
			m.cache.put(nm.node.ID, otherID, score)
		}
		if score < m.cfg.SimilarityThreshold {
			continue
		}
		edges = append(edges, memory.Edge{
			SourceID: nm.node.ID,
			TargetID: otherID,
			Kind:     memory.EdgeSimilar,
			Weight:   score,
		})
	}
	return m.trim(edges)
}

// trim sorts similar edges by weight descending (ties on lower target id)
// and truncates to the per-node cap. Structural edges pass through.
func (m *Manager) trim(edges []memory.Edge) []memory.Edge {
	similar := edges[:0:0]
	var structural []memory.Edge
	for _, e := range edges {
		if e.Kind == memory.EdgeSimilar {
			similar = append(similar, e)
		} else {
			structural = append(structural, e)
		}
	}
	sort.Slice(similar, func(i, j int) bool {
		if similar[i].Weight != similar[j].Weight {
			return similar[i].Weight > similar[j].Weight
		}
		return similar[i].TargetID < similar[j].TargetID
	})
	if len(similar) > m.cfg.EdgesPerNode {
		similar = similar[:m.cfg.EdgesPerNode]
	}
	return append(similar, structural...)
}

// addStructuralEdges links siblings (adjacent chunks of one context) and
// parent/child node pairs.
func (m *Manager) addStructuralEdges(meta map[string]*nodeMeta, edges map[string][]memory.Edge) {
	// Group by context, ordered by chunk index.
	byContext := make(map[string][]*nodeMeta)
	for _, nm := range meta {
		byContext[nm.node.ContextID] = append(byContext[nm.node.ContextID], nm)
	}
	for _, group := range byContext {
		sort.Slice(group, func(i, j int) bool {
			return group[i].node.ChunkIndex < group[j].node.ChunkIndex
		})
		for i := 0; i+1 < len(group); i++ {
			a, b := group[i].node.ID, group[i+1].node.ID
			edges[a] = append(edges[a], memory.Edge{
				SourceID: a, TargetID: b, Kind: memory.EdgeSiblingOf, Weight: 0.5,
			})
			edges[b] = append(edges[b], memory.Edge{
				SourceID: b, TargetID: a, Kind: memory.EdgeSiblingOf, Weight: 0.5,
			})
		}
	}

	for _, nm := range meta {
		parentID := nm.node.ParentNodeID
		if parentID == "" {
			continue
		}
		if _, ok := meta[parentID]; !ok {
			continue
		}
		edges[parentID] = append(edges[parentID], memory.Edge{
			SourceID: parentID, TargetID: nm.node.ID, Kind: memory.EdgeParentOf, Weight: 1.0,
		})
	}
}

// AddOrUpdateNode inserts an enriched node incrementally. The enrichment
// pool calls this after persisting a node's embedding.
func (m *Manager) AddOrUpdateNode(scope memory.Scope, node *memory.Node, tags []string, ctype memory.ContextType) {
	if len(node.Embedding) == 0 {
		return
	}
	g := m.scopeGraph(scope)

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state == StateEmpty {
		// Lazy: the first graph query triggers the full build.
		return
	}

	if old, exists := g.meta[node.ID]; exists {
		g.lsh.remove(node.ID, old.signature)
		m.dropEdgesTouching(g, node.ID)
		m.cache.purge()
	}

	nm := &nodeMeta{
		node:      node,
		tags:      tags,
		ctype:     ctype,
		shingles:  contentShingles(node.Content),
		signature: g.lsh.signature(node.Embedding),
	}
	g.meta[node.ID] = nm
	g.lsh.add(node.ID, nm.signature)

	newEdges := m.scoreCandidates(nm, g.meta, g.lsh.candidates(nm.signature, m.cfg.NeighborBuckets))
	g.edges[node.ID] = newEdges

	// Mirror similar edges onto the targets, re-trimming their lists.
	for _, e := range newEdges {
		if e.Kind != memory.EdgeSimilar {
			continue
		}
		reverse := memory.Edge{
			SourceID: e.TargetID, TargetID: e.SourceID, Kind: memory.EdgeSimilar, Weight: e.Weight,
		}
		g.edges[e.TargetID] = m.trim(append(g.edges[e.TargetID], reverse))
	}

	// Sibling edge to the preceding chunk of the same context.
	for _, other := range g.meta {
		if other.node.ContextID != node.ContextID || other.node.ID == node.ID {
			continue
		}
		if other.node.ChunkIndex == node.ChunkIndex-1 || other.node.ChunkIndex == node.ChunkIndex+1 {
			g.edges[node.ID] = append(g.edges[node.ID], memory.Edge{
				SourceID: node.ID, TargetID: other.node.ID, Kind: memory.EdgeSiblingOf, Weight: 0.5,
			})
			g.edges[other.node.ID] = append(g.edges[other.node.ID], memory.Edge{
				SourceID: other.node.ID, TargetID: node.ID, Kind: memory.EdgeSiblingOf, Weight: 0.5,
			})
		}
	}

	g.changedSinceBuild++
	g.version++
	m.maybeMarkStale(g)
}

// RemoveNodes detaches nodes from the graph, for example when their
// context is deleted.
func (m *Manager) RemoveNodes(scope memory.Scope, nodeIDs []string) {
	g := m.scopeGraph(scope)

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StateEmpty {
		return
	}

	for _, id := range nodeIDs {
		nm, ok := g.meta[id]
		if !ok {
			continue
		}
		g.lsh.remove(id, nm.signature)
		delete(g.meta, id)
		delete(g.edges, id)
		m.dropEdgesTouching(g, id)
		g.changedSinceBuild++
	}
	g.version++
	m.maybeMarkStale(g)
}

// dropEdgesTouching removes every edge whose target is id. Caller holds
// the write lock.
func (m *Manager) dropEdgesTouching(g *scopeGraph, id string) {
	for src, list := range g.edges {
		kept := list[:0]
		for _, e := range list {
			if e.TargetID != id {
				kept = append(kept, e)
			}
		}
		g.edges[src] = kept
	}
}

// maybeMarkStale flips Ready to Stale once churn crosses the recompact
// ratio. Caller holds the write lock.
func (m *Manager) maybeMarkStale(g *scopeGraph) {
	if g.state != StateReady || g.builtNodeCount == 0 {
		return
	}
	if float64(g.changedSinceBuild) >= m.cfg.RecompactRatio*float64(g.builtNodeCount) {
		g.state = StateStale
		m.logger.Info("graph marked stale",
			slog.String("scope", g.scope.Key()),
			slog.Int("changed", g.changedSinceBuild),
			slog.Int("built_nodes", g.builtNodeCount))
	}
}

// Neighbors returns a copy of a node's outgoing edges.
func (m *Manager) Neighbors(scope memory.Scope, nodeID string) []memory.Edge {
	g := m.scopeGraph(scope)
	g.mu.RLock()
	defer g.mu.RUnlock()

	list := g.edges[nodeID]
	out := make([]memory.Edge, len(list))
	copy(out, list)
	return out
}

// Contains reports whether the node participates in the scope's graph.
func (m *Manager) Contains(scope memory.Scope, nodeID string) bool {
	g := m.scopeGraph(scope)
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.meta[nodeID]
	return ok
}

// Info snapshots the scope graph's status.
func (m *Manager) Info(scope memory.Scope) Info {
	g := m.scopeGraph(scope)
	g.mu.RLock()
	defer g.mu.RUnlock()

	edgeCount := 0
	for _, list := range g.edges {
		edgeCount += len(list)
	}
	return Info{
		State:     g.state,
		Version:   g.version,
		NodeCount: len(g.meta),
		EdgeCount: edgeCount,
		BuiltAt:   g.builtAt,
	}
}

// Stale reports whether the scope's graph is serving from outdated edges.
// The HTTP layer surfaces this as a response header.
func (m *Manager) Stale(scope memory.Scope) bool {
	g := m.scopeGraph(scope)
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state == StateStale || g.state == StateRebuilding
}
