// Package ingest drives the write path: validate, chunk, persist, then
// hand nodes to asynchronous enrichment. Persistence is all-or-nothing
// per context; enrichment failures never lose ingested content.
package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/chunk"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/graph"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/search"
	"github.com/contextd/contextd/internal/store"
)

// Config tunes the pipeline.
type Config struct {
	// ChunkTimeout bounds the chunking stage (default: 2s).
	ChunkTimeout time.Duration

	// MaxContentBytes rejects oversized payloads (default: 10MB).
	MaxContentBytes int
}

func (c *Config) applyDefaults() {
	if c.ChunkTimeout <= 0 {
		c.ChunkTimeout = 2 * time.Second
	}
	if c.MaxContentBytes <= 0 {
		c.MaxContentBytes = 10 << 20
	}
}

// Pipeline executes context writes end to end.
type Pipeline struct {
	cfg     Config
	records store.RecordStore
	text    store.TextIndex
	engine  *search.Engine
	graphs  *graph.Manager
	pool    *enrich.Pool
	chunker *chunk.Chunker
	logger  *slog.Logger
}

// NewPipeline wires the write path.
func NewPipeline(cfg Config, records store.RecordStore, text store.TextIndex,
	engine *search.Engine, graphs *graph.Manager, pool *enrich.Pool,
	chunker *chunk.Chunker, logger *slog.Logger) *Pipeline {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:     cfg,
		records: records,
		text:    text,
		engine:  engine,
		graphs:  graphs,
		pool:    pool,
		chunker: chunker,
		logger:  logger.With(slog.String("component", "ingest")),
	}
}

// CreateInput is a new context to ingest.
type CreateInput struct {
	Scope    memory.Scope
	Title    string
	Content  string
	Type     memory.ContextType
	Source   memory.Source
	Tags     []string
	Metadata map[string]string
}

// UpdateInput patches an existing context. Nil fields are left unchanged.
type UpdateInput struct {
	Scope    memory.Scope
	ID       string
	Title    *string
	Content  *string
	Type     *memory.ContextType
	Tags     *[]string
	Metadata *map[string]string
}

// Create validates, chunks, and persists a new context, then queues its
// nodes for enrichment. The returned context is immediately readable;
// search quality improves as enrichment lands.
func (p *Pipeline) Create(ctx context.Context, in CreateInput) (*memory.Context, error) {
	if err := p.validate(in.Content, in.Type); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	c := &memory.Context{
		ID:        uuid.NewString(),
		UserID:    in.Scope.UserID,
		ProjectID: in.Scope.ProjectID,
		Title:     in.Title,
		Content:   in.Content,
		Type:      in.Type,
		Source:    in.Source,
		Tags:      in.Tags,
		Metadata:  in.Metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if c.Title == "" {
		c.Title = deriveTitle(in.Content)
	}
	if c.Source.CapturedAt.IsZero() {
		c.Source.CapturedAt = now
	}

	nodes, err := p.chunkNodes(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := p.records.SaveContext(ctx, c); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to save context")
	}
	if err := p.records.UpsertNodes(ctx, c.ID, nodes); err != nil {
		// Roll the context back so a partial ingest never surfaces.
		_ = p.records.DeleteContext(ctx, in.Scope, c.ID)
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to save nodes")
	}
	c.ChunkCount = len(nodes)
	c.HasNodes = len(nodes) > 0

	p.queueEnrichment(in.Scope, c, nodes)

	p.logger.Info("context ingested",
		slog.String("context_id", c.ID),
		slog.String("scope", in.Scope.Key()),
		slog.Int("chunks", len(nodes)))
	return c, nil
}

// Update patches a context. A content change re-chunks and re-enriches;
// metadata-only changes skip the pipeline.
func (p *Pipeline) Update(ctx context.Context, in UpdateInput) (*memory.Context, error) {
	c, err := p.records.GetContext(ctx, in.Scope, in.ID)
	if err != nil {
		return nil, err
	}

	contentChanged := false
	if in.Content != nil && *in.Content != c.Content {
		if err := p.validate(*in.Content, c.Type); err != nil {
			return nil, err
		}
		c.Content = *in.Content
		contentChanged = true
	}
	if in.Title != nil {
		c.Title = *in.Title
	}
	if in.Type != nil {
		if !memory.ValidContextType(*in.Type) {
			return nil, apperr.InvalidInput("unknown context type").WithDetail("type", string(*in.Type))
		}
		c.Type = *in.Type
	}
	if in.Tags != nil {
		c.Tags = *in.Tags
	}
	if in.Metadata != nil {
		c.Metadata = *in.Metadata
	}
	c.UpdatedAt = time.Now().UTC()

	if !contentChanged {
		if err := p.records.UpdateContext(ctx, c); err != nil {
			return nil, err
		}
		return c, nil
	}

	oldNodes, err := p.records.GetNodesByContext(ctx, c.ID)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to load existing nodes")
	}

	nodes, err := p.chunkNodes(ctx, c)
	if err != nil {
		return nil, err
	}

	if err := p.records.UpsertNodes(ctx, c.ID, nodes); err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to replace nodes")
	}
	c.ChunkCount = len(nodes)
	c.HasNodes = len(nodes) > 0
	if err := p.records.UpdateContext(ctx, c); err != nil {
		return nil, err
	}

	p.evictNodes(ctx, in.Scope, oldNodes)
	p.queueEnrichment(in.Scope, c, nodes)
	return c, nil
}

// Delete removes a context, its nodes, and every index entry. The context
// is tombstoned first so concurrent searches stop surfacing it while the
// index cleanup runs.
func (p *Pipeline) Delete(ctx context.Context, scope memory.Scope, id string) error {
	if err := p.records.TombstoneContext(ctx, scope, id); err != nil {
		return err
	}

	nodes, err := p.records.GetNodesByContext(ctx, id)
	if err != nil {
		return apperr.Wrap(err, apperr.KindInternal, "failed to load nodes for deletion")
	}

	p.evictNodes(ctx, scope, nodes)

	if err := p.records.DeleteContext(ctx, scope, id); err != nil {
		return err
	}

	p.logger.Info("context deleted",
		slog.String("context_id", id),
		slog.String("scope", scope.Key()),
		slog.Int("nodes", len(nodes)))
	return nil
}

func (p *Pipeline) validate(content string, ctype memory.ContextType) error {
	if strings.TrimSpace(content) == "" {
		return apperr.InvalidInput("content must not be empty")
	}
	if len(content) > p.cfg.MaxContentBytes {
		return apperr.InvalidInput("content exceeds the size limit").
			WithDetail("limit_bytes", strconv.Itoa(p.cfg.MaxContentBytes))
	}
	if !memory.ValidContextType(ctype) {
		return apperr.InvalidInput("unknown context type").WithDetail("type", string(ctype))
	}
	return nil
}

// chunkNodes runs the chunker under its own deadline and converts chunks
// into unenriched nodes.
func (p *Pipeline) chunkNodes(ctx context.Context, c *memory.Context) ([]*memory.Node, error) {
	chunkCtx, cancel := context.WithTimeout(ctx, p.cfg.ChunkTimeout)
	defer cancel()

	done := make(chan []chunk.Chunk, 1)
	go func() {
		done <- p.chunker.Split(c.Content)
	}()

	var chunks []chunk.Chunk
	select {
	case chunks = <-done:
	case <-chunkCtx.Done():
		return nil, apperr.Wrap(chunkCtx.Err(), apperr.KindDeadlineExceeded, "chunking timed out")
	}

	now := time.Now().UTC()
	nodes := make([]*memory.Node, len(chunks))
	for i, ch := range chunks {
		nodes[i] = &memory.Node{
			ID:         uuid.NewString(),
			ContextID:  c.ID,
			Content:    ch.Content,
			TokenCount: ch.TokenCount,
			ChunkType:  ch.Type,
			ChunkIndex: ch.Index,
			Importance: ch.Importance,
			Title:      ch.HeadingPath,
			CreatedAt:  now,
		}
	}
	return nodes, nil
}

// queueEnrichment submits nodes to the pool. Backpressure marks the node
// for the re-enrichment sweep instead of failing the ingest.
func (p *Pipeline) queueEnrichment(scope memory.Scope, c *memory.Context, nodes []*memory.Node) {
	var deferred []string
	for _, node := range nodes {
		err := p.pool.Submit(enrich.Job{Scope: scope, Node: node, Tags: c.Tags})
		if err != nil {
			deferred = append(deferred, node.ID)
		}
	}
	if len(deferred) > 0 {
		p.logger.Warn("enrichment deferred under backpressure",
			slog.String("context_id", c.ID),
			slog.Int("deferred", len(deferred)))
		if err := p.records.MarkNodesForReenrichment(context.Background(), deferred); err != nil {
			p.logger.Error("failed to flag deferred nodes",
				slog.String("error", err.Error()))
		}
	}
}

// evictNodes removes nodes from the text index, vector index, and graph.
func (p *Pipeline) evictNodes(ctx context.Context, scope memory.Scope, nodes []*memory.Node) {
	if len(nodes) == 0 {
		return
	}
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}

	if err := p.text.Delete(ctx, ids); err != nil {
		p.logger.Error("failed to evict text index entries",
			slog.String("error", err.Error()))
	}
	if err := p.engine.RemoveEmbeddings(ctx, scope, ids); err != nil {
		p.logger.Error("failed to evict vector index entries",
			slog.String("error", err.Error()))
	}
	p.graphs.RemoveNodes(scope, ids)
}

func deriveTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		t := strings.TrimSpace(strings.TrimLeft(line, "#-*> \t"))
		if t != "" {
			if len(t) > 80 {
				t = t[:80]
			}
			return t
		}
	}
	return "untitled"
}
