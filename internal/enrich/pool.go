package enrich

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/store"
)

// PoolConfig configures the enrichment worker pool.
type PoolConfig struct {
	// Parallelism is the number of concurrent enrichment workers (default: 8).
	Parallelism int

	// MaxQueue bounds the pending job queue (default: 10000). Submissions
	// beyond the bound fail with a backpressure error.
	MaxQueue int

	// AnalyzeTimeout bounds one node's analysis stage, retries included
	// (default: 15s).
	AnalyzeTimeout time.Duration

	// EmbedTimeout bounds one node's embedding stage, retries included
	// (default: 15s).
	EmbedTimeout time.Duration

	// BatchWait is how long the embedding batcher coalesces requests
	// before flushing (default: 25ms).
	BatchWait time.Duration

	// BatchSize flushes the embedding batch early when reached (default: 32).
	BatchSize int
}

func (c *PoolConfig) applyDefaults() {
	if c.Parallelism <= 0 {
		c.Parallelism = 8
	}
	if c.MaxQueue <= 0 {
		c.MaxQueue = 10000
	}
	if c.AnalyzeTimeout <= 0 {
		c.AnalyzeTimeout = 15 * time.Second
	}
	if c.EmbedTimeout <= 0 {
		c.EmbedTimeout = 15 * time.Second
	}
	if c.BatchWait <= 0 {
		c.BatchWait = 25 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 32
	}
}

// persistTimeout bounds writing a finished enrichment to the store and
// text index.
const persistTimeout = 10 * time.Second

// Job is one node awaiting enrichment.
type Job struct {
	Scope memory.Scope
	Node  *memory.Node
	Tags  []string // parent context tags, carried into the text index
}

// EnrichedFunc is invoked after a node's enrichment has been persisted.
// The graph layer hooks in here to refresh edges.
type EnrichedFunc func(scope memory.Scope, node *memory.Node)

// Pool runs asynchronous node enrichment: provider analysis plus embedding,
// with retry, and a deterministic fallback when the provider stays down.
// Fallback-enriched nodes are flagged for re-enrichment.
type Pool struct {
	cfg      PoolConfig
	provider Enricher // nil when no provider is configured
	fallback *FallbackEnricher
	records  store.RecordStore
	text     store.TextIndex
	onDone   EnrichedFunc
	logger   *slog.Logger

	queue   chan Job
	embedCh chan embedRequest
	retry   apperr.RetryConfig

	startOnce sync.Once
	stopOnce  sync.Once
	stopped   chan struct{}
	submitMu  sync.RWMutex // orders Submit sends against Stop closing queue
	wg        sync.WaitGroup
}

type embedRequest struct {
	text string
	resp chan embedResult
}

type embedResult struct {
	vec []float32
	err error
}

// NewPool creates an enrichment pool. provider may be nil; every node is
// then enriched via the fallback and flagged for re-enrichment.
func NewPool(cfg PoolConfig, provider Enricher, fallback *FallbackEnricher,
	records store.RecordStore, text store.TextIndex, onDone EnrichedFunc, logger *slog.Logger) *Pool {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		cfg:      cfg,
		provider: provider,
		fallback: fallback,
		records:  records,
		text:     text,
		onDone:   onDone,
		logger:   logger.With(slog.String("component", "enrich_pool")),
		queue:    make(chan Job, cfg.MaxQueue),
		embedCh:  make(chan embedRequest),
		retry:    apperr.DefaultRetryConfig(),
		stopped:  make(chan struct{}),
	}
}

// Start launches the workers and the embedding batcher.
func (p *Pool) Start() {
	p.startOnce.Do(func() {
		p.wg.Add(1)
		go p.batcher()

		for i := 0; i < p.cfg.Parallelism; i++ {
			p.wg.Add(1)
			go p.worker()
		}
	})
}

// Stop drains no further jobs and waits for in-flight work to finish.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.submitMu.Lock()
		close(p.stopped)
		close(p.queue)
		p.submitMu.Unlock()
	})
	p.wg.Wait()
}

// Submit enqueues a node for enrichment. A full queue rejects immediately
// so ingestion stays responsive. The lock keeps the queue send from racing
// a concurrent Stop closing the channel.
func (p *Pool) Submit(job Job) error {
	p.submitMu.RLock()
	defer p.submitMu.RUnlock()

	select {
	case <-p.stopped:
		return apperr.Unavailable("enrichment pool is stopped")
	default:
	}

	select {
	case p.queue <- job:
		return nil
	default:
		return apperr.New(apperr.KindBackpressure, "enrichment queue is full").
			WithDetail("node_id", job.Node.ID)
	}
}

// QueueDepth reports the number of pending jobs.
func (p *Pool) QueueDepth() int {
	return len(p.queue)
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for job := range p.queue {
		p.process(job)
	}
}

func (p *Pool) process(job Job) {
	node := job.Node

	if p.provider != nil && p.providerAvailable() {
		if err := p.enrichWithProvider(node); err == nil {
			p.finish(job, false)
			return
		} else {
			p.logger.Warn("provider enrichment failed, falling back",
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()))
		}
	}

	if err := p.enrichWithFallback(node); err != nil {
		// The fallback is deterministic and local; failure here means the
		// context was cancelled or the pool is shutting down.
		p.logger.Error("fallback enrichment failed",
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()))
		return
	}
	p.finish(job, true)
}

func (p *Pool) providerAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AnalyzeTimeout)
	defer cancel()
	return p.provider.Available(ctx)
}

// enrichWithProvider runs analysis and embedding against the provider with
// retry on retryable failures. Each stage carries its own deadline, so a
// slow analysis never eats into the embedding budget. The embedding goes
// through the shared batcher so concurrent workers share API calls.
func (p *Pool) enrichWithProvider(node *memory.Node) error {
	analyzeCtx, cancelAnalyze := context.WithTimeout(context.Background(), p.cfg.AnalyzeTimeout)
	defer cancelAnalyze()

	var analysis *NodeAnalysis
	err := apperr.Retry(analyzeCtx, p.retry, func() error {
		var aerr error
		analysis, aerr = p.provider.AnalyzeNode(analyzeCtx, node.Content, node.ChunkType)
		return aerr
	})
	if err != nil {
		return err
	}

	embedCtx, cancelEmbed := context.WithTimeout(context.Background(), p.cfg.EmbedTimeout)
	defer cancelEmbed()

	var vec []float32
	err = apperr.Retry(embedCtx, p.retry, func() error {
		var eerr error
		vec, eerr = p.embedViaBatcher(embedCtx, node.Content)
		return eerr
	})
	if err != nil {
		return err
	}

	node.Title = analysis.Title
	node.Summary = analysis.Summary
	node.Keywords = analysis.Keywords
	if analysis.Importance > 0 {
		node.Importance = analysis.Importance
	}
	node.Embedding = vec
	node.EmbeddingModelVersion = p.provider.ModelVersion()
	node.NeedsReenrichment = false
	return nil
}

func (p *Pool) enrichWithFallback(node *memory.Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AnalyzeTimeout)
	defer cancel()

	analysis, err := p.fallback.AnalyzeNode(ctx, node.Content, node.ChunkType)
	if err != nil {
		return err
	}
	vec, err := p.fallback.Embed(ctx, node.Content)
	if err != nil {
		return err
	}

	node.Title = analysis.Title
	node.Summary = analysis.Summary
	node.Keywords = analysis.Keywords
	node.Embedding = vec
	node.EmbeddingModelVersion = p.fallback.ModelVersion()
	node.NeedsReenrichment = true
	return nil
}

// finish persists the enrichment, refreshes the text index, and notifies
// the graph hook. Persistence runs under its own deadline so an exhausted
// enrichment budget never drops a computed result.
func (p *Pool) finish(job Job, usedFallback bool) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	node := job.Node

	err := p.records.ApplyEnrichment(ctx, &store.EnrichmentUpdate{
		NodeID:                node.ID,
		Title:                 node.Title,
		Summary:               node.Summary,
		Keywords:              node.Keywords,
		Importance:            node.Importance,
		Embedding:             node.Embedding,
		EmbeddingModelVersion: node.EmbeddingModelVersion,
		NeedsReenrichment:     node.NeedsReenrichment,
	})
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			// The context was deleted while the job was queued.
			return
		}
		p.logger.Error("failed to persist enrichment",
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()))
		return
	}

	if err := p.text.Index(ctx, []*store.Document{{
		ID:        node.ID,
		UserID:    job.Scope.UserID,
		ProjectID: job.Scope.ProjectID,
		ContextID: node.ContextID,
		Content:   node.Content,
		Title:     node.Title,
		Summary:   node.Summary,
		Keywords:  node.Keywords,
		Tags:      job.Tags,
	}}); err != nil {
		p.logger.Error("failed to refresh text index",
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()))
	}

	if p.onDone != nil {
		p.onDone(job.Scope, node)
	}

	p.logger.Debug("node enriched",
		slog.String("node_id", node.ID),
		slog.Bool("fallback", usedFallback))
}

// embedViaBatcher routes one embedding request through the shared batcher.
func (p *Pool) embedViaBatcher(ctx context.Context, text string) ([]float32, error) {
	req := embedRequest{text: text, resp: make(chan embedResult, 1)}

	select {
	case p.embedCh <- req:
	case <-ctx.Done():
		return nil, apperr.Wrap(ctx.Err(), apperr.KindDeadlineExceeded, "embedding request timed out")
	case <-p.stopped:
		return nil, apperr.Unavailable("enrichment pool is stopped")
	}

	select {
	case res := <-req.resp:
		return res.vec, res.err
	case <-ctx.Done():
		return nil, apperr.Wrap(ctx.Err(), apperr.KindDeadlineExceeded, "embedding request timed out")
	}
}

// batcher coalesces embedding requests for up to BatchWait or BatchSize,
// then issues one provider call for the whole batch.
func (p *Pool) batcher() {
	defer p.wg.Done()

	var pending []embedRequest
	var timer *time.Timer
	var timeout <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := pending
		pending = nil
		timeout = nil

		texts := make([]string, len(batch))
		for i, r := range batch {
			texts[i] = r.text
		}

		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.EmbedTimeout)
		vecs, err := p.provider.EmbedBatch(ctx, texts)
		cancel()

		for i, r := range batch {
			if err != nil {
				r.resp <- embedResult{err: err}
			} else {
				r.resp <- embedResult{vec: vecs[i]}
			}
		}
	}

	for {
		select {
		case req := <-p.embedCh:
			pending = append(pending, req)
			if len(pending) >= p.cfg.BatchSize {
				flush()
				continue
			}
			if timeout == nil {
				if timer == nil {
					timer = time.NewTimer(p.cfg.BatchWait)
				} else {
					timer.Reset(p.cfg.BatchWait)
				}
				timeout = timer.C
			}

		case <-timeout:
			flush()

		case <-p.stopped:
			for _, r := range pending {
				r.resp <- embedResult{err: apperr.Unavailable("enrichment pool is stopped")}
			}
			return
		}
	}
}

// RunReenrichmentSweep re-enriches fallback-flagged nodes while the
// provider is available. Called periodically by the server.
func (p *Pool) RunReenrichmentSweep(ctx context.Context, batchSize int) (int, error) {
	if p.provider == nil || !p.provider.Available(ctx) {
		return 0, nil
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	nodes, err := p.records.ListNodesNeedingReenrichment(ctx, batchSize)
	if err != nil {
		return 0, err
	}

	submitted := 0
	for _, node := range nodes {
		parent, err := p.records.GetContextByID(ctx, node.ContextID)
		if err != nil {
			continue // context deleted underneath the flag
		}
		job := Job{
			Scope: memory.Scope{UserID: parent.UserID, ProjectID: parent.ProjectID},
			Node:  node,
			Tags:  parent.Tags,
		}
		if err := p.Submit(job); err != nil {
			// Queue full; the rest wait for the next sweep.
			break
		}
		submitted++
	}
	return submitted, nil
}
