package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/contextd/contextd/internal/chunk"
	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/graph"
	"github.com/contextd/contextd/internal/ingest"
	"github.com/contextd/contextd/internal/logging"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/search"
	"github.com/contextd/contextd/internal/server"
	"github.com/contextd/contextd/internal/store"
)

// newServeCmd creates the serve command.
func newServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the contextd HTTP daemon",
		Long: `Starts the contextd daemon: opens the data directory, restores the
record store and indexes, and serves the HTTP API until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")

	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, logCleanup, err := logging.Setup(logging.Config{
		Level:         cfg.Logging.Level,
		FilePath:      cfg.Logging.FilePath,
		MaxSizeMB:     10,
		MaxFiles:      5,
		WriteToStderr: true,
	})
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logCleanup()
	slog.SetDefault(logger)

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// One daemon per data directory. SQLite and bleve both corrupt under
	// concurrent writers from separate processes.
	lock := flock.New(filepath.Join(cfg.Storage.DataDir, "contextd.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire data dir lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("data directory %s is in use by another contextd instance", cfg.Storage.DataDir)
	}
	defer func() { _ = lock.Unlock() }()

	records, err := store.NewSQLiteStore(filepath.Join(cfg.Storage.DataDir, "contextd.db"))
	if err != nil {
		return fmt.Errorf("open record store: %w", err)
	}
	defer func() { _ = records.Close() }()

	text, err := store.NewBleveTextIndex(filepath.Join(cfg.Storage.DataDir, "index.bleve"))
	if err != nil {
		return fmt.Errorf("open text index: %w", err)
	}
	defer func() { _ = text.Close() }()

	fallback, err := enrich.NewFallbackEnricher(cfg.Embedding.Dimensions)
	if err != nil {
		return err
	}

	// Provider is optional; without it every node gets deterministic
	// fallback enrichment and a re-enrichment flag.
	var provider enrich.Enricher
	if cfg.Embedding.Provider == "openai" && cfg.Embedding.APIKey != "" {
		openAI, err := enrich.NewOpenAIEnricher(enrich.OpenAIConfig{
			APIKey:          cfg.Embedding.APIKey,
			BaseURL:         cfg.Embedding.BaseURL,
			EmbeddingModel:  cfg.Embedding.ModelVersion,
			ChatModel:       cfg.Embedding.GeneratorModel,
			Dimensions:      cfg.Embedding.Dimensions,
			GenerateTimeout: cfg.Enrich.GenerateTimeout,
		})
		if err != nil {
			return err
		}
		provider = enrich.NewCachedEnricher(openAI, cfg.Embedding.CacheSize)
	} else {
		logger.Warn("no enrichment provider configured, using fallback enrichment")
	}

	// Queries embed through the same chain nodes do, so query and node
	// vectors share a space.
	queryEnricher := provider
	if queryEnricher == nil {
		queryEnricher = enrich.NewCachedEnricher(fallback, cfg.Embedding.CacheSize)
	}
	defer func() { _ = queryEnricher.Close() }()

	graphs := graph.NewManager(graph.Config{
		SimilarityThreshold: cfg.Graph.SimilarityThreshold,
		EdgesPerNode:        cfg.Graph.EdgesPerNode,
		Hyperplanes:         cfg.Graph.Hyperplanes,
		NeighborBuckets:     cfg.Graph.NeighborBuckets,
		SimCacheSize:        cfg.Graph.SimCacheMax,
		RecompactRatio:      cfg.Graph.RecompactionRatio,
		Dimensions:          cfg.Embedding.Dimensions,
	}, records, logger)

	engine := search.NewEngine(search.Config{
		RRFK:          cfg.Search.RRFConstant,
		MaxGraphDepth: cfg.Search.MaxGraphDepth,
		Dimensions:    cfg.Embedding.Dimensions,
	}, records, text, queryEnricher, graphs, logger)

	// Enriched nodes flow into the vector index and the similarity graph.
	onEnriched := func(scope memory.Scope, node *memory.Node) {
		hookCtx, cancel := context.WithTimeout(context.Background(), cfg.Graph.AddTimeout)
		defer cancel()

		if err := engine.AddEmbedding(hookCtx, scope, node.ID, node.Embedding); err != nil {
			logger.Error("failed to index embedding",
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()))
		}

		parent, err := records.GetContextByID(hookCtx, node.ContextID)
		if err != nil {
			return // context deleted while the job was in flight
		}
		graphs.AddOrUpdateNode(scope, node, parent.Tags, parent.Type)
	}

	pool := enrich.NewPool(enrich.PoolConfig{
		Parallelism:    cfg.Enrich.Parallelism,
		MaxQueue:       cfg.Enrich.MaxQueue,
		AnalyzeTimeout: cfg.Enrich.AnalyzeTimeout,
		EmbedTimeout:   cfg.Enrich.EmbedTimeout,
		BatchWait:      cfg.Enrich.BatchWindow,
		BatchSize:      cfg.Enrich.BatchSize,
	}, provider, fallback, records, text, onEnriched, logger)

	chunker := chunk.New(chunk.Options{
		MaxChunkTokens:    cfg.Chunking.MaxChunkTokens,
		TargetChunkTokens: cfg.Chunking.TargetChunkTokens,
	})

	pipeline := ingest.NewPipeline(ingest.Config{
		ChunkTimeout: cfg.Chunking.Timeout,
	}, records, text, engine, graphs, pool, chunker, logger)

	srv := server.New(cfg, server.Deps{
		Records:  records,
		Pipeline: pipeline,
		Engine:   engine,
		Graphs:   graphs,
		Pool:     pool,
	}, logger)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("contextd starting",
		slog.String("data_dir", cfg.Storage.DataDir),
		slog.Int("embedding_dim", cfg.Embedding.Dimensions),
		slog.String("model_version", cfg.Embedding.ModelVersion))

	return srv.Run(runCtx)
}
