// Package server exposes the contextd HTTP API: context CRUD, search,
// window assembly, ask, and graph inspection. Every response uses the
// success/error envelope; every scoped route requires the X-User-Id header.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/contextd/contextd/internal/config"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/graph"
	"github.com/contextd/contextd/internal/ingest"
	"github.com/contextd/contextd/internal/search"
	"github.com/contextd/contextd/internal/store"
)

// reenrichInterval is how often the background sweep retries nodes that
// carry fallback enrichment.
const reenrichInterval = 1 * time.Minute

// Deps are the wired components the server serves from.
type Deps struct {
	Records  store.RecordStore
	Pipeline *ingest.Pipeline
	Engine   *search.Engine
	Graphs   *graph.Manager
	Pool     *enrich.Pool
}

// Server is the contextd HTTP daemon.
type Server struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger
	http   *http.Server
}

// New creates the server with its routes registered.
func New(cfg *config.Config, deps Deps, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "server")),
	}
	s.http = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: s.router(),
	}
	return s
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger(s.logger))
	r.Use(cors.New(cors.Config{
		AllowOrigins:  []string{"*"},
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Content-Type", headerUserID, headerProjectID},
		ExposeHeaders: []string{headerGraphStale},
		MaxAge:        12 * time.Hour,
	}))

	r.GET("/healthz", s.handleHealth)

	v1 := r.Group("/v1", requireScope())
	{
		v1.POST("/contexts", s.handleCreateContext)
		v1.GET("/contexts", s.handleListContexts)
		v1.GET("/contexts/:id", s.handleGetContext)
		v1.PATCH("/contexts/:id", s.handleUpdateContext)
		v1.DELETE("/contexts/:id", s.handleDeleteContext)
		v1.POST("/contexts/:id/analyze", s.handleAnalyzeContext)

		v1.POST("/search", s.handleSearch)
		v1.POST("/window", s.handleWindow)
		v1.POST("/ask", s.handleAsk)

		v1.GET("/graph", s.handleGraphInfo)
		v1.POST("/graph/rebuild", s.handleGraphRebuild)

		v1.GET("/stats", s.handleStats)
	}
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured timeout. The enrichment pool and the re-enrichment
// sweep run for the lifetime of the server.
func (s *Server) Run(ctx context.Context) error {
	s.deps.Pool.Start()

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go s.reenrichLoop(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		stopSweep()
		s.deps.Pool.Stop()
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	stopSweep()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	err := s.http.Shutdown(shutdownCtx)

	// Let queued enrichment drain before the process exits.
	s.deps.Pool.Stop()

	if serveErr := <-errCh; err == nil {
		err = serveErr
	}
	return err
}

// reenrichLoop periodically upgrades fallback-enriched nodes once the
// provider is reachable again.
func (s *Server) reenrichLoop(ctx context.Context) {
	ticker := time.NewTicker(reenrichInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.deps.Pool.RunReenrichmentSweep(ctx, 100)
			if err != nil {
				s.logger.Warn("re-enrichment sweep failed",
					slog.String("error", err.Error()))
				continue
			}
			if n > 0 {
				s.logger.Info("re-enrichment sweep submitted nodes", slog.Int("count", n))
			}
		}
	}
}

// clampLimit applies the default and the hard cap from configuration.
func (s *Server) clampLimit(limit int) int {
	if limit <= 0 {
		return s.cfg.Search.DefaultLimit
	}
	if limit > s.cfg.Search.MaxLimit {
		return s.cfg.Search.MaxLimit
	}
	return limit
}
