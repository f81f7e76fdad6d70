package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/enrich"
	"github.com/contextd/contextd/internal/ingest"
	"github.com/contextd/contextd/internal/memory"
	"github.com/contextd/contextd/internal/search"
	"github.com/contextd/contextd/internal/store"
	"github.com/contextd/contextd/pkg/version"
)

func (s *Server) handleHealth(c *gin.Context) {
	respondOK(c, http.StatusOK, gin.H{
		"status":  "ok",
		"version": version.String(),
	})
}

type createContextRequest struct {
	Title    string             `json:"title"`
	Content  string             `json:"content"`
	Type     memory.ContextType `json:"type"`
	Source   memory.Source      `json:"source"`
	Tags     []string           `json:"tags"`
	Metadata map[string]string  `json:"metadata"`
}

func (s *Server) handleCreateContext(c *gin.Context) {
	var req createContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidInput("malformed request body"))
		return
	}

	created, err := s.deps.Pipeline.Create(c.Request.Context(), ingest.CreateInput{
		Scope:    scopeFrom(c),
		Title:    req.Title,
		Content:  req.Content,
		Type:     req.Type,
		Source:   req.Source,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusCreated, created)
}

func (s *Server) handleListContexts(c *gin.Context) {
	filter := store.ContextFilter{
		Type: memory.ContextType(c.Query("type")),
	}
	if filter.Type != "" && !memory.ValidContextType(filter.Type) {
		respondError(c, apperr.InvalidInput("unknown context type").
			WithDetail("type", string(filter.Type)))
		return
	}
	if tags := c.Query("tags"); tags != "" {
		for _, t := range strings.Split(tags, ",") {
			if t = strings.TrimSpace(t); t != "" {
				filter.Tags = append(filter.Tags, t)
			}
		}
	}

	limit := s.cfg.Search.DefaultLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(c, apperr.InvalidInput("limit must be a positive integer"))
			return
		}
		limit = n
	}
	limit = s.clampLimit(limit)

	page, err := s.deps.Records.ListContexts(c.Request.Context(), scopeFrom(c),
		filter, c.Query("cursor"), limit)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"contexts":   page.Contexts,
		"nextCursor": page.NextCursor,
	})
}

func (s *Server) handleGetContext(c *gin.Context) {
	ctx, err := s.deps.Records.GetContext(c.Request.Context(), scopeFrom(c), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	includeNodes := false
	if raw := c.Query("includeNodes"); raw != "" {
		includeNodes, err = strconv.ParseBool(raw)
		if err != nil {
			respondError(c, apperr.InvalidInput("includeNodes must be a boolean"))
			return
		}
	}
	if !includeNodes {
		respondOK(c, http.StatusOK, ctx)
		return
	}

	nodes, err := s.deps.Records.GetNodesByContext(c.Request.Context(), ctx.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, struct {
		*memory.Context
		Nodes []*memory.Node `json:"nodes"`
	}{ctx, nodes})
}

type updateContextRequest struct {
	Title    *string             `json:"title"`
	Content  *string             `json:"content"`
	Type     *memory.ContextType `json:"type"`
	Tags     *[]string           `json:"tags"`
	Metadata *map[string]string  `json:"metadata"`
}

func (s *Server) handleUpdateContext(c *gin.Context) {
	var req updateContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidInput("malformed request body"))
		return
	}

	updated, err := s.deps.Pipeline.Update(c.Request.Context(), ingest.UpdateInput{
		Scope:    scopeFrom(c),
		ID:       c.Param("id"),
		Title:    req.Title,
		Content:  req.Content,
		Type:     req.Type,
		Tags:     req.Tags,
		Metadata: req.Metadata,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, updated)
}

func (s *Server) handleDeleteContext(c *gin.Context) {
	id := c.Param("id")
	if err := s.deps.Pipeline.Delete(c.Request.Context(), scopeFrom(c), id); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{"id": id, "deleted": true})
}

// handleAnalyzeContext re-queues every node of a context for enrichment.
// Useful after a provider outage left nodes on fallback embeddings, or
// after the embedding model version changed.
func (s *Server) handleAnalyzeContext(c *gin.Context) {
	scope := scopeFrom(c)
	id := c.Param("id")

	ctx, err := s.deps.Records.GetContext(c.Request.Context(), scope, id)
	if err != nil {
		respondError(c, err)
		return
	}
	nodes, err := s.deps.Records.GetNodesByContext(c.Request.Context(), ctx.ID)
	if err != nil {
		respondError(c, err)
		return
	}

	queued := 0
	for _, node := range nodes {
		if err := s.deps.Pool.Submit(enrich.Job{Scope: scope, Node: node, Tags: ctx.Tags}); err != nil {
			respondError(c, err)
			return
		}
		queued++
	}
	respondOK(c, http.StatusAccepted, gin.H{"id": id, "queued": queued})
}

type searchRequest struct {
	Query     string      `json:"query"`
	Mode      search.Mode `json:"mode"`
	ContextID string      `json:"contextId"` // graph mode: seed from this context
	Limit     int         `json:"limit"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidInput("malformed request body"))
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		respondError(c, apperr.InvalidInput("query must not be empty"))
		return
	}

	scope := scopeFrom(c)
	resp, err := s.deps.Engine.Search(c.Request.Context(), search.Request{
		Scope:         scope,
		Query:         req.Query,
		Mode:          req.Mode,
		SeedContextID: req.ContextID,
		Limit:         s.clampLimit(req.Limit),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	s.setGraphStale(c, scope)
	respondOK(c, http.StatusOK, resp)
}

type windowOptions struct {
	Priority        search.Strategy `json:"priority"`
	IncludeMetadata bool            `json:"includeMetadata"`
	AddSeparators   *bool           `json:"addSeparators"` // nil means on
}

type windowRequest struct {
	Query     string        `json:"query"`
	NodeIDs   []string      `json:"nodeIds"`
	MaxTokens int           `json:"maxTokens"`
	Options   windowOptions `json:"options"`
}

func (s *Server) handleWindow(c *gin.Context) {
	var req windowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidInput("malformed request body"))
		return
	}
	if strings.TrimSpace(req.Query) == "" && len(req.NodeIDs) == 0 {
		respondError(c, apperr.InvalidInput("either query or nodeIds is required"))
		return
	}

	scope := scopeFrom(c)
	window, err := s.deps.Engine.AssembleWindow(c.Request.Context(), search.WindowRequest{
		Scope:           scope,
		Query:           req.Query,
		NodeIDs:         req.NodeIDs,
		Budget:          req.MaxTokens,
		Strategy:        req.Options.Priority,
		IncludeMetadata: req.Options.IncludeMetadata,
		NoSeparators:    req.Options.AddSeparators != nil && !*req.Options.AddSeparators,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	s.setGraphStale(c, scope)
	respondOK(c, http.StatusOK, window)
}

type askRequest struct {
	Prompt        string   `json:"prompt"`
	ContextNodes  []string `json:"contextNodes"`
	SeedContextID string   `json:"seedContextId"`
	Budget        int      `json:"budget"`
}

func (s *Server) handleAsk(c *gin.Context) {
	var req askRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, apperr.InvalidInput("malformed request body"))
		return
	}

	scope := scopeFrom(c)
	resp, err := s.deps.Engine.Ask(c.Request.Context(), search.AskRequest{
		Scope:         scope,
		Prompt:        req.Prompt,
		NodeIDs:       req.ContextNodes,
		SeedContextID: req.SeedContextID,
		Budget:        req.Budget,
	})
	if err != nil {
		respondError(c, err)
		return
	}
	s.setGraphStale(c, scope)
	respondOK(c, http.StatusOK, resp)
}

func (s *Server) handleGraphInfo(c *gin.Context) {
	respondOK(c, http.StatusOK, s.deps.Graphs.Info(scopeFrom(c)))
}

func (s *Server) handleGraphRebuild(c *gin.Context) {
	scope := scopeFrom(c)
	if err := s.deps.Graphs.Rebuild(c.Request.Context(), scope); err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, s.deps.Graphs.Info(scope))
}

func (s *Server) handleStats(c *gin.Context) {
	scope := scopeFrom(c)
	stats, err := s.deps.Records.Stats(c.Request.Context(), scope)
	if err != nil {
		respondError(c, err)
		return
	}
	respondOK(c, http.StatusOK, gin.H{
		"contexts":         stats.ContextCount,
		"nodes":            stats.NodeCount,
		"enrichedNodes":    stats.EnrichedNodes,
		"fallbackNodes":    stats.FallbackNodes,
		"pendingNodes":     stats.PendingNodes,
		"lastIngestedAt":   stats.LastIngestedAt,
		"enrichQueueDepth": s.deps.Pool.QueueDepth(),
		"graph":            s.deps.Graphs.Info(scope),
	})
}

// setGraphStale surfaces graph freshness so clients can decide whether
// graph-derived results warrant a rebuild.
func (s *Server) setGraphStale(c *gin.Context, scope memory.Scope) {
	c.Header(headerGraphStale, strconv.FormatBool(s.deps.Graphs.Stale(scope)))
}
