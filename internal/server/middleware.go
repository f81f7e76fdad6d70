package server

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/contextd/contextd/internal/apperr"
	"github.com/contextd/contextd/internal/memory"
)

// Identification headers. Every request must carry a user; the project is
// optional and its absence selects the user's personal scope.
const (
	headerUserID     = "X-User-Id"
	headerProjectID  = "X-Project-Id"
	headerGraphStale = "X-Graph-Stale"
)

const scopeKey = "scope"

// requireScope extracts the caller's scope from headers, rejecting
// requests without a user id.
func requireScope() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader(headerUserID)
		if userID == "" {
			respondError(c, apperr.InvalidInput("missing X-User-Id header"))
			c.Abort()
			return
		}
		c.Set(scopeKey, memory.Scope{
			UserID:    userID,
			ProjectID: c.GetHeader(headerProjectID),
		})
		c.Next()
	}
}

func scopeFrom(c *gin.Context) memory.Scope {
	v, _ := c.Get(scopeKey)
	scope, _ := v.(memory.Scope)
	return scope
}

// requestLogger logs one structured line per request.
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		logger.Info("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)))
	}
}
