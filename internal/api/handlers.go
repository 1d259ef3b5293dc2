package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/polravi/mapmyactivities/internal/ai"
	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/ratelimit"
	"github.com/polravi/mapmyactivities/internal/schema"
)

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{"status": "ok"}
	if s.deps.Hub != nil {
		body["clients"] = s.deps.Hub.ClientCount()
	}
	if s.deps.DB != nil {
		if err := s.deps.DB.Ping(c.Request.Context()); err != nil {
			s.logger.Warn("health check failed", "error", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handlePull(c *gin.Context) {
	var req delta.PullRequest
	// An empty body is a first sync.
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}
	cursor, err := req.Cursor()
	if err != nil {
		s.fail(c, err)
		return
	}

	res, err := s.deps.Sync.Pull(c.Request.Context(), UserID(c), cursor)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res.Response())
}

func (s *Server) handlePush(c *gin.Context) {
	var req delta.PushRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.deps.Sync.Push(c.Request.Context(), UserID(c), req.Changes); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleRestore(c *gin.Context) {
	var req delta.RestoreRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	task, err := s.deps.Sync.Restore(c.Request.Context(), UserID(c), c.Param("id"), req.Status)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// SuggestResponse is the body of a quadrant suggestion.
type SuggestResponse struct {
	ai.Suggestion
	HighConfidence bool `json:"highConfidence"`
}

func (s *Server) handleSuggestQuadrant(c *gin.Context) {
	if s.deps.Suggester == nil {
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, ErrorResponse{Error: "AI suggestions are not configured"})
		return
	}
	if s.deps.Limiter != nil {
		if err := s.deps.Limiter.CheckRateLimit(c.Request.Context(), UserID(c), ratelimit.ActionAISuggest); err != nil {
			s.fail(c, err)
			return
		}
	}

	var req ai.SuggestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	suggestion, err := s.deps.Suggester.SuggestQuadrant(c.Request.Context(), &req)
	if err != nil {
		s.logger.Error("quadrant suggestion failed", "user", UserID(c), "error", err)
		c.AbortWithStatusJSON(http.StatusBadGateway, ErrorResponse{Error: "suggestion unavailable", Retryable: true})
		return
	}
	c.JSON(http.StatusOK, SuggestResponse{Suggestion: *suggestion, HighConfidence: suggestion.IsHighConfidence()})
}

func (s *Server) handleInitAccount(c *gin.Context) {
	if s.deps.Seed == nil || s.deps.Seeder == nil {
		c.JSON(http.StatusOK, gin.H{"created": 0})
		return
	}
	user := UserID(c)
	now := schema.Stamp(s.now())
	n, err := s.deps.Seed.Apply(c.Request.Context(), s.deps.Seeder, user, now)
	if err != nil {
		s.fail(c, err)
		return
	}
	if n > 0 {
		s.logger.Info("account seeded", "user", user, "created", n)
		s.deps.Hub.NotifyChanges(user, []schema.Collection{schema.CollectionTasks}, now)
	}
	c.JSON(http.StatusOK, gin.H{"created": n})
}

func (s *Server) handleNotify(c *gin.Context) {
	if s.deps.Hub == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, ErrorResponse{Error: "notifications are disabled"})
		return
	}
	s.deps.Hub.ServeWS(c.Writer, c.Request, UserID(c))
}
