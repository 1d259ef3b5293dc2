// Package api is the HTTP front of the sync server.
//
// Routes (all under /v1 need a bearer token):
//
//	POST /v1/sync/pull             delta pull
//	POST /v1/sync/push             delta push, 204 on success
//	POST /v1/tasks/:id/restore     move a discarded task back to todo
//	POST /v1/ai/suggest-quadrant   rate limited quadrant suggestion
//	POST /v1/account/init          seed a new account (idempotent)
//	GET  /v1/notify                websocket change notifications
//	GET  /health                   liveness and database ping
//	GET  /metrics                  prometheus
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polravi/mapmyactivities/internal/ai"
	"github.com/polravi/mapmyactivities/internal/delta"
	"github.com/polravi/mapmyactivities/internal/notify"
	"github.com/polravi/mapmyactivities/internal/ratelimit"
	"github.com/polravi/mapmyactivities/internal/seed"
)

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the server routes to. Sync and Identity are
// required; a nil Suggester answers 503 on the AI route, a nil Seed skips
// account seeding.
type Deps struct {
	Sync      *delta.Service
	Identity  Identity
	DB        Pinger
	Seeder    seed.Committer
	Seed      *seed.File
	Hub       *notify.Hub
	Limiter   *ratelimit.Limiter
	Suggester ai.Suggester
	Gatherer  prometheus.Gatherer
	Logger    *slog.Logger
	Now       func() time.Time
}

// Server holds the router and its dependencies.
type Server struct {
	deps   Deps
	router *gin.Engine
	logger *slog.Logger
	now    func() time.Time
}

// New builds the router.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		deps:   deps,
		logger: logger.With(slog.String("component", "api")),
		now:    now,
	}

	router := gin.New()
	router.Use(gin.Recovery(), s.requestLogger())
	router.GET("/health", s.handleHealth)
	if deps.Gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := router.Group("/v1", Authenticate(deps.Identity))
	{
		v1.POST("/sync/pull", s.handlePull)
		v1.POST("/sync/push", s.handlePush)
		v1.POST("/tasks/:id/restore", s.handleRestore)
		v1.POST("/ai/suggest-quadrant", s.handleSuggestQuadrant)
		v1.POST("/account/init", s.handleInitAccount)
		v1.GET("/notify", s.handleNotify)
	}
	s.router = router
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then drains
// in-flight requests for up to ten seconds.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	return nil
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}
