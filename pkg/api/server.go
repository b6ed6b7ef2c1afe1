// Package api provides the orchestrator's HTTP surface: the query
// endpoint with its SSE progress stream, expert and post lookups, health,
// and the client log sink.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shao3d/experts-panel/pkg/config"
	"github.com/shao3d/experts-panel/pkg/database"
	"github.com/shao3d/experts-panel/pkg/models"
	"github.com/shao3d/experts-panel/pkg/orchestrator"
	"github.com/shao3d/experts-panel/pkg/pipeline"
	"github.com/shao3d/experts-panel/pkg/progress"
	"github.com/shao3d/experts-panel/pkg/version"
)

// Store is the read surface the handlers need, beyond what the
// orchestrator itself consumes.
type Store interface {
	orchestrator.Store
	Experts(ctx context.Context) ([]models.Expert, error)
	ExpertStats(ctx context.Context, expertID string) (models.ExpertStats, error)
	GetPost(ctx context.Context, expertID string, postID int64) (*models.Post, error)
	CommentsForPost(ctx context.Context, expertID string, postID int64) ([]models.Comment, error)
}

// Server is the orchestrator HTTP server.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	cfg        *config.Config
	store      Store
	llm        pipeline.Gateway
	reddit     orchestrator.RedditClient
	pool       *pgxpool.Pool // health checks only
	logger     *slog.Logger
}

// NewServer wires the routes. reddit may be nil; pool may be nil in tests.
func NewServer(cfg *config.Config, st Store, gw pipeline.Gateway, reddit orchestrator.RedditClient, pool *pgxpool.Pool) *Server {
	s := &Server{
		router: gin.New(),
		cfg:    cfg,
		store:  st,
		llm:    gw,
		reddit: reddit,
		pool:   pool,
		logger: slog.Default(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())

	s.router.GET("/health", s.healthHandler)

	v1 := s.router.Group("/api/v1")
	v1.Use(s.authMiddleware())
	v1.POST("/query", s.queryHandler)
	v1.GET("/experts", s.expertsHandler)
	v1.GET("/posts/:post_id", s.getPostHandler)
	v1.POST("/log-batch", s.logBatchHandler)
}

// authMiddleware enforces the optional shared secret. With no secret
// configured, access is open.
func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.cfg.AdminSecret == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-Admin-Secret") != s.cfg.AdminSecret {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// Router exposes the gin engine for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) newOrchestrator() *orchestrator.Orchestrator {
	return orchestrator.New(s.store, s.llm, s.cfg, s.reddit)
}

// bus capacity matches the documented progress queue bound.
func (s *Server) newBus() *progress.Bus {
	return progress.NewBus(progress.DefaultCapacity)
}

func (s *Server) healthHandler(c *gin.Context) {
	dbStatus := "not configured"
	healthy := true
	if s.pool != nil {
		status, err := database.Health(c.Request.Context(), s.pool)
		dbStatus = status
		if err != nil {
			healthy = false
		}
	}

	code := http.StatusOK
	status := "healthy"
	if !healthy {
		code = http.StatusServiceUnavailable
		status = "unhealthy"
	}
	c.JSON(code, gin.H{
		"status":         status,
		"version":        version.Full(),
		"database":       dbStatus,
		"llm_configured": s.cfg.LLMConfigured(),
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
	})
}
