package sidecar

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Config is the sidecar service configuration.
type Config struct {
	HTTPPort      string
	MCPCommand    string
	MCPArgs       []string
	MCPEnv        map[string]string
	MCPTimeout    time.Duration
	CacheTTL      time.Duration
	RestartBudget int
}

// LoadConfig reads sidecar settings from the environment.
func LoadConfig() Config {
	cfg := Config{
		HTTPPort:      envOr("HTTP_PORT", "8010"),
		MCPCommand:    envOr("MCP_COMMAND", "uvx"),
		MCPTimeout:    msEnv("MCP_TIMEOUT_MS", 15*time.Second),
		CacheTTL:      msEnv("CACHE_TTL_MS", 5*time.Minute),
		RestartBudget: intEnv("MCP_RESTART_BUDGET", 10),
	}
	if args := os.Getenv("MCP_ARGS"); args != "" {
		cfg.MCPArgs = strings.Fields(args)
	} else {
		cfg.MCPArgs = []string{"mcp-server-reddit"}
	}
	if ua := os.Getenv("REDDIT_USER_AGENT"); ua != "" {
		cfg.MCPEnv = map[string]string{"REDDIT_USER_AGENT": ua}
	}
	return cfg
}

// Server is the sidecar HTTP surface: POST /search and GET /health.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	watchdog   *Watchdog
	aggregator *Aggregator
	cache      *ResponseCache
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer wires the watchdog, aggregator, and cache into a gin router.
func NewServer(cfg Config) *Server {
	wd := NewWatchdog(WatchdogConfig{
		Command:       cfg.MCPCommand,
		Args:          cfg.MCPArgs,
		Env:           cfg.MCPEnv,
		ToolTimeout:   cfg.MCPTimeout,
		RestartBudget: cfg.RestartBudget,
	})

	s := &Server{
		router:     gin.New(),
		watchdog:   wd,
		aggregator: NewAggregator(wd),
		cache:      NewResponseCache(cfg.CacheTTL),
		logger:     slog.Default(),
		startedAt:  time.Now(),
	}
	s.router.Use(gin.Recovery())
	s.router.POST("/search", s.searchHandler)
	s.router.GET("/health", s.healthHandler)
	return s
}

// Watchdog exposes the child supervisor for startup and shutdown wiring.
func (s *Server) Watchdog() *Watchdog {
	return s.watchdog
}

// Start begins serving on addr (blocking).
func (s *Server) Start(addr string) error {
	s.httpServer = &http.Server{Addr: addr, Handler: s.router}
	return s.httpServer.ListenAndServe()
}

// Shutdown stops the HTTP server and kills the child.
func (s *Server) Shutdown(ctx context.Context) error {
	s.watchdog.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) searchHandler(c *gin.Context) {
	var params SearchParams
	if err := c.ShouldBindJSON(&params); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_input", "message": err.Error()})
		return
	}
	params.applyDefaults()

	key := params.CacheKey()
	if cached, ok := s.cache.Get(key); ok {
		c.JSON(http.StatusOK, cached)
		return
	}

	resp, err := s.aggregator.Search(c.Request.Context(), params)
	if err != nil {
		s.logger.Error("Search failed", "query", params.Query, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "search_failed",
			"message": err.Error(),
		})
		return
	}

	s.cache.Put(key, resp)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) healthHandler(c *gin.Context) {
	status := "healthy"
	if !s.watchdog.Ready() {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"mcpReady":  s.watchdog.Ready(),
		"uptime":    time.Since(s.startedAt).Round(time.Second).String(),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func msEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

func intEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}
