// Reddit proxy sidecar — fronts a fragile MCP Reddit server child process
// behind a watchdog and exposes an aggregated /search over HTTP.
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"

	"github.com/shao3d/experts-panel/pkg/sidecar"
	"github.com/shao3d/experts-panel/pkg/version"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	gin.SetMode(getEnv("GIN_MODE", "release"))

	cfg := sidecar.LoadConfig()
	slog.Info("Starting reddit proxy", "version", version.Full(),
		"mcp_command", cfg.MCPCommand, "tool_timeout", cfg.MCPTimeout)

	server := sidecar.NewServer(cfg)

	// The child is spawned eagerly so /health reflects reality from the
	// first request; a failed spawn is not fatal — the watchdog retries
	// on the first tool call.
	startCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := server.Watchdog().Start(startCtx); err != nil {
		slog.Warn("Initial MCP spawn failed, will retry on demand", "error", err)
	}
	cancel()

	go func() {
		slog.Info("HTTP server listening", "port", cfg.HTTPPort)
		if err := server.Start(":" + cfg.HTTPPort); err != nil {
			slog.Error("HTTP server stopped", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("Shutdown incomplete", "error", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
