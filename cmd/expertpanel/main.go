// Expert panel orchestrator server — answers questions over the expert
// corpora with per-expert LLM pipelines and streams progress as SSE.
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

	"github.com/shao3d/experts-panel/pkg/api"
	"github.com/shao3d/experts-panel/pkg/config"
	"github.com/shao3d/experts-panel/pkg/database"
	"github.com/shao3d/experts-panel/pkg/llm"
	"github.com/shao3d/experts-panel/pkg/orchestrator"
	"github.com/shao3d/experts-panel/pkg/reddit"
	"github.com/shao3d/experts-panel/pkg/store"
	"github.com/shao3d/experts-panel/pkg/version"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file loaded: %v", err)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	gin.SetMode(getEnv("GIN_MODE", "release"))

	slog.Info("Starting expert panel", "version", version.Full())

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	ctx := context.Background()

	dbConfig, err := database.LoadConfigFromEnv()
	if err != nil {
		log.Fatalf("Failed to load database config: %v", err)
	}
	dbClient, err := database.NewClient(ctx, dbConfig)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer dbClient.Close()
	slog.Info("Connected to PostgreSQL, schema up to date")

	gateway := llm.NewClient(
		llm.WithProvider(llm.NewOpenRouter(version.AppName), cfg.OpenRouterKeys),
		llm.WithProvider(llm.NewGemini(), cfg.GeminiKeys),
		llm.WithProvider(llm.NewOpenAI(), cfg.OpenAIKeys),
		llm.WithTimeouts(cfg.LLMTimeout, cfg.MaxQuotaWait),
	)

	redditClient := reddit.NewClient(cfg.RedditProxyURL, cfg.RedditUserAgent, cfg.RedditTimeout)
	if redditClient == nil {
		slog.Info("Reddit proxy not configured, community insights disabled")
	}

	st := store.New(dbClient.Pool())

	server := api.NewServer(cfg, st, gateway, redditIface(redditClient), dbClient.Pool())

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

// redditIface converts a possibly-nil concrete client into a clean nil
// interface, so a disabled proxy skips the Reddit branch entirely.
func redditIface(c *reddit.Client) orchestrator.RedditClient {
	if c == nil {
		return nil
	}
	return c
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
