// Package config provides the typed service configuration, loaded once at
// startup from environment variables. Request-time code never reads the
// environment directly.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Defaults for tunables. Env vars override each, except DefaultRecentWindow,
// which is fixed and not read from the environment.
const (
	DefaultMapChunkSize         = 100
	DefaultMapMaxParallel       = 25
	DefaultMediumScoreThreshold = 0.7
	DefaultMediumMaxSelected    = 5
	DefaultLLMTimeout           = 30 * time.Second
	DefaultQueryDeadline        = 180 * time.Second
	DefaultMaxQuotaWait         = 90 * time.Second
	DefaultRecentWindow         = 90 * 24 * time.Hour
	DefaultRedditTimeout        = 30 * time.Second
)

// ModelConfig maps each pipeline phase to a logical model name understood
// by the LLM gateway. Every binding is explicit; there is no generic
// fallback chain.
type ModelConfig struct {
	Map           string
	Analysis      string
	Synthesis     string
	DriftAnalysis string
	MediumScoring string
}

// Config is the orchestrator service configuration.
type Config struct {
	HTTPPort    string
	AdminSecret string // empty = unauthenticated access allowed

	Models ModelConfig

	// Provider key pools, comma-separated in env. At least one pool must
	// be non-empty.
	OpenRouterKeys []string
	GeminiKeys     []string
	OpenAIKeys     []string

	MapChunkSize           int
	MapMaxParallel         int
	MediumScoreThreshold   float64
	MediumMaxSelectedPosts int

	LLMTimeout    time.Duration
	QueryDeadline time.Duration
	MaxQuotaWait  time.Duration
	RecentWindow  time.Duration

	RedditProxyURL  string // empty = Reddit branch disabled
	RedditUserAgent string
	RedditTimeout   time.Duration
}

// Load builds the Config from the environment, applying defaults and
// validating the result.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPPort:    getEnv("HTTP_PORT", "8000"),
		AdminSecret: os.Getenv("ADMIN_SECRET"),
		Models: ModelConfig{
			Map:           getEnv("MODEL_MAP", "google/gemini-2.0-flash-001"),
			Analysis:      getEnv("MODEL_ANALYSIS", "google/gemini-2.0-flash-001"),
			Synthesis:     getEnv("MODEL_SYNTHESIS", "anthropic/claude-sonnet-4"),
			DriftAnalysis: getEnv("MODEL_DRIFT_ANALYSIS", "google/gemini-2.0-flash-001"),
			MediumScoring: getEnv("MODEL_MEDIUM_SCORING", "google/gemini-2.0-flash-001"),
		},
		OpenRouterKeys: splitKeys(os.Getenv("OPENROUTER_API_KEYS"), os.Getenv("OPENROUTER_API_KEY")),
		GeminiKeys:     splitKeys(os.Getenv("GEMINI_API_KEYS"), os.Getenv("GEMINI_API_KEY")),
		OpenAIKeys:     splitKeys(os.Getenv("OPENAI_API_KEYS"), os.Getenv("OPENAI_API_KEY")),

		MapChunkSize:           intFromEnv("MAP_CHUNK_SIZE", DefaultMapChunkSize),
		MapMaxParallel:         intFromEnv("MAP_MAX_PARALLEL", DefaultMapMaxParallel),
		MediumScoreThreshold:   floatFromEnv("MEDIUM_SCORE_THRESHOLD", DefaultMediumScoreThreshold),
		MediumMaxSelectedPosts: intFromEnv("MEDIUM_MAX_SELECTED_POSTS", DefaultMediumMaxSelected),

		LLMTimeout:    msFromEnv("LLM_TIMEOUT_MS", DefaultLLMTimeout),
		QueryDeadline: msFromEnv("QUERY_DEADLINE_MS", DefaultQueryDeadline),
		MaxQuotaWait:  msFromEnv("MAX_QUOTA_WAIT_MS", DefaultMaxQuotaWait),
		RecentWindow:  DefaultRecentWindow,

		RedditProxyURL:  os.Getenv("REDDIT_PROXY_URL"),
		RedditUserAgent: getEnv("REDDIT_USER_AGENT", "experts-panel/1.0"),
		RedditTimeout:   msFromEnv("REDDIT_TIMEOUT_MS", DefaultRedditTimeout),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.OpenRouterKeys)+len(c.GeminiKeys)+len(c.OpenAIKeys) == 0 {
		return fmt.Errorf("no LLM provider keys configured (set OPENROUTER_API_KEYS, GEMINI_API_KEYS, or OPENAI_API_KEYS)")
	}
	if c.MapChunkSize < 1 {
		return fmt.Errorf("MAP_CHUNK_SIZE must be >= 1, got %d", c.MapChunkSize)
	}
	if c.MapMaxParallel < 1 {
		return fmt.Errorf("MAP_MAX_PARALLEL must be >= 1, got %d", c.MapMaxParallel)
	}
	if c.MediumScoreThreshold < 0 || c.MediumScoreThreshold > 1 {
		return fmt.Errorf("MEDIUM_SCORE_THRESHOLD must be in [0,1], got %v", c.MediumScoreThreshold)
	}
	return nil
}

// LLMConfigured reports whether at least one provider key pool is set.
func (c *Config) LLMConfigured() bool {
	return len(c.OpenRouterKeys)+len(c.GeminiKeys)+len(c.OpenAIKeys) > 0
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intFromEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func floatFromEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func msFromEnv(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return time.Duration(n) * time.Millisecond
		}
	}
	return fallback
}

// splitKeys merges a comma-separated pool with an optional single-key
// variable, trimming blanks.
func splitKeys(pool, single string) []string {
	var keys []string
	for _, k := range strings.Split(pool, ",") {
		if k = strings.TrimSpace(k); k != "" {
			keys = append(keys, k)
		}
	}
	if single = strings.TrimSpace(single); single != "" && !contains(keys, single) {
		keys = append(keys, single)
	}
	return keys
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
