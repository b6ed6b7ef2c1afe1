package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEYS", "key-1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8000", cfg.HTTPPort)
	assert.Equal(t, []string{"key-1"}, cfg.OpenRouterKeys)
	assert.Equal(t, DefaultMapChunkSize, cfg.MapChunkSize)
	assert.Equal(t, DefaultMapMaxParallel, cfg.MapMaxParallel)
	assert.Equal(t, DefaultMediumScoreThreshold, cfg.MediumScoreThreshold)
	assert.Equal(t, DefaultMediumMaxSelected, cfg.MediumMaxSelectedPosts)
	assert.Equal(t, DefaultLLMTimeout, cfg.LLMTimeout)
	assert.Equal(t, DefaultQueryDeadline, cfg.QueryDeadline)
	assert.Equal(t, DefaultMaxQuotaWait, cfg.MaxQuotaWait)
	assert.True(t, cfg.LLMConfigured())
}

func TestLoadKeyPools(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEYS", "a, b ,c,,")
	t.Setenv("GEMINI_API_KEY", "g-single")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, cfg.OpenRouterKeys)
	assert.Equal(t, []string{"g-single"}, cfg.GeminiKeys)
}

func TestLoadSingleKeyMergedWithPool(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEYS", "a,b")
	t.Setenv("OPENROUTER_API_KEY", "a") // duplicate of pool entry

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, cfg.OpenRouterKeys)
}

func TestLoadRequiresSomeKey(t *testing.T) {
	// No provider env set in this subprocess environment.
	t.Setenv("OPENROUTER_API_KEYS", "")
	t.Setenv("OPENROUTER_API_KEY", "")
	t.Setenv("GEMINI_API_KEYS", "")
	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("OPENAI_API_KEYS", "")
	t.Setenv("OPENAI_API_KEY", "")

	_, err := Load()
	assert.Error(t, err)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEYS", "k")
	t.Setenv("MODEL_MAP", "custom/mapper")
	t.Setenv("MAP_MAX_PARALLEL", "7")
	t.Setenv("MEDIUM_SCORE_THRESHOLD", "0.55")
	t.Setenv("MAX_QUOTA_WAIT_MS", "1500")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "custom/mapper", cfg.Models.Map)
	assert.Equal(t, 7, cfg.MapMaxParallel)
	assert.Equal(t, 0.55, cfg.MediumScoreThreshold)
	assert.Equal(t, 1500*time.Millisecond, cfg.MaxQuotaWait)
}

func TestLoadRejectsBadThreshold(t *testing.T) {
	t.Setenv("OPENROUTER_API_KEYS", "k")
	t.Setenv("MEDIUM_SCORE_THRESHOLD", "1.5")

	_, err := Load()
	assert.Error(t, err)
}
