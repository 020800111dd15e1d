package config

import (
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	var cfg Config
	require.NoError(t, env.ParseWithOptions(&cfg, env.Options{Environment: map[string]string{}}))
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "memory", cfg.CacheBackend)
	assert.Equal(t, 0.85, cfg.SimilarityThreshold)
	assert.Equal(t, 8, cfg.HashSize)
	assert.Equal(t, 2*time.Hour, cfg.CanvasTTL)
	assert.Equal(t, 24*time.Hour, cfg.ImageTTL)
	assert.Equal(t, "@every 1h", cfg.EvictSchedule)
	assert.Equal(t, "127.0.0.1:6379", cfg.Redis.Addr)
	assert.Equal(t, 2*time.Second, cfg.Redis.Timeout)
	assert.Equal(t, "gpt-4o-mini", cfg.LLM.Model)
	assert.Equal(t, 1024, cfg.Dimensions().Width)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CACHE_BACKEND", "redis")
	t.Setenv("REDIS_ADDR", "redis:6380")
	t.Setenv("REDIS_DB", "3")
	t.Setenv("SIMILARITY_THRESHOLD", "0.9")
	t.Setenv("CANVAS_TTL", "30m")
	t.Setenv("LLM_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "redis", cfg.CacheBackend)
	assert.Equal(t, "redis:6380", cfg.Redis.Addr)
	assert.Equal(t, 3, cfg.Redis.DB)
	assert.Equal(t, 0.9, cfg.SimilarityThreshold)
	assert.Equal(t, 30*time.Minute, cfg.CanvasTTL)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	var base Config
	require.NoError(t, env.ParseWithOptions(&base, env.Options{Environment: map[string]string{}}))

	cases := map[string]func(c *Config){
		"backend":   func(c *Config) { c.CacheBackend = "disk" },
		"threshold": func(c *Config) { c.SimilarityThreshold = 1.5 },
		"hash size": func(c *Config) { c.HashSize = 1 },
		"algorithm": func(c *Config) { c.HashAlgorithm = "wavelet" },
		"dhash 16":  func(c *Config) { c.HashAlgorithm = "difference"; c.HashSize = 16 },
		"ttl":       func(c *Config) { c.CanvasTTL = 0 },
		"upload":    func(c *Config) { c.MaxUploadBytes = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := base
			mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
