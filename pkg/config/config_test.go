package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoad(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg := Load()
		assert.Equal(t, 8000, cfg.Port)
		assert.Equal(t, "localhost:6379", cfg.RedisAddr)
		assert.Equal(t, int64(500)<<20, cfg.MaxUploadBytes)
		assert.Equal(t, 2*time.Second, cfg.PollInterval)
	})

	t.Run("Overrides", func(t *testing.T) {
		t.Setenv("AUDIOGHOST_PORT", "9090")
		t.Setenv("AUDIOGHOST_REDIS_ADDR", "redis:6379")
		t.Setenv("AUDIOGHOST_POLL_INTERVAL", "250ms")
		cfg := Load()
		assert.Equal(t, 9090, cfg.Port)
		assert.Equal(t, "redis:6379", cfg.RedisAddr)
		assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	})

	t.Run("MalformedFallsBack", func(t *testing.T) {
		t.Setenv("AUDIOGHOST_PORT", "not-a-number")
		t.Setenv("AUDIOGHOST_POLL_INTERVAL", "soon")
		cfg := Load()
		assert.Equal(t, 8000, cfg.Port)
		assert.Equal(t, 2*time.Second, cfg.PollInterval)
	})
}
