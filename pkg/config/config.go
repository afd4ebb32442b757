package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration, loaded from environment variables.
type Config struct {
	// Model sidecar connection
	ModelAPIURL  string
	ShareDir     string // volume shared with the sidecar, empty disables it
	PollInterval time.Duration

	// Server
	Port           int
	MaxUploadBytes int64

	// Task storage
	RedisAddr string
	UploadDir string
	OutputDir string

	// Hugging Face auth (SAM-Audio is a gated model)
	HFTokenPath string
	HFHubURL    string
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return Config{
		ModelAPIURL:  envStr("AUDIOGHOST_MODEL_API_URL", "http://sam-audio:8765"),
		ShareDir:     envStr("AUDIOGHOST_SHARE_DIR", "/shared"),
		PollInterval: envDur("AUDIOGHOST_POLL_INTERVAL", 2*time.Second),

		Port:           envInt("AUDIOGHOST_PORT", 8000),
		MaxUploadBytes: int64(envInt("AUDIOGHOST_MAX_UPLOAD_MB", 500)) << 20,

		RedisAddr: envStr("AUDIOGHOST_REDIS_ADDR", "localhost:6379"),
		UploadDir: envStr("AUDIOGHOST_UPLOAD_DIR", "uploads"),
		OutputDir: envStr("AUDIOGHOST_OUTPUT_DIR", "outputs"),

		HFTokenPath: envStr("AUDIOGHOST_HF_TOKEN_PATH", defaultTokenPath()),
		HFHubURL:    envStr("AUDIOGHOST_HF_HUB_URL", "https://huggingface.co"),
	}
}

func defaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hf_token"
	}
	return home + "/.audioghost/hf_token"
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}
