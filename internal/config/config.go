package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Defaults for a local single-user install.
const (
	DefaultPort       = 19292
	DefaultOllamaHost = "http://127.0.0.1:11434"
	DefaultModel      = "llama3.2:3b"
	DefaultCacheTTL   = time.Hour
	DefaultPruneAge   = 24 * time.Hour
	DefaultPruneSpec  = "@every 15m"
)

// Config captures runtime configuration for the analysis host.
type Config struct {
	Port       int           // websocket port the extension connects to
	DBPath     string        // sqlite database path
	OllamaHost string        // model engine base URL
	Model      string        // model name, pulled on first use
	CacheTTL   time.Duration // detected-events freshness window
	PruneAge   time.Duration // cache entries older than this are swept
	PruneSpec  string        // cron spec for the sweep
	LogDir     string        // applog directory
}

// FromEnv builds a configuration from CALAIDER_* environment variables,
// loading a .env file first if present. CLI flags override these.
func FromEnv() (Config, error) {
	_ = godotenv.Load()

	cfg := Config{
		Port:       DefaultPort,
		OllamaHost: getEnv("CALAIDER_OLLAMA_HOST", DefaultOllamaHost),
		Model:      getEnv("CALAIDER_MODEL", DefaultModel),
		CacheTTL:   DefaultCacheTTL,
		PruneAge:   DefaultPruneAge,
		PruneSpec:  getEnv("CALAIDER_PRUNE_CRON", DefaultPruneSpec),
		DBPath:     os.Getenv("CALAIDER_DB"),
		LogDir:     os.Getenv("CALAIDER_LOG_DIR"),
	}

	if v := os.Getenv("CALAIDER_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CALAIDER_PORT %q: %w", v, err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("CALAIDER_CACHE_TTL"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CALAIDER_CACHE_TTL %q: %w", v, err)
		}
		cfg.CacheTTL = ttl
	}
	if v := os.Getenv("CALAIDER_PRUNE_AGE"); v != "" {
		age, err := time.ParseDuration(v)
		if err != nil {
			return cfg, fmt.Errorf("parse CALAIDER_PRUNE_AGE %q: %w", v, err)
		}
		cfg.PruneAge = age
	}

	if cfg.LogDir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			cfg.LogDir = filepath.Join(home, ".local", "share", "calaider")
		}
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
