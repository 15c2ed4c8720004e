package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"
)

type Config struct {
	// APIBaseURL is the root of the Palaver REST surface, without the
	// /api/v1 prefix.
	APIBaseURL  string
	HTTPTimeout time.Duration
	// StateDir holds the file-backed local cache. Ignored when RedisURL is
	// set.
	StateDir string
	// RedisURL selects the Redis cache backend, which makes local state
	// visible to other client processes on the same machine. Empty means
	// file-backed single-process mode.
	RedisURL string
}

func Load() Config {
	return Config{
		APIBaseURL:  getenv("PALAVER_API_URL", "http://localhost:8000"),
		HTTPTimeout: time.Duration(getenvInt("PALAVER_HTTP_TIMEOUT_SECONDS", 30)) * time.Second,
		StateDir:    getenv("PALAVER_STATE_DIR", defaultStateDir()),
		RedisURL:    getenv("PALAVER_REDIS_URL", ""),
	}
}

func defaultStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./.palaver"
	}
	return filepath.Join(home, ".palaver")
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
