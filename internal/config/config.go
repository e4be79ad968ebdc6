package config

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "procbox.db"
	defaultRetention  = 24 * time.Hour

	envListenAddr = "PROCBOX_LISTEN_ADDR"
	envDBPath     = "PROCBOX_DB_PATH"
	envLogLevel   = "PROCBOX_LOG_LEVEL"
	envMaxWorkers = "PROCBOX_MAX_WORKERS"
	envRetention  = "PROCBOX_RETENTION"
)

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	DBPath     string
	LogLevel   slog.Level

	// MaxWorkers bounds concurrent process execution; zero means the
	// engine's default sizing (half of hardware parallelism, minimum 1).
	MaxWorkers int

	// Retention is how long finished execution records are kept before the
	// startup sweep removes them.
	Retention time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() Config {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Retention:  defaultRetention,
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envMaxWorkers); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxWorkers = n
		}
	}
	if v := os.Getenv(envRetention); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Retention = d
		}
	}

	return cfg
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
