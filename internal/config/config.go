package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	defaultHTTPAddr        = ":8098"
	defaultDBPath          = "/data/fleet_console.db"
	defaultUpstreamURL     = "http://gateway-hub:9070/push"
	defaultConsoleURL      = "http://gateway-hub:9070/api"
	defaultHeartbeat       = 25 * time.Second
	defaultHeartbeatWait   = 10 * time.Second
	defaultBackoffBase     = time.Second
	defaultBackoffMax      = 30 * time.Second
	defaultQueueCap        = 64
	defaultPersistInterval = 30 * time.Second
	defaultResolvedAlarms  = 50
	defaultGapThreshold    = 500
)

// Config stores runtime settings loaded from environment variables.
type Config struct {
	HTTPAddr string
	DBPath   string

	UpstreamURL   string
	UpstreamToken string
	ConsoleURL    string
	ConsoleToken  string

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration

	SubscriberQueueCap int
	PersistInterval    time.Duration
	MaxResolvedAlarms  int
	SeqGapThreshold    int64

	LogLevel slog.Level
}

// Load builds Config from environment variables using stable defaults.
func Load() Config {
	return Config{
		HTTPAddr:           getenv("HTTP_ADDR", defaultHTTPAddr),
		DBPath:             getenv("DB_PATH", defaultDBPath),
		UpstreamURL:        getenv("UPSTREAM_URL", defaultUpstreamURL),
		UpstreamToken:      getenv("UPSTREAM_TOKEN", ""),
		ConsoleURL:         getenv("CONSOLE_API_URL", defaultConsoleURL),
		ConsoleToken:       getenv("CONSOLE_API_TOKEN", ""),
		HeartbeatInterval:  parseDuration("HEARTBEAT_INTERVAL", defaultHeartbeat),
		HeartbeatTimeout:   parseDuration("HEARTBEAT_TIMEOUT", defaultHeartbeatWait),
		BackoffBase:        parseDuration("BACKOFF_BASE", defaultBackoffBase),
		BackoffMax:         parseDuration("BACKOFF_MAX", defaultBackoffMax),
		SubscriberQueueCap: parseInt("SUBSCRIBER_QUEUE_CAP", defaultQueueCap),
		PersistInterval:    parseDuration("PERSIST_INTERVAL", defaultPersistInterval),
		MaxResolvedAlarms:  parseInt("MAX_RESOLVED_ALARMS", defaultResolvedAlarms),
		SeqGapThreshold:    int64(parseInt("SEQ_GAP_THRESHOLD", defaultGapThreshold)),
		LogLevel:           parseLogLevel(getenv("LOG_LEVEL", "info")),
	}
}

// DBDir returns the target directory for DBPath.
func (c Config) DBDir() string {
	return filepath.Dir(c.DBPath)
}

func getenv(key string, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}

func parseDuration(key string, fallback time.Duration) time.Duration {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil || value <= 0 {
		return fallback
	}
	return value
}

func parseInt(key string, fallback int) int {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || value < 0 {
		return fallback
	}
	return value
}

func parseLogLevel(raw string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
