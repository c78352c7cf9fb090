package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pion/webrtc/v4"
)

const (
	LogFormatText = "text"
	LogFormatJSON = "json"
)

type Config struct {
	Port           string
	Environment    string
	AllowedOrigins []string
	JWTSecret      string
	Redis          RedisConfig

	LogFormat    string
	LogLevel     slog.Level
	PionLogLevel string

	MaxParticipants int
	MeetingTTL      time.Duration

	// WebSocket keepalive
	PingInterval time.Duration
	IdleTimeout  time.Duration
	WriteTimeout time.Duration

	ICEServers []webrtc.ICEServer

	// SignalingURL is the WebSocket endpoint used by meeting clients.
	SignalingURL string
}

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Load reads configuration from the environment after merging an optional
// .env file in the working directory. Variables already set win over .env.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return LoadFromLookup(os.LookupEnv)
}

// LoadFromLookup builds a Config from an environment lookup function.
func LoadFromLookup(lookup func(string) (string, bool)) (*Config, error) {
	getEnv := func(key, defaultValue string) string {
		if value, ok := lookup(key); ok && value != "" {
			return value
		}
		return defaultValue
	}

	// Parse allowed origins (comma-separated)
	origins := splitCommaSeparated(getEnv("ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173"))

	cfg := &Config{
		Port:           getEnv("PORT", "8080"),
		Environment:    getEnv("ENVIRONMENT", "development"),
		AllowedOrigins: origins,
		JWTSecret:      getEnv("JWT_SECRET", "change-me-in-production"),
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},
		LogFormat:    strings.ToLower(getEnv("LOG_FORMAT", LogFormatText)),
		PionLogLevel: strings.ToLower(getEnv("PION_LOG_LEVEL", "warn")),
		SignalingURL: getEnv("SIGNALING_URL", "ws://localhost:8080/ws/signal"),
	}

	var err error
	if cfg.Redis.DB, err = parseInt(getEnv("REDIS_DB", "0"), "REDIS_DB"); err != nil {
		return nil, err
	}
	if cfg.MaxParticipants, err = parseInt(getEnv("MAX_PARTICIPANTS", "8"), "MAX_PARTICIPANTS"); err != nil {
		return nil, err
	}
	if cfg.MaxParticipants < 0 {
		return nil, fmt.Errorf("MAX_PARTICIPANTS must be >= 0")
	}

	durations := []struct {
		key string
		def string
		dst *time.Duration
	}{
		{"MEETING_TTL", "24h", &cfg.MeetingTTL},
		{"SIGNALING_PING_INTERVAL", "54s", &cfg.PingInterval},
		{"SIGNALING_IDLE_TIMEOUT", "60s", &cfg.IdleTimeout},
		{"SIGNALING_WRITE_TIMEOUT", "10s", &cfg.WriteTimeout},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(getEnv(d.key, d.def))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v <= 0 {
			return nil, fmt.Errorf("%s must be positive", d.key)
		}
		*d.dst = v
	}
	if cfg.PingInterval >= cfg.IdleTimeout {
		return nil, fmt.Errorf("SIGNALING_PING_INTERVAL (%s) must be shorter than SIGNALING_IDLE_TIMEOUT (%s)", cfg.PingInterval, cfg.IdleTimeout)
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(getEnv("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	switch cfg.LogFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return nil, fmt.Errorf("LOG_FORMAT: unsupported format %q", cfg.LogFormat)
	}

	cfg.ICEServers, err = parseICEServersFromValues(
		getEnv(envICEServersJSON, ""),
		getEnv(envStunURLs, defaultStunURL),
		getEnv(envTurnURLs, ""),
		getEnv(envTurnUsername, ""),
		getEnv(envTurnCredential, ""),
	)
	if err != nil {
		return nil, err
	}

	return cfg, nil
}

// NewLogger builds the process logger described by cfg.
func NewLogger(cfg *Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func parseInt(raw, key string) (int, error) {
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}
