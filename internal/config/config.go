package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Port            int
	NatsURL         string
	NatsToken       string
	DatabaseURL     string
	LogLevel        string
	LogFormat       string
	AnthropicAPIKey string
	AnthropicModel  string
	SlackBotToken   string
	SlackChannel    string
	APIToken        string

	// engine
	QuiescenceWindow  time.Duration
	MalformedRatio    float64
	OrderingTolerance int
	Reference         string
	// ArchiveDir, when set, receives a zstd report archive per service run.
	ArchiveDir string
}

func Load() Config {
	return Config{
		Port:              envInt("AMQPDIFF_PORT", 8760),
		NatsURL:           envStr("NATS_URL", "nats://hermes:4222"),
		NatsToken:         envStr("NATS_TOKEN", ""),
		DatabaseURL:       envStr("DATABASE_URL", ""),
		LogLevel:          envStr("LOG_LEVEL", "info"),
		LogFormat:         envStr("LOG_FORMAT", "json"),
		AnthropicAPIKey:   envStr("ANTHROPIC_API_KEY", ""),
		AnthropicModel:    envStr("AMQPDIFF_MODEL", "claude-sonnet-4-20250514"),
		SlackBotToken:     envStr("SLACK_BOT_TOKEN", ""),
		SlackChannel:      envStr("SLACK_REPORT_CHANNEL", ""),
		APIToken:          envStr("AMQPDIFF_API_TOKEN", ""),
		QuiescenceWindow:  envDuration("AMQPDIFF_QUIESCENCE_WINDOW", 2*time.Second),
		MalformedRatio:    envFloat("AMQPDIFF_MALFORMED_RATIO", 0.10),
		OrderingTolerance: envInt("AMQPDIFF_ORDER_TOLERANCE", 1),
		Reference:         envStr("AMQPDIFF_REFERENCE", "first-source"),
		ArchiveDir:        envStr("AMQPDIFF_ARCHIVE_DIR", ""),
	}
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

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}
