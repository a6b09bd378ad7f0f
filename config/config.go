// Package config loads the environment-driven configuration for the
// chartstream binaries.
package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"chartstream/internal/model"
)

// Config holds everything chartstreamd reads from the environment.
type Config struct {
	// Upstream exchange. Credentials are optional; without an API key the
	// client skips login (feedsim accepts anonymous sessions).
	UpstreamURL        string
	UpstreamAPIKey     string
	UpstreamClientCode string
	UpstreamPassword   string
	UpstreamTOTPSecret string

	// Pairs pinned at boot, comma-separated "BTCUSDT:1m,ETHUSDT:5m".
	// Pinned pairs keep their connectors running with zero subscribers.
	Pairs string

	// Infrastructure
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SQLitePath    string
	GatewayAddr   string
	MetricsAddr   string

	// Entitlement
	EntitlementBackend string // static | redis | postgres
	PremiumSubscribers string
	PostgresDSN        string

	// Archive retention window in days.
	RetentionDays int

	// Feed reconnect tuning in milliseconds. Zero keeps the package
	// defaults (1s base, 30s cap).
	BackoffBaseMS int
	BackoffMaxMS  int

	// Notification channels, enabled when set.
	WebhookURL       string
	TelegramBotToken string
	TelegramChatID   string

	LogLevel string
}

// Load reads configuration from environment variables with sensible
// defaults. An optional .env file is applied first; variables already in
// the environment win over the file.
func Load() *Config {
	if err := godotenv.Load(); err == nil {
		log.Println("[config] loaded .env")
	}

	c := &Config{
		UpstreamURL:        getEnv("UPSTREAM_URL", "http://localhost:7777"),
		UpstreamAPIKey:     getEnv("UPSTREAM_API_KEY", ""),
		UpstreamClientCode: getEnv("UPSTREAM_CLIENT_CODE", ""),
		UpstreamPassword:   getEnv("UPSTREAM_PASSWORD", ""),
		UpstreamTOTPSecret: getEnv("UPSTREAM_TOTP_SECRET", ""),

		Pairs: getEnv("PAIRS", "BTCUSDT:1m"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),
		SQLitePath:    getEnv("SQLITE_PATH", "data/bars.db"),
		GatewayAddr:   getEnv("GATEWAY_ADDR", ":8080"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),

		EntitlementBackend: getEnv("ENTITLEMENT_BACKEND", "static"),
		PremiumSubscribers: getEnv("PREMIUM_SUBSCRIBERS", ""),

		RetentionDays: getEnvInt("ARCHIVE_RETENTION_DAYS", 30),

		BackoffBaseMS: getEnvInt("FEED_BACKOFF_BASE_MS", 0),
		BackoffMaxMS:  getEnvInt("FEED_BACKOFF_MAX_MS", 0),

		WebhookURL:       getEnv("NOTIFY_WEBHOOK_URL", ""),
		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if c.EntitlementBackend == "postgres" {
		c.PostgresDSN = mustEnv("POSTGRES_DSN")
	}
	return c
}

// ParsePairs parses the pinned pair list into validated keys, skipping
// invalid entries with a log line.
func (c *Config) ParsePairs() []model.PairKey {
	parts := strings.Split(c.Pairs, ",")
	pairs := make([]model.PairKey, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pair, err := model.ParsePairKey(p)
		if err != nil {
			log.Printf("[config] skipping invalid pair %q: %v", p, err)
			continue
		}
		pairs = append(pairs, pair)
	}
	return pairs
}

// BackoffBase returns the configured reconnect base delay, zero when the
// package default should apply.
func (c *Config) BackoffBase() time.Duration {
	return time.Duration(c.BackoffBaseMS) * time.Millisecond
}

// BackoffMax returns the configured reconnect delay cap, zero when the
// package default should apply.
func (c *Config) BackoffMax() time.Duration {
	return time.Duration(c.BackoffMaxMS) * time.Millisecond
}

// TelegramEnabled reports whether both Telegram credentials are present.
func (c *Config) TelegramEnabled() bool {
	return c.TelegramBotToken != "" && c.TelegramChatID != ""
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		log.Fatalf("[config] required env var %s not set", key)
	}
	return v
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
		log.Printf("[config] ignoring non-numeric %s=%q", key, v)
	}
	return fallback
}
