package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"UPSTREAM_URL", "UPSTREAM_API_KEY", "PAIRS", "REDIS_ADDR", "REDIS_DB",
		"SQLITE_PATH", "GATEWAY_ADDR", "METRICS_ADDR", "ENTITLEMENT_BACKEND",
		"PREMIUM_SUBSCRIBERS", "ARCHIVE_RETENTION_DAYS", "FEED_BACKOFF_BASE_MS",
		"FEED_BACKOFF_MAX_MS", "NOTIFY_WEBHOOK_URL", "TELEGRAM_BOT_TOKEN",
		"TELEGRAM_CHAT_ID", "LOG_LEVEL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	c := Load()

	if c.UpstreamURL != "http://localhost:7777" {
		t.Errorf("UpstreamURL = %q", c.UpstreamURL)
	}
	if c.Pairs != "BTCUSDT:1m" {
		t.Errorf("Pairs = %q", c.Pairs)
	}
	if c.RedisAddr != "localhost:6379" || c.RedisDB != 0 {
		t.Errorf("redis = %q db %d", c.RedisAddr, c.RedisDB)
	}
	if c.EntitlementBackend != "static" {
		t.Errorf("EntitlementBackend = %q", c.EntitlementBackend)
	}
	if c.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d", c.RetentionDays)
	}
	if c.LogLevel != "info" {
		t.Errorf("LogLevel = %q", c.LogLevel)
	}
	if c.TelegramEnabled() {
		t.Error("telegram should be off by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("UPSTREAM_URL", "https://feed.example.com")
	t.Setenv("PAIRS", "ETHUSDT:5m")
	t.Setenv("ARCHIVE_RETENTION_DAYS", "7")
	t.Setenv("FEED_BACKOFF_BASE_MS", "250")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	c := Load()
	if c.UpstreamURL != "https://feed.example.com" {
		t.Errorf("UpstreamURL = %q", c.UpstreamURL)
	}
	if c.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d", c.RetentionDays)
	}
	if c.BackoffBase() != 250*time.Millisecond {
		t.Errorf("BackoffBase = %v", c.BackoffBase())
	}
	if !c.TelegramEnabled() {
		t.Error("telegram should be enabled")
	}
}

func TestLoadIgnoresNonNumericInts(t *testing.T) {
	clearEnv(t)
	t.Setenv("ARCHIVE_RETENTION_DAYS", "often")

	if c := Load(); c.RetentionDays != 30 {
		t.Errorf("RetentionDays = %d, want default 30", c.RetentionDays)
	}
}

func TestLoadPostgresRequiresDSN(t *testing.T) {
	clearEnv(t)
	t.Setenv("ENTITLEMENT_BACKEND", "postgres")
	t.Setenv("POSTGRES_DSN", "postgres://app@localhost/entitlements")

	c := Load()
	if c.PostgresDSN != "postgres://app@localhost/entitlements" {
		t.Errorf("PostgresDSN = %q", c.PostgresDSN)
	}
}

func TestParsePairs(t *testing.T) {
	c := &Config{Pairs: "btcusdt:1m, ETHUSDT:5m ,bogus pair:1m,SOLUSDT:9z,"}
	pairs := c.ParsePairs()
	if len(pairs) != 2 {
		t.Fatalf("got %d pairs: %v", len(pairs), pairs)
	}
	if pairs[0].Key() != "BTCUSDT:1m" || pairs[1].Key() != "ETHUSDT:5m" {
		t.Errorf("pairs = %v", pairs)
	}
}
