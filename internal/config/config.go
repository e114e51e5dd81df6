// Package config loads gateway configuration from environment
// variables (the names Load reads, each with a default), rather than
// a YAML/JSON file.
package config

import (
	"log/slog"
	"time"
)

// WebhookAuthType selects how outbound webhook POSTs authenticate to
// the sink.
type WebhookAuthType string

const (
	WebhookAuthNone   WebhookAuthType = ""
	WebhookAuthBasic  WebhookAuthType = "basic"
	WebhookAuthToken  WebhookAuthType = "token"
	WebhookAuthBearer WebhookAuthType = "bearer"
)

// Config is the fully-resolved gateway configuration.
type Config struct {
	Port int

	Redis RedisConfig

	Webhook WebhookConfig
	Filter  FilterConfig

	ShowQRInTerminal bool
	AuthBaseDir      string

	KeepAlive   KeepAliveConfig
	HealthCheck HealthCheckConfig
	Reconnect   ReconnectConfig
}

// RedisConfig configures the connection to the KV store backing auth
// credentials and the webhook queue.
type RedisConfig struct {
	URL      string
	Host     string
	Port     int
	DB       int
	Password string
}

// WebhookConfig configures the delivery engine's sink and auth header.
type WebhookConfig struct {
	URL      string
	AuthType WebhookAuthType
	User     string
	Password string
	Token    string

	// ValidateSinkHost rejects a configured sink that resolves to a
	// private or internal address, guarding against an operator (or a
	// compromised admin surface) pointing outbound deliveries at the
	// gateway's own network.
	ValidateSinkHost bool
}

// FilterConfig configures the event filter (spec §4.4).
type FilterConfig struct {
	SkipStatus    bool
	SkipGroups    bool
	SkipChannels  bool
	SkipBlocked   bool
	AllowedEvents map[string]struct{}
	DeniedEvents  map[string]struct{}
}

// KeepAliveConfig configures the supervisor's ping/pong liveness check.
type KeepAliveConfig struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	MaxMissedPongs int
}

// HealthCheckConfig configures the idle-connection health prober.
type HealthCheckConfig struct {
	Interval    time.Duration
	MaxIdleTime time.Duration
}

// ReconnectConfig configures the bounded exponential-backoff reconnect policy.
type ReconnectConfig struct {
	Auto        bool
	MaxAttempts int
}

// Load reads configuration from the environment, applying the
// defaults below.
func Load(logger *slog.Logger) *Config {
	if logger == nil {
		logger = slog.Default()
	}

	cfg := &Config{
		Port: getInt(logger, "PORT", 3001),
		Redis: RedisConfig{
			URL:      getString(logger, "REDIS_URL", ""),
			Host:     getString(logger, "REDIS_HOST", "localhost"),
			Port:     getInt(logger, "REDIS_PORT", 6379),
			DB:       getInt(logger, "REDIS_DB", 0),
			Password: getString(logger, "REDIS_PASSWORD", ""),
		},
		Webhook: WebhookConfig{
			URL:      getString(logger, "WEBHOOK_URL", ""),
			AuthType: WebhookAuthType(getString(logger, "WEBHOOK_AUTH_TYPE", "")),
			User:     getString(logger, "WEBHOOK_AUTH_USER", ""),
			Password: getString(logger, "WEBHOOK_AUTH_PASSWORD", ""),
			Token:    getString(logger, "WEBHOOK_AUTH_TOKEN", ""),
			ValidateSinkHost: getBool(logger, "WEBHOOK_VALIDATE_SINK_HOST", false),
		},
		Filter: FilterConfig{
			SkipStatus:    getBool(logger, "WEBHOOK_SKIP_STATUS", true),
			SkipGroups:    getBool(logger, "WEBHOOK_SKIP_GROUPS", false),
			SkipChannels:  getBool(logger, "WEBHOOK_SKIP_CHANNELS", true),
			SkipBlocked:   getBool(logger, "WEBHOOK_SKIP_BLOCKED", false),
			AllowedEvents: getStringSet("WEBHOOK_ALLOWED_EVENTS"),
			DeniedEvents:  getStringSet("WEBHOOK_DENIED_EVENTS"),
		},
		ShowQRInTerminal: getBool(logger, "SHOW_QR_IN_TERMINAL", false),
		AuthBaseDir:      getString(logger, "AUTH_BASE_DIR", ""),
		KeepAlive: KeepAliveConfig{
			PingInterval:   getDurationMs(logger, "KEEP_ALIVE_PING_INTERVAL", 30*time.Second),
			PongTimeout:    getDurationMs(logger, "KEEP_ALIVE_PONG_TIMEOUT", 10*time.Second),
			MaxMissedPongs: getInt(logger, "MAX_MISSED_PONGS", 3),
		},
		HealthCheck: HealthCheckConfig{
			Interval:    getDurationMs(logger, "HEALTH_CHECK_INTERVAL", 60*time.Second),
			MaxIdleTime: getDurationMs(logger, "MAX_IDLE_TIME", 300*time.Second),
		},
		Reconnect: ReconnectConfig{
			Auto:        getBool(logger, "AUTO_RECONNECT", true),
			MaxAttempts: getInt(logger, "MAX_RECONNECT_ATTEMPTS", 10),
		},
	}

	if cfg.Webhook.URL == "" {
		logger.Warn("WEBHOOK_URL is empty, webhook delivery disabled")
	}

	return cfg
}
