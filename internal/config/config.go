// Package config loads the message plane's configuration from the
// environment, following the same fail-fast, typed-getter style used
// throughout the source tree's services.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	AppEnv string

	// OwnChannelID identifies this controller instance's inbound channel.
	// The long-poll receive loop and the MQTT primary subscription both key
	// off it.
	OwnChannelID string

	// HTTP bounce-proxy transport
	BounceProxyBaseURL string
	SendRetryInterval  time.Duration
	MaxAttemptTTL      time.Duration

	// MQTT transport
	BrokerURL          string
	MQTTKeepAlive      time.Duration
	MQTTReconnectSleep time.Duration
	MQTTQoS            byte
	MQTTRetain         bool
	MQTTPriorityLabel  string

	// URL selector
	URLSelectorPunishmentFactor float64
	URLSelectorRecoveryPeriod   time.Duration

	// Scheduler
	WorkerPoolSize int

	// Routing table
	RoutingTableCleanupInterval time.Duration

	// Persistence (optional, crash recovery only)
	RedisAddr string
	RedisPass string
	RedisDB   int
	PgDSN     string

	// Admin API
	AdminAddr string

	// Logging
	LogLevel  string
	LogFormat string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	cfg.AppEnv = getEnv("APP_ENV", "dev")
	cfg.OwnChannelID = getEnv("OWN_CHANNEL_ID", "")

	cfg.BounceProxyBaseURL = getEnv("BOUNCE_PROXY_BASE_URL", "http://localhost:8080/bounceproxy")
	cfg.SendRetryInterval = getDuration("SEND_RETRY_INTERVAL_MS", 1000*time.Millisecond)
	cfg.MaxAttemptTTL = getDuration("MAX_ATTEMPT_TTL_MS", 60000*time.Millisecond)

	cfg.BrokerURL = getEnv("BROKER_URL", "tcp://localhost:1883")
	cfg.MQTTKeepAlive = time.Duration(getInt("MQTT_KEEP_ALIVE_SECONDS", 60)) * time.Second
	cfg.MQTTReconnectSleep = getDuration("MQTT_RECONNECT_SLEEP_MS", 1000*time.Millisecond)
	cfg.MQTTQoS = byte(getInt("MQTT_QOS", 1))
	cfg.MQTTRetain = getBool("MQTT_RETAIN", false)
	cfg.MQTTPriorityLabel = getEnv("MQTT_PRIORITY_LABEL", "low")

	cfg.URLSelectorPunishmentFactor = getFloat("URL_SELECTOR_PUNISHMENT_FACTOR", 0.4)
	cfg.URLSelectorRecoveryPeriod = getDuration("URL_SELECTOR_RECOVERY_PERIOD_MS", 180000*time.Millisecond)

	cfg.WorkerPoolSize = getInt("WORKER_POOL_SIZE", 6)

	cfg.RoutingTableCleanupInterval = getDuration("ROUTING_TABLE_CLEANUP_INTERVAL_MS", 30000*time.Millisecond)

	cfg.RedisAddr = getEnv("REDIS_ADDR", "")
	cfg.RedisPass = getEnv("REDIS_PASSWORD", "")
	cfg.RedisDB = getInt("REDIS_DB", 0)
	cfg.PgDSN = firstNonEmpty(strings.TrimSpace(os.Getenv("DATABASE_URL")), "")

	cfg.AdminAddr = getEnv("ADMIN_ADDR", ":9090")

	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFormat = getEnv("LOG_FORMAT", "console")

	if cfg.BounceProxyBaseURL == "" {
		return nil, fmt.Errorf("missing BOUNCE_PROXY_BASE_URL")
	}
	if cfg.WorkerPoolSize <= 0 {
		return nil, fmt.Errorf("WORKER_POOL_SIZE must be positive, got %d", cfg.WorkerPoolSize)
	}
	if cfg.URLSelectorPunishmentFactor <= 0 || cfg.URLSelectorPunishmentFactor >= 1 {
		return nil, fmt.Errorf("URL_SELECTOR_PUNISHMENT_FACTOR must be in (0,1), got %v", cfg.URLSelectorPunishmentFactor)
	}
	if cfg.AppEnv != "dev" && cfg.BrokerURL == "" {
		return nil, fmt.Errorf("missing BROKER_URL (required when APP_ENV != dev)")
	}

	return cfg, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func getEnv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func getInt(k string, def int) int {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getFloat(k string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getBool(k string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		panic(fmt.Errorf("invalid boolean env %s=%q", k, v))
	}
}

func getDuration(k string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	// bare env values are milliseconds (matches the *_MS naming convention);
	// a Go duration string ("500ms", "3m") is also accepted.
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
