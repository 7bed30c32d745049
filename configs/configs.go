// Package configs provides application configuration loaded from environment variables.
// All configuration is externalized via environment variables for 12-factor app compliance.
package configs

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// JobMode selects how the trades service sources data.
type JobMode string

const (
	// ModeBackfill fetches the lookback window over REST, publishes it and exits.
	ModeBackfill JobMode = "backfill"

	// ModeWebsocket streams live trades until a fatal error.
	ModeWebsocket JobMode = "websocket"

	// ModeHybrid runs a backfill and then switches to the live stream.
	ModeHybrid JobMode = "hybrid"
)

// DefaultProductIDs are the Kraken pairs tracked when PRODUCT_IDS is unset.
var DefaultProductIDs = []string{"BTC/EUR", "ETH/EUR", "SOL/EUR", "XRP/EUR"}

// AppConfig holds all application configuration.
// Load it once at startup using AppLoad().
type AppConfig struct {
	// LogLevel is a logrus level name ("debug", "info", ...).
	LogLevel string

	// HealthPort is the port the probe server listens on.
	HealthPort string

	Trades TradesConfig

	// KafkaTrade is where the trades service publishes.
	KafkaTrade KafkaConfig

	// KafkaDedup is where the dedup service forwards unique trades.
	KafkaDedup KafkaConfig

	Kraken KrakenConfig

	Dedup DedupConfig

	Redis RedisConfig

	Archive ArchiveConfig
}

// TradesConfig holds settings for the ingestion job.
type TradesConfig struct {
	// ProductIDs is the fixed list of pairs this process handles (comma-separated in env).
	ProductIDs []string

	// LastNDays is the backfill lookback window.
	LastNDays int

	Mode JobMode

	// LiveSilence forces a reconnect when no trade arrived for this long.
	LiveSilence time.Duration
}

// KafkaConfig holds Kafka connection settings.
type KafkaConfig struct {
	// Broker is the Kafka broker address (e.g., "localhost:9092").
	Broker string

	// Topic is the Kafka topic for trade data.
	Topic string

	// GroupID is the consumer group ID, only used by consumers.
	GroupID string
}

// KrakenConfig holds exchange endpoints and reconnect policy.
type KrakenConfig struct {
	RESTURL string
	WSURL   string

	// MaxReconnectAttempts bounds the live connector's backoff cycle.
	MaxReconnectAttempts int
}

// DedupConfig holds settings for the deduplication service.
type DedupConfig struct {
	TTL             time.Duration
	CleanupInterval time.Duration
}

// RedisConfig enables the Redis-backed dedup cache when Addr is set.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// ArchiveConfig controls the optional ClickHouse archive of unique trades.
type ArchiveConfig struct {
	Enabled      bool
	DSN          string
	BatchSize    int
	BatchTimeout time.Duration
}

// getDatabaseDSN constructs the ClickHouse DSN from environment variables.
func getDatabaseDSN() string {
	dbUser := getEnv("CLICKHOUSE_USER", "default")
	dbPassword := getEnv("CLICKHOUSE_PASSWORD", "")
	dbHost := getEnv("CLICKHOUSE_HOST", "localhost")
	dbPort := getEnv("CLICKHOUSE_TCP_PORT", "9000")
	dbName := getEnv("CLICKHOUSE_DB", "default")

	return fmt.Sprintf(
		"clickhouse://%s:%s@%s:%s/%s?dial_timeout=10s&read_timeout=20s",
		dbUser, dbPassword, dbHost, dbPort, dbName,
	)
}

// AppLoad loads all application configuration from environment variables.
// It attempts to load a .env file first (for local development).
// Call this once at application startup.
func AppLoad() *AppConfig {
	_ = godotenv.Load() // Ignore error - .env is optional

	broker := getEnv("KAFKA_BROKER", "localhost:9092")

	return &AppConfig{
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		HealthPort: getEnv("HEALTH_PORT", "8080"),
		Trades: TradesConfig{
			ProductIDs:  getEnvList("PRODUCT_IDS", DefaultProductIDs),
			LastNDays:   getEnvInt("LAST_N_DAYS", 180),
			Mode:        JobMode(strings.ToLower(getEnv("JOB_MODE", string(ModeWebsocket)))),
			LiveSilence: getEnvSeconds("LIVE_SILENCE_SECONDS", 300),
		},
		KafkaTrade: KafkaConfig{
			Broker: broker,
			Topic:  getEnv("KAFKA_TRADE_TOPIC", "trades"),
		},
		KafkaDedup: KafkaConfig{
			Broker:  broker,
			Topic:   getEnv("KAFKA_DEDUP_TOPIC", "trades-dedupe"),
			GroupID: getEnv("KAFKA_DEDUP_GROUP_ID", "trades-dedup"),
		},
		Kraken: KrakenConfig{
			RESTURL:              getEnv("KRAKEN_REST_URL", "https://api.kraken.com/0/public/Trades"),
			WSURL:                getEnv("KRAKEN_WS_URL", "wss://ws.kraken.com/v2"),
			MaxReconnectAttempts: getEnvInt("WS_MAX_RECONNECT_ATTEMPTS", 10),
		},
		Dedup: DedupConfig{
			TTL:             getEnvSeconds("DEDUP_TTL_SECONDS", 3600),
			CleanupInterval: getEnvSeconds("DEDUP_CLEANUP_SECONDS", 300),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", ""),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Archive: ArchiveConfig{
			Enabled:      getEnvBool("ARCHIVE_ENABLED", false),
			DSN:          getDatabaseDSN(),
			BatchSize:    getEnvInt("ARCHIVE_BATCH_SIZE", 200),
			BatchTimeout: getEnvSeconds("ARCHIVE_BATCH_TIMEOUT_SECONDS", 5),
		},
	}
}

// Validate reports configuration the trades service cannot run with.
func (c *AppConfig) Validate() error {
	if len(c.Trades.ProductIDs) == 0 {
		return fmt.Errorf("PRODUCT_IDS must name at least one pair")
	}
	switch c.Trades.Mode {
	case ModeBackfill, ModeWebsocket, ModeHybrid:
	default:
		return fmt.Errorf("JOB_MODE should be one of backfill, websocket, hybrid; got %q", c.Trades.Mode)
	}
	if c.Trades.LastNDays <= 0 {
		return fmt.Errorf("LAST_N_DAYS must be positive, got %d", c.Trades.LastNDays)
	}
	if c.Kraken.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("WS_MAX_RECONNECT_ATTEMPTS must be positive, got %d", c.Kraken.MaxReconnectAttempts)
	}
	return nil
}

// getEnv returns the environment variable value or a default.
func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns the environment variable as int or a default.
func getEnvInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvSeconds(key string, defaultSeconds int) time.Duration {
	return time.Duration(getEnvInt(key, defaultSeconds)) * time.Second
}

// getEnvList splits a comma-separated variable, dropping blanks.
func getEnvList(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
