package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"

	"hermes/pkg/errors"
)

type Config struct {
	App           AppConfig
	Postgres      PostgresConfig
	Kafka         KafkaConfig
	Crypto        CryptoConfig
	Exchanges     ExchangesConfig
	Stream        StreamConfig
	RestPool      RestPoolConfig
	SecretCache   SecretCacheConfig
	Metrics       MetricsConfig
	ErrorTracking ErrorTrackingConfig
}

type AppConfig struct {
	Name     string `envconfig:"APP_NAME" default:"hermes"`
	Env      string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	Debug    bool   `envconfig:"DEBUG" default:"false"`
}

type PostgresConfig struct {
	Host     string `envconfig:"POSTGRES_HOST" required:"true"`
	Port     int    `envconfig:"POSTGRES_PORT" default:"5432"`
	User     string `envconfig:"POSTGRES_USER" required:"true"`
	Password string `envconfig:"POSTGRES_PASSWORD" required:"true"`
	Database string `envconfig:"POSTGRES_DB" required:"true"`
	SSLMode  string `envconfig:"POSTGRES_SSL_MODE" default:"disable"`
	MaxConns int    `envconfig:"POSTGRES_MAX_CONNS" default:"25"`

	ConnMaxLifetime time.Duration `envconfig:"POSTGRES_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"POSTGRES_CONN_MAX_IDLE_TIME" default:"30m"`
}

func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

type KafkaConfig struct {
	// Lifecycle event publishing is disabled when no brokers are configured
	Brokers []string `envconfig:"KAFKA_BROKERS"`
	Topic   string   `envconfig:"KAFKA_CONNECTION_EVENTS_TOPIC" default:"hermes.connection-events"`
}

type CryptoConfig struct {
	EncryptionKey string `envconfig:"ENCRYPTION_KEY" required:"true"` // 32 bytes for AES-256
}

// ExchangesConfig holds per-venue endpoints and request budgets
type ExchangesConfig struct {
	BinanceWSAPIURL        string `envconfig:"BINANCE_WS_API_URL" default:"wss://ws-api.binance.com:443/ws-api/v3"`
	BinanceWSAPITestnetURL string `envconfig:"BINANCE_WS_API_TESTNET_URL" default:"wss://testnet.binance.vision/ws-api/v3"`
	BinanceRestURL         string `envconfig:"BINANCE_REST_URL" default:"https://api.binance.com"`
	BinanceFuturesRestURL  string `envconfig:"BINANCE_FUTURES_REST_URL" default:"https://fapi.binance.com"`
	BinanceRestTestnetURL  string `envconfig:"BINANCE_REST_TESTNET_URL" default:"https://testnet.binance.vision"`

	BybitRestURL        string `envconfig:"BYBIT_REST_URL" default:"https://api.bybit.com"`
	BybitRestTestnetURL string `envconfig:"BYBIT_REST_TESTNET_URL" default:"https://api-testnet.bybit.com"`

	// Sliding one-minute request budgets per venue
	BinanceRateLimitPerMinute int `envconfig:"BINANCE_RATE_LIMIT_PER_MINUTE" default:"1200"`
	BybitRateLimitPerMinute   int `envconfig:"BYBIT_RATE_LIMIT_PER_MINUTE" default:"120"`
}

// RateLimitFor returns the per-minute request budget for a venue
func (c ExchangesConfig) RateLimitFor(exchange string) int {
	switch exchange {
	case "bybit":
		return c.BybitRateLimitPerMinute
	default:
		return c.BinanceRateLimitPerMinute
	}
}

// StreamConfig controls the WebSocket trading-API client
type StreamConfig struct {
	ConnectTimeout       time.Duration `envconfig:"STREAM_CONNECT_TIMEOUT" default:"10s"`
	AuthTimeout          time.Duration `envconfig:"STREAM_AUTH_TIMEOUT" default:"15s"`
	RequestTimeout       time.Duration `envconfig:"STREAM_REQUEST_TIMEOUT" default:"10s"`
	KeepAliveInterval    time.Duration `envconfig:"STREAM_KEEPALIVE_INTERVAL" default:"180s"`
	HeartbeatTimeout     time.Duration `envconfig:"STREAM_HEARTBEAT_TIMEOUT" default:"300s"`
	RecvWindow           int           `envconfig:"STREAM_RECV_WINDOW" default:"5000"`
	MaxReconnectAttempts int           `envconfig:"STREAM_MAX_RECONNECT_ATTEMPTS" default:"5"`
	ReconnectMinBackoff  time.Duration `envconfig:"STREAM_RECONNECT_MIN_BACKOFF" default:"1s"`
	ReconnectMaxBackoff  time.Duration `envconfig:"STREAM_RECONNECT_MAX_BACKOFF" default:"30s"`
}

// RestPoolConfig controls the REST client pool
type RestPoolConfig struct {
	MaxConnections      int           `envconfig:"REST_POOL_MAX_CONNECTIONS" default:"100"`
	MaxReuseCount       int           `envconfig:"REST_POOL_MAX_REUSE_COUNT" default:"1000"`
	MaxIdleTime         time.Duration `envconfig:"REST_POOL_MAX_IDLE_TIME" default:"300s"`
	CleanupInterval     time.Duration `envconfig:"REST_POOL_CLEANUP_INTERVAL" default:"120s"`
	HealthCheckInterval time.Duration `envconfig:"REST_POOL_HEALTH_CHECK_INTERVAL" default:"60s"`
	HealthCheckTimeout  time.Duration `envconfig:"REST_POOL_HEALTH_CHECK_TIMEOUT" default:"10s"`
}

type SecretCacheConfig struct {
	TTL           time.Duration `envconfig:"SECRET_CACHE_TTL" default:"1h"`
	SweepInterval time.Duration `envconfig:"SECRET_CACHE_SWEEP_INTERVAL" default:"60s"`
}

type MetricsConfig struct {
	Enabled bool   `envconfig:"METRICS_ENABLED" default:"true"`
	Addr    string `envconfig:"METRICS_ADDR" default:":9091"`
}

type ErrorTrackingConfig struct {
	Enabled     bool   `envconfig:"ERROR_TRACKING_ENABLED" default:"true"`
	SentryDSN   string `envconfig:"SENTRY_DSN"`
	Environment string `envconfig:"SENTRY_ENVIRONMENT" default:"production"`
}

// Load reads configuration from environment variables
// It first tries to load .env file (useful for local development)
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not exists)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to process env config")
	}

	return &cfg, nil
}
