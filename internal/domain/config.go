package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the complete Cambio configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Tier determines which backing services are used
	Tier Tier `json:"tier"`

	// Business rules of the transaction engine
	Engine EngineConfig `json:"engine"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Gateway    GatewayConfig    `json:"gateway"`
	Worker     WorkerConfig     `json:"worker"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// EngineConfig holds the business settings of the lifecycle manager.
type EngineConfig struct {
	// LocalCurrency is the currency local amounts are expressed in.
	LocalCurrency string `json:"localCurrency"`

	// ExpirationMinutes is the lifetime of a pending transaction. Zero disables expiry.
	ExpirationMinutes int `json:"expirationMinutes"`

	// StaleTolerancePct widens the staleness tolerance to this percentage of
	// the original amount. The tolerance is never below one smallest local
	// denomination, so zero means rounding differences only.
	StaleTolerancePct decimal.Decimal `json:"staleTolerancePct"`

	// MaxConfirmAttempts caps gateway attempts per transaction within ConfirmAttemptWindow.
	MaxConfirmAttempts   int           `json:"maxConfirmAttempts"`
	ConfirmAttemptWindow time.Duration `json:"confirmAttemptWindow"`

	// Location is the business time zone used for daily and monthly limits.
	Location *time.Location `json:"-"`
}

// WorkerConfig holds settings for background workers.
type WorkerConfig struct {
	OutboxPollInterval time.Duration `json:"outboxPollInterval"`
	OutboxBatchSize    int           `json:"outboxBatchSize"`
	SweepInterval      time.Duration `json:"sweepInterval"`
	SweepBatchSize     int           `json:"sweepBatchSize"`

	// Backoff for outbox relay and settlement reconciliation
	RetryMaxAttempts int           `json:"retryMaxAttempts"`
	RetryBaseDelay   time.Duration `json:"retryBaseDelay"`
	RetryMaxDelay    time.Duration `json:"retryMaxDelay"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Tier represents the deployment tier.
type Tier string

const (
	// TierCommunity runs on SQLite + channels + in-process cache
	TierCommunity Tier = "community"

	// TierPro runs on PostgreSQL + NATS + Redis
	TierPro Tier = "pro"
)

// DefaultConfig returns a default configuration for Community tier.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Tier: TierCommunity,
		Engine: EngineConfig{
			LocalCurrency:        "PYG",
			ExpirationMinutes:    15,
			StaleTolerancePct:    decimal.Zero,
			MaxConfirmAttempts:   5,
			ConfirmAttemptWindow: 10 * time.Minute,
			Location:             time.UTC,
		},
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./cambio.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			CatalogTTL:   time.Minute,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Gateway: GatewayConfig{
			BaseURL:   "http://localhost:8081",
			Timeout:   30 * time.Second,
			RateLimit: 20,
			RateBurst: 10,
		},
		Worker: WorkerConfig{
			OutboxPollInterval: 2 * time.Second,
			OutboxBatchSize:    100,
			SweepInterval:      time.Minute,
			SweepBatchSize:     500,
			RetryMaxAttempts:   8,
			RetryBaseDelay:     time.Second,
			RetryMaxDelay:      5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "cambio",
		},
	}
}

// ProConfig returns a configuration for Pro tier.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Tier = TierPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "cambio",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       30 * time.Second,
		CatalogTTL:     time.Minute,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
