// Package config builds the runtime configuration from the tier defaults,
// an optional .env file and CAMBIO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

const prefix = "CAMBIO_"

// Load reads .env files when present and returns the configuration for the
// tier named by CAMBIO_TIER with environment overrides applied.
func Load(files ...string) (*domain.Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the configuration from the process environment only.
func FromEnv() (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(getEnv("TIER", ""), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	e := &env{}

	cfg.Server.Host = getEnv("HOST", cfg.Server.Host)
	cfg.Server.Port = e.int("PORT", cfg.Server.Port)
	cfg.Server.ReadTimeout = e.int("READ_TIMEOUT", cfg.Server.ReadTimeout)
	cfg.Server.WriteTimeout = e.int("WRITE_TIMEOUT", cfg.Server.WriteTimeout)

	cfg.Engine.LocalCurrency = strings.ToUpper(getEnv("LOCAL_CURRENCY", cfg.Engine.LocalCurrency))
	cfg.Engine.ExpirationMinutes = e.int("EXPIRATION_MINUTES", cfg.Engine.ExpirationMinutes)
	cfg.Engine.StaleTolerancePct = e.decimal("STALE_TOLERANCE_PCT", cfg.Engine.StaleTolerancePct)
	cfg.Engine.MaxConfirmAttempts = e.int("MAX_CONFIRM_ATTEMPTS", cfg.Engine.MaxConfirmAttempts)
	cfg.Engine.ConfirmAttemptWindow = e.duration("CONFIRM_ATTEMPT_WINDOW", cfg.Engine.ConfirmAttemptWindow)
	if tz := getEnv("TIMEZONE", ""); tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%sTIMEZONE: %w", prefix, err))
		} else {
			cfg.Engine.Location = loc
		}
	}

	r := &cfg.Repository
	r.Driver = getEnv("DB_DRIVER", r.Driver)
	r.SQLitePath = getEnv("SQLITE_PATH", r.SQLitePath)
	r.PostgresHost = getEnv("POSTGRES_HOST", r.PostgresHost)
	r.PostgresPort = e.int("POSTGRES_PORT", r.PostgresPort)
	r.PostgresUser = getEnv("POSTGRES_USER", r.PostgresUser)
	r.PostgresPassword = getEnv("POSTGRES_PASSWORD", r.PostgresPassword)
	r.PostgresDB = getEnv("POSTGRES_DB", r.PostgresDB)
	r.PostgresSSLMode = getEnv("POSTGRES_SSLMODE", r.PostgresSSLMode)

	c := &cfg.Cache
	c.Type = getEnv("CACHE", c.Type)
	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.RedisDB = e.int("REDIS_DB", c.RedisDB)
	c.CatalogTTL = e.duration("CATALOG_TTL", c.CatalogTTL)

	b := &cfg.EventBus
	b.Type = getEnv("BUS", b.Type)
	b.NATSUrl = getEnv("NATS_URL", b.NATSUrl)
	b.NATSToken = getEnv("NATS_TOKEN", b.NATSToken)
	if brokers := getEnv("KAFKA_BROKERS", ""); brokers != "" {
		b.KafkaBrokers = strings.Split(brokers, ",")
	}
	b.KafkaConsumerGroup = getEnv("KAFKA_GROUP", b.KafkaConsumerGroup)
	if b.Type == "kafka" {
		if len(b.KafkaBrokers) == 0 {
			b.KafkaBrokers = []string{"localhost:9092"}
		}
		if b.KafkaConsumerGroup == "" {
			b.KafkaConsumerGroup = "cambio"
		}
	}

	g := &cfg.Gateway
	g.BaseURL = getEnv("GATEWAY_URL", g.BaseURL)
	g.Timeout = e.duration("GATEWAY_TIMEOUT", g.Timeout)
	g.WebhookURL = getEnv("GATEWAY_WEBHOOK_URL", g.WebhookURL)
	g.RateLimit = e.float("GATEWAY_RATE_LIMIT", g.RateLimit)
	g.RateBurst = e.int("GATEWAY_RATE_BURST", g.RateBurst)

	w := &cfg.Worker
	w.OutboxPollInterval = e.duration("OUTBOX_POLL_INTERVAL", w.OutboxPollInterval)
	w.OutboxBatchSize = e.int("OUTBOX_BATCH_SIZE", w.OutboxBatchSize)
	w.SweepInterval = e.duration("SWEEP_INTERVAL", w.SweepInterval)
	w.SweepBatchSize = e.int("SWEEP_BATCH_SIZE", w.SweepBatchSize)
	w.RetryMaxAttempts = e.int("RETRY_MAX_ATTEMPTS", w.RetryMaxAttempts)
	w.RetryBaseDelay = e.duration("RETRY_BASE_DELAY", w.RetryBaseDelay)
	w.RetryMaxDelay = e.duration("RETRY_MAX_DELAY", w.RetryMaxDelay)

	if e.bool("DEBUG", false) {
		cfg.Logging.Level = "debug"
	}
	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("LOG_FORMAT", cfg.Logging.Format)
	cfg.Tracing.Enabled = e.bool("TRACING", cfg.Tracing.Enabled)

	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would make the engine misbehave at runtime.
func Validate(cfg *domain.Config) error {
	var errs []error
	if len(cfg.Engine.LocalCurrency) != 3 {
		errs = append(errs, fmt.Errorf("local currency %q must be a 3-letter code", cfg.Engine.LocalCurrency))
	}
	if cfg.Engine.ExpirationMinutes < 0 {
		errs = append(errs, errors.New("expiration minutes must not be negative"))
	}
	if cfg.Engine.StaleTolerancePct.IsNegative() {
		errs = append(errs, errors.New("stale tolerance must not be negative"))
	}
	switch cfg.Repository.Driver {
	case "sqlite", "postgres":
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q", cfg.Repository.Driver))
	}
	switch cfg.EventBus.Type {
	case "channel", "nats", "kafka":
	default:
		errs = append(errs, fmt.Errorf("unsupported event bus %q", cfg.EventBus.Type))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrConfigurationMissing, err)
	}
	return nil
}

// LogLevel maps the configured level name to a slog level.
func LogLevel(cfg *domain.Config) slog.Level {
	switch strings.ToLower(cfg.Logging.Level) {
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

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(prefix + key); ok && v != "" {
		return v
	}
	return fallback
}

// env collects parse errors so every bad variable is reported at once.
type env struct {
	errs []error
}

func (e *env) int(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return fallback
	}
	return n
}

func (e *env) float(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return fallback
	}
	return f
}

func (e *env) bool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return fallback
	}
	return b
}

func (e *env) duration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return fallback
	}
	return d
}

func (e *env) decimal(key string, fallback decimal.Decimal) decimal.Decimal {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s%s: %w", prefix, key, err))
		return fallback
	}
	return d
}
