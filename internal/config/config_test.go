package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
)

func TestFromEnv(t *testing.T) {
	t.Run("Defaults", func(t *testing.T) {
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv failed: %v", err)
		}
		if cfg.Tier != domain.TierCommunity || cfg.Repository.Driver != "sqlite" || cfg.EventBus.Type != "channel" {
			t.Errorf("expected community defaults, got %s/%s/%s", cfg.Tier, cfg.Repository.Driver, cfg.EventBus.Type)
		}
		if cfg.Engine.LocalCurrency != "PYG" {
			t.Errorf("expected PYG, got %s", cfg.Engine.LocalCurrency)
		}
	})

	t.Run("ProTier", func(t *testing.T) {
		t.Setenv("CAMBIO_TIER", "pro")
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv failed: %v", err)
		}
		if cfg.Repository.Driver != "postgres" || cfg.Cache.Type != "redis" || cfg.EventBus.Type != "nats" {
			t.Errorf("expected pro backends, got %s/%s/%s", cfg.Repository.Driver, cfg.Cache.Type, cfg.EventBus.Type)
		}
	})

	t.Run("Overrides", func(t *testing.T) {
		t.Setenv("CAMBIO_PORT", "9090")
		t.Setenv("CAMBIO_LOCAL_CURRENCY", "ars")
		t.Setenv("CAMBIO_EXPIRATION_MINUTES", "30")
		t.Setenv("CAMBIO_STALE_TOLERANCE_PCT", "1.25")
		t.Setenv("CAMBIO_SWEEP_INTERVAL", "15s")
		t.Setenv("CAMBIO_TIMEZONE", "America/Asuncion")
		t.Setenv("CAMBIO_DEBUG", "true")

		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv failed: %v", err)
		}
		if cfg.Server.Port != 9090 {
			t.Errorf("expected port 9090, got %d", cfg.Server.Port)
		}
		if cfg.Engine.LocalCurrency != "ARS" || cfg.Engine.ExpirationMinutes != 30 {
			t.Errorf("unexpected engine config %+v", cfg.Engine)
		}
		if cfg.Engine.StaleTolerancePct.String() != "1.25" {
			t.Errorf("expected tolerance 1.25, got %s", cfg.Engine.StaleTolerancePct)
		}
		if cfg.Worker.SweepInterval != 15*time.Second {
			t.Errorf("expected 15s sweep, got %s", cfg.Worker.SweepInterval)
		}
		if cfg.Engine.Location.String() != "America/Asuncion" {
			t.Errorf("expected America/Asuncion, got %s", cfg.Engine.Location)
		}
		if LogLevel(cfg) != slog.LevelDebug {
			t.Errorf("expected debug level, got %s", LogLevel(cfg))
		}
	})

	t.Run("KafkaBus", func(t *testing.T) {
		t.Setenv("CAMBIO_BUS", "kafka")
		cfg, err := FromEnv()
		if err != nil {
			t.Fatalf("FromEnv failed: %v", err)
		}
		if len(cfg.EventBus.KafkaBrokers) != 1 || cfg.EventBus.KafkaConsumerGroup != "cambio" {
			t.Errorf("expected kafka defaults, got %+v", cfg.EventBus)
		}
	})

	t.Run("BadValuesReported", func(t *testing.T) {
		t.Setenv("CAMBIO_PORT", "eighty")
		t.Setenv("CAMBIO_SWEEP_INTERVAL", "soon")
		_, err := FromEnv()
		if err == nil {
			t.Fatal("expected parse errors")
		}
	})

	t.Run("UnsupportedDriver", func(t *testing.T) {
		t.Setenv("CAMBIO_DB_DRIVER", "mysql")
		_, err := FromEnv()
		if !errors.Is(err, domain.ErrConfigurationMissing) {
			t.Errorf("expected ErrConfigurationMissing, got %v", err)
		}
	})
}

func TestLoad(t *testing.T) {
	t.Run("EnvFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), ".env")
		if err := os.WriteFile(path, []byte("CAMBIO_EXPIRATION_MINUTES=45\n"), 0o600); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		// godotenv writes into the process environment
		t.Setenv("CAMBIO_EXPIRATION_MINUTES", "")
		os.Unsetenv("CAMBIO_EXPIRATION_MINUTES")

		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if cfg.Engine.ExpirationMinutes != 45 {
			t.Errorf("expected 45 minutes from env file, got %d", cfg.Engine.ExpirationMinutes)
		}
	})

	t.Run("MissingFileIgnored", func(t *testing.T) {
		if _, err := Load(filepath.Join(t.TempDir(), "absent.env")); err != nil {
			t.Errorf("expected missing env file to be ignored, got %v", err)
		}
	})
}
