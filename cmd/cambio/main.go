// Cambio - Currency exchange transactions with reserved cash and settled payments.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/opensource-finance/cambio/internal/api"
	"github.com/opensource-finance/cambio/internal/bus"
	"github.com/opensource-finance/cambio/internal/cache"
	"github.com/opensource-finance/cambio/internal/config"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/gateway"
	"github.com/opensource-finance/cambio/internal/lifecycle"
	"github.com/opensource-finance/cambio/internal/limits"
	"github.com/opensource-finance/cambio/internal/policy"
	"github.com/opensource-finance/cambio/internal/pricing"
	"github.com/opensource-finance/cambio/internal/repository"
	"github.com/opensource-finance/cambio/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	handlerOpts := &slog.HandlerOptions{Level: config.LogLevel(cfg)}
	var handler slog.Handler = slog.NewJSONHandler(os.Stdout, handlerOpts)
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	slog.Info("starting cambio",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"local_currency", cfg.Engine.LocalCurrency,
		"timezone", cfg.Engine.Location,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		slog.Error("failed to initialize repository", "error", err)
		os.Exit(1)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	if path := os.Getenv("CAMBIO_SEED_FILE"); path != "" {
		if err := seed(ctx, repo, path); err != nil {
			slog.Error("failed to seed reference data", "path", path, "error", err)
			os.Exit(1)
		}
	}

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		slog.Error("failed to initialize cache", "error", err)
		os.Exit(1)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		slog.Error("failed to initialize event bus", "error", err)
		os.Exit(1)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	engine, err := policy.NewEngine(cfg.Engine.Location, 16)
	if err != nil {
		slog.Error("failed to initialize policy engine", "error", err)
		os.Exit(1)
	}
	if _, err := engine.ReloadFrom(ctx, repo); err != nil {
		// start empty; rules can be fixed and reloaded via the API
		slog.Warn("failed to load policy rules", "error", err)
	}

	catalog := pricing.NewCachedCatalog(repo, cacheImpl, cfg.Cache.CatalogTTL)
	validator := limits.NewValidator(cfg.Engine.Location)
	adapter := gateway.NewAdapter(gateway.NewHTTPClient(cfg.Gateway), repo, cfg.Gateway)

	manager, err := lifecycle.New(lifecycle.Deps{
		Repo:       repo,
		Calculator: pricing.NewCalculator(catalog, cfg.Engine.LocalCurrency),
		Limits:     validator,
		Policy:     engine,
		Gateway:    adapter,
		Cache:      cacheImpl,
	}, lifecycle.OptionsFrom(cfg.Engine, cfg.Worker))
	if err != nil {
		slog.Error("failed to initialize lifecycle manager", "error", err)
		os.Exit(1)
	}

	workers := worker.NewWorker(busImpl, repo, manager, nil, cfg.Worker)
	if err := workers.Start(); err != nil {
		slog.Error("failed to start workers", "error", err)
		os.Exit(1)
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:    repo,
		Cache:   cacheImpl,
		Bus:     busImpl,
		Manager: manager,
		Limits:  validator,
		Policy:  engine,
	}, Version)

	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
			cancel()
		}
	}()

	slog.Info("cambio is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	<-ctx.Done()
	slog.Info("shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}
	if err := workers.Stop(); err != nil {
		slog.Error("failed to stop workers", "error", err)
	}

	slog.Info("cambio shutdown complete")
}

func seed(ctx context.Context, repo *repository.SQLRepository, path string) error {
	data, err := repository.LoadSeedFile(path)
	if err != nil {
		return err
	}
	if err := repo.Seed(ctx, data); err != nil {
		return err
	}
	slog.Info("reference data seeded",
		"path", path,
		"currencies", len(data.Currencies),
		"clients", len(data.Clients),
		"denominations", len(data.Denominations),
	)
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  CAMBIO  currency exchange transaction engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Tier:     %s\n", cfg.Tier)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Printf("  Currency: %s\n", cfg.Engine.LocalCurrency)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    POST /quotes                          - Price an operation")
	fmt.Println("    POST /transactions                    - Create a pending transaction")
	fmt.Println("    GET  /transactions/{id}               - Transaction with reservations and ledger")
	fmt.Println("    POST /transactions/{id}/confirm       - Settle payment")
	fmt.Println("    POST /transactions/{id}/complete      - Hand over cash")
	fmt.Println("    POST /transactions/{id}/cancel        - Cancel and release stock")
	fmt.Println("    GET  /transactions/{id}/staleness     - Compare quote with current rate")
	fmt.Println("    POST /transactions/expire             - Expire overdue transactions")
	fmt.Println("    POST /gateway/notifications           - Payment gateway webhook")
	fmt.Println("    GET  /terminals/{id}/stock?currency=  - Terminal stock")
	fmt.Println("    GET  /clients/{id}/limits?currency=   - Limit usage")
	fmt.Println("    GET  /policies, POST /policies/reload - Policy rules")
	fmt.Println("    GET  /health, /metrics")
	fmt.Println()
}
