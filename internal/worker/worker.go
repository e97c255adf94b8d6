// Package worker runs the background side of the engine: the outbox relay,
// the consumers of the events it publishes and the expiration sweep.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/lifecycle"
	"github.com/opensource-finance/cambio/internal/retry"
)

// Worker owns the background loops and bus subscriptions.
type Worker struct {
	bus     domain.EventBus
	repo    domain.Repository
	manager *lifecycle.Manager
	sink    InvoiceSink
	cfg     domain.WorkerConfig

	relay      *Relay
	reconciler *Reconciler

	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewWorker creates a worker. A nil sink logs invoice requests.
func NewWorker(bus domain.EventBus, repo domain.Repository, manager *lifecycle.Manager, sink InvoiceSink, cfg domain.WorkerConfig) *Worker {
	if sink == nil {
		sink = LogSink{}
	}
	if cfg.OutboxPollInterval <= 0 {
		cfg.OutboxPollInterval = 2 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	backoff := retry.Config{
		MaxRetries: cfg.RetryMaxAttempts,
		BaseDelay:  cfg.RetryBaseDelay,
		MaxDelay:   cfg.RetryMaxDelay,
		Multiplier: 2,
		Jitter:     true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:        bus,
		repo:       repo,
		manager:    manager,
		sink:       sink,
		cfg:        cfg,
		relay:      NewRelay(repo, bus, retry.New(backoff), cfg.OutboxBatchSize),
		reconciler: NewReconciler(manager, backoff),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start subscribes the consumers and launches the relay and sweep loops.
func (w *Worker) Start() error {
	consumers := []struct {
		topic   string
		handler domain.MessageHandler
	}{
		{domain.TopicSettlementRequested, w.reconciler.Handle},
		{domain.TopicInvoiceRequested, w.handleInvoice},
	}
	for _, c := range consumers {
		sub, err := w.bus.Subscribe(w.ctx, c.topic, c.handler)
		if err != nil {
			w.Stop()
			return err
		}
		w.subscriptions = append(w.subscriptions, sub)
	}

	w.loop("outbox relay", w.cfg.OutboxPollInterval, func(ctx context.Context) {
		if _, err := w.relay.RelayOnce(ctx); err != nil {
			slog.Error("outbox relay failed", "error", err)
		}
	})
	w.loop("expiration sweep", w.cfg.SweepInterval, func(ctx context.Context) {
		if _, err := w.manager.ExpireOverdue(ctx, time.Now().UTC()); err != nil {
			slog.Error("expiration sweep failed", "error", err)
		}
	})

	slog.Info("workers started",
		"topics", len(w.subscriptions),
		"outbox_interval", w.cfg.OutboxPollInterval,
		"sweep_interval", w.cfg.SweepInterval,
	)
	return nil
}

// loop runs fn every interval until the worker stops.
func (w *Worker) loop(name string, interval time.Duration, fn func(ctx context.Context)) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-w.ctx.Done():
				slog.Debug("loop stopped", "loop", name)
				return
			case <-ticker.C:
				fn(w.ctx)
			}
		}
	}()
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
