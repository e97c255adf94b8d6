package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/lifecycle"
	"github.com/opensource-finance/cambio/internal/retry"
)

var errStillPending = errors.New("gateway payment still pending")

// Reconciler follows up payments the gateway left pending by polling it
// with backoff until the payment resolves.
type Reconciler struct {
	manager *lifecycle.Manager
	backoff *retry.Retrier
}

// NewReconciler creates a reconciler. Only pending answers and an
// unavailable gateway are retried.
func NewReconciler(manager *lifecycle.Manager, cfg retry.Config) *Reconciler {
	cfg.Retryable = retryable
	return &Reconciler{manager: manager, backoff: retry.New(cfg)}
}

// Handle processes one settlement request from the bus.
func (r *Reconciler) Handle(ctx context.Context, msg *domain.Message) error {
	var req domain.SettlementRequested
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		slog.Error("failed to parse settlement request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	return r.Reconcile(ctx, req)
}

// Reconcile polls the gateway for req until it stops being pending.
func (r *Reconciler) Reconcile(ctx context.Context, req domain.SettlementRequested) error {
	var last *lifecycle.NotificationResult
	err := r.backoff.Execute(ctx, func(ctx context.Context) error {
		res, err := r.manager.Reconcile(ctx, req.ExternalID)
		if err != nil {
			if errors.Is(err, domain.ErrGatewayUnavailable) {
				return err
			}
			return permanent{err}
		}
		last = res
		if res.Payment.State == domain.GatewayPending {
			return errStillPending
		}
		return nil
	})

	var p permanent
	if errors.As(err, &p) {
		err = p.err
	}
	if err != nil {
		slog.Warn("settlement not reconciled",
			"tx_id", req.TransactionID,
			"external_id", req.ExternalID,
			"error", err,
		)
		return err
	}

	slog.Info("settlement reconciled",
		"tx_id", req.TransactionID,
		"external_id", req.ExternalID,
		"state", last.Payment.State,
		"settled", last.Settled,
	)
	return nil
}

// permanent marks an error the backoff must not retry.
type permanent struct{ err error }

func (p permanent) Error() string { return p.err.Error() }
func (p permanent) Unwrap() error { return p.err }

// retryable reports whether the reconciler should poll again after err.
func retryable(err error) bool {
	var p permanent
	return !errors.As(err, &p)
}

// InvoiceSink hands invoice requests to the invoicing collaborator.
type InvoiceSink interface {
	Deliver(ctx context.Context, inv domain.InvoiceRequested) error
}

// LogSink writes invoice requests to the log.
type LogSink struct{}

// Deliver logs inv.
func (LogSink) Deliver(_ context.Context, inv domain.InvoiceRequested) error {
	slog.Info("invoice requested",
		"tx_id", inv.TransactionID,
		"verification_code", inv.VerificationCode,
		"client_tax_id", inv.ClientTaxID,
		"local_amount", inv.LocalAmount,
	)
	return nil
}

func (w *Worker) handleInvoice(ctx context.Context, msg *domain.Message) error {
	var inv domain.InvoiceRequested
	if err := json.Unmarshal(msg.Payload, &inv); err != nil {
		slog.Error("failed to parse invoice request",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	if err := w.sink.Deliver(ctx, inv); err != nil {
		slog.Error("invoice delivery failed", "tx_id", inv.TransactionID, "error", err)
		return fmt.Errorf("failed to deliver invoice for %s: %w", inv.TransactionID, err)
	}
	return nil
}
