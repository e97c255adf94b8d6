package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/metrics"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

var errNotDue = errors.New("transaction not due")

// Complete records the cash handed over at the terminal and closes a paid
// transaction. A pending transaction paid in cash at a terminal is settled
// and completed in the same unit of work.
func (m *Manager) Complete(ctx context.Context, txID string) (d *Details, err error) {
	ctx, span := m.start(ctx, "complete", attribute.String("tx_id", txID))
	defer func() { m.finish(span, "complete", err) }()

	d = &Details{}
	err = m.repo.InTx(ctx, func(s domain.Store) error {
		tx, err := s.LockTransaction(ctx, txID)
		if err != nil {
			return notFound(err, "transaction", txID)
		}

		switch {
		case tx.State == domain.StatePaid:
		case tx.State == domain.StatePending && cashAtTerminal(tx):
			if err := m.settle(ctx, s, tx); err != nil {
				return err
			}
		default:
			return &domain.TransitionError{TransactionID: txID, From: tx.State, Operation: "complete"}
		}

		out, err := m.reservations.Finalize(ctx, s, tx.ID)
		if err != nil {
			return err
		}
		d.Movements = append(d.Movements, out...)

		if currency, amount, ok := m.intake(tx); ok {
			in, err := m.reservations.Receive(ctx, s, tx.ID, tx.TerminalID, currency, amount)
			if err != nil {
				return err
			}
			d.Movements = append(d.Movements, in...)
		}

		now := m.now()
		tx.State = domain.StateCompleted
		tx.CompletedAt = &now
		tx.UpdatedAt = now
		if err := s.UpdateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("failed to update transaction: %w", err)
		}
		d.Transaction = tx
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("transaction completed",
		"tx_id", txID,
		"movements", len(d.Movements),
	)
	return d, nil
}

// cashAtTerminal reports whether the client pays in cash at a terminal, so
// settlement happens when the cash is handed over.
func cashAtTerminal(tx *domain.Transaction) bool {
	ref := tx.Method()
	return tx.TerminalID != "" && ref != nil && ref.Kind == domain.MethodCash
}

// intake returns the cash the terminal receives from the client: the
// foreign amount on a SELL, the local amount on a BUY paid in cash.
func (m *Manager) intake(tx *domain.Transaction) (string, decimal.Decimal, bool) {
	if tx.TerminalID == "" {
		return "", decimal.Zero, false
	}
	if tx.Direction == domain.DirectionSell {
		return tx.Currency, tx.OperatedAmount, true
	}
	if ref := tx.PaymentMethod; ref != nil && ref.Kind == domain.MethodCash {
		return m.opts.LocalCurrency, tx.LocalAmount, true
	}
	return "", decimal.Zero, false
}

// Cancel releases the reservations of a pending transaction and marks it
// cancelled.
func (m *Manager) Cancel(ctx context.Context, txID string) (tx *domain.Transaction, err error) {
	ctx, span := m.start(ctx, "cancel", attribute.String("tx_id", txID))
	defer func() { m.finish(span, "cancel", err) }()

	err = m.repo.InTx(ctx, func(s domain.Store) error {
		tx, err = m.close(ctx, s, txID, domain.StateCancelled, "cancel")
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("transaction cancelled", "tx_id", txID)
	return tx, nil
}

// Expire releases the reservations of a pending transaction and marks it
// expired, whether or not its deadline has passed.
func (m *Manager) Expire(ctx context.Context, txID string) (tx *domain.Transaction, err error) {
	ctx, span := m.start(ctx, "expire", attribute.String("tx_id", txID))
	defer func() { m.finish(span, "expire", err) }()

	err = m.repo.InTx(ctx, func(s domain.Store) error {
		tx, err = m.close(ctx, s, txID, domain.StateExpired, "expire")
		return err
	})
	if err != nil {
		return nil, err
	}
	metrics.TransactionsExpired.Inc()
	return tx, nil
}

// ExpireOverdue expires pending transactions whose deadline is at or before
// now. Each one is expired in its own unit of work; a failure is logged and
// the sweep goes on. It returns how many were expired.
func (m *Manager) ExpireOverdue(ctx context.Context, now time.Time) (expired int, err error) {
	ctx, span := m.start(ctx, "expire_overdue")
	defer func() {
		span.SetAttributes(attribute.Int("expired", expired))
		m.finish(span, "expire_overdue", err)
	}()

	ids, err := m.repo.ListOverdueTransactions(ctx, now, m.opts.SweepBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list overdue transactions: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		err := m.repo.InTx(ctx, func(s domain.Store) error {
			tx, err := s.LockTransaction(ctx, id)
			if err != nil {
				return notFound(err, "transaction", id)
			}
			// confirmed or cancelled since the listing
			if !tx.Overdue(now) {
				return errNotDue
			}
			_, err = m.close(ctx, s, id, domain.StateExpired, "expire")
			return err
		})
		switch {
		case err == nil:
			expired++
			metrics.TransactionsExpired.Inc()
		case errors.Is(err, errNotDue):
			slog.Debug("skipping transaction no longer overdue", "tx_id", id)
		default:
			slog.Error("failed to expire transaction", "tx_id", id, "error", err)
		}
	}

	if expired > 0 {
		slog.Info("expired overdue transactions", "count", expired, "candidates", len(ids))
	}
	return expired, nil
}

// close moves a pending transaction to a final state that returns its
// reserved cash to the terminal.
func (m *Manager) close(ctx context.Context, s domain.Store, txID string, to domain.State, op string) (*domain.Transaction, error) {
	tx, err := s.LockTransaction(ctx, txID)
	if err != nil {
		return nil, notFound(err, "transaction", txID)
	}
	if tx.State != domain.StatePending {
		return nil, &domain.TransitionError{TransactionID: txID, From: tx.State, Operation: op}
	}

	if _, err := m.reservations.Release(ctx, s, txID); err != nil {
		return nil, err
	}

	tx.State = to
	tx.UpdatedAt = m.now()
	if err := s.UpdateTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to update transaction: %w", err)
	}
	return tx, nil
}
