// Package reservation holds terminal denomination stock for pending
// transactions and turns holds into stock movements.
//
// Every function takes the domain.Store of an open unit of work. A failed
// reservation leaves partial writes behind that the caller's rollback undoes.
package reservation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cambio/internal/denomination"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

// Engine reserves, releases and finalizes denomination holds.
type Engine struct {
	now func() time.Time
}

// New creates a reservation engine.
func New() *Engine {
	return &Engine{now: time.Now}
}

// Reserve locks the terminal stock of currency and greedily holds units,
// largest face first, until amount is covered. When stock cannot cover the
// whole amount it returns a *domain.StockError.
func (e *Engine) Reserve(ctx context.Context, store domain.Store, txID, terminalID, currency string, amount decimal.Decimal) ([]domain.Reservation, error) {
	if !amount.IsPositive() {
		return nil, fmt.Errorf("%w: reservation amount must be positive", domain.ErrInvalidInput)
	}

	levels, err := store.LockStock(ctx, terminalID, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to lock stock: %w", err)
	}

	now := e.now()
	remaining := amount
	var held []domain.Reservation

	for _, level := range levels {
		if level.Quantity <= 0 || remaining.LessThan(level.FaceValue) {
			continue
		}
		q, _ := remaining.QuoRem(level.FaceValue, 0)
		take := min(q.IntPart(), level.Quantity)
		if take <= 0 {
			continue
		}

		if err := store.AdjustStock(ctx, terminalID, level.DenominationID, -take); err != nil {
			return nil, fmt.Errorf("failed to decrement stock: %w", err)
		}
		r := domain.Reservation{
			ID:             uuid.New().String(),
			TransactionID:  txID,
			TerminalID:     terminalID,
			DenominationID: level.DenominationID,
			FaceValue:      level.FaceValue,
			Quantity:       take,
			CreatedAt:      now,
		}
		if err := store.CreateReservation(ctx, &r); err != nil {
			return nil, fmt.Errorf("failed to record reservation: %w", err)
		}
		held = append(held, r)
		remaining = remaining.Sub(level.FaceValue.Mul(decimal.NewFromInt(take)))
	}

	if remaining.IsPositive() {
		return nil, &domain.StockError{
			TerminalID: terminalID,
			Currency:   currency,
			Requested:  amount,
			Remaining:  remaining,
		}
	}

	slog.Debug("denominations reserved",
		"tx_id", txID,
		"terminal_id", terminalID,
		"currency", currency,
		"amount", amount.String(),
		"rows", len(held),
	)
	return held, nil
}

// Release returns every held unit of a transaction to stock and removes the
// holds. It returns the number of units released.
func (e *Engine) Release(ctx context.Context, store domain.Store, txID string) (int64, error) {
	held, err := store.ListReservations(ctx, txID)
	if err != nil {
		return 0, fmt.Errorf("failed to list reservations: %w", err)
	}

	var units int64
	for _, r := range held {
		if err := store.AdjustStock(ctx, r.TerminalID, r.DenominationID, r.Quantity); err != nil {
			return 0, fmt.Errorf("failed to restore stock: %w", err)
		}
		units += r.Quantity
	}
	if err := store.DeleteReservations(ctx, txID); err != nil {
		return 0, fmt.Errorf("failed to delete reservations: %w", err)
	}

	if units > 0 {
		slog.Debug("reservations released", "tx_id", txID, "units", units)
	}
	return units, nil
}

// Finalize records the held units as dispensed and removes the holds. Stock
// was already decremented when the units were reserved.
func (e *Engine) Finalize(ctx context.Context, store domain.Store, txID string) ([]domain.StockMovement, error) {
	held, err := store.ListReservations(ctx, txID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}

	now := e.now()
	moves := make([]domain.StockMovement, 0, len(held))
	for _, r := range held {
		m := domain.StockMovement{
			ID:             uuid.New().String(),
			TransactionID:  txID,
			TerminalID:     r.TerminalID,
			DenominationID: r.DenominationID,
			Direction:      domain.MovementOut,
			Quantity:       r.Quantity,
			CreatedAt:      now,
		}
		if err := store.CreateStockMovement(ctx, &m); err != nil {
			return nil, fmt.Errorf("failed to record stock movement: %w", err)
		}
		moves = append(moves, m)
	}
	if err := store.DeleteReservations(ctx, txID); err != nil {
		return nil, fmt.Errorf("failed to delete reservations: %w", err)
	}
	return moves, nil
}

// Receive adds cash handed in at a terminal to its stock, split greedily into
// the denominations of currency, and records the incoming movements. A part
// of amount no denomination can represent is not stocked.
func (e *Engine) Receive(ctx context.Context, store domain.Store, txID, terminalID, currency string, amount decimal.Decimal) ([]domain.StockMovement, error) {
	denoms, err := store.ListDenominations(ctx, currency)
	if err != nil {
		return nil, fmt.Errorf("failed to load denominations: %w", err)
	}
	if len(denoms) == 0 {
		return nil, fmt.Errorf("%w: no denominations for %s", domain.ErrConfigurationMissing, currency)
	}

	byFace := make(map[string]string, len(denoms))
	faces := make([]decimal.Decimal, len(denoms))
	for i, d := range denoms {
		faces[i] = d.FaceValue
		byFace[d.FaceValue.String()] = d.ID
	}

	parts, reached := denomination.Decompose(amount, faces)
	if !reached.Equal(amount) {
		slog.Warn("received amount not fully representable",
			"tx_id", txID,
			"currency", currency,
			"amount", amount.String(),
			"stocked", reached.String(),
		)
	}

	now := e.now()
	moves := make([]domain.StockMovement, 0, len(parts))
	for _, p := range parts {
		denomID := byFace[p.Face.String()]
		if err := store.AdjustStock(ctx, terminalID, denomID, p.Count); err != nil {
			return nil, fmt.Errorf("failed to add stock: %w", err)
		}
		m := domain.StockMovement{
			ID:             uuid.New().String(),
			TransactionID:  txID,
			TerminalID:     terminalID,
			DenominationID: denomID,
			Direction:      domain.MovementIn,
			Quantity:       p.Count,
			CreatedAt:      now,
		}
		if err := store.CreateStockMovement(ctx, &m); err != nil {
			return nil, fmt.Errorf("failed to record stock movement: %w", err)
		}
		moves = append(moves, m)
	}
	return moves, nil
}
