package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

// ListStock returns the stock of a terminal in one currency, largest face first.
func (q *queries) ListStock(ctx context.Context, terminalID, currency string) ([]domain.StockLevel, error) {
	return q.listStock(ctx, terminalID, currency, "")
}

// LockStock is ListStock holding row locks on the stock rows. Rows are
// locked in denomination id order so concurrent reservations on one terminal
// always acquire locks in the same sequence.
func (q *queries) LockStock(ctx context.Context, terminalID, currency string) ([]domain.StockLevel, error) {
	return q.listStock(ctx, terminalID, currency, q.forUpdate("s"))
}

func (q *queries) listStock(ctx context.Context, terminalID, currency, lock string) ([]domain.StockLevel, error) {
	rows, err := q.query(ctx, `
		SELECT s.terminal_id, s.denomination_id, d.currency, d.face_value, s.quantity
		FROM terminal_stock s
		JOIN denominations d ON d.id = s.denomination_id
		WHERE s.terminal_id = ? AND d.currency = ?
		ORDER BY s.denomination_id
	`+lock, terminalID, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var levels []domain.StockLevel
	for rows.Next() {
		var l domain.StockLevel
		if err := rows.Scan(&l.TerminalID, &l.DenominationID, &l.Currency, &l.FaceValue, &l.Quantity); err != nil {
			return nil, err
		}
		levels = append(levels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByFaceDesc(levels, func(l domain.StockLevel) decimal.Decimal { return l.FaceValue })
	return levels, nil
}

// AdjustStock adds delta units to a stock row. Increments create the row
// when missing. A decrement that would leave the row negative changes nothing
// and returns a *domain.StockError.
func (q *queries) AdjustStock(ctx context.Context, terminalID, denominationID string, delta int64) error {
	now := time.Now().UTC()
	if delta >= 0 {
		_, err := q.exec(ctx, `
			INSERT INTO terminal_stock (terminal_id, denomination_id, quantity, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(terminal_id, denomination_id) DO UPDATE SET
				quantity = terminal_stock.quantity + excluded.quantity,
				updated_at = excluded.updated_at
		`, terminalID, denominationID, delta, now)
		return err
	}

	take := -delta
	err := q.execOne(ctx, `
		UPDATE terminal_stock SET quantity = quantity - ?, updated_at = ?
		WHERE terminal_id = ? AND denomination_id = ? AND quantity >= ?
	`, take, now, terminalID, denominationID, take)
	if errors.Is(err, domain.ErrNotFound) {
		return q.shortage(ctx, terminalID, denominationID, take)
	}
	return err
}

// shortage describes a decrement the stock row could not cover.
func (q *queries) shortage(ctx context.Context, terminalID, denominationID string, take int64) error {
	var (
		currency string
		face     decimal.Decimal
		have     int64
	)
	err := q.queryRow(ctx, `
		SELECT d.currency, d.face_value, COALESCE(s.quantity, 0)
		FROM denominations d
		LEFT JOIN terminal_stock s ON s.denomination_id = d.id AND s.terminal_id = ?
		WHERE d.id = ?
	`, terminalID, denominationID).Scan(&currency, &face, &have)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: denomination %s", domain.ErrNotFound, denominationID)
	}
	if err != nil {
		return err
	}
	return &domain.StockError{
		TerminalID: terminalID,
		Currency:   currency,
		Requested:  face.Mul(decimal.NewFromInt(take)),
		Remaining:  face.Mul(decimal.NewFromInt(take - have)),
	}
}

// SetStock overwrites the quantity of a stock row.
func (q *queries) SetStock(ctx context.Context, terminalID, denominationID string, quantity int64) error {
	_, err := q.exec(ctx, `
		INSERT INTO terminal_stock (terminal_id, denomination_id, quantity, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(terminal_id, denomination_id) DO UPDATE SET
			quantity = excluded.quantity,
			updated_at = excluded.updated_at
	`, terminalID, denominationID, quantity, time.Now().UTC())
	return err
}

// CreateReservation records a provisional hold.
func (q *queries) CreateReservation(ctx context.Context, r *domain.Reservation) error {
	_, err := q.exec(ctx, `
		INSERT INTO reservations (id, transaction_id, terminal_id, denomination_id, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.TransactionID, r.TerminalID, r.DenominationID, r.Quantity, r.CreatedAt.UTC())
	return err
}

// ListReservations returns the holds of a transaction, largest face first.
func (q *queries) ListReservations(ctx context.Context, txID string) ([]domain.Reservation, error) {
	rows, err := q.query(ctx, `
		SELECT r.id, r.transaction_id, r.terminal_id, r.denomination_id, d.face_value, r.quantity, r.created_at
		FROM reservations r
		JOIN denominations d ON d.id = r.denomination_id
		WHERE r.transaction_id = ?
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Reservation
	for rows.Next() {
		var r domain.Reservation
		if err := rows.Scan(&r.ID, &r.TransactionID, &r.TerminalID, &r.DenominationID, &r.FaceValue, &r.Quantity, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByFaceDesc(out, func(r domain.Reservation) decimal.Decimal { return r.FaceValue })
	return out, nil
}

// DeleteReservations removes every hold of a transaction.
func (q *queries) DeleteReservations(ctx context.Context, txID string) error {
	_, err := q.exec(ctx, `DELETE FROM reservations WHERE transaction_id = ?`, txID)
	return err
}

// CreateStockMovement records units dispensed or received.
func (q *queries) CreateStockMovement(ctx context.Context, m *domain.StockMovement) error {
	_, err := q.exec(ctx, `
		INSERT INTO stock_movements (id, transaction_id, terminal_id, denomination_id, direction, quantity, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.TransactionID, m.TerminalID, m.DenominationID, m.Direction, m.Quantity, m.CreatedAt.UTC())
	return err
}

// ListStockMovements returns the movements of a transaction in insertion order.
func (q *queries) ListStockMovements(ctx context.Context, txID string) ([]domain.StockMovement, error) {
	rows, err := q.query(ctx, `
		SELECT id, transaction_id, terminal_id, denomination_id, direction, quantity, created_at
		FROM stock_movements
		WHERE transaction_id = ?
		ORDER BY created_at, id
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.StockMovement
	for rows.Next() {
		var m domain.StockMovement
		if err := rows.Scan(&m.ID, &m.TransactionID, &m.TerminalID, &m.DenominationID, &m.Direction, &m.Quantity, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// sortByFaceDesc orders by face value, largest first. Face values are TEXT in
// the database, so numeric ordering happens here.
func sortByFaceDesc[T any](items []T, face func(T) decimal.Decimal) {
	slices.SortStableFunc(items, func(a, b T) int {
		return face(b).Cmp(face(a))
	})
}
