package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
)

const transactionColumns = `
	id, verification_code, client_id, currency, direction,
	operated_amount, local_amount, applied_rate, commission, discount_pct,
	method_commission, method_commission_pct, profit, state,
	payment_method_kind, payment_method_id, collection_method_kind, collection_method_id,
	terminal_id, created_at, updated_at, expires_at, settled_at, completed_at
`

// CreateTransaction inserts a new transaction.
func (q *queries) CreateTransaction(ctx context.Context, tx *domain.Transaction) error {
	payKind, payID := methodColumns(tx.PaymentMethod)
	colKind, colID := methodColumns(tx.CollectionMethod)

	_, err := q.exec(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		tx.ID, tx.VerificationCode, tx.ClientID, tx.Currency, tx.Direction,
		tx.OperatedAmount, tx.LocalAmount, tx.AppliedRate, tx.Commission, tx.DiscountPct,
		tx.MethodCommission, tx.MethodCommissionPct, tx.Profit, tx.State,
		payKind, payID, colKind, colID,
		nullString(tx.TerminalID), tx.CreatedAt.UTC(), tx.UpdatedAt.UTC(),
		nullTime(tx.ExpiresAt), nullTime(tx.SettledAt), nullTime(tx.CompletedAt),
	)
	return err
}

// GetTransaction retrieves a transaction by ID.
func (q *queries) GetTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	return q.getTransaction(ctx, txID, "")
}

// LockTransaction retrieves a transaction holding its row lock on PostgreSQL.
func (q *queries) LockTransaction(ctx context.Context, txID string) (*domain.Transaction, error) {
	return q.getTransaction(ctx, txID, q.forUpdate(""))
}

func (q *queries) getTransaction(ctx context.Context, txID, lock string) (*domain.Transaction, error) {
	row := q.queryRow(ctx, `SELECT `+transactionColumns+` FROM transactions WHERE id = ?`+lock, txID)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// UpdateTransaction persists the mutable fields of a transaction.
func (q *queries) UpdateTransaction(ctx context.Context, tx *domain.Transaction) error {
	return q.execOne(ctx, `
		UPDATE transactions
		SET state = ?, profit = ?, updated_at = ?, settled_at = ?, completed_at = ?
		WHERE id = ?
	`, tx.State, tx.Profit, tx.UpdatedAt.UTC(), nullTime(tx.SettledAt), nullTime(tx.CompletedAt), tx.ID)
}

// VerificationCodeExists reports whether a code is already taken.
func (q *queries) VerificationCodeExists(ctx context.Context, code string) (bool, error) {
	var n int
	err := q.queryRow(ctx, `SELECT COUNT(*) FROM transactions WHERE verification_code = ?`, code).Scan(&n)
	return n > 0, err
}

// ListOverdueTransactions returns ids of pending transactions whose deadline
// is at or before now, oldest deadline first.
func (q *queries) ListOverdueTransactions(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := q.query(ctx, `
		SELECT id FROM transactions
		WHERE state = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY expires_at
		LIMIT ?
	`, domain.StatePending, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.Transaction, error) {
	var tx domain.Transaction
	var payKind, payID, colKind, colID, terminal sql.NullString
	var expires, settled, completed sql.NullTime

	err := row.Scan(
		&tx.ID, &tx.VerificationCode, &tx.ClientID, &tx.Currency, &tx.Direction,
		&tx.OperatedAmount, &tx.LocalAmount, &tx.AppliedRate, &tx.Commission, &tx.DiscountPct,
		&tx.MethodCommission, &tx.MethodCommissionPct, &tx.Profit, &tx.State,
		&payKind, &payID, &colKind, &colID,
		&terminal, &tx.CreatedAt, &tx.UpdatedAt, &expires, &settled, &completed,
	)
	if err != nil {
		return nil, err
	}

	tx.PaymentMethod = methodRef(payKind, payID)
	tx.CollectionMethod = methodRef(colKind, colID)
	tx.TerminalID = terminal.String
	tx.ExpiresAt = timePtr(expires)
	tx.SettledAt = timePtr(settled)
	tx.CompletedAt = timePtr(completed)
	return &tx, nil
}

func methodColumns(ref *domain.MethodRef) (sql.NullString, sql.NullString) {
	if ref == nil {
		return sql.NullString{}, sql.NullString{}
	}
	return nullString(string(ref.Kind)), nullString(ref.ID)
}

func methodRef(kind, id sql.NullString) *domain.MethodRef {
	if !kind.Valid {
		return nil
	}
	return &domain.MethodRef{Kind: domain.MethodKind(kind.String), ID: id.String}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
