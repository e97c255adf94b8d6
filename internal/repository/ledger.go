package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
)

// CreateLedgerEntry appends the ledger entry of a settled transaction. The
// UNIQUE constraint on transaction_id rejects a second entry.
func (q *queries) CreateLedgerEntry(ctx context.Context, e *domain.LedgerEntry) error {
	_, err := q.exec(ctx, `
		INSERT INTO ledger_entries (id, transaction_id, client_id, type, amount, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.TransactionID, e.ClientID, e.Type, e.Amount, e.CreatedAt.UTC())
	return err
}

// ListLedgerEntries returns the entries of a transaction.
func (q *queries) ListLedgerEntries(ctx context.Context, txID string) ([]domain.LedgerEntry, error) {
	rows, err := q.query(ctx, `
		SELECT id, transaction_id, client_id, type, amount, created_at
		FROM ledger_entries WHERE transaction_id = ?
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		if err := rows.Scan(&e.ID, &e.TransactionID, &e.ClientID, &e.Type, &e.Amount, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

const gatewayPaymentColumns = `
	id, transaction_id, external_id, idempotency_key, method, amount, currency,
	state, request, response, error_message, created_at, updated_at
`

// CreateGatewayPayment records a settlement attempt.
func (q *queries) CreateGatewayPayment(ctx context.Context, p *domain.GatewayPayment) error {
	_, err := q.exec(ctx, `
		INSERT INTO gateway_payments (`+gatewayPaymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		p.ID, p.TransactionID, p.ExternalID, p.IdempotencyKey, p.Method, p.Amount, p.Currency,
		p.State, nullString(p.Request), nullString(p.Response), nullString(p.ErrorMessage),
		p.CreatedAt.UTC(), p.UpdatedAt.UTC(),
	)
	return err
}

// UpdateGatewayPayment stores the latest state reported for an attempt.
func (q *queries) UpdateGatewayPayment(ctx context.Context, p *domain.GatewayPayment) error {
	return q.execOne(ctx, `
		UPDATE gateway_payments
		SET external_id = ?, state = ?, response = ?, error_message = ?, updated_at = ?
		WHERE id = ?
	`, p.ExternalID, p.State, nullString(p.Response), nullString(p.ErrorMessage), p.UpdatedAt.UTC(), p.ID)
}

// GetGatewayPaymentByExternalID finds an attempt by the gateway's payment id.
func (q *queries) GetGatewayPaymentByExternalID(ctx context.Context, externalID string) (*domain.GatewayPayment, error) {
	p, err := scanGatewayPayment(q.queryRow(ctx,
		`SELECT `+gatewayPaymentColumns+` FROM gateway_payments WHERE external_id = ?`, externalID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

// GetGatewayPaymentByIdempotencyKey finds the latest attempt sent with key.
func (q *queries) GetGatewayPaymentByIdempotencyKey(ctx context.Context, key string) (*domain.GatewayPayment, error) {
	p, err := scanGatewayPayment(q.queryRow(ctx, `
		SELECT `+gatewayPaymentColumns+` FROM gateway_payments
		WHERE idempotency_key = ?
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, key))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return p, err
}

// ListGatewayPayments returns the attempts of a transaction, oldest first.
func (q *queries) ListGatewayPayments(ctx context.Context, txID string) ([]domain.GatewayPayment, error) {
	rows, err := q.query(ctx, `
		SELECT `+gatewayPaymentColumns+` FROM gateway_payments
		WHERE transaction_id = ?
		ORDER BY created_at, id
	`, txID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.GatewayPayment
	for rows.Next() {
		p, err := scanGatewayPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanGatewayPayment(row rowScanner) (*domain.GatewayPayment, error) {
	var p domain.GatewayPayment
	var request, response, errMsg sql.NullString
	err := row.Scan(
		&p.ID, &p.TransactionID, &p.ExternalID, &p.IdempotencyKey, &p.Method, &p.Amount, &p.Currency,
		&p.State, &request, &response, &errMsg, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Request = request.String
	p.Response = response.String
	p.ErrorMessage = errMsg.String
	return &p, nil
}

// EnqueueEvent writes an outbox event. It becomes due immediately unless
// NextAttemptAt is set.
func (q *queries) EnqueueEvent(ctx context.Context, e *domain.OutboxEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = e.CreatedAt
	}
	_, err := q.exec(ctx, `
		INSERT INTO outbox_events (id, topic, aggregate_id, payload, created_at, attempts, next_attempt_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, e.ID, e.Topic, e.AggregateID, string(e.Payload), e.CreatedAt.UTC(), e.Attempts, e.NextAttemptAt.UTC())
	return err
}

// FetchDueEvents returns unpublished events whose next attempt is due.
func (q *queries) FetchDueEvents(ctx context.Context, now time.Time, limit int) ([]domain.OutboxEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.query(ctx, `
		SELECT id, topic, aggregate_id, payload, created_at, attempts, next_attempt_at, last_error
		FROM outbox_events
		WHERE published_at IS NULL AND next_attempt_at <= ?
		ORDER BY created_at, id
		LIMIT ?
	`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.OutboxEvent
	for rows.Next() {
		var e domain.OutboxEvent
		var payload string
		var lastErr sql.NullString
		if err := rows.Scan(&e.ID, &e.Topic, &e.AggregateID, &payload, &e.CreatedAt, &e.Attempts, &e.NextAttemptAt, &lastErr); err != nil {
			return nil, err
		}
		e.Payload = []byte(payload)
		e.LastError = lastErr.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkEventPublished stamps an event as delivered.
func (q *queries) MarkEventPublished(ctx context.Context, eventID string, at time.Time) error {
	return q.execOne(ctx, `
		UPDATE outbox_events SET published_at = ? WHERE id = ?
	`, at.UTC(), eventID)
}

// MarkEventFailed records a failed delivery and when to retry.
func (q *queries) MarkEventFailed(ctx context.Context, eventID string, attempts int, next time.Time, lastErr string) error {
	return q.execOne(ctx, `
		UPDATE outbox_events SET attempts = ?, next_attempt_at = ?, last_error = ? WHERE id = ?
	`, attempts, next.UTC(), nullString(lastErr), eventID)
}

// SavePolicyRule inserts or replaces a policy rule.
func (q *queries) SavePolicyRule(ctx context.Context, rule *domain.PolicyRule) error {
	now := time.Now().UTC()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	_, err := q.exec(ctx, `
		INSERT INTO policy_rules (id, name, description, expression, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`, rule.ID, rule.Name, rule.Description, rule.Expression, boolToInt(rule.Enabled), rule.CreatedAt.UTC(), rule.UpdatedAt)
	return err
}

// GetPolicyRule retrieves a policy rule, enabled or not.
func (q *queries) GetPolicyRule(ctx context.Context, ruleID string) (*domain.PolicyRule, error) {
	rule, err := scanPolicyRule(q.queryRow(ctx, `
		SELECT id, name, description, expression, enabled, created_at, updated_at
		FROM policy_rules WHERE id = ?
	`, ruleID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return rule, err
}

// ListPolicyRules returns every policy rule ordered by name.
func (q *queries) ListPolicyRules(ctx context.Context) ([]*domain.PolicyRule, error) {
	rows, err := q.query(ctx, `
		SELECT id, name, description, expression, enabled, created_at, updated_at
		FROM policy_rules ORDER BY name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []*domain.PolicyRule
	for rows.Next() {
		rule, err := scanPolicyRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func scanPolicyRule(row rowScanner) (*domain.PolicyRule, error) {
	var rule domain.PolicyRule
	var desc sql.NullString
	var enabled int
	if err := row.Scan(&rule.ID, &rule.Name, &desc, &rule.Expression, &enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
		return nil, err
	}
	rule.Description = desc.String
	rule.Enabled = enabled == 1
	return &rule, nil
}
