package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

// GetCurrency returns the current pricing of a foreign currency.
func (q *queries) GetCurrency(ctx context.Context, code string) (*domain.Currency, error) {
	var c domain.Currency
	err := q.queryRow(ctx, `
		SELECT code, name, base_price, buy_commission, sell_commission, updated_at
		FROM currencies WHERE code = ?
	`, code).Scan(&c.Code, &c.Name, &c.BasePrice, &c.BuyCommission, &c.SellCommission, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetSegmentDiscount returns the most recent discount of segment valid at the given time.
func (q *queries) GetSegmentDiscount(ctx context.Context, segment domain.Segment, at time.Time) (*domain.SegmentDiscount, error) {
	at = at.UTC()

	var d domain.SegmentDiscount
	var validTo sql.NullTime
	err := q.queryRow(ctx, `
		SELECT segment, percentage, valid_from, valid_to
		FROM segment_discounts
		WHERE segment = ? AND valid_from <= ? AND (valid_to IS NULL OR valid_to >= ?)
		ORDER BY valid_from DESC
		LIMIT 1
	`, segment, at, at).Scan(&d.Segment, &d.Percentage, &d.ValidFrom, &validTo)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if validTo.Valid {
		d.ValidTo = &validTo.Time
	}
	return &d, nil
}

// GetMethodCommission returns the commission percentage of a method kind.
func (q *queries) GetMethodCommission(ctx context.Context, kind domain.MethodKind) (*domain.MethodCommission, error) {
	var mc domain.MethodCommission
	err := q.queryRow(ctx, `
		SELECT kind, percentage FROM method_commissions WHERE kind = ?
	`, kind).Scan(&mc.Kind, &mc.Percentage)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &mc, nil
}

// ListDenominations returns the denominations of a currency, largest first.
func (q *queries) ListDenominations(ctx context.Context, currency string) ([]domain.Denomination, error) {
	rows, err := q.query(ctx, `
		SELECT id, currency, face_value, kind FROM denominations WHERE currency = ?
	`, currency)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var denoms []domain.Denomination
	for rows.Next() {
		var d domain.Denomination
		if err := rows.Scan(&d.ID, &d.Currency, &d.FaceValue, &d.Kind); err != nil {
			return nil, err
		}
		denoms = append(denoms, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortByFaceDesc(denoms, func(d domain.Denomination) decimal.Decimal { return d.FaceValue })
	return denoms, nil
}

// GetClient returns a client.
func (q *queries) GetClient(ctx context.Context, clientID string) (*domain.Client, error) {
	return q.getClient(ctx, clientID, "")
}

// LockClient returns a client and, on PostgreSQL, holds its row lock until
// the enclosing transaction ends.
func (q *queries) LockClient(ctx context.Context, clientID string) (*domain.Client, error) {
	return q.getClient(ctx, clientID, q.forUpdate(""))
}

func (q *queries) getClient(ctx context.Context, clientID, lock string) (*domain.Client, error) {
	var c domain.Client
	err := q.queryRow(ctx, `
		SELECT id, name, segment, tax_id, email FROM clients WHERE id = ?
	`+lock, clientID).Scan(&c.ID, &c.Name, &c.Segment, &c.TaxID, &c.Email)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetStoredMethod returns a stored payment or collection method.
func (q *queries) GetStoredMethod(ctx context.Context, methodID string) (*domain.StoredMethod, error) {
	var m domain.StoredMethod
	var kind domain.MethodKind
	var details string
	err := q.queryRow(ctx, `
		SELECT id, client_id, kind, details FROM stored_methods WHERE id = ?
	`, methodID).Scan(&m.ID, &m.ClientID, &kind, &details)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	m.Method, err = domain.DecodeMethod(kind, []byte(details))
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetClientLimit returns the per-operation local cap of a client.
func (q *queries) GetClientLimit(ctx context.Context, clientID string) (*domain.ClientLimit, error) {
	var l domain.ClientLimit
	err := q.queryRow(ctx, `
		SELECT client_id, max_per_operation FROM client_limits WHERE client_id = ?
	`, clientID).Scan(&l.ClientID, &l.MaxPerOperation)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetCurrencyLimit returns the foreign-currency caps of a client.
func (q *queries) GetCurrencyLimit(ctx context.Context, clientID, currency string) (*domain.CurrencyLimit, error) {
	var l domain.CurrencyLimit
	err := q.queryRow(ctx, `
		SELECT client_id, currency, max_per_operation, monthly_limit
		FROM currency_limits WHERE client_id = ? AND currency = ?
	`, clientID, currency).Scan(&l.ClientID, &l.Currency, &l.MaxPerOperation, &l.MonthlyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// GetSegmentLimit returns the cumulative caps of a segment.
func (q *queries) GetSegmentLimit(ctx context.Context, segment domain.Segment) (*domain.SegmentLimit, error) {
	var l domain.SegmentLimit
	err := q.queryRow(ctx, `
		SELECT segment, daily_limit, monthly_limit FROM segment_limits WHERE segment = ?
	`, segment).Scan(&l.Segment, &l.DailyLimit, &l.MonthlyLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &l, nil
}

// ListOpenAmounts returns the amounts of pending and paid transactions of a
// client in a currency created at or after since.
func (q *queries) ListOpenAmounts(ctx context.Context, clientID, currency string, since time.Time) ([]domain.OpenAmount, error) {
	rows, err := q.query(ctx, `
		SELECT operated_amount, local_amount, created_at
		FROM transactions
		WHERE client_id = ? AND currency = ? AND state IN (?, ?) AND created_at >= ?
	`, clientID, currency, domain.StatePending, domain.StatePaid, since.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var amounts []domain.OpenAmount
	for rows.Next() {
		var a domain.OpenAmount
		if err := rows.Scan(&a.OperatedAmount, &a.LocalAmount, &a.CreatedAt); err != nil {
			return nil, err
		}
		amounts = append(amounts, a)
	}
	return amounts, rows.Err()
}

// SaveCurrency inserts or replaces a currency.
func (q *queries) SaveCurrency(ctx context.Context, c *domain.Currency) error {
	updated := c.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := q.exec(ctx, `
		INSERT INTO currencies (code, name, base_price, buy_commission, sell_commission, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET
			name = excluded.name,
			base_price = excluded.base_price,
			buy_commission = excluded.buy_commission,
			sell_commission = excluded.sell_commission,
			updated_at = excluded.updated_at
	`, c.Code, c.Name, c.BasePrice, c.BuyCommission, c.SellCommission, updated.UTC())
	return err
}

// SaveDenomination inserts or replaces a denomination.
func (q *queries) SaveDenomination(ctx context.Context, d *domain.Denomination) error {
	kind := d.Kind
	if kind == "" {
		kind = "bill"
	}
	_, err := q.exec(ctx, `
		INSERT INTO denominations (id, currency, face_value, kind)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			currency = excluded.currency,
			face_value = excluded.face_value,
			kind = excluded.kind
	`, d.ID, d.Currency, d.FaceValue, kind)
	return err
}

// SaveClient inserts or replaces a client.
func (q *queries) SaveClient(ctx context.Context, c *domain.Client) error {
	_, err := q.exec(ctx, `
		INSERT INTO clients (id, name, segment, tax_id, email)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			segment = excluded.segment,
			tax_id = excluded.tax_id,
			email = excluded.email
	`, c.ID, c.Name, c.Segment, c.TaxID, c.Email)
	return err
}

// SaveStoredMethod inserts or replaces a stored method.
func (q *queries) SaveStoredMethod(ctx context.Context, m *domain.StoredMethod) error {
	details, err := domain.EncodeMethod(m.Method)
	if err != nil {
		return err
	}
	_, err = q.exec(ctx, `
		INSERT INTO stored_methods (id, client_id, kind, details)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			client_id = excluded.client_id,
			kind = excluded.kind,
			details = excluded.details
	`, m.ID, m.ClientID, m.Method.Kind(), string(details))
	return err
}

// SaveSegmentDiscount inserts or replaces a segment discount.
func (q *queries) SaveSegmentDiscount(ctx context.Context, d *domain.SegmentDiscount) error {
	var validTo any
	if d.ValidTo != nil {
		validTo = d.ValidTo.UTC()
	}
	_, err := q.exec(ctx, `
		INSERT INTO segment_discounts (segment, percentage, valid_from, valid_to)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(segment, valid_from) DO UPDATE SET
			percentage = excluded.percentage,
			valid_to = excluded.valid_to
	`, d.Segment, d.Percentage, d.ValidFrom.UTC(), validTo)
	return err
}

// SaveMethodCommission inserts or replaces a method commission.
func (q *queries) SaveMethodCommission(ctx context.Context, c *domain.MethodCommission) error {
	_, err := q.exec(ctx, `
		INSERT INTO method_commissions (kind, percentage) VALUES (?, ?)
		ON CONFLICT(kind) DO UPDATE SET percentage = excluded.percentage
	`, c.Kind, c.Percentage)
	return err
}

// SaveClientLimit inserts or replaces a client limit.
func (q *queries) SaveClientLimit(ctx context.Context, l *domain.ClientLimit) error {
	_, err := q.exec(ctx, `
		INSERT INTO client_limits (client_id, max_per_operation) VALUES (?, ?)
		ON CONFLICT(client_id) DO UPDATE SET max_per_operation = excluded.max_per_operation
	`, l.ClientID, l.MaxPerOperation)
	return err
}

// SaveCurrencyLimit inserts or replaces a currency limit.
func (q *queries) SaveCurrencyLimit(ctx context.Context, l *domain.CurrencyLimit) error {
	_, err := q.exec(ctx, `
		INSERT INTO currency_limits (client_id, currency, max_per_operation, monthly_limit)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(client_id, currency) DO UPDATE SET
			max_per_operation = excluded.max_per_operation,
			monthly_limit = excluded.monthly_limit
	`, l.ClientID, l.Currency, l.MaxPerOperation, l.MonthlyLimit)
	return err
}

// SaveSegmentLimit inserts or replaces a segment limit.
func (q *queries) SaveSegmentLimit(ctx context.Context, l *domain.SegmentLimit) error {
	_, err := q.exec(ctx, `
		INSERT INTO segment_limits (segment, daily_limit, monthly_limit) VALUES (?, ?, ?)
		ON CONFLICT(segment) DO UPDATE SET
			daily_limit = excluded.daily_limit,
			monthly_limit = excluded.monthly_limit
	`, l.Segment, l.DailyLimit, l.MonthlyLimit)
	return err
}
