package repository

// Schema definitions for the Cambio database.
// Compatible with both SQLite and PostgreSQL. Money, rates and percentages are
// TEXT so decimal values round-trip exactly under both drivers.

const schemaReference = `
CREATE TABLE IF NOT EXISTS currencies (
    code TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    base_price TEXT NOT NULL,
    buy_commission TEXT NOT NULL,
    sell_commission TEXT NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS denominations (
    id TEXT PRIMARY KEY,
    currency TEXT NOT NULL,
    face_value TEXT NOT NULL,
    kind TEXT NOT NULL DEFAULT 'bill',
    UNIQUE (currency, face_value)
);

CREATE INDEX IF NOT EXISTS idx_denominations_currency ON denominations(currency);

CREATE TABLE IF NOT EXISTS segment_discounts (
    segment TEXT NOT NULL,
    percentage TEXT NOT NULL,
    valid_from TIMESTAMP NOT NULL,
    valid_to TIMESTAMP,
    PRIMARY KEY (segment, valid_from)
);

CREATE TABLE IF NOT EXISTS method_commissions (
    kind TEXT PRIMARY KEY,
    percentage TEXT NOT NULL
);
`

const schemaClients = `
CREATE TABLE IF NOT EXISTS clients (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    segment TEXT NOT NULL,
    tax_id TEXT NOT NULL DEFAULT '',
    email TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS stored_methods (
    id TEXT PRIMARY KEY,
    client_id TEXT NOT NULL REFERENCES clients(id),
    kind TEXT NOT NULL,
    details TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stored_methods_client ON stored_methods(client_id);

CREATE TABLE IF NOT EXISTS client_limits (
    client_id TEXT PRIMARY KEY REFERENCES clients(id),
    max_per_operation TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS currency_limits (
    client_id TEXT NOT NULL REFERENCES clients(id),
    currency TEXT NOT NULL,
    max_per_operation TEXT NOT NULL,
    monthly_limit TEXT NOT NULL,
    PRIMARY KEY (client_id, currency)
);

CREATE TABLE IF NOT EXISTS segment_limits (
    segment TEXT PRIMARY KEY,
    daily_limit TEXT NOT NULL,
    monthly_limit TEXT NOT NULL
);
`

const schemaTransactions = `
CREATE TABLE IF NOT EXISTS transactions (
    id TEXT PRIMARY KEY,
    verification_code TEXT NOT NULL UNIQUE,
    client_id TEXT NOT NULL REFERENCES clients(id),
    currency TEXT NOT NULL,
    direction TEXT NOT NULL,
    operated_amount TEXT NOT NULL,
    local_amount TEXT NOT NULL,
    applied_rate TEXT NOT NULL,
    commission TEXT NOT NULL,
    discount_pct TEXT NOT NULL,
    method_commission TEXT NOT NULL,
    method_commission_pct TEXT NOT NULL,
    profit TEXT,
    state TEXT NOT NULL,
    payment_method_kind TEXT,
    payment_method_id TEXT,
    collection_method_kind TEXT,
    collection_method_id TEXT,
    terminal_id TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL,
    expires_at TIMESTAMP,
    settled_at TIMESTAMP,
    completed_at TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_transactions_client ON transactions(client_id, currency, created_at);
CREATE INDEX IF NOT EXISTS idx_transactions_expiry ON transactions(state, expires_at);
`

const schemaStock = `
CREATE TABLE IF NOT EXISTS terminal_stock (
    terminal_id TEXT NOT NULL,
    denomination_id TEXT NOT NULL REFERENCES denominations(id),
    quantity INTEGER NOT NULL CHECK (quantity >= 0),
    updated_at TIMESTAMP NOT NULL,
    PRIMARY KEY (terminal_id, denomination_id)
);

CREATE TABLE IF NOT EXISTS reservations (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL REFERENCES transactions(id),
    terminal_id TEXT NOT NULL,
    denomination_id TEXT NOT NULL REFERENCES denominations(id),
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_reservations_tx ON reservations(transaction_id);

CREATE TABLE IF NOT EXISTS stock_movements (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL REFERENCES transactions(id),
    terminal_id TEXT NOT NULL,
    denomination_id TEXT NOT NULL REFERENCES denominations(id),
    direction TEXT NOT NULL,
    quantity INTEGER NOT NULL CHECK (quantity > 0),
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_stock_movements_tx ON stock_movements(transaction_id);
`

const schemaLedger = `
CREATE TABLE IF NOT EXISTS ledger_entries (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL UNIQUE REFERENCES transactions(id),
    client_id TEXT NOT NULL,
    type TEXT NOT NULL,
    amount TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);
`

const schemaGatewayPayments = `
CREATE TABLE IF NOT EXISTS gateway_payments (
    id TEXT PRIMARY KEY,
    transaction_id TEXT NOT NULL REFERENCES transactions(id),
    external_id TEXT NOT NULL UNIQUE,
    idempotency_key TEXT NOT NULL,
    method TEXT NOT NULL,
    amount TEXT NOT NULL,
    currency TEXT NOT NULL,
    state TEXT NOT NULL,
    request TEXT,
    response TEXT,
    error_message TEXT,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_gateway_payments_tx ON gateway_payments(transaction_id);
CREATE INDEX IF NOT EXISTS idx_gateway_payments_key ON gateway_payments(idempotency_key);
`

// schemaOutbox holds events written in the same unit of work as the state
// change they announce. The relay worker publishes and marks them.
const schemaOutbox = `
CREATE TABLE IF NOT EXISTS outbox_events (
    id TEXT PRIMARY KEY,
    topic TEXT NOT NULL,
    aggregate_id TEXT NOT NULL,
    payload TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    published_at TIMESTAMP,
    attempts INTEGER NOT NULL DEFAULT 0,
    next_attempt_at TIMESTAMP NOT NULL,
    last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox_events(published_at, next_attempt_at);
`

const schemaPolicyRules = `
CREATE TABLE IF NOT EXISTS policy_rules (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    description TEXT,
    expression TEXT NOT NULL,
    enabled INTEGER NOT NULL DEFAULT 1,
    created_at TIMESTAMP NOT NULL,
    updated_at TIMESTAMP NOT NULL
);
`

// AllSchemas returns all schema statements in dependency order.
func AllSchemas() []string {
	return []string{
		schemaReference,
		schemaClients,
		schemaTransactions,
		schemaStock,
		schemaLedger,
		schemaGatewayPayments,
		schemaOutbox,
		schemaPolicyRules,
	}
}
