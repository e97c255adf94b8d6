// Package domain defines the core interfaces and types for Cambio.
package domain

import (
	"context"
	"time"
)

// Catalog is read-only reference data used by the calculator.
type Catalog interface {
	GetCurrency(ctx context.Context, code string) (*Currency, error)
	GetSegmentDiscount(ctx context.Context, segment Segment, at time.Time) (*SegmentDiscount, error)
	GetMethodCommission(ctx context.Context, kind MethodKind) (*MethodCommission, error)
	ListDenominations(ctx context.Context, currency string) ([]Denomination, error)
}

// Store is the set of queries available both on the repository and inside
// a unit of work. Lock* methods take row locks when called inside InTx.
type Store interface {
	Catalog

	// Clients, stored methods and limits
	GetClient(ctx context.Context, clientID string) (*Client, error)
	LockClient(ctx context.Context, clientID string) (*Client, error)
	GetStoredMethod(ctx context.Context, methodID string) (*StoredMethod, error)
	GetClientLimit(ctx context.Context, clientID string) (*ClientLimit, error)
	GetCurrencyLimit(ctx context.Context, clientID, currency string) (*CurrencyLimit, error)
	GetSegmentLimit(ctx context.Context, segment Segment) (*SegmentLimit, error)
	ListOpenAmounts(ctx context.Context, clientID, currency string, since time.Time) ([]OpenAmount, error)

	// Transactions
	CreateTransaction(ctx context.Context, tx *Transaction) error
	GetTransaction(ctx context.Context, txID string) (*Transaction, error)
	LockTransaction(ctx context.Context, txID string) (*Transaction, error)
	UpdateTransaction(ctx context.Context, tx *Transaction) error
	VerificationCodeExists(ctx context.Context, code string) (bool, error)
	ListOverdueTransactions(ctx context.Context, now time.Time, limit int) ([]string, error)

	// Terminal stock and reservations
	ListStock(ctx context.Context, terminalID, currency string) ([]StockLevel, error)
	LockStock(ctx context.Context, terminalID, currency string) ([]StockLevel, error)
	AdjustStock(ctx context.Context, terminalID, denominationID string, delta int64) error
	CreateReservation(ctx context.Context, r *Reservation) error
	ListReservations(ctx context.Context, txID string) ([]Reservation, error)
	DeleteReservations(ctx context.Context, txID string) error
	CreateStockMovement(ctx context.Context, m *StockMovement) error
	ListStockMovements(ctx context.Context, txID string) ([]StockMovement, error)

	// Ledger
	CreateLedgerEntry(ctx context.Context, e *LedgerEntry) error
	ListLedgerEntries(ctx context.Context, txID string) ([]LedgerEntry, error)

	// Gateway audit trail
	CreateGatewayPayment(ctx context.Context, p *GatewayPayment) error
	UpdateGatewayPayment(ctx context.Context, p *GatewayPayment) error
	GetGatewayPaymentByExternalID(ctx context.Context, externalID string) (*GatewayPayment, error)
	GetGatewayPaymentByIdempotencyKey(ctx context.Context, key string) (*GatewayPayment, error)
	ListGatewayPayments(ctx context.Context, txID string) ([]GatewayPayment, error)

	// Outbox
	EnqueueEvent(ctx context.Context, e *OutboxEvent) error
	FetchDueEvents(ctx context.Context, now time.Time, limit int) ([]OutboxEvent, error)
	MarkEventPublished(ctx context.Context, eventID string, at time.Time) error
	MarkEventFailed(ctx context.Context, eventID string, attempts int, next time.Time, lastErr string) error

	// Policy rules
	SavePolicyRule(ctx context.Context, rule *PolicyRule) error
	GetPolicyRule(ctx context.Context, ruleID string) (*PolicyRule, error)
	ListPolicyRules(ctx context.Context) ([]*PolicyRule, error)
}

// Repository defines data persistence with an explicit unit of work.
type Repository interface {
	Store

	// InTx runs fn inside one atomic unit of work. Any error from fn rolls
	// back every write made through the Store it receives.
	InTx(ctx context.Context, fn func(Store) error) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// ReferenceWriter loads reference data. The engine never calls it; seeding
// and tests do.
type ReferenceWriter interface {
	SaveCurrency(ctx context.Context, c *Currency) error
	SaveDenomination(ctx context.Context, d *Denomination) error
	SaveClient(ctx context.Context, c *Client) error
	SaveStoredMethod(ctx context.Context, m *StoredMethod) error
	SaveSegmentDiscount(ctx context.Context, d *SegmentDiscount) error
	SaveMethodCommission(ctx context.Context, c *MethodCommission) error
	SaveClientLimit(ctx context.Context, l *ClientLimit) error
	SaveCurrencyLimit(ctx context.Context, l *CurrencyLimit) error
	SaveSegmentLimit(ctx context.Context, l *SegmentLimit) error
	SetStock(ctx context.Context, terminalID, denominationID string, quantity int64) error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// SeedFile is an optional JSON file with reference data loaded on startup.
	SeedFile string
}
