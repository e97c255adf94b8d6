package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side of an exchange operation from the client's perspective.
type Direction string

const (
	// DirectionBuy means the client acquires foreign currency and pays local currency.
	DirectionBuy Direction = "BUY"

	// DirectionSell means the client delivers foreign currency and receives local currency.
	DirectionSell Direction = "SELL"
)

// Valid reports whether d is a known direction.
func (d Direction) Valid() bool {
	return d == DirectionBuy || d == DirectionSell
}

// State is the lifecycle state of a transaction.
type State string

const (
	StatePending   State = "pending"
	StatePaid      State = "paid"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
	StateExpired   State = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateExpired
}

// Settled reports whether money has moved for a transaction in state s.
func (s State) Settled() bool {
	return s == StatePaid || s == StateCompleted
}

// Transaction is one exchange operation.
type Transaction struct {
	ID               string    `json:"id"`
	VerificationCode string    `json:"verificationCode"`
	ClientID         string    `json:"clientId"`
	Currency         string    `json:"currency"`
	Direction        Direction `json:"direction"`

	// Amounts. OperatedAmount is in the foreign currency, LocalAmount in the
	// local currency rounded to a deliverable denomination sum.
	OperatedAmount      decimal.Decimal     `json:"operatedAmount"`
	LocalAmount         decimal.Decimal     `json:"localAmount"`
	AppliedRate         decimal.Decimal     `json:"appliedRate"`
	Commission          decimal.Decimal     `json:"commission"`
	DiscountPct         decimal.Decimal     `json:"discountPct"`
	MethodCommission    decimal.Decimal     `json:"methodCommission"`
	MethodCommissionPct decimal.Decimal     `json:"methodCommissionPct"`
	Profit              decimal.NullDecimal `json:"profit"`

	State State `json:"state"`

	// Exactly one of PaymentMethod (BUY) or CollectionMethod (SELL) is set.
	PaymentMethod    *MethodRef `json:"paymentMethod,omitempty"`
	CollectionMethod *MethodRef `json:"collectionMethod,omitempty"`
	TerminalID       string     `json:"terminalId,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ExpiresAt   *time.Time `json:"expiresAt,omitempty"`
	SettledAt   *time.Time `json:"settledAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// Method returns the method that moves money for this transaction's direction.
func (t *Transaction) Method() *MethodRef {
	if t.Direction == DirectionBuy {
		return t.PaymentMethod
	}
	return t.CollectionMethod
}

// Overdue reports whether a pending transaction has passed its deadline.
func (t *Transaction) Overdue(now time.Time) bool {
	return t.State == StatePending && t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

// Denomination is a legal-tender bill or coin of a currency.
type Denomination struct {
	ID        string          `json:"id"`
	Currency  string          `json:"currency"`
	FaceValue decimal.Decimal `json:"faceValue"`
	Kind      string          `json:"kind"` // bill or coin
}

// StockLevel is the quantity of one denomination held at a terminal.
type StockLevel struct {
	TerminalID     string          `json:"terminalId"`
	DenominationID string          `json:"denominationId"`
	Currency       string          `json:"currency"`
	FaceValue      decimal.Decimal `json:"faceValue"`
	Quantity       int64           `json:"quantity"`
}

// Reservation is a provisional hold on denomination units for a pending transaction.
type Reservation struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transactionId"`
	TerminalID     string          `json:"terminalId"`
	DenominationID string          `json:"denominationId"`
	FaceValue      decimal.Decimal `json:"faceValue"`
	Quantity       int64           `json:"quantity"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// MovementDirection tells whether units left or entered a terminal.
type MovementDirection string

const (
	MovementOut MovementDirection = "out"
	MovementIn  MovementDirection = "in"
)

// StockMovement records denomination units physically dispensed or received.
type StockMovement struct {
	ID             string            `json:"id"`
	TransactionID  string            `json:"transactionId"`
	TerminalID     string            `json:"terminalId"`
	DenominationID string            `json:"denominationId"`
	Direction      MovementDirection `json:"direction"`
	Quantity       int64             `json:"quantity"`
	CreatedAt      time.Time         `json:"createdAt"`
}

// EntryType is the side of a ledger entry.
type EntryType string

const (
	EntryDebit  EntryType = "DEBIT"
	EntryCredit EntryType = "CREDIT"
)

// LedgerEntry is an append-only local-currency movement for a settled transaction.
type LedgerEntry struct {
	ID            string          `json:"id"`
	TransactionID string          `json:"transactionId"`
	ClientID      string          `json:"clientId"`
	Type          EntryType       `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	CreatedAt     time.Time       `json:"createdAt"`
}

// EntryTypeFor maps a direction to its ledger side.
func EntryTypeFor(d Direction) EntryType {
	if d == DirectionBuy {
		return EntryDebit
	}
	return EntryCredit
}
