package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Segment is a client tier that drives discount and limit policy.
type Segment string

const (
	SegmentRetail    Segment = "retail"
	SegmentCorporate Segment = "corporate"
	SegmentVIP       Segment = "vip"
)

// Client is the counterparty of an exchange operation.
type Client struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Segment Segment `json:"segment"`
	TaxID   string  `json:"taxId"`
	Email   string  `json:"email"`
}

// Currency holds the pricing of a foreign currency against the local one.
// BuyCommission applies when the house buys from the client (client SELL),
// SellCommission when the house sells to the client (client BUY).
type Currency struct {
	Code           string          `json:"code"`
	Name           string          `json:"name"`
	BasePrice      decimal.Decimal `json:"basePrice"`
	BuyCommission  decimal.Decimal `json:"buyCommission"`
	SellCommission decimal.Decimal `json:"sellCommission"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// SegmentDiscount is a percentage taken off the commission for a segment.
type SegmentDiscount struct {
	Segment    Segment         `json:"segment"`
	Percentage decimal.Decimal `json:"percentage"`
	ValidFrom  time.Time       `json:"validFrom"`
	ValidTo    *time.Time      `json:"validTo,omitempty"`
}

// MethodCommission is the percentage charged on the local amount for a method kind.
type MethodCommission struct {
	Kind       MethodKind      `json:"kind"`
	Percentage decimal.Decimal `json:"percentage"`
}

// ClientLimit caps a single operation in local currency.
type ClientLimit struct {
	ClientID        string          `json:"clientId"`
	MaxPerOperation decimal.Decimal `json:"maxPerOperation"`
}

// CurrencyLimit caps operations in the foreign currency for a client.
// Zero values mean the corresponding cap is not configured.
type CurrencyLimit struct {
	ClientID        string          `json:"clientId"`
	Currency        string          `json:"currency"`
	MaxPerOperation decimal.Decimal `json:"maxPerOperation"`
	MonthlyLimit    decimal.Decimal `json:"monthlyLimit"`
}

// SegmentLimit caps cumulative local-currency volume for a segment.
type SegmentLimit struct {
	Segment      Segment         `json:"segment"`
	DailyLimit   decimal.Decimal `json:"dailyLimit"`
	MonthlyLimit decimal.Decimal `json:"monthlyLimit"`
}

// OpenAmount is the pair of amounts of a pending or paid transaction, used
// to build cumulative limit totals.
type OpenAmount struct {
	OperatedAmount decimal.Decimal
	LocalAmount    decimal.Decimal
	CreatedAt      time.Time
}
