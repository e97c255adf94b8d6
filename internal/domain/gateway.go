package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// GatewayState is the outcome reported by the payment gateway.
type GatewayState string

const (
	GatewaySuccess GatewayState = "success"
	GatewayFailure GatewayState = "failure"
	GatewayPending GatewayState = "pending"
)

// GatewayRequest is a settlement request sent to the payment gateway.
type GatewayRequest struct {
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Method            MethodKind      `json:"method"`
	Reference         string          `json:"reference"`
	IdempotencyKey    string          `json:"idempotency_key"`
	CardNumber        string          `json:"card_number,omitempty"`
	WalletNumber      string          `json:"wallet_number,omitempty"`
	TransferReference string          `json:"transfer_reference,omitempty"`
	WebhookURL        string          `json:"webhook_url,omitempty"`
}

// GatewayResponse is the gateway's answer, delivered synchronously or by
// webhook. IdempotencyKey echoes the key of the request it answers.
type GatewayResponse struct {
	ExternalID     string       `json:"payment_id"`
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	State          GatewayState `json:"state"`
	Reason         string       `json:"reason,omitempty"`
	Raw            []byte       `json:"-"`
}

// Gateway is the blocking request/response boundary to the payment gateway.
type Gateway interface {
	Submit(ctx context.Context, req *GatewayRequest) (*GatewayResponse, error)
	Status(ctx context.Context, externalID string) (*GatewayResponse, error)
}

// GatewayPayment records one settlement attempt.
type GatewayPayment struct {
	ID             string          `json:"id"`
	TransactionID  string          `json:"transactionId"`
	ExternalID     string          `json:"externalId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	Method         MethodKind      `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	State          GatewayState    `json:"state"`
	Request        string          `json:"request,omitempty"`
	Response       string          `json:"response,omitempty"`
	ErrorMessage   string          `json:"errorMessage,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// GatewayConfig holds the payment gateway client settings.
type GatewayConfig struct {
	BaseURL    string        `json:"baseUrl"`
	Timeout    time.Duration `json:"timeout"`
	WebhookURL string        `json:"webhookUrl"`

	// Outbound submissions per second and burst.
	RateLimit float64 `json:"rateLimit"`
	RateBurst int     `json:"rateBurst"`
}
