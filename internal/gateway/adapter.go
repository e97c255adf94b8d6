package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/metrics"
	"github.com/shopspring/decimal"
)

// Recorder stores settlement attempts.
type Recorder interface {
	CreateGatewayPayment(ctx context.Context, p *domain.GatewayPayment) error
}

// SettleInput is one settlement attempt for a transaction.
type SettleInput struct {
	Transaction *domain.Transaction
	Method      domain.PaymentMethod
	Amount      decimal.Decimal
	Currency    string
	Attempt     int64
}

// Adapter builds settlement requests, sends them through a domain.Gateway
// and records every attempt.
type Adapter struct {
	gateway    domain.Gateway
	recorder   Recorder
	webhookURL string
	timeout    time.Duration
	now        func() time.Time
}

// NewAdapter creates an adapter. Calls to gw are bounded by cfg.Timeout.
func NewAdapter(gw domain.Gateway, recorder Recorder, cfg domain.GatewayConfig) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Adapter{
		gateway:    gw,
		recorder:   recorder,
		webhookURL: cfg.WebhookURL,
		timeout:    timeout,
		now:        time.Now,
	}
}

// Settle asks the gateway to move in.Amount. The attempt is recorded
// whatever the outcome. On anything but success the returned error is a
// *domain.GatewayError: ErrGatewayUnavailable when the gateway could not
// answer, ErrGatewayRejected when it answered failure or pending.
func (a *Adapter) Settle(ctx context.Context, in SettleInput) (*domain.GatewayPayment, error) {
	tx := in.Transaction
	now := a.now()
	payment := &domain.GatewayPayment{
		ID:             uuid.New().String(),
		TransactionID:  tx.ID,
		IdempotencyKey: IdempotencyKey(tx.ID, in.Attempt),
		Amount:         in.Amount,
		Currency:       in.Currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if in.Method != nil {
		payment.Method = in.Method.Kind()
	}

	req, err := BuildRequest(tx, in.Method, in.Amount, in.Currency, in.Attempt, a.webhookURL)
	if err != nil {
		payment.ExternalID = localID()
		payment.State = domain.GatewayFailure
		payment.ErrorMessage = err.Error()
		a.record(ctx, payment)
		return payment, &domain.GatewayError{
			Kind:       domain.ErrGatewayRejected,
			State:      domain.GatewayFailure,
			ExternalID: payment.ExternalID,
			Reason:     err.Error(),
		}
	}
	payment.Request = maskedRequest(req)

	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	resp, err := a.gateway.Submit(callCtx, req)
	cancel()

	if err != nil {
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) {
			gwErr = &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, State: domain.GatewayFailure, Reason: err.Error()}
		}
		gwErr.ExternalID = localID()
		payment.ExternalID = gwErr.ExternalID
		payment.State = domain.GatewayFailure
		payment.ErrorMessage = gwErr.Reason
		a.record(ctx, payment)

		slog.Warn("gateway settlement failed",
			"tx_id", tx.ID,
			"method", payment.Method,
			"error", gwErr.Reason,
		)
		return payment, gwErr
	}

	payment.ExternalID = resp.ExternalID
	if payment.ExternalID == "" {
		payment.ExternalID = localID()
	}
	payment.State = resp.State
	payment.Response = string(resp.Raw)
	payment.ErrorMessage = resp.Reason
	a.record(ctx, payment)

	slog.Info("gateway settlement answered",
		"tx_id", tx.ID,
		"external_id", payment.ExternalID,
		"method", payment.Method,
		"state", resp.State,
	)

	if resp.State == domain.GatewaySuccess {
		return payment, nil
	}
	reason := resp.Reason
	if reason == "" {
		reason = "payment " + string(resp.State)
	}
	return payment, &domain.GatewayError{
		Kind:       domain.ErrGatewayRejected,
		State:      resp.State,
		ExternalID: payment.ExternalID,
		Reason:     reason,
	}
}

// Poll fetches the state of a payment from the gateway.
func (a *Adapter) Poll(ctx context.Context, externalID string) (*domain.GatewayResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.gateway.Status(ctx, externalID)
}

func (a *Adapter) record(ctx context.Context, p *domain.GatewayPayment) {
	metrics.GatewayAttempts.WithLabelValues(string(p.Method), string(p.State)).Inc()

	// recorded even when the caller has given up
	ctx = context.WithoutCancel(ctx)
	if err := a.recorder.CreateGatewayPayment(ctx, p); err != nil {
		slog.Error("failed to record gateway attempt",
			"tx_id", p.TransactionID,
			"external_id", p.ExternalID,
			"state", p.State,
			"error", err,
		)
	}
}

const localPrefix = "local-"

func localID() string {
	return localPrefix + uuid.New().String()
}

// IsLocalID reports whether id was assigned here because the gateway never
// returned a payment id for the attempt.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, localPrefix)
}

// maskedRequest serializes req for the audit trail without the full card number.
func maskedRequest(req *domain.GatewayRequest) string {
	c := *req
	if n := len(c.CardNumber); n > 4 {
		c.CardNumber = strings.Repeat("*", n-4) + c.CardNumber[n-4:]
	}
	b, err := json.Marshal(c)
	if err != nil {
		return ""
	}
	return string(b)
}
