package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/gateway"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

// Confirm settles a pending transaction and marks it paid. Bank transfers
// and wallets are settled through the payment gateway first. A gateway
// answer other than success leaves the transaction pending.
func (m *Manager) Confirm(ctx context.Context, txID string) (tx *domain.Transaction, err error) {
	ctx, span := m.start(ctx, "confirm", attribute.String("tx_id", txID))
	defer func() { m.finish(span, "confirm", err) }()

	tx, err = m.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, notFound(err, "transaction", txID)
	}
	if tx.State != domain.StatePending {
		return nil, &domain.TransitionError{TransactionID: txID, From: tx.State, Operation: "confirm"}
	}

	ref := tx.Method()
	if ref != nil && ref.Kind.RequiresGateway() {
		if err := m.settleThroughGateway(ctx, tx); err != nil {
			return nil, err
		}
	}

	var settled *domain.Transaction
	err = m.repo.InTx(ctx, func(s domain.Store) error {
		locked, err := s.LockTransaction(ctx, txID)
		if err != nil {
			return notFound(err, "transaction", txID)
		}
		if locked.State != domain.StatePending {
			return &domain.TransitionError{TransactionID: txID, From: locked.State, Operation: "confirm"}
		}
		settled = locked
		return m.settle(ctx, s, locked)
	})
	if err != nil {
		return nil, err
	}
	return settled, nil
}

func (m *Manager) settleThroughGateway(ctx context.Context, tx *domain.Transaction) error {
	if m.gateway == nil {
		return &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, State: domain.GatewayFailure, Reason: "no payment gateway configured"}
	}
	if err := m.throttle(ctx, tx.ID); err != nil {
		return err
	}

	ref := tx.Method()
	stored, err := m.repo.GetStoredMethod(ctx, ref.ID)
	if err != nil {
		return notFound(err, "method", ref.ID)
	}
	previous, err := m.repo.ListGatewayPayments(ctx, tx.ID)
	if err != nil {
		return fmt.Errorf("failed to list gateway payments: %w", err)
	}

	payment, err := m.gateway.Settle(ctx, gateway.SettleInput{
		Transaction: tx,
		Method:      stored.Method,
		Amount:      tx.LocalAmount,
		Currency:    m.opts.LocalCurrency,
		Attempt:     int64(len(previous)) + 1,
	})
	if err == nil {
		return nil
	}

	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.State == domain.GatewayPending {
		m.requestSettlement(ctx, tx.ID, payment.ExternalID)
	}
	return err
}

// throttle counts gateway attempts per transaction in the cache.
func (m *Manager) throttle(ctx context.Context, txID string) error {
	if m.cache == nil || m.opts.MaxConfirmAttempts <= 0 {
		return nil
	}
	n, err := m.cache.IncrementCounter(ctx, attemptsNamespace, txID, m.opts.ConfirmAttemptWindow)
	if err != nil {
		slog.Warn("attempt counter unavailable", "tx_id", txID, "error", err)
		return nil
	}
	if n > int64(m.opts.MaxConfirmAttempts) {
		return fmt.Errorf("%w: %d settlement attempts for transaction %s within %s",
			domain.ErrTooManyAttempts, n-1, txID, m.opts.ConfirmAttemptWindow)
	}
	return nil
}

// requestSettlement enqueues a follow-up of a payment the gateway left pending.
func (m *Manager) requestSettlement(ctx context.Context, txID, externalID string) {
	payload, _ := json.Marshal(domain.SettlementRequested{TransactionID: txID, ExternalID: externalID})
	now := m.now()
	event := &domain.OutboxEvent{
		ID:            uuid.New().String(),
		Topic:         domain.TopicSettlementRequested,
		AggregateID:   txID,
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}
	if err := m.repo.EnqueueEvent(context.WithoutCancel(ctx), event); err != nil {
		slog.Error("failed to enqueue settlement request",
			"tx_id", txID,
			"external_id", externalID,
			"error", err,
		)
	}
}

// settle marks a locked pending transaction paid, appends its ledger entry
// and enqueues the invoice request, all through s.
func (m *Manager) settle(ctx context.Context, s domain.Store, tx *domain.Transaction) error {
	now := m.now()
	tx.State = domain.StatePaid
	tx.Profit = decimal.NewNullDecimal(tx.OperatedAmount.Mul(tx.Commission))
	tx.SettledAt = &now
	tx.UpdatedAt = now
	if err := s.UpdateTransaction(ctx, tx); err != nil {
		return fmt.Errorf("failed to update transaction: %w", err)
	}

	entry := &domain.LedgerEntry{
		ID:            uuid.New().String(),
		TransactionID: tx.ID,
		ClientID:      tx.ClientID,
		Type:          domain.EntryTypeFor(tx.Direction),
		Amount:        tx.LocalAmount,
		CreatedAt:     now,
	}
	if err := s.CreateLedgerEntry(ctx, entry); err != nil {
		return fmt.Errorf("failed to write ledger entry: %w", err)
	}

	client, err := s.GetClient(ctx, tx.ClientID)
	if err != nil {
		return notFound(err, "client", tx.ClientID)
	}
	payload, err := json.Marshal(domain.InvoiceRequested{
		TransactionID:    tx.ID,
		VerificationCode: tx.VerificationCode,
		Direction:        tx.Direction,
		Currency:         tx.Currency,
		OperatedAmount:   tx.OperatedAmount.String(),
		LocalAmount:      tx.LocalAmount.String(),
		AppliedRate:      tx.AppliedRate.String(),
		Commission:       tx.Commission.String(),
		ClientID:         client.ID,
		ClientName:       client.Name,
		ClientTaxID:      client.TaxID,
		ClientEmail:      client.Email,
		SettledAt:        now,
	})
	if err != nil {
		return fmt.Errorf("failed to encode invoice request: %w", err)
	}
	if err := s.EnqueueEvent(ctx, &domain.OutboxEvent{
		ID:            uuid.New().String(),
		Topic:         domain.TopicInvoiceRequested,
		AggregateID:   tx.ID,
		Payload:       payload,
		CreatedAt:     now,
		NextAttemptAt: now,
	}); err != nil {
		return fmt.Errorf("failed to enqueue invoice request: %w", err)
	}

	slog.Info("transaction settled",
		"tx_id", tx.ID,
		"direction", tx.Direction,
		"local_amount", tx.LocalAmount,
	)
	return nil
}

// NotificationResult is the effect of a gateway notification.
type NotificationResult struct {
	Transaction *domain.Transaction   `json:"transaction"`
	Payment     *domain.GatewayPayment `json:"payment"`

	// Settled is true when this notification moved the transaction to paid.
	Settled bool `json:"settled"`
}

// HandleNotification applies a gateway answer delivered asynchronously. It
// is idempotent: a repeated success for a paid or completed transaction
// changes nothing and writes no second ledger entry.
func (m *Manager) HandleNotification(ctx context.Context, resp domain.GatewayResponse) (res *NotificationResult, err error) {
	ctx, span := m.start(ctx, "notification", attribute.String("external_id", resp.ExternalID))
	defer func() { m.finish(span, "notification", err) }()

	switch resp.State {
	case domain.GatewaySuccess, domain.GatewayFailure, domain.GatewayPending:
	default:
		return nil, fmt.Errorf("%w: unknown gateway state %q", domain.ErrInvalidInput, resp.State)
	}

	payment, adopted, err := m.findPayment(ctx, resp)
	if err != nil {
		return nil, err
	}
	if adopted || payment.State != resp.State {
		payment.State = resp.State
		payment.ErrorMessage = resp.Reason
		if len(resp.Raw) > 0 {
			payment.Response = string(resp.Raw)
		}
		payment.UpdatedAt = m.now()
		if err := m.repo.UpdateGatewayPayment(ctx, payment); err != nil {
			return nil, fmt.Errorf("failed to update gateway payment: %w", err)
		}
	}

	res = &NotificationResult{Payment: payment}
	err = m.repo.InTx(ctx, func(s domain.Store) error {
		tx, err := s.LockTransaction(ctx, payment.TransactionID)
		if err != nil {
			return notFound(err, "transaction", payment.TransactionID)
		}
		res.Transaction = tx
		if resp.State != domain.GatewaySuccess {
			return nil
		}

		switch tx.State {
		case domain.StatePending:
			res.Settled = true
			return m.settle(ctx, s, tx)
		case domain.StatePaid, domain.StateCompleted:
			return nil
		default:
			slog.Warn("gateway settled a closed transaction",
				"tx_id", tx.ID,
				"external_id", payment.ExternalID,
				"state", tx.State,
			)
			return &domain.TransitionError{TransactionID: tx.ID, From: tx.State, Operation: "settle"}
		}
	})
	if err != nil {
		return nil, err
	}

	slog.Info("gateway notification applied",
		"tx_id", payment.TransactionID,
		"external_id", payment.ExternalID,
		"state", resp.State,
		"settled", res.Settled,
	)
	return res, nil
}

// findPayment looks up the attempt a notification answers. An attempt whose
// submission timed out only has a local id, so it is matched by idempotency
// key and adopts the gateway's payment id. adopted reports that case.
func (m *Manager) findPayment(ctx context.Context, resp domain.GatewayResponse) (*domain.GatewayPayment, bool, error) {
	payment, err := m.repo.GetGatewayPaymentByExternalID(ctx, resp.ExternalID)
	if err == nil {
		return payment, false, nil
	}
	if !errors.Is(err, domain.ErrNotFound) || resp.IdempotencyKey == "" {
		return nil, false, notFound(err, "gateway payment", resp.ExternalID)
	}

	payment, err = m.repo.GetGatewayPaymentByIdempotencyKey(ctx, resp.IdempotencyKey)
	if err != nil {
		return nil, false, notFound(err, "gateway payment", resp.ExternalID)
	}
	if !gateway.IsLocalID(payment.ExternalID) {
		// the attempt already carries another gateway id
		return nil, false, fmt.Errorf("%w: gateway payment %s for key %s is recorded as %s",
			domain.ErrInvalidInput, resp.ExternalID, resp.IdempotencyKey, payment.ExternalID)
	}

	slog.Info("gateway payment id adopted",
		"tx_id", payment.TransactionID,
		"local_id", payment.ExternalID,
		"external_id", resp.ExternalID,
	)
	payment.ExternalID = resp.ExternalID
	return payment, true, nil
}

// Reconcile asks the gateway for the current state of a payment and applies
// it like a notification.
func (m *Manager) Reconcile(ctx context.Context, externalID string) (*NotificationResult, error) {
	if m.gateway == nil {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, State: domain.GatewayFailure, ExternalID: externalID, Reason: "no payment gateway configured"}
	}
	resp, err := m.gateway.Poll(ctx, externalID)
	if err != nil {
		return nil, err
	}
	if resp.ExternalID == "" {
		resp.ExternalID = externalID
	}
	return m.HandleNotification(ctx, *resp)
}
