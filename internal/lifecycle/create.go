package lifecycle

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/limits"
	"github.com/opensource-finance/cambio/internal/policy"
	"github.com/opensource-finance/cambio/internal/pricing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

const (
	codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	codeLength   = 6
	codeTries    = 10
)

// CreateInput describes a new operation. MethodID points at a stored method
// of the client. Kinds without a stored record, such as cash, are given in
// MethodKind alone.
type CreateInput struct {
	ClientID   string            `json:"clientId"`
	Currency   string            `json:"currency"`
	Direction  domain.Direction  `json:"direction"`
	Amount     decimal.Decimal   `json:"amount"`
	MethodID   string            `json:"methodId"`
	MethodKind domain.MethodKind `json:"methodKind"`
	TerminalID string            `json:"terminalId"`
}

// Create prices, validates and stores a pending transaction. When a terminal
// is given the cash the house hands over is reserved there. Limits, the
// insert and the reservation commit together or not at all.
func (m *Manager) Create(ctx context.Context, in CreateInput) (d *Details, err error) {
	ctx, span := m.start(ctx, "create",
		attribute.String("client_id", in.ClientID),
		attribute.String("currency", in.Currency),
		attribute.String("direction", string(in.Direction)),
	)
	defer func() { m.finish(span, "create", err) }()

	if !in.Direction.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidInput, in.Direction)
	}
	if in.Currency == m.opts.LocalCurrency {
		return nil, fmt.Errorf("%w: cannot exchange %s against itself", domain.ErrInvalidInput, in.Currency)
	}

	client, err := m.repo.GetClient(ctx, in.ClientID)
	if err != nil {
		return nil, notFound(err, "client", in.ClientID)
	}
	ref, err := m.resolveMethod(ctx, in)
	if err != nil {
		return nil, err
	}

	now := m.now()
	quote, err := m.calc.Quote(ctx, pricing.QuoteInput{
		Segment:    client.Segment,
		Direction:  in.Direction,
		Currency:   in.Currency,
		Amount:     in.Amount,
		MethodKind: ref.Kind,
		At:         now,
	})
	if err != nil {
		return nil, err
	}

	if m.policy != nil {
		if err := m.policy.Check(ctx, policy.Input{
			Direction:      in.Direction,
			Currency:       in.Currency,
			Segment:        client.Segment,
			Method:         ref.Kind,
			ClientID:       client.ID,
			TerminalID:     in.TerminalID,
			OperatedAmount: quote.OperatedAmount,
			LocalAmount:    quote.LocalAmount,
			AppliedRate:    quote.AppliedRate,
			At:             now,
		}); err != nil {
			return nil, err
		}
	}

	tx := &domain.Transaction{
		ID:                  uuid.New().String(),
		ClientID:            client.ID,
		Currency:            quote.Currency,
		Direction:           in.Direction,
		OperatedAmount:      quote.OperatedAmount,
		LocalAmount:         quote.LocalAmount,
		AppliedRate:         quote.AppliedRate,
		Commission:          quote.Commission,
		DiscountPct:         quote.DiscountPct,
		MethodCommission:    quote.MethodCommission,
		MethodCommissionPct: quote.MethodCommissionPct,
		State:               domain.StatePending,
		TerminalID:          in.TerminalID,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if in.Direction == domain.DirectionBuy {
		tx.PaymentMethod = ref
	} else {
		tx.CollectionMethod = ref
	}
	if m.opts.Expiration > 0 {
		deadline := now.Add(m.opts.Expiration)
		tx.ExpiresAt = &deadline
	}

	d = &Details{Transaction: tx}
	err = m.repo.InTx(ctx, func(s domain.Store) error {
		if err := m.limits.Validate(ctx, s, limits.Check{
			ClientID:       client.ID,
			Currency:       tx.Currency,
			OperatedAmount: tx.OperatedAmount,
			LocalAmount:    tx.LocalAmount,
			At:             now,
		}); err != nil {
			return err
		}

		code, err := uniqueCode(ctx, s)
		if err != nil {
			return err
		}
		tx.VerificationCode = code

		if err := s.CreateTransaction(ctx, tx); err != nil {
			return fmt.Errorf("failed to create transaction: %w", err)
		}

		if tx.TerminalID == "" {
			return nil
		}
		currency, amount, ok := m.handover(tx)
		if !ok {
			return nil
		}
		d.Reservations, err = m.reservations.Reserve(ctx, s, tx.ID, tx.TerminalID, currency, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	slog.Info("transaction created",
		"tx_id", tx.ID,
		"client_id", tx.ClientID,
		"direction", tx.Direction,
		"currency", tx.Currency,
		"operated_amount", tx.OperatedAmount,
		"local_amount", tx.LocalAmount,
		"reservations", len(d.Reservations),
	)
	return d, nil
}

// handover returns the cash the house must hand over at the terminal: the
// foreign amount on a BUY, the local amount on a SELL paid out in cash.
func (m *Manager) handover(tx *domain.Transaction) (string, decimal.Decimal, bool) {
	if tx.Direction == domain.DirectionBuy {
		return tx.Currency, tx.OperatedAmount, true
	}
	if ref := tx.CollectionMethod; ref != nil && ref.Kind == domain.MethodCash {
		return m.opts.LocalCurrency, tx.LocalAmount, true
	}
	return "", decimal.Zero, false
}

// resolveMethod checks the method against the client and returns the
// reference stored on the transaction.
func (m *Manager) resolveMethod(ctx context.Context, in CreateInput) (*domain.MethodRef, error) {
	if in.MethodID == "" {
		switch in.MethodKind {
		case domain.MethodCash:
			return &domain.MethodRef{Kind: domain.MethodCash}, nil
		case "":
			return nil, fmt.Errorf("%w: a payment or collection method is required", domain.ErrInvalidInput)
		default:
			return nil, fmt.Errorf("%w: method kind %s needs a stored method", domain.ErrInvalidInput, in.MethodKind)
		}
	}

	stored, err := m.repo.GetStoredMethod(ctx, in.MethodID)
	if err != nil {
		return nil, notFound(err, "method", in.MethodID)
	}
	if stored.ClientID != in.ClientID {
		return nil, fmt.Errorf("%w: method %s does not belong to client %s", domain.ErrInvalidInput, in.MethodID, in.ClientID)
	}
	kind := stored.Method.Kind()
	if in.MethodKind != "" && in.MethodKind != kind {
		return nil, fmt.Errorf("%w: method %s is %s, not %s", domain.ErrInvalidInput, in.MethodID, kind, in.MethodKind)
	}
	return &domain.MethodRef{Kind: kind, ID: stored.ID}, nil
}

// uniqueCode draws verification codes until one is free.
func uniqueCode(ctx context.Context, s domain.Store) (string, error) {
	for range codeTries {
		code, err := verificationCode()
		if err != nil {
			return "", err
		}
		taken, err := s.VerificationCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check verification code: %w", err)
		}
		if !taken {
			return code, nil
		}
	}
	return "", errors.New("failed to generate a unique verification code")
}

func verificationCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(buf), nil
}
