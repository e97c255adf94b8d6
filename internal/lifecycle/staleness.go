package lifecycle

import (
	"context"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/pricing"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel/attribute"
)

var hundred = decimal.NewFromInt(100)

// Staleness compares a transaction's quote with one computed from current
// reference data.
type Staleness struct {
	TransactionID       string          `json:"transactionId"`
	OriginalLocalAmount decimal.Decimal `json:"originalLocalAmount"`
	CurrentLocalAmount  decimal.Decimal `json:"currentLocalAmount"`
	OriginalRate        decimal.Decimal `json:"originalRate"`
	CurrentRate         decimal.Decimal `json:"currentRate"`
	Difference          decimal.Decimal `json:"difference"`
	DifferencePct       decimal.Decimal `json:"differencePct"`
	TolerancePct        decimal.Decimal `json:"tolerancePct"`
	Tolerance           decimal.Decimal `json:"tolerance"`
	Stale               bool            `json:"stale"`
}

// Staleness reprices a transaction with the current rate and reports how far
// the original quote has drifted. The quote is stale when the difference
// exceeds one smallest local denomination, or the configured percentage of
// the original amount when that is larger. It changes nothing.
func (m *Manager) Staleness(ctx context.Context, txID string) (st *Staleness, err error) {
	ctx, span := m.start(ctx, "staleness", attribute.String("tx_id", txID))
	defer func() { m.finish(span, "staleness", err) }()

	tx, err := m.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, notFound(err, "transaction", txID)
	}
	client, err := m.repo.GetClient(ctx, tx.ClientID)
	if err != nil {
		return nil, notFound(err, "client", tx.ClientID)
	}

	var kind domain.MethodKind
	if ref := tx.Method(); ref != nil {
		kind = ref.Kind
	}
	current, err := m.calc.Quote(ctx, pricing.QuoteInput{
		Segment:    client.Segment,
		Direction:  tx.Direction,
		Currency:   tx.Currency,
		Amount:     tx.OperatedAmount,
		MethodKind: kind,
		At:         m.now(),
	})
	if err != nil {
		return nil, err
	}

	tolerance, err := m.calc.MinLocalFace(ctx)
	if err != nil {
		return nil, err
	}
	if byPct := tx.LocalAmount.Mul(m.opts.StaleTolerancePct).Div(hundred); byPct.GreaterThan(tolerance) {
		tolerance = byPct
	}

	diff := current.LocalAmount.Sub(tx.LocalAmount).Abs()
	pct := decimal.Zero
	if !tx.LocalAmount.IsZero() {
		pct = diff.Mul(hundred).Div(tx.LocalAmount).Round(4)
	}

	return &Staleness{
		TransactionID:       tx.ID,
		OriginalLocalAmount: tx.LocalAmount,
		CurrentLocalAmount:  current.LocalAmount,
		OriginalRate:        tx.AppliedRate,
		CurrentRate:         current.AppliedRate,
		Difference:          diff,
		DifferencePct:       pct,
		TolerancePct:        m.opts.StaleTolerancePct,
		Tolerance:           tolerance,
		Stale:               diff.GreaterThan(tolerance),
	}, nil
}
