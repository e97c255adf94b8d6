// Package pricing computes applied rates, commissions and local amounts.
package pricing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/cambio/internal/denomination"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// RateDecimals is the number of fractional digits kept on applied rates.
const RateDecimals = 4

// QuoteInput describes the operation being priced.
type QuoteInput struct {
	Segment    domain.Segment
	Direction  domain.Direction
	Currency   string
	Amount     decimal.Decimal
	MethodKind domain.MethodKind
	At         time.Time
}

// Quote is the priced operation.
type Quote struct {
	Currency            string            `json:"currency"`
	Direction           domain.Direction  `json:"direction"`
	OperatedAmount      decimal.Decimal   `json:"operatedAmount"`
	BasePrice           decimal.Decimal   `json:"basePrice"`
	AppliedRate         decimal.Decimal   `json:"appliedRate"`
	Commission          decimal.Decimal   `json:"commission"`
	NetCommission       decimal.Decimal   `json:"netCommission"`
	DiscountPct         decimal.Decimal   `json:"discountPct"`
	MethodKind          domain.MethodKind `json:"methodKind"`
	MethodCommission    decimal.Decimal   `json:"methodCommission"`
	MethodCommissionPct decimal.Decimal   `json:"methodCommissionPct"`
	UnroundedAmount     decimal.Decimal   `json:"unroundedAmount"`
	LocalAmount         decimal.Decimal   `json:"localAmount"`
}

// Calculator prices exchange operations from reference data.
type Calculator struct {
	catalog       domain.Catalog
	localCurrency string
}

// NewCalculator creates a calculator reading from catalog.
func NewCalculator(catalog domain.Catalog, localCurrency string) *Calculator {
	return &Calculator{
		catalog:       catalog,
		localCurrency: localCurrency,
	}
}

// Quote computes the applied rate, commissions and deliverable local amount.
// It has no side effects.
func (c *Calculator) Quote(ctx context.Context, in QuoteInput) (*Quote, error) {
	if !in.Amount.IsPositive() {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidInput)
	}
	if !in.Direction.Valid() {
		return nil, fmt.Errorf("%w: unknown direction %q", domain.ErrInvalidInput, in.Direction)
	}
	if in.At.IsZero() {
		in.At = time.Now().UTC()
	}

	currency, err := c.catalog.GetCurrency(ctx, in.Currency)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: no pricing for currency %s", domain.ErrConfigurationMissing, in.Currency)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load currency: %w", err)
	}

	discountPct := decimal.Zero
	discount, err := c.catalog.GetSegmentDiscount(ctx, in.Segment, in.At)
	switch {
	case err == nil:
		discountPct = discount.Percentage
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to load segment discount: %w", err)
	}

	// The house buys foreign currency when the client sells.
	commission := currency.SellCommission
	if in.Direction == domain.DirectionSell {
		commission = currency.BuyCommission
	}
	net := commission.Sub(commission.Mul(discountPct).Div(hundred))

	rate := currency.BasePrice.Add(net)
	if in.Direction == domain.DirectionSell {
		rate = currency.BasePrice.Sub(net)
	}
	rate = rate.Round(RateDecimals)

	local := in.Amount.Mul(rate)

	methodPct := decimal.Zero
	methodCommission := decimal.Zero
	if in.MethodKind != "" {
		mc, err := c.catalog.GetMethodCommission(ctx, in.MethodKind)
		switch {
		case err == nil:
			methodPct = mc.Percentage
			methodCommission = local.Mul(methodPct).Div(hundred)
		case !errors.Is(err, domain.ErrNotFound):
			return nil, fmt.Errorf("failed to load method commission: %w", err)
		}
	}
	if in.Direction == domain.DirectionBuy {
		local = local.Add(methodCommission)
	} else {
		local = local.Sub(methodCommission)
	}

	rounded, err := c.RoundLocal(ctx, local)
	if err != nil {
		return nil, err
	}

	return &Quote{
		Currency:            currency.Code,
		Direction:           in.Direction,
		OperatedAmount:      in.Amount,
		BasePrice:           currency.BasePrice,
		AppliedRate:         rate,
		Commission:          commission,
		NetCommission:       net,
		DiscountPct:         discountPct,
		MethodKind:          in.MethodKind,
		MethodCommission:    methodCommission,
		MethodCommissionPct: methodPct,
		UnroundedAmount:     local,
		LocalAmount:         rounded,
	}, nil
}

// RoundLocal rounds a local-currency amount to a deliverable denomination sum.
func (c *Calculator) RoundLocal(ctx context.Context, amount decimal.Decimal) (decimal.Decimal, error) {
	denoms, err := c.catalog.ListDenominations(ctx, c.localCurrency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load denominations: %w", err)
	}

	faces := make([]decimal.Decimal, len(denoms))
	for i, d := range denoms {
		faces[i] = d.FaceValue
	}

	rounded, err := denomination.Round(amount, faces)
	if errors.Is(err, denomination.ErrNoDenominations) {
		return decimal.Zero, fmt.Errorf("%w: no denominations for %s", domain.ErrConfigurationMissing, c.localCurrency)
	}
	return rounded, err
}

// MinLocalFace returns the smallest local denomination, the granularity of
// every rounded local amount.
func (c *Calculator) MinLocalFace(ctx context.Context) (decimal.Decimal, error) {
	denoms, err := c.catalog.ListDenominations(ctx, c.localCurrency)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to load denominations: %w", err)
	}
	var least decimal.Decimal
	for _, d := range denoms {
		if d.FaceValue.IsPositive() && (least.IsZero() || d.FaceValue.LessThan(least)) {
			least = d.FaceValue
		}
	}
	if least.IsZero() {
		return decimal.Zero, fmt.Errorf("%w: no denominations for %s", domain.ErrConfigurationMissing, c.localCurrency)
	}
	return least, nil
}

// LocalCurrency returns the currency local amounts are expressed in.
func (c *Calculator) LocalCurrency() string {
	return c.localCurrency
}
