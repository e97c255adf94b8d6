// Package limits enforces per-operation and cumulative spending limits.
package limits

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/metrics"
	"github.com/shopspring/decimal"
)

// Limit names reported in domain.LimitError.
const (
	PerOperationLocal   = "per_operation_local"
	PerOperationForeign = "per_operation_foreign"
	MonthlyForeign      = "monthly_foreign"
	DailySegment        = "daily_segment"
	MonthlySegment      = "monthly_segment"
)

// Check describes an operation about to be created.
type Check struct {
	ClientID       string
	Currency       string
	OperatedAmount decimal.Decimal
	LocalAmount    decimal.Decimal
	At             time.Time
}

// Usage is the cumulative volume of a client in one currency together with
// the limits that apply to it. Zero limits are not configured.
type Usage struct {
	ClientID string         `json:"clientId"`
	Currency string         `json:"currency"`
	Segment  domain.Segment `json:"segment"`

	DailyLocal     decimal.Decimal `json:"dailyLocal"`
	MonthlyLocal   decimal.Decimal `json:"monthlyLocal"`
	MonthlyForeign decimal.Decimal `json:"monthlyForeign"`

	MaxPerOperationLocal   decimal.Decimal `json:"maxPerOperationLocal"`
	MaxPerOperationForeign decimal.Decimal `json:"maxPerOperationForeign"`
	MonthlyForeignLimit    decimal.Decimal `json:"monthlyForeignLimit"`
	DailySegmentLimit      decimal.Decimal `json:"dailySegmentLimit"`
	MonthlySegmentLimit    decimal.Decimal `json:"monthlySegmentLimit"`
}

// Validator checks operations against client, currency and segment limits.
// Day and month boundaries are taken in loc.
type Validator struct {
	loc *time.Location
}

// NewValidator creates a validator using loc for calendar boundaries. A nil
// location means UTC.
func NewValidator(loc *time.Location) *Validator {
	if loc == nil {
		loc = time.UTC
	}
	return &Validator{loc: loc}
}

// Validate locks the client and checks every limit in order. It must run
// inside the unit of work that creates the transaction so the totals it
// reads cannot change before the insert.
func (v *Validator) Validate(ctx context.Context, store domain.Store, c Check) error {
	client, err := store.LockClient(ctx, c.ClientID)
	if err != nil {
		return fmt.Errorf("failed to lock client: %w", err)
	}

	usage, err := v.usage(ctx, store, client, c.Currency, c.At)
	if err != nil {
		return err
	}

	check := func(name string, bound, current, requested decimal.Decimal) error {
		if bound.IsZero() || current.Add(requested).LessThanOrEqual(bound) {
			return nil
		}
		metrics.LimitRejections.WithLabelValues(name).Inc()
		slog.Info("limit exceeded",
			"client_id", c.ClientID,
			"currency", c.Currency,
			"limit", name,
			"bound", bound.String(),
			"current", current.String(),
			"requested", requested.String(),
		)
		return &domain.LimitError{Limit: name, Bound: bound, Current: current, Requested: requested}
	}

	if err := check(PerOperationLocal, usage.MaxPerOperationLocal, decimal.Zero, c.LocalAmount); err != nil {
		return err
	}
	if err := check(PerOperationForeign, usage.MaxPerOperationForeign, decimal.Zero, c.OperatedAmount); err != nil {
		return err
	}
	if err := check(MonthlyForeign, usage.MonthlyForeignLimit, usage.MonthlyForeign, c.OperatedAmount); err != nil {
		return err
	}
	if err := check(DailySegment, usage.DailySegmentLimit, usage.DailyLocal, c.LocalAmount); err != nil {
		return err
	}
	return check(MonthlySegment, usage.MonthlySegmentLimit, usage.MonthlyLocal, c.LocalAmount)
}

// Totals reports the current usage of a client in a currency.
func (v *Validator) Totals(ctx context.Context, store domain.Store, clientID, currency string, at time.Time) (*Usage, error) {
	client, err := store.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}
	return v.usage(ctx, store, client, currency, at)
}

func (v *Validator) usage(ctx context.Context, store domain.Store, client *domain.Client, currency string, at time.Time) (*Usage, error) {
	u := &Usage{ClientID: client.ID, Currency: currency, Segment: client.Segment}

	seg, err := store.GetSegmentLimit(ctx, client.Segment)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: no limits configured for segment %s", domain.ErrConfigurationMissing, client.Segment)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get segment limit: %w", err)
	}
	u.DailySegmentLimit = seg.DailyLimit
	u.MonthlySegmentLimit = seg.MonthlyLimit

	cl, err := store.GetClientLimit(ctx, client.ID)
	switch {
	case err == nil:
		u.MaxPerOperationLocal = cl.MaxPerOperation
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to get client limit: %w", err)
	}

	curl, err := store.GetCurrencyLimit(ctx, client.ID, currency)
	switch {
	case err == nil:
		u.MaxPerOperationForeign = curl.MaxPerOperation
		u.MonthlyForeignLimit = curl.MonthlyLimit
	case !errors.Is(err, domain.ErrNotFound):
		return nil, fmt.Errorf("failed to get currency limit: %w", err)
	}

	dayStart, monthStart := v.bounds(at)
	amounts, err := store.ListOpenAmounts(ctx, client.ID, currency, monthStart)
	if err != nil {
		return nil, fmt.Errorf("failed to list open amounts: %w", err)
	}
	for _, a := range amounts {
		u.MonthlyLocal = u.MonthlyLocal.Add(a.LocalAmount)
		u.MonthlyForeign = u.MonthlyForeign.Add(a.OperatedAmount)
		if !a.CreatedAt.Before(dayStart) {
			u.DailyLocal = u.DailyLocal.Add(a.LocalAmount)
		}
	}
	return u, nil
}

// bounds returns local midnight and the first of the month for at.
func (v *Validator) bounds(at time.Time) (day, month time.Time) {
	local := at.In(v.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, v.loc), time.Date(y, m, 1, 0, 0, 0, 0, v.loc)
}
