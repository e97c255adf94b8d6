package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/opensource-finance/cambio/internal/domain"
)

// SeedData is the reference data a fresh installation needs before it can
// quote or operate.
type SeedData struct {
	Currencies        []domain.Currency         `json:"currencies"`
	Denominations     []domain.Denomination     `json:"denominations"`
	Clients           []domain.Client           `json:"clients"`
	StoredMethods     []SeedMethod              `json:"storedMethods"`
	SegmentDiscounts  []domain.SegmentDiscount  `json:"segmentDiscounts"`
	MethodCommissions []domain.MethodCommission `json:"methodCommissions"`
	ClientLimits      []domain.ClientLimit      `json:"clientLimits"`
	CurrencyLimits    []domain.CurrencyLimit    `json:"currencyLimits"`
	SegmentLimits     []domain.SegmentLimit     `json:"segmentLimits"`
	Stock             []SeedStock               `json:"stock"`
	Policies          []domain.PolicyRule       `json:"policies"`
}

// SeedMethod is a stored method with its variant fields inline.
type SeedMethod struct {
	ID       string            `json:"id"`
	ClientID string            `json:"clientId"`
	Kind     domain.MethodKind `json:"kind"`
	Details  json.RawMessage   `json:"details"`
}

// SeedStock is the starting quantity of one denomination at a terminal.
type SeedStock struct {
	TerminalID     string `json:"terminalId"`
	DenominationID string `json:"denominationId"`
	Quantity       int64  `json:"quantity"`
}

// LoadSeedFile reads seed data from a JSON file.
func LoadSeedFile(path string) (*SeedData, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	var data SeedData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse seed file: %w", err)
	}
	return &data, nil
}

// Seed upserts all reference data in one transaction.
func (r *SQLRepository) Seed(ctx context.Context, data *SeedData) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin seed: %w", err)
	}
	q := &queries{db: tx, driver: r.driver}

	if err := q.seed(ctx, data); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit seed: %w", err)
	}

	slog.Info("reference data seeded",
		"currencies", len(data.Currencies),
		"denominations", len(data.Denominations),
		"clients", len(data.Clients),
		"stock_rows", len(data.Stock),
		"policies", len(data.Policies),
	)
	return nil
}

func (q *queries) seed(ctx context.Context, data *SeedData) error {
	for i := range data.Currencies {
		if err := q.SaveCurrency(ctx, &data.Currencies[i]); err != nil {
			return fmt.Errorf("seed currency %s: %w", data.Currencies[i].Code, err)
		}
	}
	for i := range data.Denominations {
		if err := q.SaveDenomination(ctx, &data.Denominations[i]); err != nil {
			return fmt.Errorf("seed denomination %s: %w", data.Denominations[i].ID, err)
		}
	}
	for i := range data.Clients {
		if err := q.SaveClient(ctx, &data.Clients[i]); err != nil {
			return fmt.Errorf("seed client %s: %w", data.Clients[i].ID, err)
		}
	}
	for _, sm := range data.StoredMethods {
		details := sm.Details
		if len(details) == 0 {
			details = json.RawMessage("{}")
		}
		method, err := domain.DecodeMethod(sm.Kind, details)
		if err != nil {
			return fmt.Errorf("seed method %s: %w", sm.ID, err)
		}
		if err := q.SaveStoredMethod(ctx, &domain.StoredMethod{ID: sm.ID, ClientID: sm.ClientID, Method: method}); err != nil {
			return fmt.Errorf("seed method %s: %w", sm.ID, err)
		}
	}
	for i := range data.SegmentDiscounts {
		if err := q.SaveSegmentDiscount(ctx, &data.SegmentDiscounts[i]); err != nil {
			return fmt.Errorf("seed discount %s: %w", data.SegmentDiscounts[i].Segment, err)
		}
	}
	for i := range data.MethodCommissions {
		if err := q.SaveMethodCommission(ctx, &data.MethodCommissions[i]); err != nil {
			return fmt.Errorf("seed method commission %s: %w", data.MethodCommissions[i].Kind, err)
		}
	}
	for i := range data.ClientLimits {
		if err := q.SaveClientLimit(ctx, &data.ClientLimits[i]); err != nil {
			return fmt.Errorf("seed client limit %s: %w", data.ClientLimits[i].ClientID, err)
		}
	}
	for i := range data.CurrencyLimits {
		if err := q.SaveCurrencyLimit(ctx, &data.CurrencyLimits[i]); err != nil {
			return fmt.Errorf("seed currency limit %s/%s: %w", data.CurrencyLimits[i].ClientID, data.CurrencyLimits[i].Currency, err)
		}
	}
	for i := range data.SegmentLimits {
		if err := q.SaveSegmentLimit(ctx, &data.SegmentLimits[i]); err != nil {
			return fmt.Errorf("seed segment limit %s: %w", data.SegmentLimits[i].Segment, err)
		}
	}
	for _, s := range data.Stock {
		if err := q.SetStock(ctx, s.TerminalID, s.DenominationID, s.Quantity); err != nil {
			return fmt.Errorf("seed stock %s/%s: %w", s.TerminalID, s.DenominationID, err)
		}
	}
	for i := range data.Policies {
		if err := q.SavePolicyRule(ctx, &data.Policies[i]); err != nil {
			return fmt.Errorf("seed policy %s: %w", data.Policies[i].ID, err)
		}
	}
	return nil
}
