// Package repotest opens throwaway SQLite repositories loaded with a small
// reference data set for tests of the packages built on the repository.
package repotest

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/repository"
	"github.com/shopspring/decimal"
)

// Identifiers present in Fixture.
const (
	Terminal     = "T1"
	RetailClient = "c-retail"
	VIPClient    = "c-vip"
	WalletMethod = "m-wallet"
	BankMethod   = "m-bank"
	CardMethod   = "m-card"
	ForeignBank  = "m-bank-vip"
)

// PYGFaces are the local denominations of Fixture, largest first.
var PYGFaces = []string{"100000", "50000", "20000", "10000", "5000", "2000", "1000", "500", "100", "50"}

// USDFaces are the USD denominations of Fixture, largest first.
var USDFaces = []string{"100", "50", "20", "10", "5", "2", "1"}

// Dec parses a decimal literal.
func Dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// DenominationID is the id Fixture gives a denomination.
func DenominationID(currency, face string) string { return currency + "-" + face }

// Fixture returns the reference data every test starts from:
//   - USD priced at 7300 with buy/sell commissions 50/200
//   - PYG and USD denominations, 10 units each at terminal T1
//   - a retail and a VIP client with wallet, bank and card methods
//   - segment limits for retail (5M daily, 50M monthly) and vip
func Fixture() *repository.SeedData {
	data := &repository.SeedData{
		Currencies: []domain.Currency{
			{Code: "USD", Name: "US Dollar", BasePrice: Dec("7300"), BuyCommission: Dec("50"), SellCommission: Dec("200")},
		},
		Clients: []domain.Client{
			{ID: RetailClient, Name: "Ana Benítez", Segment: domain.SegmentRetail, TaxID: "4567890-1", Email: "ana@example.com"},
			{ID: VIPClient, Name: "Importadora Sur S.A.", Segment: domain.SegmentVIP, TaxID: "80012345-6", Email: "pagos@sur.example.com"},
		},
		StoredMethods: []repository.SeedMethod{
			{ID: WalletMethod, ClientID: RetailClient, Kind: domain.MethodWallet, Details: raw(domain.Wallet{Provider: "tigo", Number: "0981123456"})},
			{ID: BankMethod, ClientID: RetailClient, Kind: domain.MethodBankTransfer, Details: raw(domain.BankTransfer{BankName: "Banco Continental", AccountNumber: "001-234567", AccountHolder: "Ana Benítez"})},
			{ID: CardMethod, ClientID: RetailClient, Kind: domain.MethodCard, Details: raw(domain.Card{Holder: "ANA BENITEZ", Number: "4111111111111111"})},
			{ID: ForeignBank, ClientID: VIPClient, Kind: domain.MethodBankTransfer, Details: raw(domain.BankTransfer{BankName: "Itaú", AccountNumber: "998877", AccountHolder: "Importadora Sur"})},
		},
		SegmentLimits: []domain.SegmentLimit{
			{Segment: domain.SegmentRetail, DailyLimit: Dec("5000000"), MonthlyLimit: Dec("50000000")},
			{Segment: domain.SegmentVIP, DailyLimit: Dec("500000000"), MonthlyLimit: Dec("5000000000")},
		},
	}

	for _, f := range PYGFaces {
		data.Denominations = append(data.Denominations, domain.Denomination{ID: DenominationID("PYG", f), Currency: "PYG", FaceValue: Dec(f), Kind: "bill"})
		data.Stock = append(data.Stock, repository.SeedStock{TerminalID: Terminal, DenominationID: DenominationID("PYG", f), Quantity: 10})
	}
	for _, f := range USDFaces {
		data.Denominations = append(data.Denominations, domain.Denomination{ID: DenominationID("USD", f), Currency: "USD", FaceValue: Dec(f), Kind: "bill"})
		data.Stock = append(data.Stock, repository.SeedStock{TerminalID: Terminal, DenominationID: DenominationID("USD", f), Quantity: 10})
	}
	return data
}

// Open creates a migrated SQLite repository in a temp directory and seeds it
// with data, or Fixture when data is nil. The repository is closed when the
// test ends.
func Open(t testing.TB, data *repository.SeedData) *repository.SQLRepository {
	t.Helper()

	path := filepath.Join(t.TempDir(), "cambio-test.db")
	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: path})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() {
		repo.Close()
		os.Remove(path)
	})

	if data == nil {
		data = Fixture()
	}
	if err := repo.Seed(context.Background(), data); err != nil {
		t.Fatalf("failed to seed repository: %v", err)
	}
	return repo
}

// NewTransaction builds a pending cash transaction in USD without storing it.
func NewTransaction(id, clientID string, dir domain.Direction, operated, local string) *domain.Transaction {
	now := time.Now().UTC()
	tx := &domain.Transaction{
		ID:                  id,
		VerificationCode:    code(),
		ClientID:            clientID,
		Currency:            "USD",
		Direction:           dir,
		OperatedAmount:      Dec(operated),
		LocalAmount:         Dec(local),
		AppliedRate:         Dec("7500"),
		Commission:          Dec("200"),
		DiscountPct:         decimal.Zero,
		MethodCommission:    decimal.Zero,
		MethodCommissionPct: decimal.Zero,
		State:               domain.StatePending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	ref := &domain.MethodRef{Kind: domain.MethodCash}
	if dir == domain.DirectionBuy {
		tx.PaymentMethod = ref
	} else {
		tx.CollectionMethod = ref
	}
	return tx
}

// PendingTransaction stores NewTransaction and returns it.
func PendingTransaction(t testing.TB, store domain.Store, id, clientID string, dir domain.Direction, operated, local string) *domain.Transaction {
	t.Helper()

	tx := NewTransaction(id, clientID, dir, operated, local)
	if err := store.CreateTransaction(context.Background(), tx); err != nil {
		t.Fatalf("failed to create transaction %s: %v", id, err)
	}
	return tx
}

func raw(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func code() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:6])
}
