package gateway

import (
	"errors"
	"strings"
	"testing"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

func TestBuildRequest(t *testing.T) {
	tx := &domain.Transaction{ID: "tx-123"}
	amount := decimal.RequireFromString("750000")

	tests := []struct {
		name    string
		method  domain.PaymentMethod
		wantErr bool
		check   func(t *testing.T, req *domain.GatewayRequest)
	}{
		{
			name:   "Wallet",
			method: domain.Wallet{Provider: "tigo", Number: " 0981123456 "},
			check: func(t *testing.T, req *domain.GatewayRequest) {
				if req.WalletNumber != "0981123456" {
					t.Errorf("expected trimmed wallet number, got %q", req.WalletNumber)
				}
			},
		},
		{name: "WalletTooShort", method: domain.Wallet{Number: "12345"}, wantErr: true},
		{
			name:   "BankWithReference",
			method: domain.BankTransfer{AccountNumber: "001-234567", Reference: "REC-778899"},
			check: func(t *testing.T, req *domain.GatewayRequest) {
				if req.TransferReference != "REC-778899" {
					t.Errorf("expected client reference, got %q", req.TransferReference)
				}
			},
		},
		{
			name:   "BankSynthesizedReference",
			method: domain.BankTransfer{AccountNumber: "001-234567"},
			check: func(t *testing.T, req *domain.GatewayRequest) {
				if req.TransferReference != BankReference("001-234567", "tx-123") {
					t.Errorf("expected synthesized reference, got %q", req.TransferReference)
				}
			},
		},
		{name: "BankShortReference", method: domain.BankTransfer{AccountNumber: "1", Reference: "R1"}, wantErr: true},
		{
			name:   "CardWithSpaces",
			method: domain.Card{Number: "4111 1111 1111 1111"},
			check: func(t *testing.T, req *domain.GatewayRequest) {
				if req.CardNumber != "4111111111111111" {
					t.Errorf("expected normalized card number, got %q", req.CardNumber)
				}
			},
		},
		{name: "CardTooShort", method: domain.Card{Number: "411111111111"}, wantErr: true},
		{name: "CardTooLong", method: domain.Card{Number: "41111111111111111111"}, wantErr: true},
		{name: "CardLetters", method: domain.Card{Number: "4111x11111111111"}, wantErr: true},
		{name: "Cash", method: domain.Cash{}, wantErr: true},
		{name: "NoMethod", method: nil, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := BuildRequest(tx, tt.method, amount, "PYG", 2, "http://cambio/gateway/notifications")
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidInput) {
					t.Fatalf("expected ErrInvalidInput, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if req.IdempotencyKey != "tx-123-2" {
				t.Errorf("expected idempotency key tx-123-2, got %s", req.IdempotencyKey)
			}
			if req.Method != tt.method.Kind() || !req.Amount.Equal(amount) || req.Currency != "PYG" {
				t.Errorf("unexpected request %+v", req)
			}
			if req.WebhookURL == "" {
				t.Error("expected webhook url to be set")
			}
			tt.check(t, req)
		})
	}
}

func TestBankReference(t *testing.T) {
	a := BankReference("001-234567", "tx-1")
	b := BankReference("001-234567", "tx-1")
	c := BankReference("001-234567", "tx-2")

	if a != b {
		t.Errorf("expected deterministic reference, got %s and %s", a, b)
	}
	if a == c {
		t.Error("expected different transactions to get different references")
	}
	if len(a) != 13 || !strings.HasPrefix(a, "TRF") {
		t.Errorf("expected TRF plus 10 characters, got %s", a)
	}
	if strings.ToUpper(a) != a {
		t.Errorf("expected upper case reference, got %s", a)
	}
}

func TestMaskedRequest(t *testing.T) {
	s := maskedRequest(&domain.GatewayRequest{CardNumber: "4111111111111111"})
	if strings.Contains(s, "4111111111111111") {
		t.Errorf("card number leaked into audit trail: %s", s)
	}
	if !strings.Contains(s, "************1111") {
		t.Errorf("expected last four digits to be kept: %s", s)
	}
}
