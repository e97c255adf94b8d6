package gateway

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

const minReferenceLen = 6

// BuildRequest turns a stored method into a gateway request. It returns an
// error wrapping domain.ErrInvalidInput when the method details cannot be
// sent.
func BuildRequest(tx *domain.Transaction, method domain.PaymentMethod, amount decimal.Decimal, currency string, attempt int64, webhookURL string) (*domain.GatewayRequest, error) {
	req := &domain.GatewayRequest{
		Amount:         amount,
		Currency:       currency,
		Reference:      tx.ID,
		IdempotencyKey: IdempotencyKey(tx.ID, attempt),
		WebhookURL:     webhookURL,
	}
	if method == nil {
		return nil, fmt.Errorf("%w: no method to settle with", domain.ErrInvalidInput)
	}
	req.Method = method.Kind()

	switch m := method.(type) {
	case domain.Wallet:
		number := strings.TrimSpace(m.Number)
		if len(number) < minReferenceLen {
			return nil, fmt.Errorf("%w: wallet number must have at least %d characters", domain.ErrInvalidInput, minReferenceLen)
		}
		req.WalletNumber = number

	case domain.BankTransfer:
		ref := strings.TrimSpace(m.Reference)
		if ref == "" {
			ref = BankReference(m.AccountNumber, tx.ID)
		}
		if len(ref) < minReferenceLen {
			return nil, fmt.Errorf("%w: transfer reference must have at least %d characters", domain.ErrInvalidInput, minReferenceLen)
		}
		req.TransferReference = ref

	case domain.Card:
		number := strings.NewReplacer(" ", "", "-", "").Replace(m.Number)
		if len(number) < 13 || len(number) > 19 || !allDigits(number) {
			return nil, fmt.Errorf("%w: card number must have 13 to 19 digits", domain.ErrInvalidInput)
		}
		req.CardNumber = number

	default:
		return nil, fmt.Errorf("%w: %s is not settled through the gateway", domain.ErrInvalidInput, method.Kind())
	}
	return req, nil
}

// BankReference derives the transfer reference used when the client gave
// none. The same account and transaction always give the same reference.
func BankReference(account, txID string) string {
	sum := sha256.Sum256([]byte(account + "|" + txID))
	return "TRF" + strings.ToUpper(hex.EncodeToString(sum[:]))[:10]
}

// IdempotencyKey identifies one settlement attempt of a transaction.
func IdempotencyKey(txID string, attempt int64) string {
	return fmt.Sprintf("%s-%d", txID, attempt)
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
