package domain

import (
	"encoding/json"
	"fmt"
)

// MethodKind identifies the variant of a payment or collection method.
type MethodKind string

const (
	MethodCash         MethodKind = "cash"
	MethodCard         MethodKind = "card"
	MethodBankTransfer MethodKind = "bank_transfer"
	MethodWallet       MethodKind = "wallet"
)

// ParseMethodKind validates a method kind name.
func ParseMethodKind(s string) (MethodKind, error) {
	switch k := MethodKind(s); k {
	case MethodCash, MethodCard, MethodBankTransfer, MethodWallet:
		return k, nil
	}
	return "", fmt.Errorf("%w: unknown method kind %q", ErrInvalidInput, s)
}

// RequiresGateway reports whether money for this kind moves through the
// external payment gateway. Cash is handed over at a terminal and card
// captures arrive already verified through their own callback.
func (k MethodKind) RequiresGateway() bool {
	return k == MethodBankTransfer || k == MethodWallet
}

// MethodRef points at the method used by a transaction. ID is empty for
// kinds used without a stored record, such as cash.
type MethodRef struct {
	Kind MethodKind `json:"kind"`
	ID   string     `json:"id,omitempty"`
}

// PaymentMethod is the closed set of stored method variants.
type PaymentMethod interface {
	Kind() MethodKind
	isPaymentMethod()
}

// Cash needs no stored data.
type Cash struct{}

// Card is a card already verified through the card network.
type Card struct {
	Holder string `json:"holder"`
	Number string `json:"number"`
}

// BankTransfer is a bank account used for transfers. Reference is the
// transfer receipt when the client supplied one.
type BankTransfer struct {
	BankName      string `json:"bankName"`
	AccountNumber string `json:"accountNumber"`
	AccountHolder string `json:"accountHolder"`
	Reference     string `json:"reference,omitempty"`
}

// Wallet is a mobile wallet identified by phone number or e-mail.
type Wallet struct {
	Provider string `json:"provider"`
	Number   string `json:"number"`
}

func (Cash) Kind() MethodKind         { return MethodCash }
func (Card) Kind() MethodKind         { return MethodCard }
func (BankTransfer) Kind() MethodKind { return MethodBankTransfer }
func (Wallet) Kind() MethodKind       { return MethodWallet }

func (Cash) isPaymentMethod()         {}
func (Card) isPaymentMethod()         {}
func (BankTransfer) isPaymentMethod() {}
func (Wallet) isPaymentMethod()       {}

// StoredMethod is a client-owned method record.
type StoredMethod struct {
	ID       string        `json:"id"`
	ClientID string        `json:"clientId"`
	Method   PaymentMethod `json:"-"`
}

// EncodeMethod serializes the variant-specific fields.
func EncodeMethod(m PaymentMethod) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMethod rebuilds a variant from its kind and serialized fields.
func DecodeMethod(kind MethodKind, data []byte) (PaymentMethod, error) {
	var m PaymentMethod
	switch kind {
	case MethodCash:
		return Cash{}, nil
	case MethodCard:
		var c Card
		if err := json.Unmarshal(data, &c); err != nil {
			return nil, err
		}
		m = c
	case MethodBankTransfer:
		var b BankTransfer
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		m = b
	case MethodWallet:
		var w Wallet
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, err
		}
		m = w
	default:
		return nil, fmt.Errorf("%w: unknown method kind %q", ErrInvalidInput, kind)
	}
	return m, nil
}
