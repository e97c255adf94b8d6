package domain

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")

	ErrConfigurationMissing   = errors.New("configuration missing")
	ErrLimitExceeded          = errors.New("limit exceeded")
	ErrInsufficientStock      = errors.New("insufficient stock")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrGatewayUnavailable     = errors.New("gateway unavailable")
	ErrGatewayRejected        = errors.New("gateway rejected")
	ErrPolicyRejected         = errors.New("policy rejected")
	ErrTooManyAttempts        = errors.New("too many attempts")
)

// LimitError reports which limit an operation would break.
type LimitError struct {
	Limit     string
	Bound     decimal.Decimal
	Current   decimal.Decimal
	Requested decimal.Decimal
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("limit exceeded: %s bound %s, current %s, requested %s",
		e.Limit, e.Bound, e.Current, e.Requested)
}

func (e *LimitError) Unwrap() error { return ErrLimitExceeded }

// StockError reports a reservation that could not be covered by terminal stock.
type StockError struct {
	TerminalID string
	Currency   string
	Requested  decimal.Decimal
	Remaining  decimal.Decimal
}

func (e *StockError) Error() string {
	return fmt.Sprintf("insufficient stock at terminal %s: %s %s requested, %s not covered",
		e.TerminalID, e.Requested, e.Currency, e.Remaining)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// TransitionError reports a lifecycle guard violation.
type TransitionError struct {
	TransactionID string
	From          State
	Operation     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s transaction %s in state %s", e.Operation, e.TransactionID, e.From)
}

func (e *TransitionError) Unwrap() error { return ErrInvalidStateTransition }

// GatewayError carries the gateway's own reason for a failed settlement.
// Kind is ErrGatewayUnavailable or ErrGatewayRejected.
type GatewayError struct {
	Kind       error
	State      GatewayState
	ExternalID string
	Reason     string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("%v: %s", e.Kind, e.Reason)
}

func (e *GatewayError) Unwrap() error { return e.Kind }

// PolicyError names the policy rule that rejected an operation.
type PolicyError struct {
	RuleID   string
	RuleName string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("policy rejected: rule %s (%s)", e.RuleID, e.RuleName)
}

func (e *PolicyError) Unwrap() error { return ErrPolicyRejected }

// Error kinds reported to API callers and used as metric outcomes.
const (
	KindConfigurationMissing   = "ConfigurationMissing"
	KindLimitExceeded          = "LimitExceeded"
	KindPolicyRejected         = "PolicyRejected"
	KindInsufficientStock      = "InsufficientStock"
	KindInvalidStateTransition = "InvalidStateTransition"
	KindGatewayRejected        = "GatewayRejected"
	KindGatewayUnavailable     = "GatewayUnavailable"
	KindTooManyAttempts        = "TooManyAttempts"
	KindNotFound               = "NotFound"
	KindInvalidInput           = "InvalidInput"
	KindInternal               = "Internal"
)

var kinds = []struct {
	err  error
	kind string
}{
	{ErrConfigurationMissing, KindConfigurationMissing},
	{ErrLimitExceeded, KindLimitExceeded},
	{ErrPolicyRejected, KindPolicyRejected},
	{ErrInsufficientStock, KindInsufficientStock},
	{ErrInvalidStateTransition, KindInvalidStateTransition},
	{ErrGatewayRejected, KindGatewayRejected},
	{ErrGatewayUnavailable, KindGatewayUnavailable},
	{ErrTooManyAttempts, KindTooManyAttempts},
	{ErrNotFound, KindNotFound},
	{ErrInvalidInput, KindInvalidInput},
}

// ErrorKind classifies err by the first sentinel it wraps. Nil is "ok".
func ErrorKind(err error) string {
	if err == nil {
		return "ok"
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindInternal
}
