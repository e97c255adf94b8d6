package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/opensource-finance/cambio/internal/domain"
)

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

var statusByKind = map[string]int{
	domain.KindConfigurationMissing:   http.StatusUnprocessableEntity,
	domain.KindLimitExceeded:          http.StatusUnprocessableEntity,
	domain.KindPolicyRejected:         http.StatusUnprocessableEntity,
	domain.KindInsufficientStock:      http.StatusConflict,
	domain.KindInvalidStateTransition: http.StatusConflict,
	domain.KindGatewayRejected:        http.StatusPaymentRequired,
	domain.KindGatewayUnavailable:     http.StatusServiceUnavailable,
	domain.KindTooManyAttempts:        http.StatusTooManyRequests,
	domain.KindNotFound:               http.StatusNotFound,
	domain.KindInvalidInput:           http.StatusBadRequest,
}

// writeError maps err to its status code and error body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := domain.ErrorKind(err)
	status, ok := statusByKind[kind]
	if !ok {
		status = http.StatusInternalServerError
		slog.Error("request failed",
			"path", r.URL.Path,
			"request_id", GetRequestID(r.Context()),
			"error", err,
		)
		writeJSON(w, status, ErrorResponse{Error: domain.KindInternal, Message: "internal server error"})
		return
	}

	writeJSON(w, status, ErrorResponse{
		Error:   kind,
		Message: err.Error(),
		Details: details(err),
	})
}

// badRequest reports a malformed request.
func badRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: domain.KindInvalidInput, Message: message})
}

func details(err error) map[string]any {
	var (
		limitErr  *domain.LimitError
		stockErr  *domain.StockError
		stateErr  *domain.TransitionError
		gwErr     *domain.GatewayError
		policyErr *domain.PolicyError
	)
	switch {
	case errors.As(err, &limitErr):
		return map[string]any{
			"limit":     limitErr.Limit,
			"bound":     limitErr.Bound,
			"current":   limitErr.Current,
			"requested": limitErr.Requested,
		}
	case errors.As(err, &stockErr):
		return map[string]any{
			"terminalId": stockErr.TerminalID,
			"currency":   stockErr.Currency,
			"requested":  stockErr.Requested,
			"remaining":  stockErr.Remaining,
		}
	case errors.As(err, &stateErr):
		return map[string]any{
			"transactionId": stateErr.TransactionID,
			"state":         stateErr.From,
			"operation":     stateErr.Operation,
		}
	case errors.As(err, &gwErr):
		return map[string]any{
			"state":      gwErr.State,
			"externalId": gwErr.ExternalID,
			"reason":     gwErr.Reason,
		}
	case errors.As(err, &policyErr):
		return map[string]any{
			"ruleId":   policyErr.RuleID,
			"ruleName": policyErr.RuleName,
		}
	}
	return nil
}
