// Package simulator is an in-process payment gateway for local runs, load
// tests and integration tests. It speaks the same JSON API as the real
// gateway and can deliver notifications to a webhook.
package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/shopspring/decimal"
)

// ScenarioHeader forces the outcome of a submission: success, failure or pending.
const ScenarioHeader = "X-Scenario"

// Payment is a payment held by the simulator.
type Payment struct {
	ID             string              `json:"payment_id"`
	State          domain.GatewayState `json:"state"`
	Reason         string              `json:"reason,omitempty"`
	Amount         decimal.Decimal     `json:"amount"`
	Currency       string              `json:"currency"`
	Method         domain.MethodKind   `json:"method"`
	IdempotencyKey string              `json:"idempotency_key,omitempty"`
	WebhookURL     string              `json:"-"`
	CreatedAt      time.Time           `json:"created_at"`
}

// Simulator decides payments with deterministic rules:
//   - card payments succeed
//   - wallets whose last two digits form a prime number are suspended
//   - transfer references containing "000" or shorter than 6 are refused
type Simulator struct {
	mu       sync.Mutex
	payments map[string]*Payment
	byKey    map[string]string
	client   *http.Client

	// Decide overrides the built-in rules when it returns ok.
	Decide func(req *domain.GatewayRequest) (state domain.GatewayState, reason string, ok bool)
}

// New creates an empty simulator.
func New() *Simulator {
	return &Simulator{
		payments: make(map[string]*Payment),
		byKey:    make(map[string]string),
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Router returns the gateway API.
func (s *Simulator) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/payments", s.handleSubmit)
	r.Get("/payments/{id}", s.handleStatus)
	r.Post("/payments/{id}/resolve", s.handleResolve)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

func (s *Simulator) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req domain.GatewayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if !req.Amount.IsPositive() {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be positive"})
		return
	}

	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		key = req.IdempotencyKey
	}

	s.mu.Lock()
	if id, ok := s.byKey[key]; ok && key != "" {
		p := *s.payments[id]
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, p)
		return
	}

	state, reason := s.decide(&req, r.Header.Get(ScenarioHeader))
	p := &Payment{
		ID:             uuid.New().String(),
		State:          state,
		Reason:         reason,
		Amount:         req.Amount,
		Currency:       req.Currency,
		Method:         req.Method,
		IdempotencyKey: key,
		WebhookURL:     req.WebhookURL,
		CreatedAt:      time.Now().UTC(),
	}
	s.payments[p.ID] = p
	if key != "" {
		s.byKey[key] = p.ID
	}
	out := *p
	s.mu.Unlock()

	slog.Debug("simulated payment", "payment_id", out.ID, "method", out.Method, "state", out.State)
	writeJSON(w, http.StatusOK, out)
}

func (s *Simulator) handleStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := s.Payment(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// handleResolve lets an operator decide a pending payment and fires its
// webhook.
func (s *Simulator) handleResolve(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State  domain.GatewayState `json:"state"`
		Reason string              `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	id := chi.URLParam(r, "id")
	if err := s.Resolve(id, body.State, body.Reason); err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "payment not found"})
		return
	}
	p, _ := s.Payment(id)
	if p.WebhookURL != "" {
		if err := s.Notify(r.Context(), id); err != nil {
			slog.Warn("webhook not delivered", "payment_id", id, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Simulator) decide(req *domain.GatewayRequest, scenario string) (domain.GatewayState, string) {
	switch domain.GatewayState(scenario) {
	case domain.GatewayFailure:
		return domain.GatewayFailure, "simulated failure"
	case domain.GatewayPending:
		return domain.GatewayPending, ""
	case domain.GatewaySuccess:
		return domain.GatewaySuccess, ""
	}

	if s.Decide != nil {
		if state, reason, ok := s.Decide(req); ok {
			return state, reason
		}
	}

	switch req.Method {
	case domain.MethodWallet:
		if req.WalletNumber == "" {
			return domain.GatewayFailure, "wallet number required"
		}
		if isPrime(lastTwoDigits(req.WalletNumber)) {
			return domain.GatewayFailure, "wallet account temporarily suspended"
		}
	case domain.MethodBankTransfer:
		ref := req.TransferReference
		if ref == "" {
			return domain.GatewayFailure, "transfer reference required"
		}
		if strings.Contains(ref, "000") {
			return domain.GatewayFailure, "transfer not authorized by the originating bank"
		}
		if len(ref) < 6 {
			return domain.GatewayFailure, "transfer reference invalid or incomplete"
		}
	}
	return domain.GatewaySuccess, ""
}

// Payment returns a copy of a stored payment.
func (s *Simulator) Payment(id string) (Payment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return Payment{}, false
	}
	return *p, true
}

// Count returns how many distinct payments were submitted.
func (s *Simulator) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.payments)
}

// Resolve moves a payment to a final state, as the gateway does when a
// pending payment clears or bounces.
func (s *Simulator) Resolve(id string, state domain.GatewayState, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payments[id]
	if !ok {
		return fmt.Errorf("payment %s not found", id)
	}
	p.State = state
	p.Reason = reason
	return nil
}

// Notify posts the current state of a payment to the webhook it was
// submitted with.
func (s *Simulator) Notify(ctx context.Context, id string) error {
	p, ok := s.Payment(id)
	if !ok {
		return fmt.Errorf("payment %s not found", id)
	}
	if p.WebhookURL == "" {
		return fmt.Errorf("payment %s has no webhook", id)
	}

	body, err := json.Marshal(p)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook answered status %d", resp.StatusCode)
	}
	return nil
}

// lastTwoDigits returns the number formed by the last two digits of s, or a
// character sum modulo 100 when s has fewer than two digits.
func lastTwoDigits(s string) int {
	var digits []byte
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits = append(digits, s[i])
		}
	}
	if len(digits) < 2 {
		sum := 0
		for _, r := range s {
			sum += int(r)
		}
		return sum % 100
	}
	n, _ := strconv.Atoi(string(digits[len(digits)-2:]))
	return n
}

func isPrime(n int) bool {
	if n < 2 {
		return false
	}
	for i := 2; i*i <= n; i++ {
		if n%i == 0 {
			return false
		}
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
