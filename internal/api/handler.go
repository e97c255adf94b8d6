package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/lifecycle"
	"github.com/opensource-finance/cambio/internal/limits"
	"github.com/opensource-finance/cambio/internal/policy"
)

const maxWebhookBody = 1 << 20

// Handler holds dependencies for API handlers.
type Handler struct {
	repo    domain.Repository
	cache   domain.Cache
	bus     domain.EventBus
	manager *lifecycle.Manager
	limits  *limits.Validator
	policy  *policy.Engine
	version string
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	return &Handler{
		repo:    deps.Repo,
		cache:   deps.Cache,
		bus:     deps.Bus,
		manager: deps.Manager,
		limits:  deps.Limits,
		policy:  deps.Policy,
		version: version,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func() error) {
		if err := ping(); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.repo != nil {
		check("repository", func() error { return h.repo.Ping(ctx) })
	}
	if h.cache != nil {
		check("cache", func() error { return h.cache.Ping(ctx) })
	}
	if h.bus != nil {
		check("bus", func() error { return h.bus.Ping(ctx) })
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.version,
		"checks":  checks,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"ready": "false",
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// Quote handles POST /quotes.
func (h *Handler) Quote(w http.ResponseWriter, r *http.Request) {
	var req lifecycle.QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON request body")
		return
	}
	if req.MethodKind != "" {
		if _, err := domain.ParseMethodKind(string(req.MethodKind)); err != nil {
			writeError(w, r, err)
			return
		}
	}

	q, err := h.manager.Quote(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

// CreateTransaction handles POST /transactions.
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var in lifecycle.CreateInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		badRequest(w, "invalid JSON request body")
		return
	}
	if in.ClientID == "" || in.Currency == "" {
		badRequest(w, "clientId and currency are required")
		return
	}
	in.Currency = strings.ToUpper(in.Currency)
	in.Direction = domain.Direction(strings.ToUpper(string(in.Direction)))
	if in.MethodKind != "" {
		kind, err := domain.ParseMethodKind(strings.ToLower(string(in.MethodKind)))
		if err != nil {
			writeError(w, r, err)
			return
		}
		in.MethodKind = kind
	}

	d, err := h.manager.Create(r.Context(), in)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, d)
}

// GetTransaction handles GET /transactions/{id}.
func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	d, err := h.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// PendingResponse is returned when the gateway has not decided a payment yet.
type PendingResponse struct {
	Status        string `json:"status"`
	TransactionID string `json:"transactionId"`
	ExternalID    string `json:"externalId"`
	Message       string `json:"message"`
}

// Confirm handles POST /transactions/{id}/confirm. A payment the gateway
// leaves pending is answered with 202 and followed up in the background.
func (h *Handler) Confirm(w http.ResponseWriter, r *http.Request) {
	txID := chi.URLParam(r, "id")

	tx, err := h.manager.Confirm(r.Context(), txID)
	var gwErr *domain.GatewayError
	if errors.As(err, &gwErr) && gwErr.State == domain.GatewayPending {
		writeJSON(w, http.StatusAccepted, PendingResponse{
			Status:        string(domain.GatewayPending),
			TransactionID: txID,
			ExternalID:    gwErr.ExternalID,
			Message:       "payment pending at the gateway",
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Cancel handles POST /transactions/{id}/cancel.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	tx, err := h.manager.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// Complete handles POST /transactions/{id}/complete.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	d, err := h.manager.Complete(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Expire handles POST /transactions/{id}/expire.
func (h *Handler) Expire(w http.ResponseWriter, r *http.Request) {
	tx, err := h.manager.Expire(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

// ExpireOverdue handles POST /transactions/expire.
func (h *Handler) ExpireOverdue(w http.ResponseWriter, r *http.Request) {
	n, err := h.manager.ExpireOverdue(r.Context(), time.Now().UTC())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"expired": n})
}

// Staleness handles GET /transactions/{id}/staleness.
func (h *Handler) Staleness(w http.ResponseWriter, r *http.Request) {
	st, err := h.manager.Staleness(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GatewayNotification handles POST /gateway/notifications.
func (h *Handler) GatewayNotification(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		badRequest(w, "failed to read request body")
		return
	}

	var resp domain.GatewayResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		badRequest(w, "invalid JSON request body")
		return
	}
	if resp.ExternalID == "" {
		badRequest(w, "payment_id is required")
		return
	}
	resp.Raw = body

	res, err := h.manager.HandleNotification(r.Context(), resp)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Reconcile handles POST /gateway/payments/{id}/reconcile.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	res, err := h.manager.Reconcile(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Stock handles GET /terminals/{id}/stock?currency=.
func (h *Handler) Stock(w http.ResponseWriter, r *http.Request) {
	terminalID := chi.URLParam(r, "id")
	currency := strings.ToUpper(r.URL.Query().Get("currency"))
	if currency == "" {
		badRequest(w, "currency query parameter is required")
		return
	}

	levels, err := h.repo.ListStock(r.Context(), terminalID, currency)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if levels == nil {
		levels = []domain.StockLevel{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"terminalId": terminalID,
		"currency":   currency,
		"stock":      levels,
	})
}

// LimitUsage handles GET /clients/{id}/limits?currency=.
func (h *Handler) LimitUsage(w http.ResponseWriter, r *http.Request) {
	clientID := chi.URLParam(r, "id")
	currency := strings.ToUpper(r.URL.Query().Get("currency"))
	if currency == "" {
		badRequest(w, "currency query parameter is required")
		return
	}
	if h.limits == nil {
		writeError(w, r, domain.ErrConfigurationMissing)
		return
	}

	usage, err := h.limits.Totals(r.Context(), h.repo, clientID, currency, time.Now().UTC())
	if errors.Is(err, domain.ErrNotFound) {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: domain.KindNotFound, Message: "client " + clientID + " not found"})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// ListPolicies returns the policy rules currently loaded in the engine.
func (h *Handler) ListPolicies(w http.ResponseWriter, r *http.Request) {
	rules := []*domain.PolicyRule{}
	if h.policy != nil {
		rules = append(rules, h.policy.Rules()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  rules,
		"count":  len(rules),
		"source": "database",
	})
}

// CreatePolicy validates and stores a policy rule. Stored rules take effect
// after POST /policies/reload.
func (h *Handler) CreatePolicy(w http.ResponseWriter, r *http.Request) {
	var rule domain.PolicyRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		badRequest(w, "invalid JSON request body")
		return
	}
	if rule.ID == "" || rule.Name == "" || rule.Expression == "" {
		badRequest(w, "id, name, and expression are required")
		return
	}
	if h.policy == nil {
		writeError(w, r, domain.ErrConfigurationMissing)
		return
	}

	if err := h.policy.Validate(&rule); err != nil {
		badRequest(w, "invalid CEL expression: "+err.Error())
		return
	}
	if err := h.repo.SavePolicyRule(r.Context(), &rule); err != nil {
		writeError(w, r, err)
		return
	}

	slog.Info("policy rule saved", "id", rule.ID, "name", rule.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /policies/reload to apply changes.",
	})
}

// ReloadPolicies reloads all policy rules from the database into the engine.
func (h *Handler) ReloadPolicies(w http.ResponseWriter, r *http.Request) {
	if h.policy == nil {
		writeError(w, r, domain.ErrConfigurationMissing)
		return
	}

	n, err := h.policy.ReloadFrom(r.Context(), h.repo)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "policy rules reloaded successfully",
		"count":   n,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
