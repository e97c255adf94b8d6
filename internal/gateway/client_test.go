package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/gateway/simulator"
	"github.com/shopspring/decimal"
)

func walletRequest(number string) *domain.GatewayRequest {
	return &domain.GatewayRequest{
		Amount:         decimal.RequireFromString("750000"),
		Currency:       "PYG",
		Method:         domain.MethodWallet,
		Reference:      "tx-1",
		IdempotencyKey: "tx-1-1",
		WalletNumber:   number,
	}
}

func TestHTTPClient(t *testing.T) {
	sim := simulator.New()
	server := httptest.NewServer(sim.Router())
	defer server.Close()

	client := NewHTTPClient(domain.GatewayConfig{BaseURL: server.URL + "/", Timeout: 5 * time.Second})
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		resp, err := client.Submit(ctx, walletRequest("0981123456"))
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if resp.State != domain.GatewaySuccess || resp.ExternalID == "" {
			t.Errorf("unexpected response %+v", resp)
		}
		if len(resp.Raw) == 0 {
			t.Error("expected raw response to be kept")
		}

		status, err := client.Status(ctx, resp.ExternalID)
		if err != nil {
			t.Fatalf("Status failed: %v", err)
		}
		if status.State != domain.GatewaySuccess || status.ExternalID != resp.ExternalID {
			t.Errorf("unexpected status %+v", status)
		}
	})

	t.Run("Failure", func(t *testing.T) {
		req := walletRequest("0981123453")
		req.IdempotencyKey = "tx-2-1"
		resp, err := client.Submit(ctx, req)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if resp.State != domain.GatewayFailure || resp.Reason == "" {
			t.Errorf("expected failure with reason, got %+v", resp)
		}
	})

	t.Run("IdempotentResubmission", func(t *testing.T) {
		req := walletRequest("0981123456")
		req.IdempotencyKey = "tx-3-1"
		first, _ := client.Submit(ctx, req)
		second, _ := client.Submit(ctx, req)
		if first.ExternalID != second.ExternalID {
			t.Errorf("expected same payment for same key, got %s and %s", first.ExternalID, second.ExternalID)
		}
	})

	t.Run("StatusNotFound", func(t *testing.T) {
		if _, err := client.Status(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestHTTPClientErrors(t *testing.T) {
	ctx := context.Background()

	t.Run("ServerError", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "boom", http.StatusBadGateway)
		}))
		defer server.Close()

		_, err := NewHTTPClient(domain.GatewayConfig{BaseURL: server.URL}).Submit(ctx, walletRequest("0981123456"))
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Errorf("expected ErrGatewayUnavailable, got %v", err)
		}
	})

	t.Run("BadRequest", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, `{"error":"amount must be positive"}`, http.StatusBadRequest)
		}))
		defer server.Close()

		_, err := NewHTTPClient(domain.GatewayConfig{BaseURL: server.URL}).Submit(ctx, walletRequest("0981123456"))
		if !errors.Is(err, domain.ErrGatewayRejected) {
			t.Errorf("expected ErrGatewayRejected, got %v", err)
		}
	})

	t.Run("UnknownState", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Write([]byte(`{"payment_id":"p1","state":"exploded"}`))
		}))
		defer server.Close()

		_, err := NewHTTPClient(domain.GatewayConfig{BaseURL: server.URL}).Submit(ctx, walletRequest("0981123456"))
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Errorf("expected ErrGatewayUnavailable, got %v", err)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		release := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-release:
			case <-r.Context().Done():
			}
		}))
		defer server.Close()
		defer close(release)

		client := NewHTTPClient(domain.GatewayConfig{BaseURL: server.URL, Timeout: 50 * time.Millisecond})
		start := time.Now()
		_, err := client.Submit(ctx, walletRequest("0981123456"))
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Errorf("expected ErrGatewayUnavailable, got %v", err)
		}
		if time.Since(start) > 2*time.Second {
			t.Errorf("timeout not enforced, took %v", time.Since(start))
		}
	})

	t.Run("Unreachable", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		url := server.URL
		server.Close()

		_, err := NewHTTPClient(domain.GatewayConfig{BaseURL: url}).Submit(ctx, walletRequest("0981123456"))
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) || gwErr.Kind != domain.ErrGatewayUnavailable {
			t.Errorf("expected unavailable GatewayError, got %v", err)
		}
	})
}

func TestHTTPClientRateLimit(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		w.Write([]byte(`{"payment_id":"p1","state":"success"}`))
	}))
	defer server.Close()

	client := NewHTTPClient(domain.GatewayConfig{BaseURL: server.URL, RateLimit: 1, RateBurst: 1})

	if _, err := client.Submit(context.Background(), walletRequest("0981123456")); err != nil {
		t.Fatalf("first submit failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := client.Submit(ctx, walletRequest("0981123456"))
	if !errors.Is(err, domain.ErrGatewayUnavailable) {
		t.Errorf("expected throttled submit to fail as unavailable, got %v", err)
	}
	if hits.Load() != 1 {
		t.Errorf("expected the throttled request not to reach the gateway, got %d hits", hits.Load())
	}
}
