package gateway

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/gateway/simulator"
	"github.com/shopspring/decimal"
)

type memRecorder struct {
	mu       sync.Mutex
	payments []domain.GatewayPayment
}

func (m *memRecorder) CreateGatewayPayment(_ context.Context, p *domain.GatewayPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payments = append(m.payments, *p)
	return nil
}

func (m *memRecorder) last() domain.GatewayPayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.payments[len(m.payments)-1]
}

// stalledGateway never answers before its context ends.
type stalledGateway struct{ calls int }

func (g *stalledGateway) Submit(ctx context.Context, _ *domain.GatewayRequest) (*domain.GatewayResponse, error) {
	g.calls++
	<-ctx.Done()
	return nil, ctx.Err()
}

func (g *stalledGateway) Status(ctx context.Context, _ string) (*domain.GatewayResponse, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func newAdapter(t *testing.T) (*Adapter, *memRecorder, *simulator.Simulator) {
	t.Helper()
	sim := simulator.New()
	server := httptest.NewServer(sim.Router())
	t.Cleanup(server.Close)

	rec := &memRecorder{}
	cfg := domain.GatewayConfig{BaseURL: server.URL, Timeout: 5 * time.Second, WebhookURL: "http://cambio.local/gateway/notifications"}
	return NewAdapter(NewHTTPClient(cfg), rec, cfg), rec, sim
}

func settleInput(method domain.PaymentMethod) SettleInput {
	return SettleInput{
		Transaction: &domain.Transaction{ID: "tx-1", VerificationCode: "ABC123"},
		Method:      method,
		Amount:      decimal.RequireFromString("750000"),
		Currency:    "PYG",
		Attempt:     1,
	}
}

func TestAdapterSettle(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		adapter, rec, sim := newAdapter(t)
		payment, err := adapter.Settle(ctx, settleInput(domain.Wallet{Number: "0981123456"}))
		if err != nil {
			t.Fatalf("Settle failed: %v", err)
		}
		if payment.State != domain.GatewaySuccess || payment.ExternalID == "" {
			t.Errorf("unexpected payment %+v", payment)
		}
		if payment.IdempotencyKey != "tx-1-1" {
			t.Errorf("expected idempotency key tx-1-1, got %s", payment.IdempotencyKey)
		}
		if len(rec.payments) != 1 || rec.last().ExternalID != payment.ExternalID {
			t.Errorf("expected attempt to be recorded, got %+v", rec.payments)
		}
		if rec.last().Request == "" || rec.last().Response == "" {
			t.Error("expected request and response to be kept on the attempt")
		}

		p, ok := sim.Payment(payment.ExternalID)
		if !ok || p.WebhookURL == "" {
			t.Errorf("expected webhook url to reach the gateway, got %+v", p)
		}
	})

	t.Run("Failure", func(t *testing.T) {
		adapter, rec, _ := newAdapter(t)
		_, err := adapter.Settle(ctx, settleInput(domain.BankTransfer{AccountNumber: "1", Reference: "ABC000XYZ"}))
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) {
			t.Fatalf("expected *GatewayError, got %v", err)
		}
		if !errors.Is(err, domain.ErrGatewayRejected) || gwErr.State != domain.GatewayFailure {
			t.Errorf("expected rejected failure, got %+v", gwErr)
		}
		if !strings.Contains(gwErr.Reason, "not authorized") {
			t.Errorf("expected gateway reason to be carried, got %q", gwErr.Reason)
		}
		if rec.last().State != domain.GatewayFailure {
			t.Errorf("expected failed attempt recorded, got %s", rec.last().State)
		}
	})

	t.Run("Pending", func(t *testing.T) {
		adapter, rec, sim := newAdapter(t)
		sim.Decide = func(*domain.GatewayRequest) (domain.GatewayState, string, bool) {
			return domain.GatewayPending, "", true
		}

		payment, err := adapter.Settle(ctx, settleInput(domain.Wallet{Number: "0981123456"}))
		var gwErr *domain.GatewayError
		if !errors.As(err, &gwErr) || gwErr.State != domain.GatewayPending {
			t.Fatalf("expected pending GatewayError, got %v", err)
		}
		if !errors.Is(err, domain.ErrGatewayRejected) {
			t.Error("expected pending to wrap ErrGatewayRejected")
		}
		if gwErr.ExternalID != payment.ExternalID || payment.ExternalID == "" {
			t.Errorf("expected external id on pending error, got %q", gwErr.ExternalID)
		}
		if rec.last().State != domain.GatewayPending {
			t.Errorf("expected pending attempt recorded, got %s", rec.last().State)
		}
	})

	t.Run("InvalidPayloadSkipsGateway", func(t *testing.T) {
		adapter, rec, sim := newAdapter(t)
		_, err := adapter.Settle(ctx, settleInput(domain.Wallet{Number: "123"}))
		if !errors.Is(err, domain.ErrGatewayRejected) {
			t.Fatalf("expected ErrGatewayRejected, got %v", err)
		}
		if sim.Count() != 0 {
			t.Errorf("expected no call to the gateway, got %d payments", sim.Count())
		}
		last := rec.last()
		if last.State != domain.GatewayFailure || !strings.HasPrefix(last.ExternalID, "local-") {
			t.Errorf("expected local failed attempt, got %+v", last)
		}
	})

	t.Run("Timeout", func(t *testing.T) {
		gw := &stalledGateway{}
		rec := &memRecorder{}
		adapter := NewAdapter(gw, rec, domain.GatewayConfig{Timeout: 30 * time.Millisecond})

		_, err := adapter.Settle(ctx, settleInput(domain.Wallet{Number: "0981123456"}))
		if !errors.Is(err, domain.ErrGatewayUnavailable) {
			t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
		}
		if gw.calls != 1 {
			t.Errorf("expected one gateway call, got %d", gw.calls)
		}
		if rec.last().State != domain.GatewayFailure {
			t.Errorf("expected failed attempt recorded, got %s", rec.last().State)
		}
	})
}

func TestAdapterPoll(t *testing.T) {
	ctx := context.Background()
	adapter, _, sim := newAdapter(t)
	sim.Decide = func(*domain.GatewayRequest) (domain.GatewayState, string, bool) {
		return domain.GatewayPending, "", true
	}

	payment, _ := adapter.Settle(ctx, settleInput(domain.Wallet{Number: "0981123456"}))
	if err := sim.Resolve(payment.ExternalID, domain.GatewaySuccess, ""); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	resp, err := adapter.Poll(ctx, payment.ExternalID)
	if err != nil {
		t.Fatalf("Poll failed: %v", err)
	}
	if resp.State != domain.GatewaySuccess {
		t.Errorf("expected success after resolve, got %s", resp.State)
	}
}
