package worker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/cambio/internal/bus"
	"github.com/opensource-finance/cambio/internal/cache"
	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/gateway"
	"github.com/opensource-finance/cambio/internal/lifecycle"
	"github.com/opensource-finance/cambio/internal/limits"
	"github.com/opensource-finance/cambio/internal/pricing"
	"github.com/opensource-finance/cambio/internal/repository"
	"github.com/opensource-finance/cambio/internal/repository/repotest"
	"github.com/opensource-finance/cambio/internal/retry"
)

// pendingGateway accepts every payment as pending and answers status
// queries from a table the test fills in.
type pendingGateway struct {
	mu     sync.Mutex
	status map[string]domain.GatewayState
	polls  int
}

func (g *pendingGateway) Submit(_ context.Context, req *domain.GatewayRequest) (*domain.GatewayResponse, error) {
	return &domain.GatewayResponse{ExternalID: "p-" + req.IdempotencyKey, State: domain.GatewayPending}, nil
}

func (g *pendingGateway) Status(_ context.Context, id string) (*domain.GatewayResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.polls++
	state, ok := g.status[id]
	if !ok {
		state = domain.GatewayPending
	}
	return &domain.GatewayResponse{ExternalID: id, State: state}, nil
}

func (g *pendingGateway) pollCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.polls
}

func (g *pendingGateway) resolve(id string, state domain.GatewayState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[id] = state
}

// failingBus refuses every publish.
type failingBus struct{ domain.EventBus }

func (failingBus) Publish(context.Context, string, []byte) error {
	return errors.New("broker down")
}

// recordingSink keeps delivered invoices.
type recordingSink struct {
	mu       sync.Mutex
	invoices []domain.InvoiceRequested
}

func (s *recordingSink) Deliver(_ context.Context, inv domain.InvoiceRequested) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.invoices = append(s.invoices, inv)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.invoices)
}

func newManager(t *testing.T) (*lifecycle.Manager, *repository.SQLRepository, *pendingGateway) {
	t.Helper()

	repo := repotest.Open(t, nil)
	gw := &pendingGateway{status: make(map[string]domain.GatewayState)}
	m, err := lifecycle.New(lifecycle.Deps{
		Repo:       repo,
		Calculator: pricing.NewCalculator(repo, "PYG"),
		Limits:     limits.NewValidator(time.UTC),
		Gateway:    gateway.NewAdapter(gw, repo, domain.GatewayConfig{Timeout: time.Second}),
		Cache:      cache.NewLRUCache(100),
	}, lifecycle.Options{LocalCurrency: "PYG", Expiration: 15 * time.Minute})
	if err != nil {
		t.Fatalf("lifecycle.New failed: %v", err)
	}
	return m, repo, gw
}

// pendingWalletBuy creates a wallet purchase the gateway leaves pending and
// returns it with the external payment id.
func pendingWalletBuy(t *testing.T, m *lifecycle.Manager) (*domain.Transaction, string) {
	t.Helper()
	ctx := context.Background()

	d, err := m.Create(ctx, lifecycle.CreateInput{
		ClientID:  repotest.RetailClient,
		Currency:  "USD",
		Direction: domain.DirectionBuy,
		Amount:    repotest.Dec("100"),
		MethodID:  repotest.WalletMethod,
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err = m.Confirm(ctx, d.Transaction.ID)
	var gwErr *domain.GatewayError
	if !errors.As(err, &gwErr) || gwErr.State != domain.GatewayPending {
		t.Fatalf("expected pending confirmation, got %v", err)
	}
	return d.Transaction, "p-" + d.Transaction.ID + "-1"
}

func fastConfig() domain.WorkerConfig {
	return domain.WorkerConfig{
		OutboxPollInterval: 10 * time.Millisecond,
		OutboxBatchSize:    10,
		SweepInterval:      10 * time.Millisecond,
		RetryMaxAttempts:   2,
		RetryBaseDelay:     5 * time.Millisecond,
		RetryMaxDelay:      20 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRelay(t *testing.T) {
	ctx := context.Background()

	t.Run("PublishesDueEvents", func(t *testing.T) {
		repo := repotest.Open(t, nil)
		eventBus := bus.NewChannelBus(10)
		defer eventBus.Close()

		received := make(chan *domain.Message, 1)
		sub, err := eventBus.Subscribe(ctx, "cambio.test", func(_ context.Context, msg *domain.Message) error {
			received <- msg
			return nil
		})
		if err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
		defer sub.Unsubscribe()

		if err := repo.EnqueueEvent(ctx, &domain.OutboxEvent{ID: "e-1", Topic: "cambio.test", AggregateID: "tx-1", Payload: []byte(`{"n":1}`)}); err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}

		relay := NewRelay(repo, eventBus, retry.New(retry.DefaultConfig()), 10)
		n, err := relay.RelayOnce(ctx)
		if err != nil {
			t.Fatalf("RelayOnce failed: %v", err)
		}
		if n != 1 {
			t.Errorf("expected 1 published, got %d", n)
		}

		select {
		case msg := <-received:
			if string(msg.Payload) != `{"n":1}` {
				t.Errorf("unexpected payload %s", msg.Payload)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for message")
		}

		// published events are not relayed twice
		if n, _ := relay.RelayOnce(ctx); n != 0 {
			t.Errorf("expected nothing left to relay, got %d", n)
		}
	})

	t.Run("FailureReschedules", func(t *testing.T) {
		repo := repotest.Open(t, nil)
		if err := repo.EnqueueEvent(ctx, &domain.OutboxEvent{ID: "e-1", Topic: "cambio.test", AggregateID: "tx-1", Payload: []byte(`{}`)}); err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}

		relay := NewRelay(repo, failingBus{}, retry.New(retry.Config{MaxRetries: 3, BaseDelay: time.Minute}), 10)
		if n, err := relay.RelayOnce(ctx); err != nil || n != 0 {
			t.Fatalf("expected 0 published and no error, got %d, %v", n, err)
		}

		due, _ := repo.FetchDueEvents(ctx, time.Now(), 10)
		if len(due) != 0 {
			t.Fatalf("expected the event to wait for its backoff, got %d due", len(due))
		}
		later, _ := repo.FetchDueEvents(ctx, time.Now().Add(2*time.Minute), 10)
		if len(later) != 1 || later[0].Attempts != 1 || later[0].LastError != "broker down" {
			t.Fatalf("expected one rescheduled event after 1 attempt, got %+v", later)
		}
	})

	t.Run("BudgetSpentParksEvent", func(t *testing.T) {
		repo := repotest.Open(t, nil)
		if err := repo.EnqueueEvent(ctx, &domain.OutboxEvent{ID: "e-1", Topic: "cambio.test", AggregateID: "tx-1", Payload: []byte(`{}`), Attempts: 1}); err != nil {
			t.Fatalf("EnqueueEvent failed: %v", err)
		}

		relay := NewRelay(repo, failingBus{}, retry.New(retry.Config{MaxRetries: 1}), 10)
		relay.RelayOnce(ctx)

		later, _ := repo.FetchDueEvents(ctx, time.Now().AddDate(1, 0, 0), 10)
		if len(later) != 0 {
			t.Errorf("expected abandoned event to be parked, got %+v", later)
		}
	})
}

func TestReconciler(t *testing.T) {
	ctx := context.Background()
	cfg := retry.Config{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}

	t.Run("SettlesWhenGatewayResolves", func(t *testing.T) {
		m, repo, gw := newManager(t)
		tx, externalID := pendingWalletBuy(t, m)
		gw.resolve(externalID, domain.GatewaySuccess)

		r := NewReconciler(m, cfg)
		if err := r.Reconcile(ctx, domain.SettlementRequested{TransactionID: tx.ID, ExternalID: externalID}); err != nil {
			t.Fatalf("Reconcile failed: %v", err)
		}

		got, err := repo.GetTransaction(ctx, tx.ID)
		if err != nil {
			t.Fatalf("GetTransaction failed: %v", err)
		}
		if got.State != domain.StatePaid {
			t.Errorf("expected paid, got %s", got.State)
		}
	})

	t.Run("GivesUpWhileStillPending", func(t *testing.T) {
		m, repo, gw := newManager(t)
		tx, externalID := pendingWalletBuy(t, m)

		r := NewReconciler(m, cfg)
		if err := r.Reconcile(ctx, domain.SettlementRequested{TransactionID: tx.ID, ExternalID: externalID}); !errors.Is(err, errStillPending) {
			t.Fatalf("expected errStillPending, got %v", err)
		}
		if gw.pollCount() != cfg.MaxRetries+1 {
			t.Errorf("expected %d polls, got %d", cfg.MaxRetries+1, gw.pollCount())
		}
		got, _ := repo.GetTransaction(ctx, tx.ID)
		if got.State != domain.StatePending {
			t.Errorf("expected pending, got %s", got.State)
		}
	})

	t.Run("UnknownPaymentNotRetried", func(t *testing.T) {
		m, _, gw := newManager(t)

		r := NewReconciler(m, cfg)
		err := r.Reconcile(ctx, domain.SettlementRequested{TransactionID: "tx-x", ExternalID: "p-missing"})
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if gw.pollCount() != 1 {
			t.Errorf("expected a single poll, got %d", gw.pollCount())
		}
	})

	t.Run("MalformedMessage", func(t *testing.T) {
		m, _, _ := newManager(t)
		r := NewReconciler(m, cfg)
		if err := r.Handle(ctx, &domain.Message{ID: "m-1", Payload: []byte("{")}); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestWorker(t *testing.T) {
	t.Run("StartAndStop", func(t *testing.T) {
		m, repo, _ := newManager(t)
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		w := NewWorker(eventBus, repo, m, nil, fastConfig())
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 2 {
			t.Errorf("expected 2 subscriptions, got %d", stats.SubscriptionCount)
		}

		if err := w.Stop(); err != nil {
			t.Errorf("Stop failed: %v", err)
		}
		if stats := w.GetStats(); stats.SubscriptionCount != 0 {
			t.Errorf("expected 0 subscriptions after stop, got %d", stats.SubscriptionCount)
		}
	})

	t.Run("PendingPaymentSettlesAndInvoices", func(t *testing.T) {
		m, repo, gw := newManager(t)
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		sink := &recordingSink{}
		w := NewWorker(eventBus, repo, m, sink, fastConfig())

		tx, externalID := pendingWalletBuy(t, m)
		gw.resolve(externalID, domain.GatewaySuccess)

		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		waitFor(t, "settlement", func() bool {
			got, err := repo.GetTransaction(context.Background(), tx.ID)
			return err == nil && got.State == domain.StatePaid
		})
		waitFor(t, "invoice", func() bool { return sink.count() == 1 })

		if sink.invoices[0].TransactionID != tx.ID {
			t.Errorf("expected invoice for %s, got %+v", tx.ID, sink.invoices[0])
		}
	})

	t.Run("InvoiceMessage", func(t *testing.T) {
		m, repo, _ := newManager(t)
		eventBus := bus.NewChannelBus(100)
		defer eventBus.Close()

		sink := &recordingSink{}
		w := NewWorker(eventBus, repo, m, sink, fastConfig())
		if err := w.Start(); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer w.Stop()

		payload, _ := json.Marshal(domain.InvoiceRequested{TransactionID: "tx-9", LocalAmount: "750000"})
		if err := eventBus.Publish(context.Background(), domain.TopicInvoiceRequested, payload); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}

		waitFor(t, "invoice", func() bool { return sink.count() == 1 })
	})
}
