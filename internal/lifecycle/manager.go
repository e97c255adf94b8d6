// Package lifecycle drives exchange transactions from creation to a final
// state. Every state change runs in one unit of work of the repository.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/gateway"
	"github.com/opensource-finance/cambio/internal/limits"
	"github.com/opensource-finance/cambio/internal/metrics"
	"github.com/opensource-finance/cambio/internal/policy"
	"github.com/opensource-finance/cambio/internal/pricing"
	"github.com/opensource-finance/cambio/internal/reservation"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("cambio-lifecycle")

const attemptsNamespace = "attempts"

// Options are the business settings of the manager.
type Options struct {
	LocalCurrency string

	// Expiration is the lifetime of a pending transaction. Zero disables expiry.
	Expiration time.Duration

	// StaleTolerancePct is the percentage of the original local amount a
	// recomputed quote may drift before it is reported stale. The tolerance
	// is at least one smallest local denomination.
	StaleTolerancePct decimal.Decimal

	// MaxConfirmAttempts caps gateway attempts per transaction within
	// ConfirmAttemptWindow. Zero disables the cap.
	MaxConfirmAttempts   int
	ConfirmAttemptWindow time.Duration

	// SweepBatchSize bounds how many overdue transactions one sweep expires.
	SweepBatchSize int
}

// OptionsFrom maps engine and worker configuration to manager options.
func OptionsFrom(engine domain.EngineConfig, worker domain.WorkerConfig) Options {
	return Options{
		LocalCurrency:        engine.LocalCurrency,
		Expiration:           time.Duration(engine.ExpirationMinutes) * time.Minute,
		StaleTolerancePct:    engine.StaleTolerancePct,
		MaxConfirmAttempts:   engine.MaxConfirmAttempts,
		ConfirmAttemptWindow: engine.ConfirmAttemptWindow,
		SweepBatchSize:       worker.SweepBatchSize,
	}
}

// Deps are the collaborators of the manager. Repo and Calculator are
// required. A nil Policy skips policy rules, a nil Cache disables attempt
// throttling and a nil Gateway makes gateway settlement unavailable.
type Deps struct {
	Repo         domain.Repository
	Calculator   *pricing.Calculator
	Limits       *limits.Validator
	Policy       *policy.Engine
	Reservations *reservation.Engine
	Gateway      *gateway.Adapter
	Cache        domain.Cache
}

// Manager orchestrates the transaction lifecycle.
type Manager struct {
	repo         domain.Repository
	calc         *pricing.Calculator
	limits       *limits.Validator
	policy       *policy.Engine
	reservations *reservation.Engine
	gateway      *gateway.Adapter
	cache        domain.Cache
	opts         Options
	now          func() time.Time
}

// New creates a manager.
func New(deps Deps, opts Options) (*Manager, error) {
	if deps.Repo == nil || deps.Calculator == nil {
		return nil, errors.New("lifecycle: repository and calculator are required")
	}
	if opts.LocalCurrency == "" {
		opts.LocalCurrency = deps.Calculator.LocalCurrency()
	}
	if opts.ConfirmAttemptWindow <= 0 {
		opts.ConfirmAttemptWindow = 10 * time.Minute
	}
	if opts.SweepBatchSize <= 0 {
		opts.SweepBatchSize = 500
	}
	if deps.Limits == nil {
		deps.Limits = limits.NewValidator(time.UTC)
	}
	if deps.Reservations == nil {
		deps.Reservations = reservation.New()
	}

	return &Manager{
		repo:         deps.Repo,
		calc:         deps.Calculator,
		limits:       deps.Limits,
		policy:       deps.Policy,
		reservations: deps.Reservations,
		gateway:      deps.Gateway,
		cache:        deps.Cache,
		opts:         opts,
		now:          func() time.Time { return time.Now().UTC() },
	}, nil
}

// Details is a transaction together with everything recorded against it.
type Details struct {
	Transaction     *domain.Transaction     `json:"transaction"`
	Reservations    []domain.Reservation    `json:"reservations"`
	Movements       []domain.StockMovement  `json:"movements"`
	LedgerEntries   []domain.LedgerEntry    `json:"ledgerEntries"`
	GatewayPayments []domain.GatewayPayment `json:"gatewayPayments"`
}

// Get returns a transaction with its reservations, stock movements, ledger
// entries and gateway attempts.
func (m *Manager) Get(ctx context.Context, txID string) (*Details, error) {
	tx, err := m.repo.GetTransaction(ctx, txID)
	if err != nil {
		return nil, notFound(err, "transaction", txID)
	}

	d := &Details{Transaction: tx}
	if d.Reservations, err = m.repo.ListReservations(ctx, txID); err != nil {
		return nil, fmt.Errorf("failed to list reservations: %w", err)
	}
	if d.Movements, err = m.repo.ListStockMovements(ctx, txID); err != nil {
		return nil, fmt.Errorf("failed to list stock movements: %w", err)
	}
	if d.LedgerEntries, err = m.repo.ListLedgerEntries(ctx, txID); err != nil {
		return nil, fmt.Errorf("failed to list ledger entries: %w", err)
	}
	if d.GatewayPayments, err = m.repo.ListGatewayPayments(ctx, txID); err != nil {
		return nil, fmt.Errorf("failed to list gateway payments: %w", err)
	}
	return d, nil
}

// QuoteRequest asks for a price without creating anything. The segment is
// taken from the client when ClientID is set. The method kind comes from
// the stored method when MethodID is set.
type QuoteRequest struct {
	ClientID   string            `json:"clientId"`
	Segment    domain.Segment    `json:"segment"`
	Direction  domain.Direction  `json:"direction"`
	Currency   string            `json:"currency"`
	Amount     decimal.Decimal   `json:"amount"`
	MethodID   string            `json:"methodId"`
	MethodKind domain.MethodKind `json:"methodKind"`
}

// Quote prices an operation.
func (m *Manager) Quote(ctx context.Context, req QuoteRequest) (q *pricing.Quote, err error) {
	ctx, span := m.start(ctx, "quote", attribute.String("currency", req.Currency))
	defer func() { m.finish(span, "quote", err) }()

	segment := req.Segment
	if req.ClientID != "" {
		client, err := m.repo.GetClient(ctx, req.ClientID)
		if err != nil {
			return nil, notFound(err, "client", req.ClientID)
		}
		segment = client.Segment
	}
	if segment == "" {
		return nil, fmt.Errorf("%w: client or segment is required", domain.ErrInvalidInput)
	}

	kind := req.MethodKind
	if req.MethodID != "" {
		stored, err := m.repo.GetStoredMethod(ctx, req.MethodID)
		if err != nil {
			return nil, notFound(err, "method", req.MethodID)
		}
		if req.ClientID != "" && stored.ClientID != req.ClientID {
			return nil, fmt.Errorf("%w: method %s does not belong to client %s", domain.ErrInvalidInput, req.MethodID, req.ClientID)
		}
		kind = stored.Method.Kind()
	}

	return m.calc.Quote(ctx, pricing.QuoteInput{
		Segment:    segment,
		Direction:  req.Direction,
		Currency:   req.Currency,
		Amount:     req.Amount,
		MethodKind: kind,
		At:         m.now(),
	})
}

func (m *Manager) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, "lifecycle."+op, trace.WithAttributes(attrs...))
}

// finish closes a span and counts the operation by outcome.
func (m *Manager) finish(span trace.Span, op string, err error) {
	kind := domain.ErrorKind(err)
	metrics.LifecycleOperations.WithLabelValues(op, kind).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, kind)
	}
	span.End()
}

func notFound(err error, what, id string) error {
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: %s %s", domain.ErrNotFound, what, id)
	}
	return fmt.Errorf("failed to load %s %s: %w", what, id, err)
}
