package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/cambio/internal/domain"
	"github.com/opensource-finance/cambio/internal/metrics"
	"github.com/opensource-finance/cambio/internal/retry"
)

// Relay publishes outbox events to the bus. An event that fails to publish
// is rescheduled with exponential backoff until its budget is spent, after
// which it stays unpublished for an operator to inspect.
type Relay struct {
	store   domain.Store
	bus     domain.EventBus
	backoff *retry.Retrier
	batch   int
	now     func() time.Time
}

// NewRelay creates a relay reading up to batch events per pass.
func NewRelay(store domain.Store, bus domain.EventBus, backoff *retry.Retrier, batch int) *Relay {
	if batch <= 0 {
		batch = 100
	}
	return &Relay{
		store:   store,
		bus:     bus,
		backoff: backoff,
		batch:   batch,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RelayOnce publishes the events that are due and returns how many went out.
func (r *Relay) RelayOnce(ctx context.Context) (int, error) {
	now := r.now()
	events, err := r.store.FetchDueEvents(ctx, now, r.batch)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch outbox events: %w", err)
	}

	published := 0
	for _, e := range events {
		if err := r.bus.Publish(ctx, e.Topic, e.Payload); err != nil {
			r.fail(ctx, e, err)
			continue
		}
		if err := r.store.MarkEventPublished(ctx, e.ID, r.now()); err != nil {
			// delivered again on the next pass; consumers are idempotent
			slog.Error("failed to mark event published", "event_id", e.ID, "error", err)
			continue
		}
		metrics.OutboxPublished.WithLabelValues(e.Topic, "published").Inc()
		published++
	}

	if published > 0 {
		slog.Debug("outbox relayed", "published", published, "due", len(events))
	}
	return published, nil
}

func (r *Relay) fail(ctx context.Context, e domain.OutboxEvent, cause error) {
	attempts := e.Attempts + 1
	next, ok := r.backoff.Next(r.now(), attempts)
	result := "retry"
	if !ok {
		// parked far in the future so the relay stops picking it up
		next = r.now().AddDate(100, 0, 0)
		result = "abandoned"
		slog.Error("outbox event abandoned",
			"event_id", e.ID,
			"topic", e.Topic,
			"aggregate_id", e.AggregateID,
			"attempts", attempts,
			"error", cause,
		)
	}
	metrics.OutboxPublished.WithLabelValues(e.Topic, result).Inc()

	if err := r.store.MarkEventFailed(ctx, e.ID, attempts, next, cause.Error()); err != nil {
		slog.Error("failed to reschedule outbox event", "event_id", e.ID, "error", err)
	}
}
