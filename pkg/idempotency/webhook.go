package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jdziat/job-reliability/pkg/core"
	"github.com/jdziat/job-reliability/pkg/metrics"
)

// EventOutcome is the result of AcceptEvent.
type EventOutcome int

const (
	// EventNew means the event was seen for the first time and must be handled.
	EventNew EventOutcome = iota
	// EventAlreadyProcessed means the event was accepted before and must be ignored.
	EventAlreadyProcessed
)

func (o EventOutcome) String() string {
	if o == EventNew {
		return "new"
	}
	return "already_processed"
}

// AcceptEvent records a provider event delivery. Exactly one of any number
// of concurrent deliveries of the same event observes EventNew.
func (g *Guard) AcceptEvent(ctx context.Context, provider, eventID, entityRef string) (EventOutcome, error) {
	if provider == "" || eventID == "" {
		return EventAlreadyProcessed, fmt.Errorf("idempotency: provider and event id are required")
	}
	err := g.store.CreateWebhookEvent(ctx, &core.WebhookEvent{
		Provider:  provider,
		EventID:   eventID,
		EntityRef: entityRef,
	})
	switch {
	case err == nil:
		metrics.WebhookEvents.WithLabelValues(provider, EventNew.String()).Inc()
		return EventNew, nil
	case errors.Is(err, core.ErrDuplicate):
		metrics.WebhookEvents.WithLabelValues(provider, EventAlreadyProcessed.String()).Inc()
		g.logger.Debug("duplicate webhook delivery", "provider", provider, "event_id", eventID)
		return EventAlreadyProcessed, nil
	default:
		return EventAlreadyProcessed, fmt.Errorf("idempotency: accept %s event %s: %w", provider, eventID, err)
	}
}

// MarkEventProcessed records that an accepted event was fully handled.
func (g *Guard) MarkEventProcessed(ctx context.Context, provider, eventID, entityRef string) error {
	if err := g.store.MarkWebhookProcessed(ctx, provider, eventID, entityRef, g.now()); err != nil {
		return fmt.Errorf("idempotency: mark %s event %s processed: %w", provider, eventID, err)
	}
	return nil
}

// PruneEvents deletes processed events older than the webhook retention.
func (g *Guard) PruneEvents(ctx context.Context) (int64, error) {
	n, err := g.store.PruneWebhookEvents(ctx, g.now().Add(-g.cfg.WebhookRetention))
	if err != nil {
		return 0, fmt.Errorf("idempotency: prune webhook events: %w", err)
	}
	return n, nil
}
