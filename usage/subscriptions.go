package usage

import (
	"context"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	coordpubsub "encore.app/pkg/pubsub"
	querydedup "encore.app/query-dedup"
)

// Subscribe to query completion events from query-dedup. These feed the
// coalescing telemetry view only; billing counters come from callers
// reporting to the tracker directly, so one completed query is never
// counted twice.
var _ = pubsub.NewSubscription(
	querydedup.QueryCompletedTopic,
	"usage-query-completed",
	pubsub.SubscriptionConfig[*coordpubsub.QueryCompletedEvent]{
		Handler: HandleQueryCompleted,
	},
)

// HandleQueryCompleted folds a query completion into the stats collector.
// Delivery is at-least-once; recording is idempotent enough for telemetry
// (a redelivered event inflates counts slightly, which is acceptable here).
func HandleQueryCompleted(ctx context.Context, event *coordpubsub.QueryCompletedEvent) error {
	if svc == nil {
		return nil // Service not initialized yet
	}

	if err := svc.collector.Record(event); err != nil {
		// A malformed event is dropped, not retried: redelivery cannot
		// make it valid.
		rlog.Debug("dropped invalid query completion event",
			"error", err,
			"collection", event.Collection,
			"request_id", event.RequestID,
		)
	}
	return nil
}
