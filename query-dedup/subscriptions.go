package querydedup

import (
	"context"
	"time"

	"encore.dev/pubsub"
	"encore.dev/rlog"

	"encore.app/pkg/middleware"
	coordpubsub "encore.app/pkg/pubsub"
	"encore.app/pkg/utils"
)

// Pub/Sub topic definitions for query coordination.

// QueryCompletedTopic carries one event per executed (non-coalesced) query
// completion. The usage service subscribes for coalescing telemetry.
var QueryCompletedTopic = pubsub.NewTopic[*coordpubsub.QueryCompletedEvent](
	coordpubsub.TopicQueryCompleted,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// ClearPendingTopic broadcasts pending-state clears to all instances.
var ClearPendingTopic = pubsub.NewTopic[*coordpubsub.ClearPendingEvent](
	coordpubsub.TopicClearPending,
	pubsub.TopicConfig{
		DeliveryGuarantee: pubsub.AtLeastOnce,
	},
)

// Subscribe to clear broadcasts from other instances. This keeps pending
// state consistent across the fleet after a session or auth change.
var _ = pubsub.NewSubscription(
	ClearPendingTopic,
	"query-dedup-clear",
	pubsub.SubscriptionConfig[*coordpubsub.ClearPendingEvent]{
		Handler: HandleClearPending,
	},
)

// HandleClearPending drops all local pending state in response to a
// broadcast. In-flight fetches still run to completion; only the entries
// that would let new callers join them are removed.
func HandleClearPending(ctx context.Context, event *coordpubsub.ClearPendingEvent) error {
	if svc == nil {
		return nil // Service not initialized yet
	}

	svc.manager.Clear()
	return nil
}

// PublishClear broadcasts a pending-state clear to every instance.
func (s *Service) PublishClear(ctx context.Context, reason string) error {
	event := &coordpubsub.ClearPendingEvent{
		Version:     coordpubsub.EventVersion1,
		Service:     "query-dedup",
		Reason:      reason,
		TriggeredAt: time.Now(),
		RequestID:   middleware.RequestIDFromCtx(ctx),
	}
	if event.RequestID == "" {
		event.RequestID = middleware.NewRequestID()
	}

	_, err := ClearPendingTopic.Publish(ctx, event)
	return err
}

// publishCompleted reports one executed query completion. Publish failures
// are logged and swallowed: usage telemetry must never fail the query it
// observes.
func (s *Service) publishCompleted(ctx context.Context, collection, key string, v interface{}, fetchErr error, waiters int64, duration time.Duration) {
	event := &coordpubsub.QueryCompletedEvent{
		Version:     coordpubsub.EventVersion1,
		Service:     "query-dedup",
		Collection:  collection,
		KeyHash:     utils.ShortKey(key),
		ReadCount:   readUnits(v, fetchErr),
		Waiters:     waiters,
		Coalesced:   waiters > 1,
		Failed:      fetchErr != nil,
		DurationMs:  duration.Milliseconds(),
		CompletedAt: time.Now(),
		RequestID:   middleware.RequestIDFromCtx(ctx),
	}

	if _, err := QueryCompletedTopic.Publish(ctx, event); err != nil {
		rlog.Debug("failed to publish query-completed event", "collection", collection, "err", err)
	}
}
