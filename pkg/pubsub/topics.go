// Package pubsub defines the event schemas and topic names shared by the
// query coordination services.
package pubsub

// Topic names used when defining pubsub.Topic[T] in service code.
const (
	// TopicQueryCompleted carries query completion events consumed by the
	// usage service for telemetry aggregation.
	TopicQueryCompleted = "query-completed"

	// TopicClearPending broadcasts pending-state clears to every
	// query-dedup instance.
	TopicClearPending = "dedup-clear"
)
