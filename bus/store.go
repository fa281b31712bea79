package bus

import (
	"context"

	"github.com/petal-labs/pulse/event"
)

// EventStore persists events for replay beyond the in-memory ring.
type EventStore interface {
	// Append stores an event.
	Append(ctx context.Context, e event.Event) error

	// List returns events for a topic, optionally filtered.
	// afterSeq: return events with Seq > afterSeq (0 means all)
	// limit: max events to return (0 means no limit)
	List(ctx context.Context, topic string, afterSeq uint64, limit int) ([]event.Event, error)

	// LatestSeq returns the highest Seq for a topic (0 if no events).
	LatestSeq(ctx context.Context, topic string) (uint64, error)
}
