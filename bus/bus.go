// Package bus provides the event distribution core of the Pulse broker.
// Producers publish sequenced events to named topics; subscribers receive
// them over bounded channels with optional replay of recent history from a
// per-topic ring buffer. Delivery to one subscriber never blocks the
// publisher or other subscribers.
package bus

import (
	"fmt"

	"github.com/petal-labs/pulse/event"
)

// EventBus distributes events to subscribers.
type EventBus interface {
	// Publish assigns the next sequence number for the event's topic,
	// records the event in the topic's recent-history ring, and delivers it
	// to subscribers and registered handlers. The returned event carries the
	// assigned sequence number.
	Publish(e event.Event) event.Event

	// Subscribe registers a subscriber for a topic. When opts.HasFromSeq is
	// set and the requested events are still in the ring, they are replayed
	// before live delivery. Returns a *SequenceGapError when the requested
	// position has been evicted.
	Subscribe(topic string, opts SubscribeOptions) (Subscription, error)

	// Close shuts down the bus and all subscriptions.
	Close() error
}

// SubscribeOptions controls replay behavior on subscribe.
type SubscribeOptions struct {
	// FromSeq is the last sequence number the subscriber has already seen.
	// Replay starts at FromSeq+1.
	FromSeq uint64

	// HasFromSeq distinguishes "resume from 0" (replay everything retained)
	// from "no replay requested" (live only).
	HasFromSeq bool
}

// Subscription receives events.
type Subscription interface {
	// Events returns a channel of events for this subscription. Events
	// arrive in strictly increasing sequence order; a dropped stretch is
	// signalled by an event of kind event.KindGap.
	Events() <-chan event.Event

	// Close unsubscribes and releases resources.
	Close() error
}

// SequenceGapError reports that a requested replay position has been evicted
// from the topic's ring buffer. The caller must resynchronize from a full
// snapshot (for jobs, the registry) instead of silently missing data.
type SequenceGapError struct {
	Topic     string
	Requested uint64
	Oldest    uint64
}

func (e *SequenceGapError) Error() string {
	return fmt.Sprintf("bus: sequence gap on topic %q: requested after %d, oldest retained is %d",
		e.Topic, e.Requested, e.Oldest)
}
