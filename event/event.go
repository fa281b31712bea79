// Package event defines the immutable event record distributed by the Pulse
// broker. Events are scoped to a topic, carry a per-topic monotonic sequence
// number assigned at publish time, and flow from producers through the bus to
// live subscribers and the durable store.
package event

import "time"

// Kind identifies the type of an event.
type Kind string

const (
	// KindJobCreated is emitted when a job is registered.
	KindJobCreated Kind = "job.created"

	// KindJobStepFinished is emitted when a job step completes.
	KindJobStepFinished Kind = "job.step.finished"

	// KindJobProgress is emitted for incremental progress within a step.
	// This is optional and may be published at high frequency; see
	// bus.ThrottledPublisher for coalescing.
	KindJobProgress Kind = "job.progress"

	// KindJobFinished is emitted when a job reaches Succeeded or Failed.
	KindJobFinished Kind = "job.finished"

	// KindJobCancelled is emitted when a job is cancelled.
	KindJobCancelled Kind = "job.cancelled"

	// KindTopicTick is emitted by the schedule runner for periodic ticks.
	KindTopicTick Kind = "topic.tick"

	// KindGap is delivered to a subscriber whose buffer overflowed and had
	// events dropped. Downstream logic should resynchronize from a snapshot
	// rather than continue on stale data.
	KindGap Kind = "gap"
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	return string(k)
}

// System reports whether the kind is reserved for broker-generated events.
// Producers may not publish these kinds directly.
func (k Kind) System() bool {
	switch k {
	case KindJobCreated, KindJobStepFinished, KindJobFinished,
		KindJobCancelled, KindTopicTick, KindGap:
		return true
	}
	return false
}

// Event is an immutable, sequenced fact published to a topic.
// Events should be kept small; large data belongs in external storage
// referenced from the payload.
type Event struct {
	// Topic is the channel this event is scoped to.
	Topic string

	// Seq is a monotonic sequence number per topic (1-indexed), assigned by
	// the bus at publish time, never by the producer.
	Seq uint64

	// Kind identifies the event type. Producer-defined kinds are permitted
	// alongside the job.* and topic.* kinds above.
	Kind Kind

	// JobID links the event to a job, when the event describes a job
	// transition (empty otherwise).
	JobID string

	// Time is when the event was published.
	Time time.Time

	// Payload contains event-specific data.
	Payload map[string]any
}

// New creates a new event with the current timestamp. The sequence number is
// zero until the bus assigns one.
func New(topic string, kind Kind) Event {
	return Event{
		Topic:   topic,
		Kind:    kind,
		Time:    time.Now(),
		Payload: make(map[string]any),
	}
}

// WithJob sets the job ID on the event.
func (e Event) WithJob(jobID string) Event {
	e.JobID = jobID
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// Handler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type Handler func(Event)

// MultiHandler combines multiple handlers into one.
func MultiHandler(handlers ...Handler) Handler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

// ChannelHandler returns a handler that sends events to a channel.
// The channel should have sufficient buffer to avoid blocking.
// Events are dropped if the channel is full.
func ChannelHandler(ch chan<- Event) Handler {
	return func(e Event) {
		select {
		case ch <- e:
		default:
			// Drop event if channel is full
		}
	}
}
