// Package pulse provides an event fan-out and job status broker: producers
// push events into topics over HTTP, consumers follow topics over SSE or
// WebSocket, and multi-step jobs are tracked through a typed lifecycle.
//
// This file provides convenience re-exports for the most commonly used types
// and constructors from the event, bus, jobs, and fanout subpackages. For
// finer-grained dependencies, import the subpackages directly:
//
//	import "github.com/petal-labs/pulse/event"
//	import "github.com/petal-labs/pulse/bus"
//	import "github.com/petal-labs/pulse/jobs"
//	import "github.com/petal-labs/pulse/fanout"
package pulse

import (
	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/event"
	"github.com/petal-labs/pulse/fanout"
	"github.com/petal-labs/pulse/jobs"
)

// Event and kind types from the event package.
type (
	// Event is a single broker event: topic, kind, sequence, payload.
	Event = event.Event

	// Kind classifies an event within its topic.
	Kind = event.Kind

	// Handler observes every published event.
	Handler = event.Handler
)

// Well-known event kinds.
const (
	KindJobCreated      = event.KindJobCreated
	KindJobProgress     = event.KindJobProgress
	KindJobStepFinished = event.KindJobStepFinished
	KindJobFinished     = event.KindJobFinished
	KindJobCancelled    = event.KindJobCancelled
	KindTopicTick       = event.KindTopicTick
	KindGap             = event.KindGap
)

// Bus types from the bus package.
type (
	// EventBus publishes events and replays recent history per topic.
	EventBus = bus.EventBus

	// MemBus is the in-memory EventBus implementation.
	MemBus = bus.MemBus

	// Subscription is a live event feed on one topic.
	Subscription = bus.Subscription
)

// Job types from the jobs package.
type (
	// Job is a tracked multi-step unit of work.
	Job = jobs.Job

	// JobStatus is a job's lifecycle state.
	JobStatus = jobs.Status

	// Registry creates jobs and drives their lifecycle transitions.
	Registry = jobs.Registry
)

// Fanout types from the fanout package.
type (
	// Manager tracks per-topic subscribers and delivers published events.
	Manager = fanout.Manager

	// Transport carries events from the fanout layer to one consumer.
	Transport = fanout.Transport
)

// NewEvent constructs an unsequenced event for a topic and kind.
func NewEvent(topic string, kind Kind) Event {
	return event.New(topic, kind)
}

// NewMemBus creates an in-memory event bus.
func NewMemBus(cfg bus.MemBusConfig) *MemBus {
	return bus.NewMemBus(cfg)
}

// NewManager creates a fanout manager.
func NewManager(cfg fanout.Config) *Manager {
	return fanout.NewManager(cfg)
}
