package bus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/petal-labs/pulse/event"
)

const defaultStoreQueueSize = 4096

// StoreSubscriber writes published events to an EventStore. Its Handle method
// satisfies event.Handler semantics for registration via MemBus.OnPublish:
// events are queued and written by a background goroutine so the publish path
// never waits on storage I/O. The queue preserves publish order.
type StoreSubscriber struct {
	store  EventStore
	logger *slog.Logger
	queue  chan event.Event

	closeOnce sync.Once
	done      chan struct{}
}

// NewStoreSubscriber creates a StoreSubscriber and starts its writer goroutine.
func NewStoreSubscriber(store EventStore, logger *slog.Logger) *StoreSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	s := &StoreSubscriber{
		store:  store,
		logger: logger,
		queue:  make(chan event.Event, defaultStoreQueueSize),
		done:   make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

// Handle queues a single event for persistence. If the writer has fallen
// behind and the queue is full, the event is dropped with a warning; the
// durable log is a replay aid, not the source of truth for live delivery.
func (s *StoreSubscriber) Handle(e event.Event) {
	select {
	case s.queue <- e:
	default:
		s.logger.Warn("event store queue full, dropping event",
			"topic", e.Topic,
			"kind", e.Kind,
			"seq", e.Seq,
		)
	}
}

// Close stops the writer after draining queued events.
func (s *StoreSubscriber) Close() {
	s.closeOnce.Do(func() {
		close(s.queue)
	})
	<-s.done
}

func (s *StoreSubscriber) writeLoop() {
	defer close(s.done)

	for e := range s.queue {
		if err := s.store.Append(context.Background(), e); err != nil {
			s.logger.Error("failed to persist event",
				"topic", e.Topic,
				"kind", e.Kind,
				"seq", e.Seq,
				"error", err,
			)
		}
	}
}
