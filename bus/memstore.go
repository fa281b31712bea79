package bus

import (
	"context"
	"sync"

	"github.com/petal-labs/pulse/event"
)

// MemEventStore is a thread-safe in-memory event store.
type MemEventStore struct {
	mu     sync.RWMutex
	events map[string][]event.Event // topic -> events
}

// NewMemEventStore creates a new in-memory event store.
func NewMemEventStore() *MemEventStore {
	return &MemEventStore{
		events: make(map[string][]event.Event),
	}
}

func (s *MemEventStore) Append(_ context.Context, e event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[e.Topic] = append(s.events[e.Topic], e)
	return nil
}

func (s *MemEventStore) List(_ context.Context, topic string, afterSeq uint64, limit int) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[topic]
	var result []event.Event

	for _, e := range all {
		if afterSeq > 0 && e.Seq <= afterSeq {
			continue
		}
		result = append(result, e)
		if limit > 0 && len(result) >= limit {
			break
		}
	}

	return result, nil
}

func (s *MemEventStore) LatestSeq(_ context.Context, topic string) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	events := s.events[topic]
	if len(events) == 0 {
		return 0, nil
	}

	var maxSeq uint64
	for _, e := range events {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
	}
	return maxSeq, nil
}

// Compile-time interface check.
var _ EventStore = (*MemEventStore)(nil)
