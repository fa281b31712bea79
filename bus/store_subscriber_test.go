package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/pulse/event"
)

func TestStoreSubscriber_PersistsPublishedEvents(t *testing.T) {
	store := NewMemEventStore()
	ss := NewStoreSubscriber(store, nil)

	b := NewMemBus(MemBusConfig{})
	defer b.Close()
	b.OnPublish(ss.Handle)

	for i := 0; i < 5; i++ {
		b.Publish(event.New("T", event.KindTopicTick))
	}
	ss.Close() // drains the queue

	events, err := store.List(context.Background(), "T", 0, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d persisted events, want 5", len(events))
	}
	for i, e := range events {
		if want := uint64(i + 1); e.Seq != want {
			t.Errorf("event %d: got seq %d, want %d", i, e.Seq, want)
		}
	}
}

func TestStoreSubscriber_CloseIdempotent(t *testing.T) {
	ss := NewStoreSubscriber(NewMemEventStore(), nil)
	ss.Close()
	ss.Close()
}
