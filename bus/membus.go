package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/pulse/event"
)

const (
	// DefaultSubscriberBufferSize is the per-subscriber channel capacity.
	DefaultSubscriberBufferSize = 1000

	// DefaultRingCapacity is the per-topic recent-history size.
	DefaultRingCapacity = 256
)

// MemBusConfig configures an in-memory event bus.
type MemBusConfig struct {
	// SubscriberBufferSize is the channel buffer size per subscriber
	// (default: 1000).
	SubscriberBufferSize int

	// RingCapacity is how many recent events are retained per topic for
	// replay (default: 256).
	RingCapacity int

	// SeqSource seeds a topic's sequence counter when the topic is first
	// seen, so sequences continue where a durable store left off across
	// process restarts. Called once per topic; nil starts every topic at 0.
	SeqSource func(topic string) uint64
}

// MemBus is an in-memory event bus. Topics are created implicitly on first
// publish or subscribe. Sequence assignment, ring append, and subscriber
// enqueue all happen under the topic's lock; enqueue is non-blocking (full
// subscriber channels drop-and-mark instead of stalling), so the lock is
// never held waiting on a consumer.
type MemBus struct {
	mu        sync.RWMutex
	topics    map[string]*topicState
	handlers  []event.Handler
	bufSize   int
	ringCap   int
	seqSource func(topic string) uint64
	closed    bool
}

type topicState struct {
	mu   sync.Mutex
	seq  uint64
	ring *Ring
	subs []*memSub
}

// NewMemBus creates a new in-memory event bus with the given configuration.
func NewMemBus(config MemBusConfig) *MemBus {
	bufSize := config.SubscriberBufferSize
	if bufSize <= 0 {
		bufSize = DefaultSubscriberBufferSize
	}
	ringCap := config.RingCapacity
	if ringCap <= 0 {
		ringCap = DefaultRingCapacity
	}
	return &MemBus{
		topics:    make(map[string]*topicState),
		bufSize:   bufSize,
		ringCap:   ringCap,
		seqSource: config.SeqSource,
	}
}

// OnPublish registers a handler invoked for every published event, after
// sequence assignment. Handlers run on the publisher's goroutine with the
// topic locked and must not block; anything slow belongs behind a channel
// or a fan-out subscriber. Register handlers before publishing begins.
func (b *MemBus) OnPublish(h event.Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if h != nil {
		b.handlers = append(b.handlers, h)
	}
}

// Publish assigns the next sequence number for the event's topic, appends the
// event to the topic ring, and delivers it to subscribers and handlers. It is
// safe for concurrent use; concurrent publishers to the same topic serialize
// only on the topic lock. If the bus is closed, the event is returned
// unmodified and silently dropped.
func (b *MemBus) Publish(e event.Event) event.Event {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return e
	}
	handlers := b.handlers
	b.mu.RUnlock()

	ts := b.topic(e.Topic)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	ts.seq++
	e.Seq = ts.seq
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	ts.ring.Append(e)

	for _, sub := range ts.subs {
		sub.send(e)
	}
	for _, h := range handlers {
		h(e)
	}
	return e
}

// Subscribe registers a subscriber for a topic. With opts.HasFromSeq set,
// events after opts.FromSeq still present in the ring are replayed before
// live delivery, with no duplicates or omissions. If the requested position
// has been evicted, a *SequenceGapError is returned.
func (b *MemBus) Subscribe(topic string, opts SubscribeOptions) (Subscription, error) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		sub := newMemSub(b, topic, 0)
		sub.close()
		return sub, nil
	}

	ts := b.topic(topic)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	var replay []event.Event
	if opts.HasFromSeq {
		if oldest := ts.ring.OldestSeq(); oldest > opts.FromSeq+1 {
			return nil, &SequenceGapError{Topic: topic, Requested: opts.FromSeq, Oldest: oldest}
		}
		replay = ts.ring.Since(opts.FromSeq)
	}

	// The channel is sized to hold the full backlog plus the live buffer so
	// replay can be loaded without blocking while the topic is locked.
	sub := newMemSub(b, topic, b.bufSize+len(replay))
	for _, e := range replay {
		sub.ch <- e
	}
	ts.subs = append(ts.subs, sub)
	return sub, nil
}

// List returns retained events for a topic with Seq > after, oldest first,
// up to limit (0 means no limit). Like Subscribe, it reports a
// *SequenceGapError when the cursor points before the ring's horizon.
func (b *MemBus) List(topic string, after uint64, limit int) ([]event.Event, error) {
	ts := b.topic(topic)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if oldest := ts.ring.OldestSeq(); oldest > after+1 {
		return nil, &SequenceGapError{Topic: topic, Requested: after, Oldest: oldest}
	}
	events := ts.ring.Since(after)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

// LatestSeq returns the last sequence number assigned for a topic
// (0 if nothing has been published).
func (b *MemBus) LatestSeq(topic string) uint64 {
	ts := b.topic(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return ts.seq
}

// Close shuts down the bus and all active subscriptions.
func (b *MemBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for _, ts := range b.topics {
		ts.mu.Lock()
		for _, sub := range ts.subs {
			sub.close()
		}
		ts.subs = nil
		ts.mu.Unlock()
	}
	return nil
}

// topic returns the state for a topic, creating it on first use.
func (b *MemBus) topic(name string) *topicState {
	b.mu.RLock()
	ts, ok := b.topics[name]
	b.mu.RUnlock()
	if ok {
		return ts
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ts, ok = b.topics[name]; ok {
		return ts
	}
	ts = &topicState{ring: NewRing(b.ringCap)}
	if b.seqSource != nil {
		ts.seq = b.seqSource(name)
	}
	b.topics[name] = ts
	return ts
}

func (b *MemBus) removeSub(topic string, target *memSub) {
	b.mu.RLock()
	ts, ok := b.topics[topic]
	b.mu.RUnlock()
	if !ok {
		return
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i, sub := range ts.subs {
		if sub == target {
			ts.subs = append(ts.subs[:i], ts.subs[i+1:]...)
			return
		}
	}
}

// memSub is an in-memory subscription.
type memSub struct {
	bus   *MemBus
	topic string
	ch    chan event.Event

	mu      sync.Mutex
	closed  bool
	gapFrom uint64 // first dropped seq, 0 when nothing dropped
}

func newMemSub(b *MemBus, topic string, bufSize int) *memSub {
	return &memSub{
		bus:   b,
		topic: topic,
		ch:    make(chan event.Event, bufSize),
	}
}

// Events returns a channel of events for this subscription.
func (s *memSub) Events() <-chan event.Event {
	return s.ch
}

// Close unsubscribes and releases resources. It is idempotent.
func (s *memSub) Close() error {
	s.bus.removeSub(s.topic, s)
	s.close()
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// send delivers an event without blocking. On a full channel the event is
// dropped and the drop recorded; once space frees up, a gap notice covering
// the dropped stretch is delivered before the next event so the consumer
// knows to resynchronize.
func (s *memSub) send(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	if s.gapFrom != 0 {
		gap := event.New(s.topic, event.KindGap).
			WithPayload("from", s.gapFrom).
			WithPayload("to", e.Seq-1)
		gap.Seq = s.gapFrom
		select {
		case s.ch <- gap:
			s.gapFrom = 0
		default:
			// Still full; the current event joins the gap.
			return
		}
	}

	select {
	case s.ch <- e:
	default:
		s.gapFrom = e.Seq
	}
}

// Compile-time interface checks.
var _ EventBus = (*MemBus)(nil)
var _ Subscription = (*memSub)(nil)
