// Package fanout tracks live subscribers per topic and routes published
// events to their transports. Each subscriber owns a bounded buffer and a
// dedicated pump goroutine, so delivery to one connection never blocks the
// publisher or any other connection.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/pulse/event"
)

const (
	// DefaultBufferSize is the per-subscriber outbound buffer capacity.
	DefaultBufferSize = 1000

	// DefaultHeartbeatTimeout is how long a subscriber may go without a
	// heartbeat before the reaper detaches it.
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultDrainGrace is how long a subscriber may stay backpressured
	// before the reaper detaches it.
	DefaultDrainGrace = 10 * time.Second

	// DefaultReapInterval is how often the reaper scans for dead
	// subscribers.
	DefaultReapInterval = 5 * time.Second
)

// Replayer serves the buffered backlog of a topic for catch-up on attach.
// *bus.MemBus satisfies it.
type Replayer interface {
	List(topic string, afterSeq uint64, limit int) ([]event.Event, error)
}

// Config configures a Manager. Zero values take defaults.
type Config struct {
	BufferSize       int
	HeartbeatTimeout time.Duration
	DrainGrace       time.Duration
	ReapInterval     time.Duration
	Replayer         Replayer
	Logger           *slog.Logger
}

// AttachOptions controls where a new subscriber starts reading.
type AttachOptions struct {
	// FromSeq replays buffered events with sequence numbers greater than
	// FromSeq before live delivery begins. Only honored when HasFromSeq is
	// set; otherwise the subscriber starts at the live tail.
	FromSeq    uint64
	HasFromSeq bool
}

// Manager owns the set of live subscribers. Deliver is safe to register as a
// bus publish handler: it snapshots the topic's subscriber list and enqueues
// without blocking.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.RWMutex
	topics map[string][]*Subscriber
	byID   map[string]*Subscriber
	closed bool

	dropped atomic.Uint64

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewManager creates a Manager and starts its reaper loop.
func NewManager(cfg Config) *Manager {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = DefaultHeartbeatTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = DefaultDrainGrace
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = DefaultReapInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Manager{
		cfg:        cfg,
		logger:     cfg.Logger,
		topics:     make(map[string][]*Subscriber),
		byID:       make(map[string]*Subscriber),
		stopReaper: make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// Attach registers a new subscriber on a topic and starts its pump. When
// opts.HasFromSeq is set the buffered backlog after opts.FromSeq is replayed
// first; a *bus.SequenceGapError from the replayer is returned unchanged so
// callers can surface it.
func (m *Manager) Attach(topic string, transport Transport, opts AttachOptions) (*Subscriber, error) {
	if topic == "" {
		return nil, fmt.Errorf("fanout: attach: empty topic")
	}
	if transport == nil {
		return nil, fmt.Errorf("fanout: attach: nil transport")
	}

	sub := newSubscriber(m, uuid.NewString(), topic, transport, m.cfg.BufferSize)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("fanout: attach: manager closed")
	}
	m.topics[topic] = append(m.topics[topic], sub)
	m.byID[sub.ID] = sub
	m.mu.Unlock()

	// Registered before the backlog fetch so live events published in
	// between are buffered; preload merges the two without duplicates.
	if opts.HasFromSeq && m.cfg.Replayer != nil {
		backlog, err := m.cfg.Replayer.List(topic, opts.FromSeq, 0)
		if err != nil {
			// The caller still owns the transport here and picks its own
			// close signalling, so unregister without closing it.
			m.forget(sub)
			return nil, err
		}
		sub.preload(backlog)
	}

	go sub.pump()

	m.logger.Debug("subscriber attached",
		"subscriber_id", sub.ID,
		"topic", topic,
		"from_seq", opts.FromSeq,
	)
	return sub, nil
}

// Detach removes a subscriber and closes its transport. Detaching an unknown
// or already-detached subscriber is a no-op.
func (m *Manager) Detach(id string) {
	m.mu.Lock()
	sub, ok := m.byID[id]
	if ok {
		delete(m.byID, id)
		m.topics[sub.Topic] = removeSub(m.topics[sub.Topic], sub)
		if len(m.topics[sub.Topic]) == 0 {
			delete(m.topics, sub.Topic)
		}
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	sub.close()
	if err := sub.transport.Close(); err != nil {
		m.logger.Debug("transport close failed", "subscriber_id", id, "error", err)
	}
	m.logger.Debug("subscriber detached", "subscriber_id", id, "topic", sub.Topic)
}

// forget unregisters a subscriber without touching its transport. Used on
// the attach error path, before the pump has started.
func (m *Manager) forget(sub *Subscriber) {
	m.mu.Lock()
	if _, ok := m.byID[sub.ID]; ok {
		delete(m.byID, sub.ID)
		m.topics[sub.Topic] = removeSub(m.topics[sub.Topic], sub)
		if len(m.topics[sub.Topic]) == 0 {
			delete(m.topics, sub.Topic)
		}
	}
	m.mu.Unlock()
	sub.close()
}

// detachForError is called from a subscriber's own pump when a transport
// write fails.
func (m *Manager) detachForError(s *Subscriber, err error) {
	m.logger.Debug("transport send failed",
		"subscriber_id", s.ID,
		"topic", s.Topic,
		"error", err,
	)
	m.Detach(s.ID)
}

// Deliver fans an event out to the topic's subscribers. It never blocks and
// is intended to run on the publisher's goroutine.
func (m *Manager) Deliver(e event.Event) {
	m.mu.RLock()
	subs := m.topics[e.Topic]
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.enqueue(e)
	}
}

// Heartbeat refreshes a subscriber's liveness clock. Unknown ids are
// ignored.
func (m *Manager) Heartbeat(id string) {
	m.mu.RLock()
	sub, ok := m.byID[id]
	m.mu.RUnlock()
	if ok {
		sub.heartbeat()
	}
}

// Count returns the number of live subscribers on a topic.
func (m *Manager) Count(topic string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.topics[topic])
}

// Total returns the number of live subscribers across all topics.
func (m *Manager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byID)
}

// Dropped returns the total number of events dropped from subscriber buffers
// since the manager started.
func (m *Manager) Dropped() uint64 {
	return m.dropped.Load()
}

// Close detaches every subscriber and stops the reaper. It is idempotent.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ids := make([]string, 0, len(m.byID))
	for id := range m.byID {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	close(m.stopReaper)
	<-m.reaperDone
	for _, id := range ids {
		m.Detach(id)
	}
	return nil
}

func (m *Manager) reapLoop() {
	defer close(m.reaperDone)
	ticker := time.NewTicker(m.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.reap(time.Now())
		case <-m.stopReaper:
			return
		}
	}
}

// reap detaches subscribers that missed their heartbeat window or stayed
// backpressured past the drain grace period.
func (m *Manager) reap(now time.Time) {
	m.mu.RLock()
	subs := make([]*Subscriber, 0, len(m.byID))
	for _, sub := range m.byID {
		subs = append(subs, sub)
	}
	m.mu.RUnlock()

	for _, sub := range subs {
		sub.mu.Lock()
		stale := now.Sub(sub.lastActive) > m.cfg.HeartbeatTimeout
		stuck := sub.state == StateBackpressured &&
			!sub.backpressuredAt.IsZero() &&
			now.Sub(sub.backpressuredAt) > m.cfg.DrainGrace
		sub.mu.Unlock()

		if stale || stuck {
			m.logger.Info("reaping subscriber",
				"subscriber_id", sub.ID,
				"topic", sub.Topic,
				"stale", stale,
				"backpressured", stuck,
			)
			m.Detach(sub.ID)
		}
	}
}

// removeSub returns a fresh slice without target. The original backing array
// must stay intact: Deliver iterates a snapshot of it after releasing the
// read lock.
func removeSub(subs []*Subscriber, target *Subscriber) []*Subscriber {
	out := make([]*Subscriber, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}
