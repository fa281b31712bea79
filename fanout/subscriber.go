package fanout

import (
	"sync"
	"time"

	"github.com/petal-labs/pulse/event"
)

// State is the delivery state of a subscriber.
type State string

const (
	// StateAttached means the subscriber is live and keeping up.
	StateAttached State = "attached"

	// StateBackpressured means the subscriber's buffer overflowed and events
	// were dropped; a gap notice is pending or delivered.
	StateBackpressured State = "backpressured"

	// StateDetached means the subscriber has been removed and its transport
	// closed.
	StateDetached State = "detached"
)

// Transport is the connection-specific write side of a subscriber. Send may
// block; it runs on the subscriber's own pump goroutine so a slow transport
// only ever delays its own subscriber.
type Transport interface {
	Send(e event.Event) error
	Close() error
}

// Subscriber is one live connection attached to a topic. It owns a bounded
// outbound buffer drained by a dedicated pump goroutine; enqueueing is always
// non-blocking. On overflow the oldest buffered events are dropped first and
// a gap notice is emitted before the next delivered event.
type Subscriber struct {
	ID    string
	Topic string

	mgr       *Manager
	transport Transport
	bufSize   int

	mu               sync.Mutex
	cond             *sync.Cond
	buf              []event.Event
	gapFrom          uint64
	state            State
	lastEnqueuedSeq  uint64
	lastDeliveredSeq uint64
	lastActive       time.Time
	backpressuredAt  time.Time
	closed           bool

	done chan struct{}
}

func newSubscriber(mgr *Manager, id, topic string, transport Transport, bufSize int) *Subscriber {
	s := &Subscriber{
		ID:         id,
		Topic:      topic,
		mgr:        mgr,
		transport:  transport,
		bufSize:    bufSize,
		state:      StateAttached,
		lastActive: time.Now(),
		done:       make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// State returns the subscriber's current delivery state.
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastDeliveredSeq returns the sequence number of the last event written to
// the transport.
func (s *Subscriber) LastDeliveredSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDeliveredSeq
}

// enqueue appends an event without blocking, dropping the oldest buffered
// events when the buffer is full.
func (s *Subscriber) enqueue(e event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	// Dedup against replayed backlog.
	if e.Seq <= s.lastEnqueuedSeq {
		return
	}

	for len(s.buf) >= s.bufSize {
		dropped := s.buf[0]
		s.buf = s.buf[1:]
		s.mgr.dropped.Add(1)
		if s.gapFrom == 0 {
			s.gapFrom = dropped.Seq
		}
		if s.state != StateBackpressured {
			s.state = StateBackpressured
			s.backpressuredAt = time.Now()
		}
	}

	s.buf = append(s.buf, e)
	s.lastEnqueuedSeq = e.Seq
	s.cond.Signal()
}

// preload merges replayed backlog in front of any live events that were
// buffered while the backlog was being fetched.
func (s *Subscriber) preload(backlog []event.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || len(backlog) == 0 {
		return
	}

	firstLive := uint64(0)
	if len(s.buf) > 0 {
		firstLive = s.buf[0].Seq
	}

	var merged []event.Event
	for _, e := range backlog {
		if firstLive != 0 && e.Seq >= firstLive {
			break
		}
		merged = append(merged, e)
	}
	s.buf = append(merged, s.buf...)
	if s.lastEnqueuedSeq == 0 && len(s.buf) > 0 {
		s.lastEnqueuedSeq = s.buf[len(s.buf)-1].Seq
	}
	s.cond.Signal()
}

// heartbeat refreshes the liveness clock.
func (s *Subscriber) heartbeat() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = time.Now()
}

// pump drains the buffer to the transport. It runs on its own goroutine;
// a blocked Send delays only this subscriber.
func (s *Subscriber) pump() {
	defer close(s.done)

	for {
		s.mu.Lock()
		for len(s.buf) == 0 && s.gapFrom == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}

		var next event.Event
		if s.gapFrom != 0 {
			to := s.lastEnqueuedSeq
			if len(s.buf) > 0 {
				to = s.buf[0].Seq - 1
			}
			next = event.New(s.Topic, event.KindGap).
				WithPayload("from", s.gapFrom).
				WithPayload("to", to)
			next.Seq = s.gapFrom
			s.gapFrom = 0
		} else {
			next = s.buf[0]
			s.buf = s.buf[1:]
		}
		if s.state == StateBackpressured && len(s.buf) < s.bufSize/2 {
			// Drained enough; considered healthy again.
			s.state = StateAttached
			s.backpressuredAt = time.Time{}
		}
		s.mu.Unlock()

		if err := s.transport.Send(next); err != nil {
			s.mgr.detachForError(s, err)
			return
		}

		s.mu.Lock()
		if next.Kind != event.KindGap {
			s.lastDeliveredSeq = next.Seq
		}
		s.mu.Unlock()
	}
}

// close marks the subscriber detached and wakes the pump. The transport is
// closed by the manager.
func (s *Subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.state = StateDetached
	s.cond.Broadcast()
}
