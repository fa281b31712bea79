package bus

import (
	"sync"
	"time"

	"github.com/petal-labs/pulse/event"
)

// DefaultCoalesceInterval is the flush period for coalesced progress events.
const DefaultCoalesceInterval = 100 * time.Millisecond

// ThrottleConfig configures a ThrottledPublisher.
type ThrottleConfig struct {
	// CoalesceInterval bounds how often a job's coalesced progress reaches
	// the bus (default: 100ms).
	CoalesceInterval time.Duration
}

// ThrottledPublisher sits between the ingest path and an EventBus to keep
// chatty workers from flooding subscribers. job.progress events are not
// forwarded one-for-one: within each interval only the newest report per
// (topic, job) survives, and a ticker publishes the survivors. Every other
// kind goes straight through.
type ThrottledPublisher struct {
	bus      EventBus
	interval time.Duration

	mu      sync.Mutex
	pending map[string]event.Event // keyed by topic + NUL + job id
	closed  bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewThrottledPublisher wraps eb and starts the flush ticker.
func NewThrottledPublisher(eb EventBus, cfg ThrottleConfig) *ThrottledPublisher {
	interval := cfg.CoalesceInterval
	if interval <= 0 {
		interval = DefaultCoalesceInterval
	}

	tp := &ThrottledPublisher{
		bus:      eb,
		interval: interval,
		pending:  make(map[string]event.Event),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go tp.run()
	return tp
}

// Publish forwards e to the bus, returning it with its assigned sequence
// number. job.progress events are held for coalescing instead, so the value
// returned for them is still unsequenced.
func (tp *ThrottledPublisher) Publish(e event.Event) event.Event {
	if e.Kind != event.KindJobProgress {
		return tp.bus.Publish(e)
	}

	tp.mu.Lock()
	defer tp.mu.Unlock()

	if tp.closed {
		return e
	}
	tp.pending[e.Topic+"\x00"+e.JobID] = e
	return e
}

// Close publishes whatever is still pending and stops the ticker. Idempotent.
func (tp *ThrottledPublisher) Close() {
	tp.mu.Lock()
	if tp.closed {
		tp.mu.Unlock()
		return
	}
	tp.closed = true
	tp.mu.Unlock()

	close(tp.stopCh)
	<-tp.doneCh
}

func (tp *ThrottledPublisher) run() {
	defer close(tp.doneCh)

	ticker := time.NewTicker(tp.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			tp.flush()
		case <-tp.stopCh:
			tp.flush()
			return
		}
	}
}

// flush publishes the coalesced survivors. The pending map is swapped out
// under the lock so publishing happens without holding it.
func (tp *ThrottledPublisher) flush() {
	tp.mu.Lock()
	if len(tp.pending) == 0 {
		tp.mu.Unlock()
		return
	}
	toFlush := tp.pending
	tp.pending = make(map[string]event.Event)
	tp.mu.Unlock()

	for _, e := range toFlush {
		tp.bus.Publish(e)
	}
}
