package bus

import "github.com/petal-labs/pulse/event"

// Ring is a fixed-capacity buffer of the most recent events on one topic.
// Appends evict the oldest entry once the ring is full. Ring is not safe for
// concurrent use; MemBus guards each topic's ring with the topic lock.
type Ring struct {
	buf   []event.Event
	start int
	count int
}

// NewRing creates a ring holding at most capacity events. Capacity must be
// positive.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]event.Event, capacity)}
}

// Append adds an event, evicting the oldest entry if the ring is full.
func (r *Ring) Append(e event.Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

// Len returns the number of events currently held.
func (r *Ring) Len() int {
	return r.count
}

// OldestSeq returns the sequence number of the oldest retained event, or 0
// when the ring is empty.
func (r *Ring) OldestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[r.start].Seq
}

// LatestSeq returns the sequence number of the newest retained event, or 0
// when the ring is empty.
func (r *Ring) LatestSeq() uint64 {
	if r.count == 0 {
		return 0
	}
	return r.buf[(r.start+r.count-1)%len(r.buf)].Seq
}

// Since returns, in order, all retained events with Seq greater than afterSeq.
// It returns nil when no events qualify.
func (r *Ring) Since(afterSeq uint64) []event.Event {
	var out []event.Event
	for i := 0; i < r.count; i++ {
		e := r.buf[(r.start+i)%len(r.buf)]
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}
