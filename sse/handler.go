// Package sse provides a Server-Sent Events handler for streaming topic
// events to HTTP clients. Buffered history is replayed from the requested
// cursor, then live events follow on the same stream.
package sse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/event"
)

// HeartbeatInterval is the interval between SSE heartbeat comments.
const HeartbeatInterval = 15 * time.Second

// sseEvent is the JSON-serializable representation of an event sent over the
// SSE stream.
type sseEvent struct {
	Topic   string         `json:"topic"`
	Seq     uint64         `json:"seq"`
	Kind    string         `json:"kind"`
	JobID   string         `json:"job_id,omitempty"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

func toSSEEvent(e event.Event) sseEvent {
	return sseEvent{
		Topic:   e.Topic,
		Seq:     e.Seq,
		Kind:    string(e.Kind),
		JobID:   e.JobID,
		Time:    e.Time,
		Payload: e.Payload,
	}
}

// Handler serves an SSE stream of topic events. The cursor comes from the
// "after" query parameter or, on reconnect, the Last-Event-ID header; events
// with greater sequence numbers are replayed before live delivery begins. A
// cursor older than the retained history yields 410 Gone.
//
// SSE format:
//
//	id: {seq}
//	event: {kind}
//	data: {json}
//
// A heartbeat comment ": ping\n\n" is sent every 15 seconds. The stream stays
// open until the client disconnects; topics do not terminate. With a "job_id"
// query parameter only that job's events are sent, and the stream closes after
// the job's terminal event.
type Handler struct {
	bus bus.EventBus
}

// NewHandler creates a Handler streaming from the given bus.
func NewHandler(eb bus.EventBus) *Handler {
	return &Handler{bus: eb}
}

// ServeHTTP implements http.Handler. It streams events for the topic
// identified by the "topic" path value.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	opts, err := cursorOptions(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	sub, err := h.bus.Subscribe(topic, opts)
	if err != nil {
		var gapErr *bus.SequenceGapError
		if errors.As(err, &gapErr) {
			http.Error(w, gapErr.Error(), http.StatusGone)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	h.stream(w, r, flusher, sub)
}

// cursorOptions resolves the replay cursor from ?after= or Last-Event-ID.
func cursorOptions(r *http.Request) (bus.SubscribeOptions, error) {
	raw := r.URL.Query().Get("after")
	if raw == "" {
		raw = r.Header.Get("Last-Event-ID")
	}
	if raw == "" {
		return bus.SubscribeOptions{}, nil
	}
	after, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return bus.SubscribeOptions{}, fmt.Errorf("invalid after cursor %q", raw)
	}
	return bus.SubscribeOptions{FromSeq: after, HasFromSeq: true}, nil
}

// stream writes replayed and live events until the client disconnects or,
// when filtering by job, the job reaches a terminal state.
func (h *Handler) stream(w http.ResponseWriter, r *http.Request, flusher http.Flusher, sub bus.Subscription) {
	ctx := r.Context()
	jobID := r.URL.Query().Get("job_id")
	heartbeat := time.NewTicker(HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if jobID != "" && evt.JobID != jobID {
				continue
			}
			if err := writeSSEEvent(w, evt); err != nil {
				return
			}
			flusher.Flush()
			if jobID != "" && (evt.Kind == event.KindJobFinished || evt.Kind == event.KindJobCancelled) {
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEEvent writes a single event in SSE format.
func writeSSEEvent(w http.ResponseWriter, evt event.Event) error {
	data, err := json.Marshal(toSSEEvent(evt))
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.Seq, evt.Kind, data)
	return err
}
