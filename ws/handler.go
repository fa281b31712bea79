// Package ws provides a WebSocket binding for live topic subscriptions.
// Each accepted connection is attached to the fanout manager as a
// subscriber; its events are written by the subscriber's pump goroutine and
// pong frames feed the manager's heartbeat tracking.
package ws

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/event"
	"github.com/petal-labs/pulse/fanout"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong from the peer.
	pongWait = 60 * time.Second

	// pingPeriod is how often pings are sent. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// wireEvent is the JSON frame written to the peer for each event.
type wireEvent struct {
	Topic   string         `json:"topic"`
	Seq     uint64         `json:"seq"`
	Kind    string         `json:"kind"`
	JobID   string         `json:"job_id,omitempty"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler upgrades HTTP requests to WebSocket connections and attaches them
// to the fanout manager. The "topic" path value names the topic and the
// optional "after" query parameter sets the replay cursor.
type Handler struct {
	manager  *fanout.Manager
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewHandler creates a WebSocket subscription handler.
func NewHandler(manager *fanout.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		manager: manager,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The HTTP layer enforces auth; cross-origin browser clients
			// are allowed to subscribe.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topic := r.PathValue("topic")
	if topic == "" {
		http.Error(w, "missing topic", http.StatusBadRequest)
		return
	}

	var opts fanout.AttachOptions
	if raw := r.URL.Query().Get("after"); raw != "" {
		after, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, fmt.Sprintf("invalid after cursor %q", raw), http.StatusBadRequest)
			return
		}
		opts = fanout.AttachOptions{FromSeq: after, HasFromSeq: true}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "topic", topic, "error", err)
		return
	}

	tr := newTransport(conn)
	sub, err := h.manager.Attach(topic, tr, opts)
	if err != nil {
		code := websocket.ClosePolicyViolation
		var gapErr *bus.SequenceGapError
		if errors.As(err, &gapErr) {
			code = websocket.CloseGoingAway
		}
		msg := websocket.FormatCloseMessage(code, err.Error())
		conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		conn.Close()
		return
	}

	h.logger.Debug("websocket subscriber attached",
		"topic", topic,
		"subscriber_id", sub.ID,
		"remote_addr", conn.RemoteAddr().String(),
	)

	go tr.pingLoop()
	go h.readPump(conn, sub.ID)
}

// readPump consumes inbound frames. Pongs and any client message refresh the
// subscriber's heartbeat; a read error detaches it.
func (h *Handler) readPump(conn *websocket.Conn, subID string) {
	defer h.manager.Detach(subID)

	conn.SetReadLimit(1024)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		h.manager.Heartbeat(subID)
		return nil
	})

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug("websocket read failed", "subscriber_id", subID, "error", err)
			}
			return
		}
		// Any inbound frame counts as liveness.
		h.manager.Heartbeat(subID)
	}
}

// transport adapts a websocket connection to the fanout Transport interface.
// Send runs on the subscriber's pump goroutine; pings use WriteControl which
// is safe to call concurrently with writes.
type transport struct {
	conn      *websocket.Conn
	mu        sync.Mutex
	stopPing  chan struct{}
	closeOnce sync.Once
}

var _ fanout.Transport = (*transport)(nil)

func newTransport(conn *websocket.Conn) *transport {
	return &transport{
		conn:     conn,
		stopPing: make(chan struct{}),
	}
}

func (t *transport) Send(e event.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(wireEvent{
		Topic:   e.Topic,
		Seq:     e.Seq,
		Kind:    string(e.Kind),
		JobID:   e.JobID,
		Time:    e.Time,
		Payload: e.Payload,
	})
}

func (t *transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopPing)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		err = t.conn.Close()
	})
	return err
}

func (t *transport) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			deadline := time.Now().Add(writeWait)
			if err := t.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case <-t.stopPing:
			return
		}
	}
}
