package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/event"
	"github.com/petal-labs/pulse/fanout"
)

func newTestServer(t *testing.T) (*bus.MemBus, *fanout.Manager, *httptest.Server) {
	t.Helper()
	b := bus.NewMemBus(bus.MemBusConfig{RingCapacity: 8})
	t.Cleanup(func() { b.Close() })

	m := fanout.NewManager(fanout.Config{Replayer: b})
	t.Cleanup(func() { m.Close() })
	b.OnPublish(m.Deliver)

	mux := http.NewServeMux()
	mux.Handle("GET /api/topics/{topic}/subscribe", NewHandler(m, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, m, srv
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readWire(t *testing.T, conn *websocket.Conn) wireEvent {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var frame wireEvent
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return frame
}

func TestHandlerLiveDelivery(t *testing.T) {
	b, m, srv := newTestServer(t)

	conn := dial(t, wsURL(srv, "/api/topics/orders/subscribe"))
	waitForCount(t, m, "orders", 1)

	b.Publish(event.New("orders", "order.shipped").WithPayload("order_id", "o-1"))

	frame := readWire(t, conn)
	if frame.Topic != "orders" || frame.Seq != 1 || frame.Kind != "order.shipped" {
		t.Fatalf("frame = %+v", frame)
	}
	if frame.Payload["order_id"] != "o-1" {
		t.Fatalf("payload = %+v", frame.Payload)
	}
}

func TestHandlerReplayCursor(t *testing.T) {
	b, _, srv := newTestServer(t)

	for i := 0; i < 4; i++ {
		b.Publish(event.New("orders", "order.shipped"))
	}

	conn := dial(t, wsURL(srv, "/api/topics/orders/subscribe?after=2"))

	for _, want := range []uint64{3, 4} {
		frame := readWire(t, conn)
		if frame.Seq != want {
			t.Fatalf("got seq %d, want %d", frame.Seq, want)
		}
	}
}

func TestHandlerStaleCursorClosed(t *testing.T) {
	b, _, srv := newTestServer(t)

	for i := 0; i < 20; i++ {
		b.Publish(event.New("orders", "order.shipped"))
	}

	conn := dial(t, wsURL(srv, "/api/topics/orders/subscribe?after=1"))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
}

func TestHandlerInvalidCursor(t *testing.T) {
	_, _, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/topics/orders/subscribe?after=banana")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestHandlerDisconnectDetaches(t *testing.T) {
	_, m, srv := newTestServer(t)

	conn := dial(t, wsURL(srv, "/api/topics/orders/subscribe"))
	waitForCount(t, m, "orders", 1)

	conn.Close()
	waitForCount(t, m, "orders", 0)
}

func waitForCount(t *testing.T, m *fanout.Manager, topic string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for m.Count(topic) != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscriber count on %q never reached %d", topic, want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
