package sse

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/petal-labs/pulse/bus"
	"github.com/petal-labs/pulse/event"
)

func newTestServer(t *testing.T) (*bus.MemBus, *httptest.Server) {
	t.Helper()
	b := bus.NewMemBus(bus.MemBusConfig{RingCapacity: 8})
	t.Cleanup(func() { b.Close() })

	mux := http.NewServeMux()
	mux.Handle("GET /api/topics/{topic}/stream", NewHandler(b))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

// openStream starts an SSE request and returns a scanner over the response
// body plus a cancel func that tears the stream down.
func openStream(t *testing.T, url string) (*bufio.Scanner, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("do: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	t.Cleanup(func() {
		cancel()
		resp.Body.Close()
	})
	return bufio.NewScanner(resp.Body), cancel
}

// readFrame reads one SSE data frame, skipping heartbeats, and decodes it.
func readFrame(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "data: ") {
			var frame sseEvent
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame); err != nil {
				t.Fatalf("decode frame %q: %v", line, err)
			}
			return frame
		}
		if time.Now().After(deadline) {
			break
		}
	}
	t.Fatalf("no data frame: scan err %v", sc.Err())
	return sseEvent{}
}

func TestHandlerReplayThenLive(t *testing.T) {
	b, srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		b.Publish(event.New("orders", "order.shipped").WithPayload("n", i))
	}

	sc, _ := openStream(t, srv.URL+"/api/topics/orders/stream?after=1")

	for _, want := range []uint64{2, 3} {
		frame := readFrame(t, sc)
		if frame.Seq != want || frame.Topic != "orders" {
			t.Fatalf("replay: got seq=%d topic=%q, want seq=%d", frame.Seq, frame.Topic, want)
		}
	}

	b.Publish(event.New("orders", "order.shipped").WithJob("j-1"))
	frame := readFrame(t, sc)
	if frame.Seq != 4 || frame.JobID != "j-1" {
		t.Fatalf("live: got %+v", frame)
	}
}

func TestHandlerLiveOnlyWithoutCursor(t *testing.T) {
	b, srv := newTestServer(t)

	b.Publish(event.New("orders", "order.shipped"))

	sc, _ := openStream(t, srv.URL+"/api/topics/orders/stream")

	b.Publish(event.New("orders", "order.shipped"))
	frame := readFrame(t, sc)
	if frame.Seq != 2 {
		t.Fatalf("got seq %d, want 2 (no replay without cursor)", frame.Seq)
	}
}

func TestHandlerLastEventIDHeader(t *testing.T) {
	b, srv := newTestServer(t)

	for i := 0; i < 3; i++ {
		b.Publish(event.New("orders", "order.shipped"))
	}

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/topics/orders/stream", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Last-Event-ID", "2")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()

	sc := bufio.NewScanner(resp.Body)
	frame := readFrame(t, sc)
	if frame.Seq != 3 {
		t.Fatalf("got seq %d, want 3", frame.Seq)
	}
}

func TestHandlerJobFilterClosesOnTerminal(t *testing.T) {
	b, srv := newTestServer(t)

	sc, _ := openStream(t, srv.URL+"/api/topics/orders/stream?job_id=j-1")

	b.Publish(event.New("orders", "order.shipped"))
	b.Publish(event.New("orders", event.KindJobProgress).WithJob("j-1").WithPayload("pct", 50))
	b.Publish(event.New("orders", event.KindJobProgress).WithJob("j-2").WithPayload("pct", 10))
	b.Publish(event.New("orders", event.KindJobFinished).WithJob("j-1").WithPayload("status", "succeeded"))

	frame := readFrame(t, sc)
	if frame.JobID != "j-1" || frame.Kind != string(event.KindJobProgress) {
		t.Fatalf("got %+v, want j-1 progress (other jobs filtered)", frame)
	}

	frame = readFrame(t, sc)
	if frame.Kind != string(event.KindJobFinished) {
		t.Fatalf("got %+v, want job finished", frame)
	}

	// Terminal event ends the stream server-side.
	done := make(chan struct{})
	go func() {
		for sc.Scan() {
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after terminal job event")
	}
}

func TestHandlerStaleCursorGone(t *testing.T) {
	b, srv := newTestServer(t)

	// Ring capacity is 8; 20 events push the oldest out of history.
	for i := 0; i < 20; i++ {
		b.Publish(event.New("orders", "order.shipped"))
	}

	resp, err := http.Get(srv.URL + "/api/topics/orders/stream?after=1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusGone {
		t.Fatalf("status = %d, want 410", resp.StatusCode)
	}
}

func TestHandlerInvalidCursor(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/topics/orders/stream?after=banana")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
