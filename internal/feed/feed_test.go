package feed

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	return ev
}

func waitViewers(t *testing.T, f *Feed, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for f.ViewerCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d viewers, have %d", n, f.ViewerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeedSnapshotAndPublish(t *testing.T) {
	f := New(0, func() any { return []string{"slot-0"} })
	srv := httptest.NewServer(f)
	defer srv.Close()
	defer f.Close()

	conn := dial(t, srv)

	snap := readEvent(t, conn)
	if snap.Type != EventSnapshot {
		t.Fatalf("First event should be a snapshot, got %s", snap.Type)
	}

	waitViewers(t, f, 1)
	f.Publish(Event{Type: EventSessionOpened, SessionID: 3, Peer: "10.0.0.9"})

	ev := readEvent(t, conn)
	if ev.Type != EventSessionOpened || ev.SessionID != 3 || ev.Peer != "10.0.0.9" {
		t.Fatalf("Wrong event: %+v", ev)
	}
	if ev.Time.IsZero() {
		t.Fatal("Publish should stamp the event time")
	}
}

func TestFeedViewerLimit(t *testing.T) {
	f := New(1, nil)
	srv := httptest.NewServer(f)
	defer srv.Close()
	defer f.Close()

	dial(t, srv)
	waitViewers(t, f, 1)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Second viewer should be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Expected 503, got %v", resp)
	}
}

func TestFeedViewerDisconnect(t *testing.T) {
	f := New(0, nil)
	srv := httptest.NewServer(f)
	defer srv.Close()

	conn := dial(t, srv)
	waitViewers(t, f, 1)

	conn.Close()
	waitViewers(t, f, 0)

	// Publishing with no viewers is a no-op.
	f.Publish(Event{Type: EventTelemetry})
}
