// Package feed streams hub events to websocket viewers
package feed

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/robohub/robohub/internal/logging"
)

// EventType names one kind of hub event
type EventType string

const (
	EventSnapshot       EventType = "snapshot"
	EventSessionOpened  EventType = "session_opened"
	EventSessionUpdated EventType = "session_updated"
	EventTelemetry      EventType = "telemetry"
	EventImageReceived  EventType = "image_received"
	EventSessionClosed  EventType = "session_closed"
	EventCommandSent    EventType = "command_sent"
)

const (
	sendBuffer = 64
	writeWait  = 5 * time.Second
)

// ErrTooManyViewers is returned when the viewer limit is reached
var ErrTooManyViewers = errors.New("too many feed viewers")

// Event is one message on the feed
type Event struct {
	Type       EventType `json:"type"`
	Time       time.Time `json:"time"`
	SessionID  int       `json:"session_id,omitempty"`
	SessionKey string    `json:"session_key,omitempty"`
	Peer       string    `json:"peer,omitempty"`
	Payload    any       `json:"payload,omitempty"`
}

// Publisher accepts hub events. *Feed implements it; a nil Publisher is not allowed,
// use Discard instead.
type Publisher interface {
	Publish(ev Event)
}

type discard struct{}

func (discard) Publish(Event) {}

// Discard drops every event
var Discard Publisher = discard{}

type viewer struct {
	conn *websocket.Conn
	send chan []byte
}

func newViewer(conn *websocket.Conn) *viewer {
	v := &viewer{
		conn: conn,
		send: make(chan []byte, sendBuffer),
	}
	go v.writePump()
	return v
}

func (v *viewer) writePump() {
	defer v.conn.Close()
	for msg := range v.send {
		v.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := v.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// Feed fans events out to connected viewers. Viewers that cannot keep up
// are disconnected rather than slowing down the publisher.
type Feed struct {
	mu         sync.RWMutex
	viewers    map[*viewer]bool
	maxViewers int
	snapshot   func() any
	upgrader   websocket.Upgrader
}

// New creates a feed. snapshot, when set, is sent to each viewer on connect.
// maxViewers <= 0 means unlimited.
func New(maxViewers int, snapshot func() any) *Feed {
	return &Feed{
		viewers:    make(map[*viewer]bool),
		maxViewers: maxViewers,
		snapshot:   snapshot,
	}
}

// ServeHTTP upgrades the request and registers the viewer until it disconnects
func (f *Feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.full() {
		http.Error(w, ErrTooManyViewers.Error(), http.StatusServiceUnavailable)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.Warnf("feed upgrade failed: remote=%s err=%v", r.RemoteAddr, err)
		return
	}

	v, err := f.add(conn)
	if err != nil {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, err.Error()),
			time.Now().Add(writeWait))
		conn.Close()
		return
	}
	logging.Debugf("feed viewer connected: remote=%s", r.RemoteAddr)

	go func() {
		defer func() {
			f.remove(v)
			logging.Debugf("feed viewer disconnected: remote=%s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (f *Feed) full() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.maxViewers > 0 && len(f.viewers) >= f.maxViewers
}

func (f *Feed) add(conn *websocket.Conn) (*viewer, error) {
	f.mu.Lock()
	if f.maxViewers > 0 && len(f.viewers) >= f.maxViewers {
		f.mu.Unlock()
		return nil, ErrTooManyViewers
	}
	v := newViewer(conn)
	if f.snapshot != nil {
		data, err := json.Marshal(Event{Type: EventSnapshot, Time: time.Now(), Payload: f.snapshot()})
		if err == nil {
			v.send <- data
		}
	}
	f.viewers[v] = true
	f.mu.Unlock()
	return v, nil
}

func (f *Feed) remove(v *viewer) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.viewers[v]; ok {
		delete(f.viewers, v)
		close(v.send)
	}
}

// Publish sends ev to every viewer
func (f *Feed) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		logging.Warnf("feed marshal failed: type=%s err=%v", ev.Type, err)
		return
	}

	// Sends happen under the read lock so remove cannot close a channel mid-send.
	var slow []*viewer
	f.mu.RLock()
	for v := range f.viewers {
		select {
		case v.send <- data:
		default:
			slow = append(slow, v)
		}
	}
	f.mu.RUnlock()

	for _, v := range slow {
		logging.Warnf("feed viewer too slow, disconnecting: remote=%s", v.conn.RemoteAddr())
		f.remove(v)
	}
}

// ViewerCount returns the number of connected viewers
func (f *Feed) ViewerCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.viewers)
}

// Close disconnects every viewer
func (f *Feed) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for v := range f.viewers {
		delete(f.viewers, v)
		close(v.send)
	}
}
