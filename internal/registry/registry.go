// Package registry provides the live table of connected device sessions
package registry

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/robohub/robohub/internal/envelope"
)

var (
	// ErrCapacityExceeded is returned by Register when every slot is taken
	ErrCapacityExceeded = errors.New("session capacity exceeded")
	// ErrNotFound is returned for a session id that is not live
	ErrNotFound = errors.New("session not found")
)

// Conn is the part of a connection the registry needs: writes for
// outbound envelopes and Close for teardown. net.Conn satisfies it.
type Conn interface {
	io.WriteCloser
	SetWriteDeadline(t time.Time) error
}

// Metadata is a partial update of a session's mutable fields.
// Nil fields are left untouched.
type Metadata struct {
	Reason    *string
	StreamURL *string
	DeviceID  *string
}

// TelemetryInfo is the last telemetry reply received from a session
type TelemetryInfo struct {
	envelope.Telemetry
	ReceivedAt time.Time `json:"received_at"`
}

// Info is a copy of a session's state
type Info struct {
	ID          int            `json:"id"`
	Key         string         `json:"key"`
	Peer        string         `json:"peer"`
	Reason      string         `json:"reason"`
	StreamURL   string         `json:"stream_url"`
	DeviceID    string         `json:"device_id,omitempty"`
	UploadURL   string         `json:"upload_url,omitempty"`
	ConnectedAt time.Time      `json:"connected_at"`
	LastSeen    time.Time      `json:"last_seen"`
	Telemetry   *TelemetryInfo `json:"telemetry,omitempty"`
}

// Session is the server-side state of one connected device
type Session struct {
	id   int
	key  string
	peer string
	conn Conn

	writeMu      sync.Mutex
	writeTimeout time.Duration

	// Guarded by the owning Registry's mutex.
	reason      string
	streamURL   string
	deviceID    string
	uploadURL   string
	connectedAt time.Time
	lastSeen    time.Time
	telemetry   *TelemetryInfo
}

// ID returns the session's slot
func (s *Session) ID() int { return s.id }

// Key returns the session's unique key. Slots are reused after a session
// closes; keys are not.
func (s *Session) Key() string { return s.key }

// Peer returns the remote IP captured at accept time
func (s *Session) Peer() string { return s.peer }

// ConnectedAt returns the registration time. It never changes.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Send writes one envelope to the session. Concurrent calls are serialized
// so envelopes never interleave on the wire.
func (s *Session) Send(env envelope.Envelope) error {
	data, err := env.Marshal()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.writeTimeout > 0 {
		if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if _, err := s.conn.Write(data); err != nil {
		return fmt.Errorf("send to session %d (%s): %w", s.id, s.peer, err)
	}
	return nil
}

// info copies the session state. Caller must hold the registry lock.
func (s *Session) info() Info {
	in := Info{
		ID:          s.id,
		Key:         s.key,
		Peer:        s.peer,
		Reason:      s.reason,
		StreamURL:   s.streamURL,
		DeviceID:    s.deviceID,
		UploadURL:   s.uploadURL,
		ConnectedAt: s.connectedAt,
		LastSeen:    s.lastSeen,
	}
	if s.telemetry != nil {
		t := *s.telemetry
		in.Telemetry = &t
	}
	return in
}

// Registry is the authoritative set of live sessions.
//
// Every operation takes the same lock, so the operations are linearizable
// with respect to each other. ForEach holds the read lock for the whole
// visit: no session can be added, updated or removed while it runs.
type Registry struct {
	mu    sync.RWMutex
	slots []*Session
	count int

	writeTimeout time.Duration
	now          func() time.Time
}

// Option configures a Registry
type Option func(*Registry)

// WithWriteTimeout bounds each Session.Send
func WithWriteTimeout(d time.Duration) Option {
	return func(r *Registry) { r.writeTimeout = d }
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// New creates a registry holding at most capacity sessions
func New(capacity int, opts ...Option) *Registry {
	if capacity < 1 {
		capacity = 1
	}
	r := &Registry{
		slots: make([]*Session, capacity),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a session for conn in the lowest free slot.
// When the registry is full it returns ErrCapacityExceeded and changes nothing.
func (r *Registry) Register(conn Conn, peer string) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.count == len(r.slots) {
		return nil, fmt.Errorf("%w: %d of %d slots in use", ErrCapacityExceeded, r.count, len(r.slots))
	}

	for id, existing := range r.slots {
		if existing != nil {
			continue
		}
		now := r.now()
		s := &Session{
			id:           id,
			key:          uuid.New().String(),
			peer:         peer,
			conn:         conn,
			writeTimeout: r.writeTimeout,
			connectedAt:  now,
			lastSeen:     now,
		}
		r.slots[id] = s
		r.count++
		return s, nil
	}

	// count and slots disagree; unreachable while the lock is held everywhere.
	return nil, fmt.Errorf("%w: no free slot", ErrCapacityExceeded)
}

// UpdateMetadata overwrites the fields set in md. A handle whose slot was
// freed (and possibly reused) returns ErrNotFound and changes nothing.
func (r *Registry) UpdateMetadata(s *Session, md Metadata) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.liveLocked(s); err != nil {
		return err
	}
	if md.Reason != nil {
		s.reason = *md.Reason
	}
	if md.StreamURL != nil {
		s.streamURL = *md.StreamURL
	}
	if md.DeviceID != nil {
		s.deviceID = *md.DeviceID
	}
	s.lastSeen = r.now()
	return nil
}

// SetUploadURL records the egress target assigned to a session
func (r *Registry) SetUploadURL(s *Session, url string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.liveLocked(s); err != nil {
		return err
	}
	s.uploadURL = url
	return nil
}

// RecordTelemetry stores the latest telemetry reply of a session
func (r *Registry) RecordTelemetry(s *Session, t envelope.Telemetry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.liveLocked(s); err != nil {
		return err
	}
	now := r.now()
	s.telemetry = &TelemetryInfo{Telemetry: t, ReceivedAt: now}
	s.lastSeen = now
	return nil
}

// Touch marks a session as seen now
func (r *Registry) Touch(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.liveLocked(s) == nil {
		s.lastSeen = r.now()
	}
}

// Remove deletes the session in slot id and closes its connection in the
// same critical section. Removing an absent id is a no-op that returns false.
func (r *Registry) Remove(id int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.lookupLocked(id)
	if err != nil {
		return false
	}
	r.removeLocked(s)
	return true
}

// RemoveSession removes s only if it still occupies its slot, so a stale
// handle can never evict a newer session that reused the slot.
func (r *Registry) RemoveSession(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.liveLocked(s) != nil {
		return false
	}
	r.removeLocked(s)
	return true
}

// CloseAll removes every session and closes its connection. Connection
// handlers observe the closed stream and exit on their own.
func (r *Registry) CloseAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	closed := 0
	for _, s := range r.slots {
		if s != nil {
			r.removeLocked(s)
			closed++
		}
	}
	return closed
}

// ForEach calls visit for every live session in slot order. visit runs
// under the registry read lock and must not call back into the registry.
func (r *Registry) ForEach(visit func(info Info, s *Session)) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s != nil {
			visit(s.info(), s)
		}
	}
}

// Session returns the live session in slot id
func (r *Registry) Session(id int) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.lookupLocked(id)
	return s, err == nil
}

// Lookup returns the live session with the given key
func (r *Registry) Lookup(key string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.slots {
		if s != nil && s.key == key {
			return s, true
		}
	}
	return nil, false
}

// Get returns a copy of the session state in slot id
func (r *Registry) Get(id int) (Info, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, err := r.lookupLocked(id)
	if err != nil {
		return Info{}, false
	}
	return s.info(), true
}

// Snapshot returns copies of all live sessions in slot order
func (r *Registry) Snapshot() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, r.count)
	for _, s := range r.slots {
		if s != nil {
			infos = append(infos, s.info())
		}
	}
	return infos
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

// Capacity returns the maximum number of live sessions
func (r *Registry) Capacity() int {
	return len(r.slots)
}

func (r *Registry) lookupLocked(id int) (*Session, error) {
	if id < 0 || id >= len(r.slots) || r.slots[id] == nil {
		return nil, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return r.slots[id], nil
}

// liveLocked reports ErrNotFound unless s still occupies its slot
func (r *Registry) liveLocked(s *Session) error {
	if s == nil || s.id < 0 || s.id >= len(r.slots) || r.slots[s.id] != s {
		if s == nil {
			return fmt.Errorf("%w: nil session", ErrNotFound)
		}
		return fmt.Errorf("%w: session %s", ErrNotFound, s.key)
	}
	return nil
}

// removeLocked clears the slot and closes the connection. Caller must hold r.mu.
func (r *Registry) removeLocked(s *Session) {
	r.slots[s.id] = nil
	r.count--
	// Close errors are irrelevant here: the session is gone either way.
	_ = s.conn.Close()
}
