package transfer

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"
)

// Ticket represents a one-time-use download authorization for a stored capture.
type Ticket struct {
	Token     string
	FilePath  string // absolute path on disk, produced by a Sink
	Filename  string // basename for Content-Disposition
	Peer      string
	SizeBytes int64
	ExpiresAt time.Time
}

// Manager is a thread-safe ticket store.
type Manager struct {
	mu      sync.Mutex
	tickets map[string]*Ticket
	ttl     time.Duration
}

// NewManager creates a new ticket manager with the given default TTL.
func NewManager(ttl time.Duration) *Manager {
	return &Manager{
		tickets: make(map[string]*Ticket),
		ttl:     ttl,
	}
}

// Create mints a new download ticket for a completed transfer.
func (m *Manager) Create(res Result, filename string) (*Ticket, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(b)

	ticket := &Ticket{
		Token:     token,
		FilePath:  res.Path,
		Filename:  filename,
		Peer:      res.Peer,
		SizeBytes: res.Bytes,
		ExpiresAt: time.Now().Add(m.ttl),
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked()
	m.tickets[token] = ticket
	return ticket, nil
}

// Consume retrieves and atomically deletes a ticket.
// Returns nil if the token is invalid, already used, or expired.
func (m *Manager) Consume(token string) *Ticket {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked()

	ticket, ok := m.tickets[token]
	if !ok {
		return nil
	}
	delete(m.tickets, token)

	if time.Now().After(ticket.ExpiresAt) {
		return nil
	}
	return ticket
}

// Len returns the number of outstanding tickets
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tickets)
}

// purgeExpiredLocked removes all expired tickets. Caller must hold m.mu.
func (m *Manager) purgeExpiredLocked() {
	now := time.Now()
	for token, ticket := range m.tickets {
		if now.After(ticket.ExpiresAt) {
			delete(m.tickets, token)
		}
	}
}
