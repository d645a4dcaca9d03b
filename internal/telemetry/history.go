// Package telemetry keeps device telemetry history and the hub's Prometheus metrics
package telemetry

import (
	"sync"
	"time"

	"github.com/robohub/robohub/internal/envelope"
)

const (
	// MaxHistoryPoints is the maximum number of samples to keep per session
	MaxHistoryPoints = 120 // 10 minutes at the default 5s check_status tick

	// CleanupInterval is how often to run cleanup of old samples
	CleanupInterval = 5 * time.Minute

	// Retention is how long to keep a session's samples after its last update
	Retention = 30 * time.Minute
)

// Sample is one telemetry reply
type Sample struct {
	Timestamp       int64   `json:"timestamp_ms"`
	Status          string  `json:"status"`
	Battery         float64 `json:"battery"`
	IsMoving        bool    `json:"is_moving"`
	CurrentPosition string  `json:"current_position"`
}

// NewSample converts a telemetry reply received at the given time
func NewSample(t envelope.Telemetry, at time.Time) Sample {
	return Sample{
		Timestamp:       at.UnixMilli(),
		Status:          t.Status,
		Battery:         t.Battery,
		IsMoving:        t.IsMoving,
		CurrentPosition: t.CurrentPosition,
	}
}

// sessionHistory stores samples for one session key
type sessionHistory struct {
	peer       string
	samples    []Sample
	lastUpdate time.Time
	mu         sync.RWMutex
}

// History manages telemetry samples for all sessions, keyed by session key.
// Samples outlive the session so an operator can inspect a device that just dropped.
type History struct {
	sessions map[string]*sessionHistory
	mu       sync.RWMutex
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewHistory creates a history store with background cleanup
func NewHistory() *History {
	h := &History{
		sessions: make(map[string]*sessionHistory),
		stopCh:   make(chan struct{}),
	}
	go h.cleanupLoop()
	return h
}

// Stop stops the background cleanup goroutine
func (h *History) Stop() {
	h.stopOnce.Do(func() { close(h.stopCh) })
}

// Add appends a sample for a session
func (h *History) Add(key, peer string, sample Sample) {
	h.mu.Lock()
	history, exists := h.sessions[key]
	if !exists {
		history = &sessionHistory{
			peer:    peer,
			samples: make([]Sample, 0, MaxHistoryPoints),
		}
		h.sessions[key] = history
	}
	h.mu.Unlock()

	history.mu.Lock()
	defer history.mu.Unlock()

	history.samples = append(history.samples, sample)

	// Trim to max size
	if len(history.samples) > MaxHistoryPoints {
		excess := len(history.samples) - MaxHistoryPoints
		history.samples = history.samples[excess:]
	}

	history.lastUpdate = time.Now()
}

// Get returns samples for a session newer than sinceMs (all when sinceMs <= 0)
func (h *History) Get(key string, sinceMs int64) []Sample {
	h.mu.RLock()
	history, exists := h.sessions[key]
	h.mu.RUnlock()

	if !exists {
		return nil
	}

	history.mu.RLock()
	defer history.mu.RUnlock()

	result := make([]Sample, 0, len(history.samples))
	for _, sample := range history.samples {
		if sinceMs <= 0 || sample.Timestamp > sinceMs {
			result = append(result, sample)
		}
	}
	return result
}

// Latest returns the most recent sample for a session
func (h *History) Latest(key string) (Sample, bool) {
	h.mu.RLock()
	history, exists := h.sessions[key]
	h.mu.RUnlock()

	if !exists {
		return Sample{}, false
	}

	history.mu.RLock()
	defer history.mu.RUnlock()

	if len(history.samples) == 0 {
		return Sample{}, false
	}
	return history.samples[len(history.samples)-1], true
}

// Peer returns the peer address recorded for a session key
func (h *History) Peer(key string) (string, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	history, exists := h.sessions[key]
	if !exists {
		return "", false
	}
	return history.peer, true
}

// cleanupLoop periodically removes stale session history
func (h *History) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.cleanup(time.Now().Add(-Retention))
		}
	}
}

// cleanup removes sessions that haven't been updated since cutoff
func (h *History) cleanup(cutoff time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, history := range h.sessions {
		history.mu.RLock()
		lastUpdate := history.lastUpdate
		history.mu.RUnlock()

		if lastUpdate.Before(cutoff) {
			delete(h.sessions, key)
		}
	}
}
