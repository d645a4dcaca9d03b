package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/robohub/robohub/internal/envelope"
)

func TestHistoryTrimsToMax(t *testing.T) {
	h := NewHistory()
	defer h.Stop()

	for i := 0; i < MaxHistoryPoints+10; i++ {
		h.Add("key-1", "10.0.0.1", Sample{Timestamp: int64(i + 1), Battery: float64(i)})
	}

	samples := h.Get("key-1", 0)
	if len(samples) != MaxHistoryPoints {
		t.Fatalf("Expected %d samples, got %d", MaxHistoryPoints, len(samples))
	}
	if samples[0].Timestamp != 11 {
		t.Fatalf("Oldest samples should be dropped first, oldest is %d", samples[0].Timestamp)
	}

	latest, ok := h.Latest("key-1")
	if !ok || latest.Timestamp != int64(MaxHistoryPoints+10) {
		t.Fatalf("Wrong latest sample: %+v", latest)
	}
}

func TestHistorySince(t *testing.T) {
	h := NewHistory()
	defer h.Stop()

	at := time.UnixMilli(1000)
	h.Add("k", "10.0.0.1", NewSample(envelope.Telemetry{Status: "ok", Battery: 90}, at))
	h.Add("k", "10.0.0.1", NewSample(envelope.Telemetry{Status: "ok", Battery: 80}, at.Add(time.Second)))

	samples := h.Get("k", 1000)
	if len(samples) != 1 || samples[0].Battery != 80 {
		t.Fatalf("Wrong samples after 1000ms: %+v", samples)
	}
	if peer, ok := h.Peer("k"); !ok || peer != "10.0.0.1" {
		t.Fatalf("Wrong peer: %q", peer)
	}
	if h.Get("missing", 0) != nil {
		t.Fatal("Unknown key should return nil")
	}
}

func TestHistoryCleanup(t *testing.T) {
	h := NewHistory()
	defer h.Stop()

	h.Add("old", "10.0.0.1", Sample{Timestamp: 1})
	h.cleanup(time.Now().Add(time.Minute))

	if _, ok := h.Latest("old"); ok {
		t.Fatal("Stale history should be removed")
	}
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics()
	m.ConnectionsAccepted.Inc()
	m.CommandsSent.WithLabelValues("check_status").Add(2)

	if got := testutil.ToFloat64(m.CommandsSent.WithLabelValues("check_status")); got != 2 {
		t.Fatalf("Wrong commands_sent: %v", got)
	}

	// A second instance must not collide with the first.
	NewMetrics()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "robohub_connections_accepted_total 1") {
		t.Fatalf("Metrics output missing counter:\n%s", body)
	}
}
