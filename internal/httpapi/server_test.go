package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/robohub/robohub/internal/feed"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
	"github.com/robohub/robohub/internal/transfer"
)

type nopConn struct{}

func (nopConn) Write(p []byte) (int, error)      { return len(p), nil }
func (nopConn) Close() error                     { return nil }
func (nopConn) SetWriteDeadline(time.Time) error { return nil }

type fixture struct {
	srv     *httptest.Server
	reg     *registry.Registry
	history *telemetry.History
	tickets *transfer.Manager
	metrics *telemetry.Metrics
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(4),
		history: telemetry.NewHistory(),
		tickets: transfer.NewManager(time.Minute),
		metrics: telemetry.NewMetrics(),
	}
	t.Cleanup(f.history.Stop)

	s := NewServer(f.reg, Options{
		Metrics: f.metrics,
		History: f.history,
		Tickets: f.tickets,
		Feed:    feed.New(2, nil),
	})
	f.srv = httptest.NewServer(s.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(f.srv.URL + path)
	if err != nil {
		t.Fatalf("GET %s failed: %v", path, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v any) {
	t.Helper()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	if _, err := f.reg.Register(nopConn{}, "10.0.0.5:4000"); err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	resp := f.get(t, "/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	var h HealthResponse
	decode(t, resp, &h)
	if !h.Ok || h.Sessions != 1 || h.Capacity != 4 {
		t.Fatalf("Unexpected health: %+v", h)
	}
}

func TestSessions(t *testing.T) {
	f := newFixture(t)
	sess, err := f.reg.Register(nopConn{}, "10.0.0.5:4000")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	var infos []registry.Info
	decode(t, f.get(t, "/api/sessions"), &infos)
	if len(infos) != 1 || infos[0].Key != sess.Key() || infos[0].Peer != "10.0.0.5:4000" {
		t.Fatalf("Unexpected sessions: %+v", infos)
	}

	resp, err := http.Post(f.srv.URL+"/api/sessions", "application/json", nil)
	if err != nil {
		t.Fatalf("POST failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", resp.StatusCode)
	}
}

func TestTelemetryHistory(t *testing.T) {
	f := newFixture(t)
	f.history.Add("abc", "10.0.0.5:4000", telemetry.Sample{Timestamp: 1000, Status: "ok", Battery: 85})
	f.history.Add("abc", "10.0.0.5:4000", telemetry.Sample{Timestamp: 2000, Status: "ok", Battery: 84})

	var samples []telemetry.Sample
	decode(t, f.get(t, "/api/sessions/abc/telemetry?since_ms=1000"), &samples)
	if len(samples) != 1 || samples[0].Battery != 84 {
		t.Fatalf("Unexpected samples: %+v", samples)
	}

	if resp := f.get(t, "/api/sessions/nope/telemetry"); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Expected 404 for unknown key, got %d", resp.StatusCode)
	}
	if resp := f.get(t, "/api/sessions/abc/telemetry?since_ms=x"); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("Expected 400 for bad since_ms, got %d", resp.StatusCode)
	}
}

func TestImageTicketIsSingleUse(t *testing.T) {
	f := newFixture(t)
	path := filepath.Join(t.TempDir(), "10.0.0.5_1700000000.jpg")
	if err := os.WriteFile(path, []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	ticket, err := f.tickets.Create(transfer.Result{Path: path, Peer: "10.0.0.5", Bytes: 4}, filepath.Base(path))
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	resp := f.get(t, "/api/images/"+ticket.Token)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/jpeg" {
		t.Fatalf("Wrong content type: %s", ct)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "10.0.0.5_1700000000.jpg") {
		t.Fatalf("Wrong content disposition: %s", cd)
	}
	body, _ := io.ReadAll(resp.Body)
	if len(body) != 4 {
		t.Fatalf("Expected 4 bytes, got %d", len(body))
	}

	if resp := f.get(t, "/api/images/"+ticket.Token); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("Second download should fail, got %d", resp.StatusCode)
	}
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	f.metrics.ConnectionsAccepted.Inc()

	body, _ := io.ReadAll(f.get(t, "/metrics").Body)
	if !strings.Contains(string(body), "robohub_connections_accepted_total 1") {
		t.Fatalf("Counter missing from exposition:\n%s", body)
	}
}
