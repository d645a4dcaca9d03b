package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/telemetry"
)

func listenLoopback(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestParseBeacon(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		want    Beacon
		wantErr bool
	}{
		{"valid", `{"server_ip":"192.168.1.20","server_port":5566}`, Beacon{"192.168.1.20", 5566}, false},
		{"extra fields", `{"server_ip":"10.0.0.1","server_port":80,"name":"hub"}`, Beacon{"10.0.0.1", 80}, false},
		{"not json", `hello`, Beacon{}, true},
		{"missing port", `{"server_ip":"10.0.0.1"}`, Beacon{}, true},
		{"bad ip", `{"server_ip":"hub.local","server_port":5566}`, Beacon{}, true},
		{"port out of range", `{"server_ip":"10.0.0.1","server_port":70000}`, Beacon{}, true},
		{"fractional port", `{"server_ip":"10.0.0.1","server_port":55.5}`, Beacon{}, true},
	}

	for _, tt := range tests {
		got, err := ParseBeacon([]byte(tt.data))
		if tt.wantErr {
			if !errors.Is(err, envelope.ErrMalformed) {
				t.Fatalf("%s: expected ErrMalformed, got %v", tt.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: ParseBeacon failed: %v", tt.name, err)
		}
		if got != tt.want {
			t.Fatalf("%s: got %+v, want %+v", tt.name, got, tt.want)
		}
	}
}

func TestBeaconAddr(t *testing.T) {
	if got := (Beacon{ServerIP: "fe80::1", ServerPort: 5566}).Addr(); got != "[fe80::1]:5566" {
		t.Fatalf("Wrong addr: %s", got)
	}
}

func TestBroadcasterToDiscover(t *testing.T) {
	listener := listenLoopback(t)
	port := listener.LocalAddr().(*net.UDPAddr).Port
	m := telemetry.NewMetrics()

	b := NewBroadcaster(BroadcasterConfig{
		ServerPort:    5566,
		Port:          port,
		Interval:      20 * time.Millisecond,
		BroadcastAddr: "127.0.0.1",
		Metrics:       m,
		ResolveIP:     func() (net.IP, error) { return net.ParseIP("192.168.7.7"), nil },
	})
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer b.Stop()

	res := discoverOn(context.Background(), listener, Options{Timeout: 2 * time.Second}.withDefaults())
	if res.Fallback {
		t.Fatalf("Expected a discovered address, fell back: %v", res.Err)
	}
	if res.Addr != "192.168.7.7:5566" {
		t.Fatalf("Wrong discovered address: %s", res.Addr)
	}
	if testutil.ToFloat64(m.BeaconsSent) < 1 {
		t.Fatal("Beacon counter not incremented")
	}
}

func TestDiscoverTimeoutFallsBack(t *testing.T) {
	listener := listenLoopback(t)

	start := time.Now()
	res := discoverOn(context.Background(), listener, Options{Timeout: 50 * time.Millisecond}.withDefaults())
	if !res.Fallback || res.Addr != DefaultFallbackAddr {
		t.Fatalf("Expected fallback to %s, got %+v", DefaultFallbackAddr, res)
	}
	if !errors.Is(res.Err, ErrNoBeacon) {
		t.Fatalf("Expected ErrNoBeacon, got %v", res.Err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatal("Discover waited far past its timeout")
	}
}

func TestDiscoverMalformedFallsBack(t *testing.T) {
	listener := listenLoopback(t)

	sender, err := net.DialUDP("udp4", nil, listener.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatalf("DialUDP failed: %v", err)
	}
	defer sender.Close()
	sender.Write([]byte(`{"server_ip":"nope"}`))

	res := discoverOn(context.Background(), listener, Options{Timeout: 2 * time.Second, Fallback: "10.9.9.9:1"}.withDefaults())
	if !res.Fallback || res.Addr != "10.9.9.9:1" {
		t.Fatalf("Expected custom fallback, got %+v", res)
	}
	if !errors.Is(res.Err, envelope.ErrMalformed) {
		t.Fatalf("Expected ErrMalformed cause, got %v", res.Err)
	}
}

func TestDiscoverCancelled(t *testing.T) {
	listener := listenLoopback(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	res := discoverOn(ctx, listener, Options{Timeout: 10 * time.Second}.withDefaults())
	if !res.Fallback || !errors.Is(res.Err, context.Canceled) {
		t.Fatalf("Expected cancelled fallback, got %+v", res)
	}
}

func TestBroadcasterResolveFailure(t *testing.T) {
	m := telemetry.NewMetrics()
	b := NewBroadcaster(BroadcasterConfig{
		ServerPort:    5566,
		Port:          9,
		BroadcastAddr: "127.0.0.1",
		Interval:      time.Hour,
		Metrics:       m,
		ResolveIP:     func() (net.IP, error) { return nil, errors.New("no route") },
	})
	if err := b.Start(); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	b.Stop()

	if got := testutil.ToFloat64(m.BeaconsFailed); got != 1 {
		t.Fatalf("Expected one failed beacon, got %v", got)
	}
}
