package admin

import (
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/robohub/robohub/internal/dispatch"
	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
)

type bufConn struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *bufConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *bufConn) Close() error                     { return nil }
func (c *bufConn) SetWriteDeadline(time.Time) error { return nil }

func (c *bufConn) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

type fixture struct {
	client  *Client
	reg     *registry.Registry
	history *telemetry.History
	conns   []*bufConn
}

func newFixture(t *testing.T, sessions int) *fixture {
	t.Helper()

	reg := registry.New(10)
	conns := make([]*bufConn, sessions)
	for i := range conns {
		conns[i] = &bufConn{}
		if _, err := reg.Register(conns[i], "10.0.0.2"); err != nil {
			t.Fatalf("Register failed: %v", err)
		}
	}
	history := telemetry.NewHistory()
	t.Cleanup(history.Stop)

	impl := NewServer(reg, dispatch.New(reg, dispatch.Options{}), history)

	lis := bufconn.Listen(1 << 20)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Serve(ctx, lis, impl)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client, err := Dial("passthrough:///bufnet", grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	return &fixture{client: client, reg: reg, history: history, conns: conns}
}

func testCtx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestListSessions(t *testing.T) {
	f := newFixture(t, 2)
	reason := "init_slam"
	sess, _ := f.reg.Session(1)
	f.reg.UpdateMetadata(sess, registry.Metadata{Reason: &reason})

	sessions, err := f.client.ListSessions(testCtx(t))
	if err != nil {
		t.Fatalf("ListSessions failed: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("Expected 2 sessions, got %d", len(sessions))
	}
	if sessions[1].ID != 1 || sessions[1].Reason != "init_slam" || sessions[1].Peer != "10.0.0.2" {
		t.Fatalf("Wrong session: %+v", sessions[1])
	}
	if sessions[0].Key == "" || sessions[0].Key == sessions[1].Key {
		t.Fatal("Sessions should carry distinct keys")
	}
}

func TestSendCommandBroadcastsWithoutSession(t *testing.T) {
	f := newFixture(t, 3)

	res, err := f.client.SendCommand(testCtx(t), CommandRequest{Command: "check_status"})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if len(res.Delivered) != 3 || len(res.Failed) != 0 {
		t.Fatalf("Expected delivery to all sessions, got %+v", res)
	}
	for i, c := range f.conns {
		if !strings.Contains(c.String(), `"command":"check_status"`) {
			t.Fatalf("Session %d missed the broadcast: %q", i, c.String())
		}
	}
}

func TestSendCommandToSession(t *testing.T) {
	f := newFixture(t, 2)

	res, err := f.client.SendCommand(testCtx(t), CommandRequest{Command: "move", Session: "1", Direction: "left", Duration: 1.5})
	if err != nil {
		t.Fatalf("SendCommand failed: %v", err)
	}
	if len(res.Delivered) != 1 || res.Delivered[0] != 1 {
		t.Fatalf("Wrong delivery: %+v", res)
	}
	if f.conns[0].String() != "" {
		t.Fatal("Session 0 should not receive the command")
	}
	if !strings.Contains(f.conns[1].String(), `"direction":"left"`) {
		t.Fatalf("Session 1 got %q", f.conns[1].String())
	}

	s, _ := f.reg.Session(0)
	if _, err := f.client.SendCommand(testCtx(t), CommandRequest{Command: "get_jpeg", Session: s.Key()}); err != nil {
		t.Fatalf("SendCommand by key failed: %v", err)
	}
	if !strings.Contains(f.conns[0].String(), `"get_jpeg"`) {
		t.Fatal("Session 0 should receive the keyed command")
	}
}

func TestSendCommandErrors(t *testing.T) {
	f := newFixture(t, 1)

	tests := []struct {
		req  CommandRequest
		code codes.Code
	}{
		{CommandRequest{}, codes.InvalidArgument},
		{CommandRequest{Command: "dance"}, codes.InvalidArgument},
		{CommandRequest{Command: "move"}, codes.InvalidArgument},
		{CommandRequest{Command: "check_status", Session: "7"}, codes.NotFound},
		{CommandRequest{Command: "check_status", Session: "no-such-key"}, codes.NotFound},
	}
	for _, tt := range tests {
		_, err := f.client.SendCommand(testCtx(t), tt.req)
		if status.Code(err) != tt.code {
			t.Fatalf("%+v: expected %v, got %v", tt.req, tt.code, err)
		}
	}
}

func TestTelemetryHistory(t *testing.T) {
	f := newFixture(t, 1)

	f.history.Add("key-a", "10.0.0.2", telemetry.NewSample(envelope.Telemetry{Status: "ok", Battery: 85}, time.UnixMilli(1000)))
	f.history.Add("key-a", "10.0.0.2", telemetry.NewSample(envelope.Telemetry{Status: "ok", Battery: 84}, time.UnixMilli(2000)))

	res, err := f.client.TelemetryHistory(testCtx(t), "key-a", 1000)
	if err != nil {
		t.Fatalf("TelemetryHistory failed: %v", err)
	}
	if res.Peer != "10.0.0.2" || len(res.Samples) != 1 || res.Samples[0].Battery != 84 {
		t.Fatalf("Wrong history: %+v", res)
	}

	if _, err := f.client.TelemetryHistory(testCtx(t), "missing", 0); status.Code(err) != codes.NotFound {
		t.Fatalf("Expected NotFound, got %v", err)
	}
}
