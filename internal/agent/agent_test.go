package agent

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/robohub/robohub/internal/dispatch"
	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/hub"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/transfer"
)

type staticFrame []byte

func (f staticFrame) CaptureJPEG() ([]byte, error) { return f, nil }

// hubSide drives the other end of a pipe the way the hub would
type hubSide struct {
	conn net.Conn
	r    *envelope.Reader
	w    *envelope.Writer
}

func startAgent(t *testing.T, a *Agent) *hubSide {
	t.Helper()
	agentEnd, hubEnd := net.Pipe()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx, agentEnd) }()

	t.Cleanup(func() {
		cancel()
		hubEnd.Close()
		select {
		case <-done:
		case <-time.After(3 * time.Second):
			t.Errorf("Agent did not stop")
		}
	})

	return &hubSide{conn: hubEnd, r: envelope.NewReader(hubEnd, 0), w: envelope.NewWriter(hubEnd)}
}

func (h *hubSide) read(t *testing.T) envelope.Envelope {
	t.Helper()
	h.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	env, err := h.r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	return env
}

func (h *hubSide) send(t *testing.T, env envelope.Envelope) {
	t.Helper()
	h.conn.SetWriteDeadline(time.Now().Add(3 * time.Second))
	if err := h.w.WriteEnvelope(env); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}
}

func TestInitAndStatus(t *testing.T) {
	a := New(Config{Reason: "init_slam", StreamURL: "rtsp://cam/0", DeviceID: "dev-9"})
	h := startAgent(t, a)

	in, err := envelope.ParseInit(h.read(t))
	if err != nil {
		t.Fatalf("ParseInit failed: %v", err)
	}
	if in.Reason != "init_slam" || in.StreamURL == nil || *in.StreamURL != "rtsp://cam/0" || in.DeviceID == nil || *in.DeviceID != "dev-9" {
		t.Fatalf("Wrong init: %+v", in)
	}

	h.send(t, envelope.NewCheckStatus(time.Now()))
	st, err := envelope.ParseTelemetry(h.read(t))
	if err != nil {
		t.Fatalf("ParseTelemetry failed: %v", err)
	}
	want := envelope.Telemetry{Status: "ok", Battery: 85, IsMoving: false, CurrentPosition: "home"}
	if st != want {
		t.Fatalf("Wrong status: got %+v, want %+v", st, want)
	}
}

func TestGetJPEGSendsHeaderAndBytes(t *testing.T) {
	frame := staticFrame{'\n', 0xFF, 0xD8, 0x01, '{', '}', 0xFF, 0xD9}
	a := New(Config{Reason: "init_slam", Capturer: frame, Now: func() time.Time { return time.Unix(55, 0) }})
	h := startAgent(t, a)
	h.read(t)

	h.send(t, envelope.NewGetJPEG(time.Now()))
	hdr, err := envelope.ParseImageHeader(h.read(t))
	if err != nil {
		t.Fatalf("ParseImageHeader failed: %v", err)
	}
	if hdr.Size != int64(len(frame)) || hdr.Timestamp != 55 {
		t.Fatalf("Wrong header: %+v", hdr)
	}

	got := make([]byte, hdr.Size)
	if _, err := io.ReadFull(h.r, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(got, frame) {
		t.Fatalf("Wrong payload: %x", got)
	}
}

func TestMoveVariants(t *testing.T) {
	a := New(Config{Reason: "init_slam"})

	a.Move(envelope.Command{Name: "move", Direction: "forward", HasDirection: true, Duration: 0.02, HasDuration: true})
	if st := a.Status(); !st.IsMoving || st.Battery != 84 {
		t.Fatalf("Timed move should start moving and cost battery: %+v", st)
	}

	deadline := time.Now().Add(2 * time.Second)
	for a.Status().IsMoving {
		if time.Now().After(deadline) {
			t.Fatal("Timed move never finished")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if pos := a.Status().CurrentPosition; pos != "x=0,y=0.02" {
		t.Fatalf("Wrong position after move: %s", pos)
	}

	a.Move(envelope.Command{Name: "move", Direction: "left", HasDirection: true})
	if !a.Status().IsMoving {
		t.Fatal("Direction-only move should keep moving")
	}

	a.Move(envelope.Command{Name: "move"})
	if a.Status().IsMoving {
		t.Fatal("Move without direction should stop")
	}
}

func TestUploadURLRecorded(t *testing.T) {
	a := New(Config{Reason: "init_slam"})
	h := startAgent(t, a)
	h.read(t)

	h.send(t, envelope.NewUploadURL("rtsp://10.0.0.1:8554/x/0", time.Now()))
	// A status round trip orders the assertion after the upload_url was handled.
	h.send(t, envelope.NewCheckStatus(time.Now()))
	h.read(t)

	if got := a.UploadURL(); got != "rtsp://10.0.0.1:8554/x/0" {
		t.Fatalf("Wrong upload URL: %q", got)
	}
}

func TestAgentAgainstHub(t *testing.T) {
	dir := t.TempDir()
	sink, err := transfer.NewFileSink(dir)
	if err != nil {
		t.Fatalf("NewFileSink failed: %v", err)
	}
	reg := registry.New(10)
	srv := hub.NewServer(reg, hub.Options{Sink: sink})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Serve(ctx, ln)

	conn, err := Dial(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	a := New(Config{Reason: "init_slam", DeviceID: "dev-1", Capturer: staticFrame{0xFF, 0xD8, 0xFF, 0xD9}})
	go a.Run(ctx, conn)

	waitFor := func(what string, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(3 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatalf("Timed out waiting for %s", what)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	waitFor("upload url", func() bool { return a.UploadURL() != "" })
	info, _ := reg.Get(0)
	if info.DeviceID != "dev-1" || info.UploadURL != a.UploadURL() {
		t.Fatalf("Hub and agent disagree: hub=%+v agent=%s", info, a.UploadURL())
	}

	d := dispatch.New(reg, dispatch.Options{})
	d.Broadcast(envelope.NewCheckStatus(time.Now()))
	waitFor("telemetry", func() bool {
		info, ok := reg.Get(0)
		return ok && info.Telemetry != nil
	})

	d.Broadcast(envelope.NewGetJPEG(time.Now()))
	waitFor("image file", func() bool {
		matches, _ := filepath.Glob(filepath.Join(dir, "127.0.0.1_*.jpg"))
		if len(matches) != 1 {
			return false
		}
		data, _ := os.ReadFile(matches[0])
		return bytes.Equal(data, []byte{0xFF, 0xD8, 0xFF, 0xD9})
	})
}
