package envelope

import (
	"bytes"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

func TestKind(t *testing.T) {
	tests := []struct {
		name string
		env  Envelope
		want Kind
	}{
		{"init", Envelope{"reason": "init_slam", "rtsp_url": "rtsp://x"}, KindInit},
		{"init without url", Envelope{"reason": "stream_monitoring"}, KindInit},
		{"telemetry", Envelope{"status": "ok", "battery": 85.0}, KindTelemetry},
		{"image", Envelope{"response": "jpeg_image", "size": 10.0}, KindImage},
		{"other response", Envelope{"response": "png_image"}, KindUnknown},
		{"command", Envelope{"command": "check_status", "timestamp": 1.0}, KindCommand},
		{"upload", Envelope{"upload_url": "rtsp://y", "timestamp": 1.0}, KindUploadURL},
		{"empty", Envelope{}, KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.Kind(); got != tt.want {
				t.Fatalf("Kind() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParseInitPartial(t *testing.T) {
	in, err := ParseInit(Envelope{"reason": "init_slam"})
	if err != nil {
		t.Fatalf("ParseInit failed: %v", err)
	}
	if in.Reason != "init_slam" {
		t.Fatalf("Wrong reason: %q", in.Reason)
	}
	if in.StreamURL != nil || in.DeviceID != nil {
		t.Fatal("Absent optional fields should stay nil")
	}

	if _, err := ParseInit(Envelope{"reason": 5.0}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed for non-string reason, got %v", err)
	}
	if _, err := ParseInit(Envelope{"reason": "x", "rtsp_url": true}); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed for non-string rtsp_url, got %v", err)
	}
}

func TestTelemetryRoundTrip(t *testing.T) {
	sent := Telemetry{Status: "ok", Battery: 85, IsMoving: true, CurrentPosition: "dock-3"}

	var buf bytes.Buffer
	if err := NewWriter(&buf).WriteEnvelope(sent.Envelope()); err != nil {
		t.Fatalf("WriteEnvelope failed: %v", err)
	}

	env, err := NewReader(&buf, 0).ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	got, err := ParseTelemetry(env)
	if err != nil {
		t.Fatalf("ParseTelemetry failed: %v", err)
	}
	if got != sent {
		t.Fatalf("Telemetry changed in transit: got %+v, want %+v", got, sent)
	}
}

func TestParseImageHeader(t *testing.T) {
	h, err := ParseImageHeader(Envelope{"response": "jpeg_image", "timestamp": 1700000000.0, "size": 4096.0})
	if err != nil {
		t.Fatalf("ParseImageHeader failed: %v", err)
	}
	if h.Size != 4096 || h.Timestamp != 1700000000 {
		t.Fatalf("Wrong header: %+v", h)
	}

	bad := []Envelope{
		{"response": "jpeg_image"},
		{"response": "jpeg_image", "size": "12"},
		{"response": "jpeg_image", "size": -1.0},
		{"response": "jpeg_image", "size": 1.5},
	}
	for _, env := range bad {
		if _, err := ParseImageHeader(env); !errors.Is(err, ErrMalformed) {
			t.Fatalf("Expected ErrMalformed for %v, got %v", env, err)
		}
	}
}

func TestParseCommandMove(t *testing.T) {
	at := time.Unix(1700000000, 0)
	cmd, err := ParseCommand(NewMove("forward", 3, at))
	if err != nil {
		t.Fatalf("ParseCommand failed: %v", err)
	}
	if cmd.Name != CommandMove || cmd.Direction != "forward" || cmd.Duration != 3 || cmd.Timestamp != at.Unix() {
		t.Fatalf("Wrong command: %+v", cmd)
	}
	if !cmd.HasDirection || !cmd.HasDuration {
		t.Fatal("Expected direction and duration to be present")
	}
}

func TestNewCommand(t *testing.T) {
	at := time.Unix(10, 0)
	if _, err := NewCommand("dance", CommandArgs{}, at); err == nil {
		t.Fatal("Expected error for unknown command")
	}
	if _, err := NewCommand(CommandMove, CommandArgs{}, at); err == nil {
		t.Fatal("Expected error for move without direction")
	}
	env, err := NewCommand(FieldUploadURL, CommandArgs{UploadURL: "rtsp://h/1"}, at)
	if err != nil {
		t.Fatalf("NewCommand failed: %v", err)
	}
	if env.Kind() != KindUploadURL {
		t.Fatalf("Wrong kind: %s", env.Kind())
	}
}

func TestReaderBackToBack(t *testing.T) {
	// Two envelopes in one chunk with no delimiter, as the original devices send them.
	r := NewReader(bytes.NewBufferString(`{"reason":"init_slam"}{"status":"ok","battery":85}`), 0)

	first, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("first ReadEnvelope failed: %v", err)
	}
	if first.Kind() != KindInit {
		t.Fatalf("first envelope kind = %s", first.Kind())
	}

	second, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("second ReadEnvelope failed: %v", err)
	}
	if second.Kind() != KindTelemetry {
		t.Fatalf("second envelope kind = %s", second.Kind())
	}

	if _, err := r.ReadEnvelope(); err != io.EOF {
		t.Fatalf("Expected io.EOF, got %v", err)
	}
}

func TestReaderSplitAcrossWrites(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()

	go func() {
		defer client.Close()
		client.Write([]byte(`{"reason":"init_`))
		time.Sleep(10 * time.Millisecond)
		client.Write([]byte(`slam","rtsp_url":"rtsp://x/{a}"}` + "\n"))
	}()

	env, err := NewReader(server, 0).ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if url, _ := env.String(FieldRTSPURL); url != "rtsp://x/{a}" {
		t.Fatalf("Wrong rtsp_url: %q", url)
	}
}

func TestReaderNestedAndEscapes(t *testing.T) {
	r := NewReader(bytes.NewBufferString(`{"a":{"b":[1,{"c":"}\"{"}]},"d":"\\"}`), 0)
	env, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	if d, _ := env.String("d"); d != `\` {
		t.Fatalf("Wrong d: %q", d)
	}
}

func TestReaderMalformedKeepsStream(t *testing.T) {
	r := NewReader(bytes.NewBufferString(`garbage{"reason":}{"reason":"ok"}`), 0)

	if _, err := r.ReadEnvelope(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed for stray bytes, got %v", err)
	}
	if _, err := r.ReadEnvelope(); !errors.Is(err, ErrMalformed) {
		t.Fatalf("Expected ErrMalformed for bad object, got %v", err)
	}
	env, err := r.ReadEnvelope()
	if err != nil {
		t.Fatalf("ReadEnvelope after malformed failed: %v", err)
	}
	if reason, _ := env.String(FieldReason); reason != "ok" {
		t.Fatalf("Wrong reason: %q", reason)
	}
}

func TestReaderTooLarge(t *testing.T) {
	r := NewReader(bytes.NewBufferString(`{"reason":"`+string(bytes.Repeat([]byte("x"), 100))+`"}`), 32)
	if _, err := r.ReadEnvelope(); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("Expected ErrTooLarge, got %v", err)
	}
}

func TestReaderTruncated(t *testing.T) {
	r := NewReader(bytes.NewBufferString(`{"reason":"init`), 0)
	if _, err := r.ReadEnvelope(); err != io.ErrUnexpectedEOF {
		t.Fatalf("Expected io.ErrUnexpectedEOF, got %v", err)
	}
}

func TestReaderRawBytesAfterEnvelope(t *testing.T) {
	payload := []byte{0x0A, 0xFF, 0xD8, 0x00, 0x7B, 0x0A, 0xFF, 0xD9}
	hdr, err := NewImageHeader(int64(len(payload)), time.Unix(1, 0)).MarshalObject()
	if err != nil {
		t.Fatalf("MarshalObject failed: %v", err)
	}
	if bytes.HasSuffix(hdr, []byte("\n")) {
		t.Fatalf("MarshalObject must not add a terminator: %q", hdr)
	}
	var buf bytes.Buffer
	buf.Write(hdr)
	buf.Write(payload)

	r := NewReader(&buf, 0)
	if _, err := r.ReadEnvelope(); err != nil {
		t.Fatalf("ReadEnvelope failed: %v", err)
	}
	got := make([]byte, len(payload))
	if _, err := io.ReadFull(r, got); err != nil {
		t.Fatalf("ReadFull failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Payload mismatch: %x", got)
	}
}
