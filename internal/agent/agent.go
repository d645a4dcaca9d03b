// Package agent implements the device side of a hub session
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/robohub/robohub/internal/capture"
	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/redact"
)

const (
	// DefaultBattery is the simulated charge at start
	DefaultBattery = 85
	// HomePosition is reported until the first completed move
	HomePosition = "home"

	directionStop = "stop"
	moveCost      = 1 // battery percent per move
)

// Config configures an Agent
type Config struct {
	Reason    string
	StreamURL string
	DeviceID  string
	Capturer  capture.Capturer

	Battery float64
	Now     func() time.Time
}

// Agent answers hub commands with simulated robot state
type Agent struct {
	cfg Config

	mu        sync.Mutex
	battery   float64
	moving    bool
	x, y      float64
	uploadURL string
	moveTimer *time.Timer
}

// New creates an agent
func New(cfg Config) *Agent {
	if cfg.Battery <= 0 {
		cfg.Battery = DefaultBattery
	}
	if cfg.Capturer == nil {
		cfg.Capturer = capture.TestPattern{}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Agent{cfg: cfg, battery: cfg.Battery}
}

// Dial connects to the hub control endpoint
func Dial(ctx context.Context, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to hub %s: %w", addr, err)
	}
	return conn, nil
}

// Run announces the agent on conn and serves commands until the hub
// disconnects or ctx is done. A clean disconnect returns nil.
func (a *Agent) Run(ctx context.Context, conn net.Conn) error {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer a.stopMoving()

	w := envelope.NewWriter(conn)
	if err := w.WriteEnvelope(envelope.NewInit(a.cfg.Reason, a.cfg.StreamURL, a.cfg.DeviceID)); err != nil {
		return fmt.Errorf("send init: %w", err)
	}
	logging.Infof("connected to hub: addr=%s reason=%s", conn.RemoteAddr(), a.cfg.Reason)

	r := envelope.NewReader(conn, 0)
	for {
		env, err := r.ReadEnvelope()
		if err != nil {
			switch {
			case errors.Is(err, envelope.ErrMalformed):
				logging.Warnf("malformed envelope from hub: %v", err)
				continue
			case ctx.Err() != nil:
				return nil
			case errors.Is(err, io.EOF):
				logging.Infof("hub closed the connection")
				return nil
			default:
				return fmt.Errorf("read from hub: %w", err)
			}
		}
		if err := a.handle(conn, w, env); err != nil {
			return err
		}
	}
}

// handle answers one envelope. Only write failures are returned.
func (a *Agent) handle(conn io.Writer, w *envelope.Writer, env envelope.Envelope) error {
	switch env.Kind() {
	case envelope.KindUploadURL:
		url, err := envelope.ParseUploadURL(env)
		if err != nil {
			logging.Warnf("bad upload_url envelope: %v", err)
			return nil
		}
		a.mu.Lock()
		a.uploadURL = url
		a.mu.Unlock()
		logging.Infof("upload target assigned: url=%s", redact.URL(url))
		return nil

	case envelope.KindCommand:
		cmd, err := envelope.ParseCommand(env)
		if err != nil {
			logging.Warnf("bad command envelope: %v", err)
			return nil
		}
		logging.Debugf("command received: command=%s timestamp=%d", cmd.Name, cmd.Timestamp)

		switch cmd.Name {
		case envelope.CommandCheckStatus:
			if err := w.WriteEnvelope(a.Status().Envelope()); err != nil {
				return fmt.Errorf("send status: %w", err)
			}
		case envelope.CommandMove:
			a.Move(cmd)
		case envelope.CommandGetJPEG:
			return a.sendImage(conn)
		default:
			logging.Warnf("unknown command: %s", cmd.Name)
		}
		return nil

	default:
		logging.Debugf("ignoring envelope: kind=%s", env.Kind())
		return nil
	}
}

// sendImage writes a jpeg_image envelope directly followed by the raw frame
func (a *Agent) sendImage(conn io.Writer) error {
	frame, err := a.cfg.Capturer.CaptureJPEG()
	if err != nil {
		logging.Warnf("capture failed, no image sent: %v", err)
		return nil
	}

	hdr, err := envelope.NewImageHeader(int64(len(frame)), a.cfg.Now()).MarshalObject()
	if err != nil {
		return err
	}
	// No newline: the frame starts right after the header's closing brace.
	// One write keeps the header and payload together on the wire.
	if _, err := conn.Write(append(hdr, frame...)); err != nil {
		return fmt.Errorf("send image: %w", err)
	}
	logging.Infof("image sent: bytes=%d", len(frame))
	return nil
}

// Move applies a move command: direction and duration, direction only
// (move until stopped), or no direction (stop).
func (a *Agent) Move(cmd envelope.Command) {
	if !cmd.HasDirection || cmd.Direction == directionStop {
		logging.Infof("robot stop")
		a.stopMoving()
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.moveTimer != nil {
		a.moveTimer.Stop()
		a.moveTimer = nil
	}
	a.moving = true
	a.battery = max(0, a.battery-moveCost)

	if !cmd.HasDuration || cmd.Duration <= 0 {
		logging.Infof("robot move: direction=%s", cmd.Direction)
		return
	}

	logging.Infof("robot move: direction=%s duration=%gs", cmd.Direction, cmd.Duration)
	dir, dist := cmd.Direction, cmd.Duration
	a.moveTimer = time.AfterFunc(time.Duration(cmd.Duration*float64(time.Second)), func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		a.moving = false
		a.moveTimer = nil
		switch dir {
		case "forward":
			a.y += dist
		case "backward", "back":
			a.y -= dist
		case "left":
			a.x -= dist
		case "right":
			a.x += dist
		}
	})
}

func (a *Agent) stopMoving() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.moveTimer != nil {
		a.moveTimer.Stop()
		a.moveTimer = nil
	}
	a.moving = false
}

// Status returns the current telemetry
func (a *Agent) Status() envelope.Telemetry {
	a.mu.Lock()
	defer a.mu.Unlock()

	pos := HomePosition
	if a.x != 0 || a.y != 0 {
		pos = fmt.Sprintf("x=%g,y=%g", a.x, a.y)
	}
	return envelope.Telemetry{
		Status:          "ok",
		Battery:         a.battery,
		IsMoving:        a.moving,
		CurrentPosition: pos,
	}
}

// UploadURL returns the last egress target assigned by the hub
func (a *Agent) UploadURL() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.uploadURL
}
