package hub

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/feed"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/redact"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
	"github.com/robohub/robohub/internal/transfer"
)

// State is a connection handler state
type State int

const (
	StateAwaitingEnvelope State = iota
	StateProcessingEnvelope
	StateReceivingImage
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAwaitingEnvelope:
		return "awaiting_envelope"
	case StateProcessingEnvelope:
		return "processing_envelope"
	case StateReceivingImage:
		return "receiving_image"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// handler owns the read side of one connection. Writes go through the
// session so they serialize with the dispatcher.
type handler struct {
	srv   *Server
	conn  net.Conn
	sess  *registry.Session
	r     *envelope.Reader
	state State
}

func newHandler(srv *Server, conn net.Conn, sess *registry.Session) *handler {
	return &handler{
		srv:  srv,
		conn: conn,
		sess: sess,
		r:    envelope.NewReader(&deadlineReader{conn: conn, timeout: srv.opts.ReadTimeout}, srv.opts.MaxEnvelopeBytes),
	}
}

// run reads envelopes until the connection fails. The returned error says why.
func (h *handler) run() error {
	for {
		h.setState(StateAwaitingEnvelope)
		env, err := h.r.ReadEnvelope()
		if err != nil {
			switch {
			case errors.Is(err, envelope.ErrMalformed):
				h.malformed(err)
				continue
			case errors.Is(err, io.EOF):
				return ErrPeerClosed
			case errors.Is(err, envelope.ErrTooLarge):
				h.countMalformed()
				return err
			default:
				return fmt.Errorf("%w: %w", ErrIO, err)
			}
		}

		h.setState(StateProcessingEnvelope)
		if err := h.process(env); err != nil {
			return err
		}
	}
}

// process dispatches one envelope by kind. Only connection failures are returned.
func (h *handler) process(env envelope.Envelope) error {
	kind := env.Kind()
	if m := h.srv.opts.Metrics; m != nil {
		m.EnvelopesReceived.WithLabelValues(string(kind)).Inc()
	}
	h.srv.registry.Touch(h.sess)

	switch kind {
	case envelope.KindInit:
		return h.handleInit(env)
	case envelope.KindTelemetry:
		h.handleTelemetry(env)
	case envelope.KindImage:
		return h.handleImage(env)
	case envelope.KindCommand:
		name, _ := env.String(envelope.FieldCommand)
		logging.Debugf("ignoring command envelope from device: id=%d command=%q", h.sess.ID(), name)
	default:
		logging.Warnf("unrecognized envelope: id=%d peer=%s", h.sess.ID(), h.sess.Peer())
	}
	return nil
}

func (h *handler) handleInit(env envelope.Envelope) error {
	in, err := envelope.ParseInit(env)
	if err != nil {
		h.malformed(err)
		return nil
	}

	md := registry.Metadata{Reason: &in.Reason, StreamURL: in.StreamURL, DeviceID: in.DeviceID}
	if err := h.srv.registry.UpdateMetadata(h.sess, md); err != nil {
		// The session was closed under us (shutdown); the next read fails.
		logging.Debugf("init after removal: id=%d err=%v", h.sess.ID(), err)
		return nil
	}

	url := h.srv.uploadURL(h.conn.LocalAddr(), h.sess)
	if err := h.srv.registry.SetUploadURL(h.sess, url); err != nil {
		return nil
	}

	streamURL := ""
	if in.StreamURL != nil {
		streamURL = *in.StreamURL
	}
	logging.Infof("session init: id=%d peer=%s reason=%q stream_url=%s upload_url=%s",
		h.sess.ID(), h.sess.Peer(), in.Reason, redact.URL(streamURL), redact.URL(url))
	if redact.ContainsCredentials(streamURL) {
		logging.Warnf("session %d sent a stream_url with embedded credentials; it is stored as given", h.sess.ID())
	}
	if info, ok := h.srv.registry.Get(h.sess.ID()); ok {
		h.srv.publish(feed.EventSessionUpdated, h.sess, info)
	}

	if err := h.sess.Send(envelope.NewUploadURL(url, h.srv.opts.Now())); err != nil {
		if m := h.srv.opts.Metrics; m != nil {
			m.CommandsFailed.WithLabelValues(envelope.FieldUploadURL).Inc()
		}
		return fmt.Errorf("%w: %w", ErrIO, err)
	}
	if m := h.srv.opts.Metrics; m != nil {
		m.CommandsSent.WithLabelValues(envelope.FieldUploadURL).Inc()
	}
	return nil
}

func (h *handler) handleTelemetry(env envelope.Envelope) {
	t, err := envelope.ParseTelemetry(env)
	if err != nil {
		h.malformed(err)
		return
	}

	if err := h.srv.registry.RecordTelemetry(h.sess, t); err != nil {
		return
	}
	now := h.srv.opts.Now()
	if hist := h.srv.opts.History; hist != nil {
		hist.Add(h.sess.Key(), h.sess.Peer(), telemetry.NewSample(t, now))
	}

	logging.Debugf("telemetry: id=%d status=%s battery=%v moving=%v position=%q",
		h.sess.ID(), t.Status, t.Battery, t.IsMoving, t.CurrentPosition)
	h.srv.publish(feed.EventTelemetry, h.sess, t)
}

func (h *handler) handleImage(env envelope.Envelope) error {
	hdr, err := envelope.ParseImageHeader(env)
	if err != nil {
		h.malformed(err)
		return nil
	}

	if limit := h.srv.opts.MaxImageBytes; limit > 0 && hdr.Size > limit {
		// Skip the payload so the stream stays aligned on the next envelope.
		logging.Warnf("image too large, discarding: id=%d size=%d max=%d", h.sess.ID(), hdr.Size, limit)
		if _, err := io.CopyN(io.Discard, h.r, hdr.Size); err != nil {
			return fmt.Errorf("%w: %w", ErrIO, err)
		}
		return nil
	}

	h.setState(StateReceivingImage)
	if h.srv.opts.Sink == nil {
		return fmt.Errorf("%w: no image sink configured", transfer.ErrAborted)
	}

	// The payload starts at the byte after the header's closing brace.
	res, err := transfer.Receive(h.r, hdr.Size, h.srv.opts.Sink, h.sess.Peer(), h.srv.opts.Now())
	if err != nil {
		h.transferAborted(err)
		return err
	}

	if m := h.srv.opts.Metrics; m != nil {
		m.ImageBytes.Add(float64(res.Bytes))
		m.TransfersComplete.Inc()
		m.TransferDuration.Observe(res.Duration.Seconds())
	}
	logging.Infof("image received: id=%d peer=%s bytes=%d path=%s", h.sess.ID(), h.sess.Peer(), res.Bytes, res.Path)

	payload := imageEvent{Path: res.Path, Bytes: res.Bytes}
	if tickets := h.srv.opts.Tickets; tickets != nil {
		ticket, err := tickets.Create(res, filepath.Base(res.Path))
		if err != nil {
			logging.Warnf("failed to create download ticket: path=%s err=%v", res.Path, err)
		} else {
			payload.Token = ticket.Token
		}
	}
	h.srv.publish(feed.EventImageReceived, h.sess, payload)
	return nil
}

type imageEvent struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
	Token string `json:"token,omitempty"`
}

func (h *handler) malformed(err error) {
	h.countMalformed()
	logging.Warnf("malformed envelope dropped: id=%d peer=%s err=%v", h.sess.ID(), h.sess.Peer(), err)
}

func (h *handler) countMalformed() {
	if m := h.srv.opts.Metrics; m != nil {
		m.MalformedEnvelopes.Inc()
	}
}

func (h *handler) transferAborted(err error) {
	if m := h.srv.opts.Metrics; m != nil {
		m.TransfersAborted.Inc()
	}
	logging.Warnf("image transfer aborted: id=%d peer=%s err=%v", h.sess.ID(), h.sess.Peer(), err)
}

// setState records a transition. The per-envelope awaiting/processing cycle
// is not logged.
func (h *handler) setState(next State) {
	if next == h.state {
		return
	}
	if next == StateReceivingImage || next == StateClosed || h.state == StateReceivingImage {
		logging.Debugf("session state: id=%d %s -> %s", h.sess.ID(), h.state, next)
	}
	h.state = next
}

// closedEvent is the payload of a session_closed event
type closedEvent struct {
	// State the handler was in when the session ended
	State string `json:"state"`
	Error string `json:"error,omitempty"`
}

// close removes the session and reports why it ended
func (h *handler) close(cause error) {
	last := h.state
	h.setState(StateClosed)
	removed := h.srv.registry.RemoveSession(h.sess)
	if !removed {
		// Already removed by CloseAll. A second Close is harmless.
		h.conn.Close()
	}

	switch {
	case errors.Is(cause, ErrPeerClosed):
		logging.Infof("session closed by peer: id=%d key=%s peer=%s", h.sess.ID(), h.sess.Key(), h.sess.Peer())
	case errors.Is(cause, net.ErrClosed):
		logging.Infof("session closed: id=%d key=%s peer=%s", h.sess.ID(), h.sess.Key(), h.sess.Peer())
	case errors.Is(cause, os.ErrDeadlineExceeded):
		logging.Warnf("session timed out: id=%d key=%s peer=%s", h.sess.ID(), h.sess.Key(), h.sess.Peer())
	default:
		logging.Warnf("session closed: id=%d key=%s peer=%s state=%s err=%v", h.sess.ID(), h.sess.Key(), h.sess.Peer(), last, cause)
	}

	if m := h.srv.opts.Metrics; m != nil {
		m.ActiveSessions.Set(float64(h.srv.registry.Len()))
		m.SessionDuration.Observe(h.srv.opts.Now().Sub(h.sess.ConnectedAt()).Seconds())
	}
	ev := closedEvent{State: last.String()}
	if cause != nil && !errors.Is(cause, ErrPeerClosed) {
		ev.Error = cause.Error()
	}
	h.srv.publish(feed.EventSessionClosed, h.sess, ev)
}

// deadlineReader refreshes the read deadline before every read, so the
// timeout bounds idle time rather than the length of a whole transfer.
type deadlineReader struct {
	conn    net.Conn
	timeout time.Duration
}

func (d *deadlineReader) Read(p []byte) (int, error) {
	if d.timeout > 0 {
		if err := d.conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
			return 0, err
		}
	}
	return d.conn.Read(p)
}
