// Package hub accepts device connections and runs one handler per session
package hub

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/feed"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
	"github.com/robohub/robohub/internal/transfer"
)

var (
	// ErrPeerClosed means the device closed its end of the connection
	ErrPeerClosed = errors.New("peer closed connection")
	// ErrIO wraps read and write failures on a device connection
	ErrIO = errors.New("connection i/o failure")
)

// DefaultUploadURLTemplate builds the egress stream target assigned to a device
const DefaultUploadURLTemplate = "rtsp://{server_ip}:8554/{peer}/{slot}"

// Options configures a Server. Zero values select defaults; nil collaborators are skipped.
type Options struct {
	MaxEnvelopeBytes  int
	MaxImageBytes     int64         // 0 means unlimited
	ReadTimeout       time.Duration // 0 disables
	UploadURLTemplate string

	Sink    transfer.Sink
	Tickets *transfer.Manager
	Metrics *telemetry.Metrics
	History *telemetry.History
	Events  feed.Publisher

	Now func() time.Time
}

// Server is the TCP front of the hub
type Server struct {
	registry *registry.Registry
	opts     Options

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
}

// NewServer creates a server that registers sessions in reg
func NewServer(reg *registry.Registry, opts Options) *Server {
	if opts.MaxEnvelopeBytes <= 0 {
		opts.MaxEnvelopeBytes = envelope.DefaultMaxSize
	}
	if opts.UploadURLTemplate == "" {
		opts.UploadURLTemplate = DefaultUploadURLTemplate
	}
	if opts.Events == nil {
		opts.Events = feed.Discard
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Server{registry: reg, opts: opts}
}

// ListenAndServe listens on addr and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Addr returns the listener address once serving
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Serve accepts connections on ln until ctx is done or ln is closed. Accept
// errors are retried with backoff. On shutdown the listener is closed, every
// live session is closed through the registry, and Serve waits for the
// handlers to exit.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	logging.Infof("hub listening: addr=%s max_clients=%d", ln.Addr(), s.registry.Capacity())

	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-stop:
		}
	}()
	defer close(stop)

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// EMFILE, ECONNABORTED and timeouts pass; live sessions are unaffected.
			backoff = nextBackoff(backoff)
			logging.Warnf("accept failed, retrying: err=%v delay=%v", err, backoff)
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		s.accept(conn)
	}

	n := s.registry.CloseAll()
	if n > 0 {
		logging.Infof("closed sessions on shutdown: count=%d", n)
	}
	s.wg.Wait()
	return nil
}

func nextBackoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}
	if d *= 2; d > time.Second {
		d = time.Second
	}
	return d
}

// accept registers conn and starts its handler, or closes it when full
func (s *Server) accept(conn net.Conn) {
	peer := peerIP(conn.RemoteAddr())

	sess, err := s.registry.Register(conn, peer)
	if err != nil {
		logging.Warnf("connection refused: peer=%s err=%v", peer, err)
		if s.opts.Metrics != nil {
			s.opts.Metrics.ConnectionsRefused.Inc()
		}
		conn.Close()
		return
	}

	if s.opts.Metrics != nil {
		s.opts.Metrics.ConnectionsAccepted.Inc()
		s.opts.Metrics.ActiveSessions.Set(float64(s.registry.Len()))
	}
	logging.Infof("session opened: id=%d key=%s peer=%s", sess.ID(), sess.Key(), peer)
	s.publish(feed.EventSessionOpened, sess, nil)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.handle(conn, sess)
	}()
}

// handle runs the per-connection state machine to completion
func (s *Server) handle(conn net.Conn, sess *registry.Session) {
	h := newHandler(s, conn, sess)
	err := h.run()
	h.close(err)
}

func (s *Server) publish(typ feed.EventType, sess *registry.Session, payload any) {
	s.opts.Events.Publish(feed.Event{
		Type:       typ,
		Time:       s.opts.Now(),
		SessionID:  sess.ID(),
		SessionKey: sess.Key(),
		Peer:       sess.Peer(),
		Payload:    payload,
	})
}

// uploadURL expands the template for a session reached through localAddr
func (s *Server) uploadURL(localAddr net.Addr, sess *registry.Session) string {
	r := strings.NewReplacer(
		"{server_ip}", hostForURL(peerIP(localAddr)),
		"{peer}", sess.Peer(),
		"{slot}", strconv.Itoa(sess.ID()),
		"{key}", sess.Key(),
	)
	return r.Replace(s.opts.UploadURLTemplate)
}

// peerIP returns the IP part of addr without the port
func peerIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func hostForURL(ip string) string {
	if strings.Contains(ip, ":") {
		return "[" + ip + "]"
	}
	return ip
}
