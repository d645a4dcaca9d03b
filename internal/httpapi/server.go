// Package httpapi serves the hub's HTTP status surface: health, Prometheus
// metrics, the session list, telemetry history, captured images and the
// live event feed.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/robohub/robohub/internal/feed"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/registry"
	"github.com/robohub/robohub/internal/telemetry"
	"github.com/robohub/robohub/internal/transfer"
)

const shutdownTimeout = 5 * time.Second

// Options wires the optional parts of the surface. Endpoints whose backing
// component is nil answer 404.
type Options struct {
	Metrics *telemetry.Metrics
	History *telemetry.History
	Tickets *transfer.Manager
	Feed    *feed.Feed
	Now     func() time.Time
}

// Server holds the HTTP handlers
type Server struct {
	registry  *registry.Registry
	opts      Options
	startedAt time.Time
	mux       *http.ServeMux
}

// HealthResponse is returned by /health
type HealthResponse struct {
	Ok       bool    `json:"ok"`
	Sessions int     `json:"sessions"`
	Capacity int     `json:"capacity"`
	Viewers  int     `json:"viewers"`
	UptimeS  float64 `json:"uptime_s"`
}

// ErrorResponse is the JSON body of every error reply
type ErrorResponse struct {
	Error string `json:"error"`
}

// NewServer builds the handler set
func NewServer(reg *registry.Registry, opts Options) *Server {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	s := &Server{registry: reg, opts: opts, startedAt: opts.Now()}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/{key}/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/images/{token}", s.handleImage)
	if opts.Metrics != nil {
		mux.Handle("/metrics", opts.Metrics.Handler())
	}
	if opts.Feed != nil {
		mux.Handle("/ws", opts.Feed)
	}
	s.mux = mux
	return s
}

// Handler returns the root handler
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe serves on addr until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done, then shuts down gracefully
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()
	logging.Infof("HTTP status surface listening: addr=%s", ln.Addr())

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Warnf("HTTP shutdown: %v", err)
		srv.Close()
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	resp := HealthResponse{
		Ok:       true,
		Sessions: s.registry.Len(),
		Capacity: s.registry.Capacity(),
		UptimeS:  s.opts.Now().Sub(s.startedAt).Seconds(),
	}
	if s.opts.Feed != nil {
		resp.Viewers = s.opts.Feed.ViewerCount()
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.registry.Snapshot())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.opts.History == nil {
		s.writeError(w, http.StatusNotFound, "telemetry history is disabled")
		return
	}

	key := r.PathValue("key")
	var since int64
	if v := r.URL.Query().Get("since_ms"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid since_ms: %q", v))
			return
		}
		since = n
	}

	if _, ok := s.opts.History.Peer(key); !ok {
		s.writeError(w, http.StatusNotFound, fmt.Sprintf("no telemetry for session %s", key))
		return
	}
	s.writeJSON(w, http.StatusOK, s.opts.History.Get(key, since))
}

// handleImage serves a stored capture once per ticket
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.opts.Tickets == nil {
		s.writeError(w, http.StatusNotFound, "image downloads are disabled")
		return
	}

	ticket := s.opts.Tickets.Consume(r.PathValue("token"))
	if ticket == nil {
		s.writeError(w, http.StatusNotFound, "unknown or expired ticket")
		return
	}

	f, err := os.Open(ticket.FilePath)
	if err != nil {
		logging.Errorf("image download: open %s: %v", ticket.FilePath, err)
		s.writeError(w, http.StatusGone, "capture no longer available")
		return
	}
	defer f.Close()

	st, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	logging.Infof("image download: file=%s peer=%s bytes=%d", ticket.Filename, ticket.Peer, st.Size())
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", ticket.Filename))
	http.ServeContent(w, r, ticket.Filename, st.ModTime(), f)
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
