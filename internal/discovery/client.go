package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/robohub/robohub/internal/logging"
)

const (
	// DefaultTimeout bounds how long a device waits for a beacon
	DefaultTimeout = 30 * time.Second
	// DefaultFallbackAddr is used when no beacon arrives
	DefaultFallbackAddr = "127.0.0.1:5566"
)

// ErrNoBeacon is the fallback cause when the wait timed out
var ErrNoBeacon = errors.New("no discovery beacon received")

// Options configures Discover
type Options struct {
	Port     int
	Timeout  time.Duration
	Fallback string
}

// Result is the outcome of one discovery attempt
type Result struct {
	// Addr is the control endpoint to dial, discovered or fallback
	Addr string
	// Beacon is set when a beacon was received
	Beacon Beacon
	// From is the beacon's source address
	From *net.UDPAddr
	// Fallback is true when Addr is the fallback, with Err saying why
	Fallback bool
	Err      error
}

func (o Options) withDefaults() Options {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Fallback == "" {
		o.Fallback = DefaultFallbackAddr
	}
	return o
}

// Discover waits for one beacon on the discovery port. It never fails: on
// timeout, cancellation, a bind error or a malformed datagram it returns the
// fallback address with Fallback set.
func Discover(ctx context.Context, opts Options) Result {
	opts = opts.withDefaults()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: opts.Port})
	if err != nil {
		return fallback(opts, fmt.Errorf("failed to bind UDP port %d: %w", opts.Port, err))
	}
	defer conn.Close()

	logging.Infof("waiting for discovery beacon: port=%d timeout=%v", opts.Port, opts.Timeout)
	return discoverOn(ctx, conn, opts)
}

// discoverOn runs a single-shot wait on an already bound socket
func discoverOn(ctx context.Context, conn *net.UDPConn, opts Options) Result {
	deadline := time.Now().Add(opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return fallback(opts, err)
	}

	// Unblock the read on cancellation.
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	buf := make([]byte, MaxMessageSize)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		if ctx.Err() != nil {
			return fallback(opts, ctx.Err())
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return fallback(opts, ErrNoBeacon)
		}
		return fallback(opts, err)
	}

	beacon, err := ParseBeacon(buf[:n])
	if err != nil {
		return fallback(opts, fmt.Errorf("beacon from %s: %w", from, err))
	}

	logging.Infof("discovered hub: addr=%s from=%s", beacon.Addr(), from)
	return Result{Addr: beacon.Addr(), Beacon: beacon, From: from}
}

func fallback(opts Options, cause error) Result {
	logging.Warnf("discovery failed, using fallback: addr=%s err=%v", opts.Fallback, cause)
	return Result{Addr: opts.Fallback, Fallback: true, Err: cause}
}
