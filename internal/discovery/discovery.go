// Package discovery advertises the hub on the LAN and finds it from a device
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/telemetry"
)

const (
	// DefaultPort is the UDP port beacons are sent to
	DefaultPort = 5567
	// DefaultInterval is how often the hub broadcasts its presence
	DefaultInterval = 5 * time.Second
	// DefaultProbeAddr is dialed to learn the outbound interface. Nothing is sent.
	DefaultProbeAddr = "8.8.8.8:80"
)

// OutboundIP returns the local address the OS would use to reach probeAddr.
// Dialing UDP only selects a route; no packet leaves the host.
func OutboundIP(probeAddr string) (net.IP, error) {
	conn, err := net.Dial("udp4", probeAddr)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve outbound interface via %s: %w", probeAddr, err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP == nil {
		return nil, fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP, nil
}

// BroadcasterConfig configures a Broadcaster
type BroadcasterConfig struct {
	// ServerPort is the control port advertised in the beacon
	ServerPort int
	// Port is the destination UDP port
	Port     int
	Interval time.Duration
	// BroadcastAddr is the destination IP, default 255.255.255.255
	BroadcastAddr string
	// SeedPeers are unicast targets for devices outside the broadcast domain
	SeedPeers []string
	ProbeAddr string

	Metrics *telemetry.Metrics
	// ResolveIP overrides the outbound IP lookup
	ResolveIP func() (net.IP, error)
}

// Broadcaster periodically announces the hub's control endpoint
type Broadcaster struct {
	cfg     BroadcasterConfig
	targets []*net.UDPAddr
	conn    *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBroadcaster creates a broadcaster; Start begins sending
func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.BroadcastAddr == "" {
		cfg.BroadcastAddr = net.IPv4bcast.String()
	}
	if cfg.ProbeAddr == "" {
		cfg.ProbeAddr = DefaultProbeAddr
	}
	if cfg.ResolveIP == nil {
		probe := cfg.ProbeAddr
		cfg.ResolveIP = func() (net.IP, error) { return OutboundIP(probe) }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broadcaster{cfg: cfg, ctx: ctx, cancel: cancel}
}

// Start binds the sending socket and starts the announce loop
func (b *Broadcaster) Start() error {
	ip := net.ParseIP(b.cfg.BroadcastAddr)
	if ip == nil {
		return fmt.Errorf("invalid broadcast address %q", b.cfg.BroadcastAddr)
	}
	b.targets = append(b.targets, &net.UDPAddr{IP: ip, Port: b.cfg.Port})

	for _, peer := range b.cfg.SeedPeers {
		addr, err := net.ResolveUDPAddr("udp4", peer)
		if err != nil {
			return fmt.Errorf("invalid seed peer address %s: %w", peer, err)
		}
		b.targets = append(b.targets, addr)
	}

	// Send from an ephemeral port; the discovery port belongs to listening devices.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero})
	if err != nil {
		return fmt.Errorf("failed to bind UDP socket: %w", err)
	}
	b.conn = conn

	b.wg.Add(1)
	go b.announceLoop()

	logging.Infof("discovery broadcaster started: dest=%s interval=%v", b.targets[0], b.cfg.Interval)
	return nil
}

// Stop ends the announce loop and releases the socket
func (b *Broadcaster) Stop() {
	b.cancel()
	b.wg.Wait()
	if b.conn != nil {
		b.conn.Close()
	}
	logging.Infof("discovery broadcaster stopped")
}

// announceLoop broadcasts immediately and then on every tick
func (b *Broadcaster) announceLoop() {
	defer b.wg.Done()

	b.announce()

	ticker := time.NewTicker(b.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.announce()
		}
	}
}

// announce sends one beacon. Failures are logged and retried on the next tick.
func (b *Broadcaster) announce() {
	if err := b.SendBeacon(); err != nil {
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.BeaconsFailed.Inc()
		}
		if b.ctx.Err() == nil {
			logging.Warnf("discovery: beacon failed: %v", err)
		}
		return
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.BeaconsSent.Inc()
	}
}

// SendBeacon resolves the current outbound IP and sends one beacon to every target
func (b *Broadcaster) SendBeacon() error {
	ip, err := b.cfg.ResolveIP()
	if err != nil {
		return err
	}

	beacon := Beacon{ServerIP: ip.String(), ServerPort: b.cfg.ServerPort}
	data, err := beacon.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal beacon: %w", err)
	}

	var firstErr error
	for _, target := range b.targets {
		if _, err := b.conn.WriteToUDP(data, target); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("send to %s: %w", target, err)
		}
	}
	if firstErr == nil {
		logging.Debugf("discovery: beacon sent: server=%s", beacon.Addr())
	}
	return firstErr
}
