package discovery

import (
	"encoding/json"
	"fmt"
	"math"
	"net"
	"strconv"

	"github.com/robohub/robohub/internal/envelope"
)

// Beacon field names
const (
	FieldServerIP   = "server_ip"
	FieldServerPort = "server_port"
)

// MaxMessageSize is the maximum UDP payload size (stay under MTU)
const MaxMessageSize = 1024

// Beacon is the UDP broadcast payload advertising the hub's control endpoint
type Beacon struct {
	ServerIP   string `json:"server_ip"`
	ServerPort int    `json:"server_port"`
}

// Addr returns the control endpoint as host:port
func (b Beacon) Addr() string {
	return net.JoinHostPort(b.ServerIP, strconv.Itoa(b.ServerPort))
}

// Marshal encodes the beacon as a single JSON object
func (b Beacon) Marshal() ([]byte, error) {
	return json.Marshal(envelope.Envelope{
		FieldServerIP:   b.ServerIP,
		FieldServerPort: b.ServerPort,
	})
}

// ParseBeacon decodes and validates a beacon datagram
func ParseBeacon(data []byte) (Beacon, error) {
	var env envelope.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Beacon{}, fmt.Errorf("%w: %v", envelope.ErrMalformed, err)
	}

	ip, ok := env.String(FieldServerIP)
	if !ok || net.ParseIP(ip) == nil {
		return Beacon{}, fmt.Errorf("%w: %q must be an IP address", envelope.ErrMalformed, FieldServerIP)
	}
	port, ok := env.Number(FieldServerPort)
	if !ok || port != math.Trunc(port) || port < 1 || port > 65535 {
		return Beacon{}, fmt.Errorf("%w: %q must be a port number", envelope.ErrMalformed, FieldServerPort)
	}
	return Beacon{ServerIP: ip, ServerPort: int(port)}, nil
}
