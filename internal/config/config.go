// Package config manages hub and agent configuration and on-disk paths
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// ConfigDirName is the name of the state directory under the user's home
	ConfigDirName = ".robohub"
	// ConfigFileName is the name of the config file
	ConfigFileName = "config.yaml"

	// DefaultControlPort is the TCP port devices connect to
	DefaultControlPort = 5566
	// DefaultDiscoveryPort is the UDP port beacons are sent to
	DefaultDiscoveryPort = 5567
	// DefaultHTTPPort serves metrics, the session list and the live feed
	DefaultHTTPPort = 5568
	// DefaultAdminAddr is the gRPC admin listener
	DefaultAdminAddr = "127.0.0.1:5570"
	// DefaultFallbackAddr is used by devices when discovery finds nothing
	DefaultFallbackAddr = "127.0.0.1:5566"
)

// Config holds the full configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Dispatch  DispatchConfig  `yaml:"dispatch"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	HTTP      HTTPConfig      `yaml:"http"`
	Agent     AgentConfig     `yaml:"agent"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig contains the control listener settings
type ServerConfig struct {
	BindAddress      string        `yaml:"bind_address"`
	Port             int           `yaml:"port"`
	MaxClients       int           `yaml:"max_clients"`
	ReadTimeout      time.Duration `yaml:"read_timeout"`  // 0 disables
	WriteTimeout     time.Duration `yaml:"write_timeout"` // 0 disables
	MaxEnvelopeBytes int           `yaml:"max_envelope_bytes"`
	MaxImageBytes    int64         `yaml:"max_image_bytes"`
	CaptureDir       string        `yaml:"capture_dir"`
	// UploadURLTemplate supports {server_ip}, {peer} and {slot}
	UploadURLTemplate string `yaml:"upload_url_template"`
}

// DispatchConfig controls the periodic command tick
type DispatchConfig struct {
	Interval        time.Duration `yaml:"interval"` // 0 disables the tick
	PeriodicCommand string        `yaml:"periodic_command"`
}

// DiscoveryConfig controls the UDP beacon and the device-side listener
type DiscoveryConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Port          int           `yaml:"port"`
	Interval      time.Duration `yaml:"interval"`
	BroadcastAddr string        `yaml:"broadcast_addr"`
	SeedPeers     []string      `yaml:"seed_peers,omitempty"`
	ProbeAddr     string        `yaml:"probe_addr"`
	Timeout       time.Duration `yaml:"timeout"`
	FallbackAddr  string        `yaml:"fallback_addr"`
}

// HTTPConfig contains the status/admin surface settings
type HTTPConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Address    string `yaml:"address"`
	Port       int    `yaml:"port"`
	MaxViewers int    `yaml:"max_viewers"`
	AdminAddr  string `yaml:"admin_addr"`
}

// AgentConfig contains the device agent settings
type AgentConfig struct {
	Reason      string  `yaml:"reason"`
	RTSPURL     string  `yaml:"rtsp_url"`
	Display     int     `yaml:"display"`
	JPEGQuality int     `yaml:"jpeg_quality"`
	Scale       float64 `yaml:"scale"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Verbose bool   `yaml:"verbose"`
	File    string `yaml:"file"`
}

// Default returns a Config with default values
func Default() *Config {
	captureDir := "captures"
	if paths, err := GetPaths(); err == nil {
		captureDir = paths.CaptureDir
	}

	return &Config{
		Server: ServerConfig{
			BindAddress:       "0.0.0.0",
			Port:              DefaultControlPort,
			MaxClients:        10,
			WriteTimeout:      10 * time.Second,
			MaxEnvelopeBytes:  64 * 1024,
			MaxImageBytes:     32 << 20,
			CaptureDir:        captureDir,
			UploadURLTemplate: "rtsp://{server_ip}:8554/{peer}/{slot}",
		},
		Dispatch: DispatchConfig{
			Interval:        5 * time.Second,
			PeriodicCommand: "check_status",
		},
		Discovery: DiscoveryConfig{
			Enabled:       true,
			Port:          DefaultDiscoveryPort,
			Interval:      5 * time.Second,
			BroadcastAddr: "255.255.255.255",
			ProbeAddr:     "8.8.8.8:80",
			Timeout:       30 * time.Second,
			FallbackAddr:  DefaultFallbackAddr,
		},
		HTTP: HTTPConfig{
			Enabled:    true,
			Address:    "0.0.0.0",
			Port:       DefaultHTTPPort,
			MaxViewers: 8,
			AdminAddr:  DefaultAdminAddr,
		},
		Agent: AgentConfig{
			Reason:      "init_slam",
			JPEGQuality: 75,
			Scale:       0.5,
		},
	}
}

// Load reads the YAML file at path over the defaults.
// An empty path or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, cfg.Validate()
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides listener addresses from the environment
func (c *Config) ApplyEnv() error {
	if addr := os.Getenv("ROBOHUB_ADDR"); addr != "" {
		host, port, err := splitHostPort(addr)
		if err != nil {
			return fmt.Errorf("ROBOHUB_ADDR: %w", err)
		}
		if host != "" {
			c.Server.BindAddress = host
		}
		c.Server.Port = port
	}
	if addr := os.Getenv("ROBOHUB_ADMIN_ADDR"); addr != "" {
		c.HTTP.AdminAddr = addr
	}
	return c.Validate()
}

// Save writes the configuration as YAML
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// ControlAddr returns the host:port of the control listener
func (c *Config) ControlAddr() string {
	return net.JoinHostPort(c.Server.BindAddress, fmt.Sprint(c.Server.Port))
}

// HTTPAddr returns the host:port of the HTTP surface
func (c *Config) HTTPAddr() string {
	return net.JoinHostPort(c.HTTP.Address, fmt.Sprint(c.HTTP.Port))
}

// Validate checks every section
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}
	if err := c.Dispatch.Validate(); err != nil {
		return fmt.Errorf("dispatch config: %w", err)
	}
	if err := c.Discovery.Validate(); err != nil {
		return fmt.Errorf("discovery config: %w", err)
	}
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}
	if err := c.Agent.Validate(); err != nil {
		return fmt.Errorf("agent config: %w", err)
	}
	return nil
}

// Validate validates server configuration
func (s *ServerConfig) Validate() error {
	if err := validPort("port", s.Port); err != nil {
		return err
	}
	if s.BindAddress == "" {
		return fmt.Errorf("bind_address cannot be empty")
	}
	if s.MaxClients < 1 {
		return fmt.Errorf("max_clients must be at least 1, got %d", s.MaxClients)
	}
	if s.ReadTimeout < 0 || s.WriteTimeout < 0 {
		return fmt.Errorf("timeouts cannot be negative")
	}
	if s.MaxEnvelopeBytes < 256 {
		return fmt.Errorf("max_envelope_bytes must be at least 256, got %d", s.MaxEnvelopeBytes)
	}
	if s.MaxImageBytes < 1 {
		return fmt.Errorf("max_image_bytes must be positive, got %d", s.MaxImageBytes)
	}
	if s.CaptureDir == "" {
		return fmt.Errorf("capture_dir cannot be empty")
	}
	return nil
}

// Validate validates dispatch configuration
func (d *DispatchConfig) Validate() error {
	if d.Interval < 0 {
		return fmt.Errorf("interval cannot be negative, got %s", d.Interval)
	}
	if d.Interval > 0 {
		switch d.PeriodicCommand {
		case "check_status", "get_jpeg":
		default:
			return fmt.Errorf("periodic_command must be check_status or get_jpeg, got %q", d.PeriodicCommand)
		}
	}
	return nil
}

// Validate validates discovery configuration
func (d *DiscoveryConfig) Validate() error {
	if err := validPort("port", d.Port); err != nil {
		return err
	}
	if d.Enabled && d.Interval <= 0 {
		return fmt.Errorf("interval must be positive, got %s", d.Interval)
	}
	if d.Enabled && net.ParseIP(d.BroadcastAddr) == nil {
		return fmt.Errorf("broadcast_addr must be an IP address, got %q", d.BroadcastAddr)
	}
	for _, peer := range d.SeedPeers {
		if _, _, err := splitHostPort(peer); err != nil {
			return fmt.Errorf("seed_peers: %w", err)
		}
	}
	if d.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %s", d.Timeout)
	}
	if _, _, err := splitHostPort(d.FallbackAddr); err != nil {
		return fmt.Errorf("fallback_addr: %w", err)
	}
	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if !h.Enabled {
		return nil
	}
	if err := validPort("port", h.Port); err != nil {
		return err
	}
	if h.Address == "" {
		return fmt.Errorf("address cannot be empty when http is enabled")
	}
	if h.MaxViewers < 1 {
		return fmt.Errorf("max_viewers must be at least 1, got %d", h.MaxViewers)
	}
	return nil
}

// Validate validates agent configuration
func (a *AgentConfig) Validate() error {
	if strings.TrimSpace(a.Reason) == "" {
		return fmt.Errorf("reason cannot be empty")
	}
	if a.JPEGQuality < 1 || a.JPEGQuality > 100 {
		return fmt.Errorf("jpeg_quality must be between 1 and 100, got %d", a.JPEGQuality)
	}
	if a.Scale <= 0 || a.Scale > 1 {
		return fmt.Errorf("scale must be in (0, 1], got %v", a.Scale)
	}
	return nil
}

func validPort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, fmt.Errorf("invalid port in %q", addr)
	}
	if err := validPort("port", port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// Paths holds commonly used paths
type Paths struct {
	// ConfigDir is ~/.robohub
	ConfigDir string
	// ConfigFile is ~/.robohub/config.yaml
	ConfigFile string
	// LogsDir is ~/.robohub/logs
	LogsDir string
	// CaptureDir is ~/.robohub/captures
	CaptureDir string
}

// GetPaths returns the standard paths
func GetPaths() (*Paths, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get home directory: %w", err)
	}

	configDir := filepath.Join(homeDir, ConfigDirName)
	return &Paths{
		ConfigDir:  configDir,
		ConfigFile: filepath.Join(configDir, ConfigFileName),
		LogsDir:    filepath.Join(configDir, "logs"),
		CaptureDir: filepath.Join(configDir, "captures"),
	}, nil
}

// EnsureDirectories creates all required directories
func (p *Paths) EnsureDirectories() error {
	dirs := []string{p.ConfigDir, p.LogsDir, p.CaptureDir}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}
