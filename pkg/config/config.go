// Package config provides configuration handling for the tuntapd daemon.
package config

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"github.com/irctrakz/tuntap/pkg/logging"
	"gopkg.in/yaml.v3"
)

// Config represents the complete daemon configuration.
type Config struct {
	// Device describes the interface to create.
	Device core.DeviceConfig `json:"device" yaml:"device"`

	// WireGuard runs a WireGuard device over a Tun interface when enabled.
	WireGuard core.WireGuardConfig `json:"wireguard" yaml:"wireguard"`

	// Responder answers ARP and ICMP echo requests on the interface.
	Responder ResponderConfig `json:"responder" yaml:"responder"`

	// Capture contains the pcap capture configuration.
	Capture CaptureConfig `json:"capture" yaml:"capture"`

	// Logging contains the logging configuration.
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ResponderConfig contains configuration for the echo responder.
type ResponderConfig struct {
	// Enabled starts the responder. It is ignored when WireGuard is enabled.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// MetricsInterval is how often device counters are logged. Zero disables
	// the report.
	MetricsInterval time.Duration `json:"metrics_interval" yaml:"metricsInterval"`
}

// CaptureConfig contains configuration for the pcap tee.
type CaptureConfig struct {
	// File is the pcap file path. Empty disables capturing.
	File string `json:"file" yaml:"file"`

	// SnapLen is the maximum number of bytes stored per frame.
	SnapLen int `json:"snap_len" yaml:"snapLen"`
}

// LoggingConfig contains configuration for logging.
type LoggingConfig struct {
	// Level is the logging level (debug, info, warn, error).
	Level string `json:"level" yaml:"level"`

	// JSON selects the JSON formatter.
	JSON bool `json:"json" yaml:"json"`

	// File is the log file path.
	File string `json:"file" yaml:"file"`

	// MaxSize is the maximum size of the log file in megabytes.
	MaxSize int `json:"maxSize" yaml:"maxSize"`

	// MaxBackups is the maximum number of old log files to retain.
	MaxBackups int `json:"maxBackups" yaml:"maxBackups"`

	// MaxAge is the maximum number of days to retain old log files.
	MaxAge int `json:"maxAge" yaml:"maxAge"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Device: core.DeviceConfig{
			Layer: "tun",
			IPv4:  "10.200.0.1/24",
			MTU:   core.DefaultMTU,
			Up:    true,
		},
		WireGuard: core.WireGuardConfig{
			ListenPort: 51820,
			Peers:      []core.WireGuardPeer{},
		},
		Responder: ResponderConfig{
			Enabled:         true,
			MetricsInterval: 30 * time.Second,
		},
		Capture: CaptureConfig{
			SnapLen: 65535,
		},
		Logging: LoggingConfig{
			Level:      "info",
			MaxSize:    10,
			MaxBackups: 3,
			MaxAge:     7,
		},
	}
}

// LoadFromFile loads configuration from a file.
func LoadFromFile(path string, config *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, config); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	return nil
}

func envBool(val string) bool {
	return val == "true" || val == "1"
}

// LoadFromEnv loads configuration from TUNTAP_* environment variables.
//
// WireGuard peers are listed by index in TUNTAP_WG_PEERS (e.g. "0,1"); for
// each index i the peer is read from TUNTAP_WG_PEER_i_PUBLIC_KEY,
// TUNTAP_WG_PEER_i_ALLOWED_IPS, TUNTAP_WG_PEER_i_ENDPOINT and
// TUNTAP_WG_PEER_i_KEEPALIVE. Peers from the environment replace those from
// the file.
func LoadFromEnv(config *Config) {
	// Device config
	if val := os.Getenv("TUNTAP_NAME"); val != "" {
		config.Device.Name = val
	}
	if val := os.Getenv("TUNTAP_LAYER"); val != "" {
		config.Device.Layer = val
	}
	if val := os.Getenv("TUNTAP_IPV4"); val != "" {
		config.Device.IPv4 = val
	}
	if val := os.Getenv("TUNTAP_IPV6"); val != "" {
		config.Device.IPv6 = val
	}
	if val := os.Getenv("TUNTAP_MTU"); val != "" {
		if mtu, err := strconv.Atoi(val); err == nil {
			config.Device.MTU = mtu
		}
	}
	if val := os.Getenv("TUNTAP_MAC"); val != "" {
		config.Device.MAC = val
	}
	if val := os.Getenv("TUNTAP_PACKET_INFO"); val != "" {
		config.Device.PacketInfo = envBool(val)
	}
	if val := os.Getenv("TUNTAP_NONBLOCKING"); val != "" {
		config.Device.NonBlocking = envBool(val)
	}
	if val := os.Getenv("TUNTAP_PERSIST"); val != "" {
		config.Device.Persist = envBool(val)
	}
	if val := os.Getenv("TUNTAP_UP"); val != "" {
		config.Device.Up = envBool(val)
	}

	// WireGuard config
	if val := os.Getenv("TUNTAP_WG_ENABLED"); val != "" {
		config.WireGuard.Enabled = envBool(val)
	}
	if val := os.Getenv("TUNTAP_WG_PRIVATE_KEY"); val != "" {
		config.WireGuard.PrivateKey = val
	}
	if val := os.Getenv("TUNTAP_WG_LISTEN_PORT"); val != "" {
		if port, err := strconv.Atoi(val); err == nil {
			config.WireGuard.ListenPort = port
		}
	}
	if idxs := strings.TrimSpace(os.Getenv("TUNTAP_WG_PEERS")); idxs != "" {
		config.WireGuard.Peers = peersFromEnv(idxs)
	}

	// Responder and capture
	if val := os.Getenv("TUNTAP_RESPONDER"); val != "" {
		config.Responder.Enabled = envBool(val)
	}
	if val := os.Getenv("TUNTAP_METRICS_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			config.Responder.MetricsInterval = d
		}
	}
	if val := os.Getenv("TUNTAP_CAPTURE_FILE"); val != "" {
		config.Capture.File = val
	}

	// Logging config
	if val := os.Getenv("TUNTAP_LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("TUNTAP_LOG_JSON"); val != "" {
		config.Logging.JSON = envBool(val)
	}
	if val := os.Getenv("TUNTAP_LOG_FILE"); val != "" {
		config.Logging.File = val
	}
}

func peersFromEnv(idxs string) []core.WireGuardPeer {
	var peers []core.WireGuardPeer
	for _, s := range strings.Split(idxs, ",") {
		i := strings.TrimSpace(s)
		if i == "" {
			continue
		}
		prefix := "TUNTAP_WG_PEER_" + i + "_"
		p := core.WireGuardPeer{
			PublicKey: strings.TrimSpace(os.Getenv(prefix + "PUBLIC_KEY")),
			Endpoint:  strings.TrimSpace(os.Getenv(prefix + "ENDPOINT")),
		}
		if allowed := os.Getenv(prefix + "ALLOWED_IPS"); allowed != "" {
			p.AllowedIPs = splitCSV(allowed)
		}
		if ka := strings.TrimSpace(os.Getenv(prefix + "KEEPALIVE")); ka != "" {
			if x, err := strconv.Atoi(ka); err == nil {
				p.PersistentKeepalive = x
			}
		}
		if p.PublicKey != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

func splitCSV(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	// Validate Device config
	if err := ifreq.ForOS(runtime.GOOS).CheckName(c.Device.Name); err != nil {
		return fmt.Errorf("invalid device name: %w", err)
	}
	kind, err := core.ParseDeviceKind(c.Device.Layer)
	if err != nil {
		return fmt.Errorf("invalid device layer: %w", err)
	}
	if c.Device.IPv4 != "" {
		p, err := netip.ParsePrefix(c.Device.IPv4)
		if err != nil || !p.Addr().Is4() {
			return fmt.Errorf("invalid IPv4 address (must be in CIDR notation, e.g., '10.0.0.1/24'): %s", c.Device.IPv4)
		}
	}
	if c.Device.IPv6 != "" {
		p, err := netip.ParsePrefix(c.Device.IPv6)
		if err != nil || !p.Addr().Is6() {
			return fmt.Errorf("invalid IPv6 address (must be in CIDR notation, e.g., 'fd00::1/64'): %s", c.Device.IPv6)
		}
	}
	if c.Device.MTU < 0 || c.Device.MTU > core.MaxMTU {
		return fmt.Errorf("invalid MTU: %d", c.Device.MTU)
	}
	if c.Device.MAC != "" {
		if kind != core.KindTap {
			return fmt.Errorf("a MAC address needs a tap device")
		}
		if _, err := core.ParseMAC(c.Device.MAC); err != nil {
			return fmt.Errorf("invalid MAC address: %w", err)
		}
	}
	if c.Device.PacketInfo && kind != core.KindTun {
		return fmt.Errorf("packet info needs a tun device")
	}

	// Validate WireGuard config
	if c.WireGuard.Enabled {
		if kind != core.KindTun {
			return fmt.Errorf("WireGuard needs a tun device")
		}
		if err := checkKey(c.WireGuard.PrivateKey); err != nil {
			return fmt.Errorf("invalid WireGuard private key: %w", err)
		}
		if c.WireGuard.ListenPort <= 0 || c.WireGuard.ListenPort > 65535 {
			return fmt.Errorf("invalid WireGuard listen port: %d", c.WireGuard.ListenPort)
		}
		for i, p := range c.WireGuard.Peers {
			if err := checkKey(p.PublicKey); err != nil {
				return fmt.Errorf("invalid public key for peer %d: %w", i, err)
			}
			for _, a := range p.AllowedIPs {
				if _, err := netip.ParsePrefix(a); err != nil {
					return fmt.Errorf("invalid allowed IP for peer %d: %w", i, err)
				}
			}
			if p.Endpoint != "" {
				if _, _, err := net.SplitHostPort(p.Endpoint); err != nil {
					return fmt.Errorf("invalid endpoint for peer %d: %w", i, err)
				}
			}
		}
	}

	// Validate Capture config
	if c.Capture.SnapLen < 0 {
		return fmt.Errorf("invalid capture snap length: %d", c.Capture.SnapLen)
	}

	// Validate Logging config
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	return nil
}

// checkKey accepts a base64 encoded 32-byte WireGuard key.
func checkKey(key string) error {
	if key == "" {
		return fmt.Errorf("key is empty")
	}
	raw, err := base64.StdEncoding.DecodeString(key)
	if err != nil {
		return err
	}
	if len(raw) != 32 {
		return fmt.Errorf("key is %d bytes, want 32", len(raw))
	}
	return nil
}

// ApplyLogging applies the logging configuration.
func (c *Config) ApplyLogging() error {
	level, err := logging.ParseLevel(c.Logging.Level)
	if err != nil {
		return err
	}
	logging.SetLevel(level)
	logging.UseJSON(c.Logging.JSON)

	// Enable file logging if configured
	if c.Logging.File != "" {
		dir, filename := filepath.Split(c.Logging.File)
		if dir == "" {
			dir = "."
		}
		err := logging.EnableFileLogging(
			dir,
			filename,
			c.Logging.MaxSize,
			c.Logging.MaxBackups,
			c.Logging.MaxAge,
		)
		if err != nil {
			return fmt.Errorf("failed to enable file logging: %w", err)
		}
	}

	return nil
}

// SaveToFile saves the configuration to a file.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(c, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal config to JSON: %w", err)
		}
	case ".yaml", ".yml":
		data, err = yaml.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal config to YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
