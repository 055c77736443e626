package core

// DeviceConfig describes a virtual interface to create.
type DeviceConfig struct {
	// Name is the requested interface name. Empty lets the kernel choose.
	// On macOS a Tun name must look like "utunN" and a Tap name like "tapN".
	Name string `json:"name" yaml:"name"`

	// Layer is "tun" (layer 3) or "tap" (layer 2).
	Layer string `json:"layer" yaml:"layer"`

	// IPv4 is an address in CIDR notation (e.g., "10.0.0.1/24").
	IPv4 string `json:"ipv4" yaml:"ipv4"`

	// IPv6 is an address in CIDR notation (e.g., "fd00::1/64").
	IPv6 string `json:"ipv6" yaml:"ipv6"`

	// MTU is the Maximum Transmission Unit. Zero keeps the kernel default.
	MTU int `json:"mtu" yaml:"mtu"`

	// MAC is the hardware address for Tap devices. Empty keeps the kernel's.
	MAC string `json:"mac" yaml:"mac"`

	// PacketInfo exposes the 4-byte packet information header on Tun frames.
	PacketInfo bool `json:"packet_info" yaml:"packetInfo"`

	// NonBlocking opens the device in nonblocking mode.
	NonBlocking bool `json:"non_blocking" yaml:"nonBlocking"`

	// Persist keeps the interface after the handle closes (Linux only).
	Persist bool `json:"persist" yaml:"persist"`

	// Up brings the interface up after configuration.
	Up bool `json:"up" yaml:"up"`
}

// WireGuardConfig contains configuration for a WireGuard device running on
// top of a Tun interface.
type WireGuardConfig struct {
	// Enabled attaches a WireGuard device to the Tun interface.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// PrivateKey is the base64 WireGuard private key.
	PrivateKey string `json:"private_key" yaml:"privateKey"`

	// ListenPort is the UDP port to listen on for WireGuard connections.
	ListenPort int `json:"listen_port" yaml:"listenPort"`

	// Peers is a list of WireGuard peers.
	Peers []WireGuardPeer `json:"peers" yaml:"peers"`
}

// WireGuardPeer represents a WireGuard peer.
type WireGuardPeer struct {
	// PublicKey is the peer's base64 public key.
	PublicKey string `json:"public_key" yaml:"publicKey"`

	// AllowedIPs is a list of IP ranges that are allowed for this peer.
	AllowedIPs []string `json:"allowed_ips" yaml:"allowedIPs"`

	// Endpoint is the peer's endpoint address.
	Endpoint string `json:"endpoint" yaml:"endpoint"`

	// PersistentKeepalive is the interval in seconds for sending keepalive packets.
	PersistentKeepalive int `json:"persistent_keepalive" yaml:"persistentKeepalive"`
}
