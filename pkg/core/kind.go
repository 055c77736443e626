package core

import (
	"fmt"
	"net"
	"strings"
)

// DeviceKind selects the layer a virtual interface operates at.
type DeviceKind uint8

const (
	// KindTun is a layer 3 point-to-point device. Frames carry IP packets,
	// optionally preceded by a 4-byte packet information header.
	KindTun DeviceKind = iota
	// KindTap is a layer 2 device. Frames are complete Ethernet frames.
	KindTap
)

func (k DeviceKind) String() string {
	switch k {
	case KindTun:
		return "tun"
	case KindTap:
		return "tap"
	default:
		return fmt.Sprintf("DeviceKind(%d)", uint8(k))
	}
}

// ParseDeviceKind parses "tun"/"l3" or "tap"/"l2". The empty string means tun.
func ParseDeviceKind(s string) (DeviceKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "tun", "l3":
		return KindTun, nil
	case "tap", "l2":
		return KindTap, nil
	}
	return 0, NewError("parse layer", InvalidConfiguration, fmt.Errorf("unknown layer %q", s))
}

// MACAddress is an Ethernet hardware address. Only Tap devices have one.
type MACAddress [6]byte

func (m MACAddress) String() string {
	return net.HardwareAddr(m[:]).String()
}

// HardwareAddr returns a copy of m as a net.HardwareAddr.
func (m MACAddress) HardwareAddr() net.HardwareAddr {
	return append(net.HardwareAddr(nil), m[:]...)
}

// IsZero reports whether every octet is zero.
func (m MACAddress) IsZero() bool { return m == MACAddress{} }

// ParseMAC parses a 6-octet EUI-48 address in any form net.ParseMAC accepts.
func ParseMAC(s string) (MACAddress, error) {
	var m MACAddress
	hw, err := net.ParseMAC(s)
	if err != nil {
		return m, NewError("parse mac", InvalidConfiguration, err)
	}
	if len(hw) != len(m) {
		return m, NewError("parse mac", InvalidConfiguration, fmt.Errorf("%q is not a 6-octet address", s))
	}
	copy(m[:], hw)
	return m, nil
}
