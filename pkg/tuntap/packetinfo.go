package tuntap

import (
	"encoding/binary"

	"github.com/irctrakz/tuntap/pkg/core"
)

// piFormat describes the 4-byte header a Tun handle puts in front of each
// packet.
//
// Linux uses struct tun_pi { __u16 flags; __be16 proto; } with an EtherType
// in proto. BSD systems and macOS use a big-endian 32-bit address family,
// whose AF_INET6 value differs per platform.
type piFormat struct {
	linux   bool
	afInet  uint32
	afInet6 uint32
}

const (
	etherTypeIPv4 = 0x0800
	etherTypeIPv6 = 0x86dd
)

var (
	piLinux   = piFormat{linux: true}
	piDarwin  = piFormat{afInet: 2, afInet6: 30}
	piFreeBSD = piFormat{afInet: 2, afInet6: 28}
	piWindows = piFormat{afInet: 2, afInet6: 23}
)

// encode writes the header for pkt into hdr. Anything that does not look
// like IPv6 is labelled IPv4.
func (f piFormat) encode(hdr []byte, pkt []byte) {
	v6 := core.IPVersion(pkt) == 6
	if f.linux {
		binary.BigEndian.PutUint16(hdr[0:2], 0)
		if v6 {
			binary.BigEndian.PutUint16(hdr[2:4], etherTypeIPv6)
		} else {
			binary.BigEndian.PutUint16(hdr[2:4], etherTypeIPv4)
		}
		return
	}
	if v6 {
		binary.BigEndian.PutUint32(hdr, f.afInet6)
	} else {
		binary.BigEndian.PutUint32(hdr, f.afInet)
	}
}

// version returns the IP version a header announces, or 0.
func (f piFormat) version(hdr []byte) int {
	if len(hdr) < core.PacketInfoLen {
		return 0
	}
	if f.linux {
		switch binary.BigEndian.Uint16(hdr[2:4]) {
		case etherTypeIPv4:
			return 4
		case etherTypeIPv6:
			return 6
		}
		return 0
	}
	switch binary.BigEndian.Uint32(hdr) {
	case f.afInet:
		return 4
	case f.afInet6:
		return 6
	}
	return 0
}
