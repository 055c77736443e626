// Package ifreq encodes the fixed-layout interface request structures that
// interface ioctls take. It performs no I/O: every function maps its inputs
// to bytes, and every name is validated before anything is copied.
package ifreq

import (
	"bytes"
	"fmt"
	"net/netip"
	"unsafe"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/josharian/native"
)

// Layout describes one platform's struct ifreq and its relatives.
type Layout struct {
	// Name identifies the layout in errors.
	Name string
	// NameSize is IFNAMSIZ, including the terminating NUL.
	NameSize int
	// Size is sizeof(struct ifreq).
	Size int
	// SockaddrLen is set on BSD-derived systems whose sockaddrs start with
	// a length byte.
	SockaddrLen bool
	// AFInet and AFInet6 are the platform's address family numbers.
	AFInet  uint8
	AFInet6 uint8
	// Alias4Size and Alias6Size are sizeof(struct in_aliasreq) and
	// sizeof(struct in6_aliasreq); zero where the layout has none.
	Alias4Size int
	Alias6Size int
}

var (
	Linux = Layout{
		Name:     "linux",
		NameSize: 16,
		Size:     40,
		AFInet:   2,
		AFInet6:  10,
	}
	Darwin = Layout{
		Name:        "darwin",
		NameSize:    16,
		Size:        32,
		SockaddrLen: true,
		AFInet:      2,
		AFInet6:     30,
		Alias4Size:  64,
		Alias6Size:  128,
	}
	FreeBSD = Layout{
		Name:        "freebsd",
		NameSize:    16,
		Size:        32,
		SockaddrLen: true,
		AFInet:      2,
		AFInet6:     28,
		Alias4Size:  68,
		Alias6Size:  136,
	}
	// Windows has no struct ifreq; the layout only bounds adapter
	// connection names, which NDIS limits to 255 characters.
	Windows = Layout{
		Name:     "windows",
		NameSize: 256,
		Size:     280,
		AFInet:   2,
		AFInet6:  23,
	}
)

// ForOS returns the layout for a GOOS value. Systems without a backend get
// the Linux layout.
func ForOS(goos string) Layout {
	switch goos {
	case "darwin", "ios":
		return Darwin
	case "freebsd":
		return FreeBSD
	case "windows":
		return Windows
	}
	return Linux
}

const (
	sockaddrInLen  = 16
	sockaddrIn6Len = 28
	hwAddrLen      = 6
)

// MaxNameLen is the longest name that fits with its NUL terminator.
func (l Layout) MaxNameLen() int { return l.NameSize - 1 }

// CheckName reports whether name fits the layout. It is the same check New
// performs, usable before any other work.
func (l Layout) CheckName(name string) error {
	if len(name) > l.MaxNameLen() {
		return core.NewError("encode name", core.InvalidConfiguration,
			fmt.Errorf("%q is %d bytes, %s allows at most %d", name, len(name), l.Name, l.MaxNameLen()))
	}
	if bytes.IndexByte([]byte(name), 0) >= 0 {
		return core.NewError("encode name", core.InvalidConfiguration,
			fmt.Errorf("%q contains a NUL byte", name))
	}
	return nil
}

// Request is a zero-initialized struct ifreq with its name already written.
type Request struct {
	layout Layout
	buf    []byte
}

// New returns a zeroed request carrying name, NUL padded to NameSize.
func (l Layout) New(name string) (*Request, error) {
	if err := l.CheckName(name); err != nil {
		return nil, err
	}
	r := &Request{layout: l, buf: make([]byte, l.Size)}
	copy(r.buf, name)
	return r, nil
}

// Encode is New followed by SetFlags.
func Encode(l Layout, name string, flags uint16) (*Request, error) {
	r, err := l.New(name)
	if err != nil {
		return nil, err
	}
	r.SetFlags(flags)
	return r, nil
}

// Name returns the name field up to the first NUL.
func (r *Request) Name() string {
	return cString(r.buf[:r.layout.NameSize])
}

// Bytes exposes the encoded structure.
func (r *Request) Bytes() []byte { return r.buf }

// Pointer returns the address to pass to ioctl. The request must stay
// reachable until the call returns.
func (r *Request) Pointer() unsafe.Pointer { return unsafe.Pointer(&r.buf[0]) }

func (r *Request) union() []byte { return r.buf[r.layout.NameSize:] }

// SetFlags writes ifr_flags.
func (r *Request) SetFlags(flags uint16) {
	native.Endian.PutUint16(r.union(), flags)
}

// Flags reads ifr_flags.
func (r *Request) Flags() uint16 {
	return native.Endian.Uint16(r.union())
}

// SetInt32 writes an int-sized union member such as ifr_mtu or ifr_ifindex.
func (r *Request) SetInt32(v int32) {
	native.Endian.PutUint32(r.union(), uint32(v))
}

// Int32 reads an int-sized union member.
func (r *Request) Int32() int32 {
	return int32(native.Endian.Uint32(r.union()))
}

// SetInet4 writes a sockaddr_in holding addr into ifr_addr.
func (r *Request) SetInet4(addr netip.Addr) error {
	return putSockaddrInet4(r.layout, r.union(), addr)
}

// Inet4 reads the sockaddr_in in ifr_addr.
func (r *Request) Inet4() (netip.Addr, error) {
	return sockaddrInet4(r.layout, r.union())
}

// SetHardwareAddr writes a link-level sockaddr: family is ARPHRD_ETHER on
// Linux and AF_LINK on BSD systems, where sa_len carries the address length.
func (r *Request) SetHardwareAddr(family uint16, mac core.MACAddress) {
	u := r.union()
	if r.layout.SockaddrLen {
		u[0] = hwAddrLen
		u[1] = uint8(family)
	} else {
		native.Endian.PutUint16(u, family)
	}
	copy(u[2:2+hwAddrLen], mac[:])
}

// HardwareAddr reads the link-level sockaddr written by SIOCGIFHWADDR.
func (r *Request) HardwareAddr() (family uint16, mac core.MACAddress) {
	u := r.union()
	if r.layout.SockaddrLen {
		family = uint16(u[1])
	} else {
		family = native.Endian.Uint16(u)
	}
	copy(mac[:], u[2:2+hwAddrLen])
	return family, mac
}

// SetPointer writes a pointer-sized union member such as ifr_data.
func (r *Request) SetPointer(p unsafe.Pointer) {
	u := r.union()
	if unsafe.Sizeof(uintptr(0)) == 8 {
		native.Endian.PutUint64(u, uint64(uintptr(p)))
	} else {
		native.Endian.PutUint32(u, uint32(uintptr(p)))
	}
}

// PrefixMask4 returns the dotted netmask of an IPv4 prefix length.
func PrefixMask4(bits int) (netip.Addr, error) {
	if bits < 0 || bits > 32 {
		return netip.Addr{}, core.NewError("encode netmask", core.InvalidConfiguration,
			fmt.Errorf("prefix length %d out of range", bits))
	}
	m := ^uint32(0) << (32 - bits)
	if bits == 0 {
		m = 0
	}
	return netip.AddrFrom4([4]byte{byte(m >> 24), byte(m >> 16), byte(m >> 8), byte(m)}), nil
}

func putSockaddrInet4(l Layout, b []byte, addr netip.Addr) error {
	if !addr.Is4() {
		return core.NewError("encode sockaddr_in", core.InvalidConfiguration,
			fmt.Errorf("%v is not an IPv4 address", addr))
	}
	clear(b[:sockaddrInLen])
	if l.SockaddrLen {
		b[0] = sockaddrInLen
		b[1] = l.AFInet
	} else {
		native.Endian.PutUint16(b, uint16(l.AFInet))
	}
	a := addr.As4()
	copy(b[4:8], a[:])
	return nil
}

func sockaddrInet4(l Layout, b []byte) (netip.Addr, error) {
	var family uint16
	if l.SockaddrLen {
		family = uint16(b[1])
	} else {
		family = native.Endian.Uint16(b)
	}
	if family != uint16(l.AFInet) {
		return netip.Addr{}, core.NewError("decode sockaddr_in", core.OSError,
			fmt.Errorf("address family %d is not AF_INET", family))
	}
	return netip.AddrFrom4([4]byte(b[4:8])), nil
}

func cString(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
