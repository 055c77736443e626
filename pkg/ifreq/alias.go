package ifreq

import (
	"fmt"
	"net/netip"
	"unsafe"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/josharian/native"
)

// FlagNoDAD (IN6_IFF_NODAD) skips duplicate address detection on the new address.
const FlagNoDAD = 0x0020

const ndInfiniteLifetime = 0xffffffff

// AliasRequest is a struct in_aliasreq or in6_aliasreq, used with
// SIOCAIFADDR and SIOCAIFADDR_IN6 on BSD-derived systems.
type AliasRequest struct {
	buf []byte
}

// Bytes exposes the encoded structure.
func (a *AliasRequest) Bytes() []byte { return a.buf }

// Pointer returns the address to pass to ioctl.
func (a *AliasRequest) Pointer() unsafe.Pointer { return unsafe.Pointer(&a.buf[0]) }

// Alias4 encodes an in_aliasreq adding prefix to the named interface. dst is
// the point-to-point peer and may be the zero Addr.
//
//	struct in_aliasreq {
//		char               ifra_name[IFNAMSIZ];
//		struct sockaddr_in ifra_addr;
//		struct sockaddr_in ifra_broadaddr; /* ifra_dstaddr */
//		struct sockaddr_in ifra_mask;
//		int                ifra_vhid;      /* FreeBSD only */
//	};
func (l Layout) Alias4(name string, prefix netip.Prefix, dst netip.Addr) (*AliasRequest, error) {
	if err := l.CheckName(name); err != nil {
		return nil, err
	}
	if l.Alias4Size == 0 {
		return nil, core.Unsupportedf("in_aliasreq on %s", l.Name)
	}
	if !prefix.Addr().Is4() {
		return nil, core.NewError("encode in_aliasreq", core.InvalidConfiguration,
			fmt.Errorf("%v is not an IPv4 prefix", prefix))
	}
	mask, err := PrefixMask4(prefix.Bits())
	if err != nil {
		return nil, err
	}

	a := &AliasRequest{buf: make([]byte, l.Alias4Size)}
	copy(a.buf, name)
	off := l.NameSize
	if err := putSockaddrInet4(l, a.buf[off:], prefix.Addr()); err != nil {
		return nil, err
	}
	off += sockaddrInLen
	if dst.IsValid() {
		if err := putSockaddrInet4(l, a.buf[off:], dst); err != nil {
			return nil, err
		}
	}
	off += sockaddrInLen
	if err := putSockaddrInet4(l, a.buf[off:], mask); err != nil {
		return nil, err
	}
	return a, nil
}

// Alias6 encodes an in6_aliasreq adding prefix with infinite lifetimes and
// duplicate address detection disabled.
//
//	struct in6_aliasreq {
//		char                    ifra_name[IFNAMSIZ];
//		struct sockaddr_in6     ifra_addr;
//		struct sockaddr_in6     ifra_dstaddr;
//		struct sockaddr_in6     ifra_prefixmask;
//		int                     ifra_flags;
//		struct in6_addrlifetime ifra_lifetime;
//		int                     ifra_vhid;      /* FreeBSD only */
//	};
func (l Layout) Alias6(name string, prefix netip.Prefix) (*AliasRequest, error) {
	if err := l.CheckName(name); err != nil {
		return nil, err
	}
	if l.Alias6Size == 0 {
		return nil, core.Unsupportedf("in6_aliasreq on %s", l.Name)
	}
	if !prefix.Addr().Is6() || prefix.Addr().Is4In6() {
		return nil, core.NewError("encode in6_aliasreq", core.InvalidConfiguration,
			fmt.Errorf("%v is not an IPv6 prefix", prefix))
	}

	a := &AliasRequest{buf: make([]byte, l.Alias6Size)}
	copy(a.buf, name)
	off := l.NameSize
	l.putSockaddrInet6(a.buf[off:], prefix.Addr())
	off += 2 * sockaddrIn6Len // ifra_dstaddr stays zero
	l.putSockaddrInet6(a.buf[off:], prefixMask6(prefix.Bits()))
	off += sockaddrIn6Len
	native.Endian.PutUint32(a.buf[off:], FlagNoDAD)
	off += 4
	// ia6t_expire and ia6t_preferred are time_t, followed by the two
	// 32-bit lifetimes.
	off += 16
	native.Endian.PutUint32(a.buf[off:], ndInfiniteLifetime)
	native.Endian.PutUint32(a.buf[off+4:], ndInfiniteLifetime)
	return a, nil
}

func (l Layout) putSockaddrInet6(b []byte, addr netip.Addr) {
	b[0] = sockaddrIn6Len
	b[1] = l.AFInet6
	a := addr.As16()
	copy(b[8:24], a[:])
}

func prefixMask6(bits int) netip.Addr {
	var m [16]byte
	for i := 0; i < 16 && bits > 0; i++ {
		if bits >= 8 {
			m[i] = 0xff
			bits -= 8
			continue
		}
		m[i] = ^byte(0xff >> bits)
		bits = 0
	}
	return netip.AddrFrom16(m)
}
