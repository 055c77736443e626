//go:build darwin || freebsd

package tuntap

import (
	"fmt"
	"net/netip"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ctlsock"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"golang.org/x/net/route"
	"golang.org/x/sys/unix"
)

// ioctl request encoding from <sys/ioccom.h>.
const (
	iocVoid  = 0x20000000
	iocOut   = 0x40000000
	iocIn    = 0x80000000
	iocParmM = 0x1fff
)

// ioNone encodes _IO(group, num), a request without an argument.
func ioNone(group byte, num uint8) uint {
	return iocVoid | uint(group)<<8 | uint(num)
}

// iow encodes _IOW(group, num, size).
func iow(group byte, num uint8, size int) uint {
	return iocIn | (uint(size)&iocParmM)<<16 | uint(group)<<8 | uint(num)
}

// ior encodes _IOR(group, num, size).
func ior(group byte, num uint8, size int) uint {
	return iocOut | (uint(size)&iocParmM)<<16 | uint(group)<<8 | uint(num)
}

var siocSIFLLADDR = iow('i', 60, 32)

// bsdConfig adds the BSD-specific requests to ifconfig.
type bsdConfig struct {
	ifconfig
	// pointToPoint sets the destination of IPv4 aliases to the local
	// address, which utun and tun interfaces require.
	pointToPoint bool
}

func (c bsdConfig) setHardwareAddr(ifname string, mac core.MACAddress) error {
	_, err := ctlsock.Submit(c.sys, unix.AF_INET, c.layout, ifname, siocSIFLLADDR, func(r *ifreq.Request) error {
		r.SetHardwareAddr(unix.AF_LINK, mac)
		return nil
	})
	return err
}

// hardwareAddr reads the link-level address from the routing socket's
// interface list.
func (c bsdConfig) hardwareAddr(ifname string) (core.MACAddress, error) {
	var mac core.MACAddress
	rib, err := route.FetchRIB(unix.AF_UNSPEC, route.RIBTypeInterface, 0)
	if err != nil {
		return mac, fmt.Errorf("fetch interface list: %w", err)
	}
	msgs, err := route.ParseRIB(route.RIBTypeInterface, rib)
	if err != nil {
		return mac, fmt.Errorf("parse interface list: %w", err)
	}
	for _, m := range msgs {
		im, ok := m.(*route.InterfaceMessage)
		if !ok || im.Name != ifname {
			continue
		}
		for _, a := range im.Addrs {
			if la, ok := a.(*route.LinkAddr); ok && len(la.Addr) == len(mac) {
				copy(mac[:], la.Addr)
				return mac, nil
			}
		}
		return mac, core.Unsupportedf("%s has no Ethernet address", ifname)
	}
	return mac, fmt.Errorf("interface %s not found", ifname)
}

// addAddress assigns prefix with SIOCAIFADDR or SIOCAIFADDR_IN6. IPv6
// addresses skip duplicate address detection.
func (c bsdConfig) addAddress(ifname string, prefix netip.Prefix) error {
	if prefix.Addr().Is4() {
		var dst netip.Addr
		if c.pointToPoint {
			dst = prefix.Addr()
		}
		a, err := c.layout.Alias4(ifname, prefix, dst)
		if err != nil {
			return err
		}
		return ctlsock.SubmitAlias(c.sys, unix.AF_INET, siocAIFADDR, a)
	}
	a, err := c.layout.Alias6(ifname, prefix)
	if err != nil {
		return err
	}
	return ctlsock.SubmitAlias(c.sys, unix.AF_INET6, siocAIFADDRIn6, a)
}
