//go:build linux

package tuntap

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"runtime"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ctlsock"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const cloneDevice = "/dev/net/tun"

var hostLayout = ifreq.Linux

// linuxBackend is a descriptor on /dev/net/tun bound to one interface with
// TUNSETIFF. Tun handles are opened without IFF_NO_PI, so every frame on
// the descriptor starts with struct tun_pi.
type linuxBackend struct {
	fdBackend
	ifconfig
	kind     core.DeviceKind
	assigned string
}

func openBackend(kind core.DeviceKind, o openOptions) (backend, string, error) {
	flags := uint16(unix.IFF_TUN)
	if kind == core.KindTap {
		flags = unix.IFF_TAP | unix.IFF_NO_PI
	}
	req, err := ifreq.Encode(ifreq.Linux, o.name, flags)
	if err != nil {
		return nil, "", err
	}

	mode := unix.O_RDWR | unix.O_CLOEXEC
	if o.nonBlocking {
		mode |= unix.O_NONBLOCK
	}
	fd, err := unix.Open(cloneDevice, mode, 0)
	if err != nil {
		return nil, "", core.OSErr("open", &os.PathError{Op: "open", Path: cloneDevice, Err: err})
	}
	err = ioctlPtr(fd, unix.TUNSETIFF, req.Pointer())
	runtime.KeepAlive(req)
	if err != nil {
		unix.Close(fd)
		return nil, "", core.OSErr("TUNSETIFF", err)
	}
	if o.persist {
		if err := unix.IoctlSetInt(fd, unix.TUNSETPERSIST, 1); err != nil {
			unix.Close(fd)
			return nil, "", core.OSErr("TUNSETPERSIST", os.NewSyscallError("ioctl", err))
		}
	}

	b := &linuxBackend{
		fdBackend: newFdBackend(fd),
		ifconfig:  ifconfig{sys: ctlsock.Default(), layout: ifreq.Linux},
		kind:      kind,
		assigned:  req.Name(),
	}
	return b, b.assigned, nil
}

func (b *linuxBackend) name() (string, error) {
	if b.kind == core.KindTap {
		return b.assigned, nil
	}
	r, err := ifreq.Linux.New("")
	if err != nil {
		return "", err
	}
	err = ioctlPtr(b.fdNum, unix.TUNGETIFF, r.Pointer())
	runtime.KeepAlive(r)
	if err != nil {
		return "", err
	}
	return r.Name(), nil
}

func (b *linuxBackend) packetInfo() (piFormat, bool) {
	return piLinux, b.kind == core.KindTun
}

func (b *linuxBackend) hardwareAddr(ifname string) (core.MACAddress, error) {
	r, err := ctlsock.Submit(b.sys, unix.AF_INET, ifreq.Linux, ifname, unix.SIOCGIFHWADDR, nil)
	if err != nil {
		return core.MACAddress{}, err
	}
	family, mac := r.HardwareAddr()
	if family != unix.ARPHRD_ETHER {
		return core.MACAddress{}, core.Unsupportedf("hardware address family %d on %s", family, ifname)
	}
	return mac, nil
}

func (b *linuxBackend) setHardwareAddr(ifname string, mac core.MACAddress) error {
	_, err := ctlsock.Submit(b.sys, unix.AF_INET, ifreq.Linux, ifname, unix.SIOCSIFHWADDR, func(r *ifreq.Request) error {
		r.SetHardwareAddr(unix.ARPHRD_ETHER, mac)
		return nil
	})
	return err
}

// addAddress uses ioctls for IPv4 and netlink for IPv6, which has no
// ifreq-based request on Linux.
func (b *linuxBackend) addAddress(ifname string, prefix netip.Prefix) error {
	if prefix.Addr().Is4() {
		return b.addAddress4(ifname, prefix)
	}
	link, err := netlink.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("netlink lookup %s: %w", ifname, err)
	}
	addr := &netlink.Addr{
		IPNet: &net.IPNet{
			IP:   prefix.Addr().AsSlice(),
			Mask: net.CIDRMask(prefix.Bits(), 128),
		},
		Flags: unix.IFA_F_NODAD,
	}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("netlink add %s to %s: %w", prefix, ifname, err)
	}
	return nil
}

// RemovePersistent deletes an interface left behind by a device built with
// Persist.
func RemovePersistent(name string) error {
	if err := hostLayout.CheckName(name); err != nil {
		return err
	}
	link, err := netlink.LinkByName(name)
	if err != nil {
		return core.OSErr("remove persistent", err)
	}
	if err := netlink.LinkDel(link); err != nil {
		return core.OSErr("remove persistent", err)
	}
	return nil
}

// addAddress4 assigns prefix with SIOCSIFADDR followed by SIOCSIFNETMASK.
func (c ifconfig) addAddress4(ifname string, prefix netip.Prefix) error {
	if !prefix.Addr().Is4() {
		return core.NewError("add address", core.InvalidConfiguration, fmt.Errorf("%v is not IPv4", prefix))
	}
	mask, err := ifreq.PrefixMask4(prefix.Bits())
	if err != nil {
		return err
	}
	_, err = ctlsock.Submit(c.sys, unix.AF_INET, c.layout, ifname, unix.SIOCSIFADDR, func(r *ifreq.Request) error {
		return r.SetInet4(prefix.Addr())
	})
	if err != nil {
		return err
	}
	_, err = ctlsock.Submit(c.sys, unix.AF_INET, c.layout, ifname, unix.SIOCSIFNETMASK, func(r *ifreq.Request) error {
		return r.SetInet4(mask)
	})
	return err
}

