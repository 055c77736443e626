//go:build darwin

package tuntap

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ctlsock"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"golang.org/x/sys/unix"
)

const (
	utunControlName = "com.apple.net.utun_control"
	sysprotoControl = 2
	utunOptIfname   = 2
	// Legacy tuntaposx nodes are /dev/tap0 to /dev/tap15.
	maxTapUnits = 16
)

var (
	hostLayout     = ifreq.Darwin
	siocAIFADDR    = uint(unix.SIOCAIFADDR)
	siocAIFADDRIn6 = iow('i', 26, ifreq.Darwin.Alias6Size)
)

// darwinBackend is a utun kernel control socket for Tun or a /dev/tapN node
// for Tap. utun always frames packets with a 4-byte address family.
type darwinBackend struct {
	fdBackend
	bsdConfig
	kind     core.DeviceKind
	assigned string
}

func openBackend(kind core.DeviceKind, o openOptions) (backend, string, error) {
	if err := hostLayout.CheckName(o.name); err != nil {
		return nil, "", err
	}
	var (
		fd   int
		name string
		err  error
	)
	if kind == core.KindTap {
		fd, name, err = openTap(o.name)
	} else {
		fd, err = openUtun(o.name)
	}
	if err != nil {
		return nil, "", err
	}
	if o.nonBlocking {
		if err := unix.SetNonblock(fd, true); err != nil {
			unix.Close(fd)
			return nil, "", core.OSErr("set nonblocking", os.NewSyscallError("fcntl", err))
		}
	}

	b := &darwinBackend{
		fdBackend: newFdBackend(fd),
		bsdConfig: bsdConfig{
			ifconfig:     ifconfig{sys: ctlsock.Default(), layout: ifreq.Darwin},
			pointToPoint: kind == core.KindTun,
		},
		kind:     kind,
		assigned: name,
	}
	if kind == core.KindTun {
		if name, err = b.name(); err != nil {
			b.close()
			return nil, "", core.OSErr("name", err)
		}
	}
	return b, name, nil
}

// utunUnit maps "" to 0, letting the kernel choose, and "utunN" to N+1.
func utunUnit(name string) (uint32, error) {
	if name == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(strings.TrimPrefix(name, "utun"), 10, 31)
	if !strings.HasPrefix(name, "utun") || err != nil {
		return 0, core.NewError("open utun", core.InvalidConfiguration,
			fmt.Errorf("tun name %q must be utun followed by a unit number", name))
	}
	return uint32(n) + 1, nil
}

func openUtun(name string) (int, error) {
	unit, err := utunUnit(name)
	if err != nil {
		return -1, err
	}
	fd, err := unix.Socket(unix.AF_SYSTEM, unix.SOCK_DGRAM, sysprotoControl)
	if err != nil {
		return -1, core.OSErr("open utun", os.NewSyscallError("socket", err))
	}
	unix.CloseOnExec(fd)

	info := &unix.CtlInfo{}
	copy(info.Name[:], utunControlName)
	if err := unix.IoctlCtlInfo(fd, info); err != nil {
		unix.Close(fd)
		return -1, core.OSErr("open utun", os.NewSyscallError("ioctl CTLIOCGINFO", err))
	}
	sc := &unix.SockaddrCtl{ID: info.Id, Unit: unit}
	if err := unix.Connect(fd, sc); err != nil {
		unix.Close(fd)
		return -1, core.OSErr("open utun", os.NewSyscallError("connect", err))
	}
	return fd, nil
}

func openTap(name string) (int, string, error) {
	open := func(unit int) (int, string, error) {
		ifname := fmt.Sprintf("tap%d", unit)
		path := "/dev/" + ifname
		fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
		if err != nil {
			return -1, "", core.OSErr("open tap", &os.PathError{Op: "open", Path: path, Err: err})
		}
		return fd, ifname, nil
	}
	if name != "" {
		unit, err := strconv.Atoi(strings.TrimPrefix(name, "tap"))
		if !strings.HasPrefix(name, "tap") || err != nil || unit < 0 {
			return -1, "", core.NewError("open tap", core.InvalidConfiguration,
				fmt.Errorf("tap name %q must be tap followed by a unit number", name))
		}
		return open(unit)
	}
	var lastErr error
	for unit := 0; unit < maxTapUnits; unit++ {
		fd, ifname, err := open(unit)
		if err == nil {
			return fd, ifname, nil
		}
		lastErr = err
	}
	return -1, "", lastErr
}

func (b *darwinBackend) name() (string, error) {
	if b.kind == core.KindTap {
		return b.assigned, nil
	}
	name, err := unix.GetsockoptString(b.fdNum, sysprotoControl, utunOptIfname)
	if err != nil {
		return "", os.NewSyscallError("getsockopt UTUN_OPT_IFNAME", err)
	}
	return name, nil
}

func (b *darwinBackend) packetInfo() (piFormat, bool) {
	return piDarwin, b.kind == core.KindTun
}
