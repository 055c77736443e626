//go:build freebsd

package tuntap

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ctlsock"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"golang.org/x/sys/unix"
)

// struct fiodgname_arg { int len; void *buf; }
type fiodgnameArg struct {
	length int32
	buf    unsafe.Pointer
}

var (
	hostLayout     = ifreq.FreeBSD
	siocAIFADDR    = iow('i', 43, ifreq.FreeBSD.Alias4Size)
	siocAIFADDRIn6 = iow('i', 27, ifreq.FreeBSD.Alias6Size)
	siocSIFNAME    = iow('i', 40, ifreq.FreeBSD.Size)
	siocIFDESTROY  = ioNone('i', 121)
	fiodgName      = iow('f', 120, int(unsafe.Sizeof(fiodgnameArg{})))
	tunSIFHEAD     = iow('t', 96, 4)
	tunGIFNAME     = ior('t', 93, ifreq.FreeBSD.Size)
)

// freebsdBackend is a descriptor on a cloned /dev/tun or /dev/tap node.
// Tun descriptors run with TUNSIFHEAD so each frame carries its address
// family. The cloned interface is destroyed on close.
type freebsdBackend struct {
	fdBackend
	bsdConfig
	kind     core.DeviceKind
	assigned string
}

func openBackend(kind core.DeviceKind, o openOptions) (backend, string, error) {
	if err := hostLayout.CheckName(o.name); err != nil {
		return nil, "", err
	}
	path := "/dev/tun"
	if kind == core.KindTap {
		path = "/dev/tap"
	}
	mode := unix.O_RDWR | unix.O_CLOEXEC
	if o.nonBlocking {
		mode |= unix.O_NONBLOCK
	}
	fd, err := unix.Open(path, mode, 0)
	if err != nil {
		return nil, "", core.OSErr("open", &os.PathError{Op: "open", Path: path, Err: err})
	}

	b := &freebsdBackend{
		fdBackend: newFdBackend(fd),
		bsdConfig: bsdConfig{
			ifconfig:     ifconfig{sys: ctlsock.Default(), layout: ifreq.FreeBSD},
			pointToPoint: kind == core.KindTun,
		},
		kind: kind,
	}
	fail := func(op string, err error) (backend, string, error) {
		b.close()
		return nil, "", core.OSErr(op, err)
	}

	if b.assigned, err = b.deviceName(); err != nil {
		return fail("FIODGNAME", err)
	}
	if o.name != "" && o.name != b.assigned {
		if err := b.rename(o.name); err != nil {
			return fail("rename", err)
		}
	}
	if kind == core.KindTun {
		one := int32(1)
		if err := ioctlPtr(fd, tunSIFHEAD, unsafe.Pointer(&one)); err != nil {
			return fail("TUNSIFHEAD", err)
		}
	}
	return b, b.assigned, nil
}

// deviceName asks the cloning device which node, and so which interface,
// it handed out.
func (b *freebsdBackend) deviceName() (string, error) {
	buf := make([]byte, hostLayout.NameSize)
	arg := fiodgnameArg{length: int32(len(buf)), buf: unsafe.Pointer(&buf[0])}
	err := ioctlPtr(b.fdNum, fiodgName, unsafe.Pointer(&arg))
	runtime.KeepAlive(buf)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(buf), "\x00"), nil
}

// rename applies SIOCSIFNAME; ifr_data points at the new NUL-terminated name.
func (b *freebsdBackend) rename(newName string) error {
	if err := hostLayout.CheckName(newName); err != nil {
		return err
	}
	nameBuf := make([]byte, hostLayout.NameSize)
	copy(nameBuf, newName)
	_, err := ctlsock.Submit(b.sys, unix.AF_INET, ifreq.FreeBSD, b.assigned, siocSIFNAME, func(r *ifreq.Request) error {
		r.SetPointer(unsafe.Pointer(&nameBuf[0]))
		return nil
	})
	runtime.KeepAlive(nameBuf)
	if err != nil {
		return fmt.Errorf("rename %s to %s: %w", b.assigned, newName, err)
	}
	b.assigned = newName
	return nil
}

func (b *freebsdBackend) name() (string, error) {
	if b.kind == core.KindTap {
		return b.assigned, nil
	}
	r, err := ifreq.FreeBSD.New("")
	if err != nil {
		return "", err
	}
	err = ioctlPtr(b.fdNum, tunGIFNAME, r.Pointer())
	runtime.KeepAlive(r)
	if err != nil {
		return "", err
	}
	return r.Name(), nil
}

func (b *freebsdBackend) packetInfo() (piFormat, bool) {
	return piFreeBSD, b.kind == core.KindTun
}

func (b *freebsdBackend) close() error {
	owned := b.owned
	ifname := b.assigned
	if owned && b.kind == core.KindTun {
		if n, err := b.name(); err == nil {
			ifname = n
		}
	}
	err := b.fdBackend.close()
	if owned && ifname != "" {
		_, derr := ctlsock.Submit(b.sys, unix.AF_INET, ifreq.FreeBSD, ifname, siocIFDESTROY, nil)
		if err == nil && derr != nil {
			err = fmt.Errorf("destroy %s: %w", ifname, derr)
		}
	}
	return err
}
