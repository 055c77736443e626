//go:build linux || darwin || freebsd

package tuntap

import (
	"os"
	"runtime"
	"unsafe"

	"github.com/irctrakz/tuntap/pkg/ctlsock"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"golang.org/x/sys/unix"
)

// fdBackend performs frame I/O on a unix file descriptor. Every transfer is
// a single read, write, readv or writev so that datagram semantics of the
// kernel object are preserved.
type fdBackend struct {
	fdNum int
	// owned is cleared by detach so close leaves the descriptor alone.
	owned bool
}

func newFdBackend(fd int) fdBackend {
	return fdBackend{fdNum: fd, owned: true}
}

func (f *fdBackend) read(p []byte) (int, error) {
	for {
		n, err := unix.Read(f.fdNum, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("read", err)
		}
		return n, nil
	}
}

func (f *fdBackend) write(p []byte) (int, error) {
	for {
		n, err := unix.Write(f.fdNum, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// iovecs builds the iovec array for bufs, skipping empty regions.
func iovecs(bufs [][]byte) []unix.Iovec {
	iovs := make([]unix.Iovec, 0, len(bufs))
	for _, b := range bufs {
		if len(b) == 0 {
			continue
		}
		iov := unix.Iovec{Base: &b[0]}
		iov.SetLen(len(b))
		iovs = append(iovs, iov)
	}
	return iovs
}

func (f *fdBackend) rw(trap uintptr, name string, bufs [][]byte) (int, error) {
	iovs := iovecs(bufs)
	if len(iovs) == 0 {
		if trap == unix.SYS_READV {
			return f.read(nil)
		}
		return f.write(nil)
	}
	for {
		n, _, errno := unix.Syscall(trap, uintptr(f.fdNum), uintptr(unsafe.Pointer(&iovs[0])), uintptr(len(iovs)))
		runtime.KeepAlive(bufs)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, os.NewSyscallError(name, errno)
		}
		return int(n), nil
	}
}

func (f *fdBackend) readv(bufs [][]byte) (int, error) {
	return f.rw(unix.SYS_READV, "readv", bufs)
}

func (f *fdBackend) writev(bufs [][]byte) (int, error) {
	return f.rw(unix.SYS_WRITEV, "writev", bufs)
}

func (f *fdBackend) nonBlocking() (bool, error) {
	flags, err := unix.FcntlInt(uintptr(f.fdNum), unix.F_GETFL, 0)
	if err != nil {
		return false, os.NewSyscallError("fcntl", err)
	}
	return flags&unix.O_NONBLOCK != 0, nil
}

func (f *fdBackend) setNonBlocking(nb bool) error {
	if err := unix.SetNonblock(f.fdNum, nb); err != nil {
		return os.NewSyscallError("fcntl", err)
	}
	return nil
}

func (f *fdBackend) fd() uintptr { return uintptr(f.fdNum) }

func (f *fdBackend) detach() uintptr {
	f.owned = false
	return uintptr(f.fdNum)
}

func (f *fdBackend) close() error {
	if !f.owned {
		return nil
	}
	f.owned = false
	if err := unix.Close(f.fdNum); err != nil {
		return os.NewSyscallError("close", err)
	}
	return nil
}

// ifconfig issues interface configuration requests through control sockets.
type ifconfig struct {
	sys    ctlsock.Syscalls
	layout ifreq.Layout
}

func (c ifconfig) mtu(ifname string) (int, error) {
	r, err := ctlsock.Submit(c.sys, unix.AF_INET, c.layout, ifname, unix.SIOCGIFMTU, nil)
	if err != nil {
		return 0, err
	}
	return int(r.Int32()), nil
}

func (c ifconfig) setMTU(ifname string, mtu int) error {
	_, err := ctlsock.Submit(c.sys, unix.AF_INET, c.layout, ifname, unix.SIOCSIFMTU, func(r *ifreq.Request) error {
		r.SetInt32(int32(mtu))
		return nil
	})
	return err
}

// setUp reads the interface flags and writes them back with IFF_UP changed.
// The pair is not atomic.
func (c ifconfig) setUp(ifname string, up bool) error {
	r, err := ctlsock.Submit(c.sys, unix.AF_INET, c.layout, ifname, unix.SIOCGIFFLAGS, nil)
	if err != nil {
		return err
	}
	flags := r.Flags()
	if up {
		flags |= unix.IFF_UP
	} else {
		flags &^= unix.IFF_UP
	}
	_, err = ctlsock.Submit(c.sys, unix.AF_INET, c.layout, ifname, unix.SIOCSIFFLAGS, func(r *ifreq.Request) error {
		r.SetFlags(flags)
		return nil
	})
	return err
}

// ioctlPtr issues a request directly on a device descriptor.
func ioctlPtr(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return os.NewSyscallError("ioctl", errno)
	}
	return nil
}
