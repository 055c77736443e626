// Package ctlsock provides the short-lived datagram sockets that interface
// configuration ioctls are issued on. A socket lives for exactly one call to
// With or Submit and is closed on every path out of it.
//
// Each call is independent and safe for concurrent use. A read-modify-write
// sequence spanning several calls is not atomic; callers that need that must
// serialize themselves.
package ctlsock

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"github.com/irctrakz/tuntap/pkg/logging"
)

// Syscalls is the kernel surface a control socket needs.
type Syscalls interface {
	Socket(family, typ, proto int) (int, error)
	Ioctl(fd int, req uint, arg unsafe.Pointer) error
	Close(fd int) error
}

// Socket is an open control socket.
type Socket struct {
	sys    Syscalls
	fd     int
	closed bool
}

// Open creates a datagram socket of the given address family.
func Open(sys Syscalls, family int) (*Socket, error) {
	if sys == nil {
		sys = Default()
	}
	fd, err := sys.Socket(family, sockDgram, 0)
	if err != nil {
		return nil, core.OSErr("control socket", os.NewSyscallError("socket", err))
	}
	return &Socket{sys: sys, fd: fd}, nil
}

// Fd returns the socket descriptor.
func (s *Socket) Fd() int { return s.fd }

// Ioctl submits one request. arg must stay valid until Ioctl returns.
func (s *Socket) Ioctl(req uint, arg unsafe.Pointer) error {
	if s.closed {
		return core.ClosedError(fmt.Sprintf("ioctl %#x", req))
	}
	if err := s.sys.Ioctl(s.fd, req, arg); err != nil {
		return core.OSErr(fmt.Sprintf("ioctl %#x", req), os.NewSyscallError("ioctl", err))
	}
	return nil
}

// Close releases the socket. A second Close is a no-op.
func (s *Socket) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.sys.Close(s.fd); err != nil {
		return core.OSErr("close control socket", os.NewSyscallError("close", err))
	}
	return nil
}

// With opens a socket, runs fn and closes the socket whatever fn returns.
// A close failure is reported only alongside, never instead of, fn's error.
func With(sys Syscalls, family int, fn func(*Socket) error) (err error) {
	s, err := Open(sys, family)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			if err == nil {
				err = cerr
			} else {
				logging.Debugf("control socket close after failure: %v", cerr)
				err = errors.Join(err, cerr)
			}
		}
	}()
	return fn(s)
}

// Submit encodes an ifreq for name, lets build fill the union, then issues
// req on a fresh socket and returns the request as the kernel left it.
// Encoding happens before the socket is opened, so an invalid name costs no
// system calls.
func Submit(sys Syscalls, family int, layout ifreq.Layout, name string, req uint, build func(*ifreq.Request) error) (*ifreq.Request, error) {
	r, err := layout.New(name)
	if err != nil {
		return nil, err
	}
	if build != nil {
		if err := build(r); err != nil {
			return nil, err
		}
	}
	err = With(sys, family, func(s *Socket) error {
		return s.Ioctl(req, r.Pointer())
	})
	runtime.KeepAlive(r)
	if err != nil {
		return nil, err
	}
	return r, nil
}

// SubmitAlias issues an in_aliasreq or in6_aliasreq on a fresh socket.
func SubmitAlias(sys Syscalls, family int, req uint, a *ifreq.AliasRequest) error {
	err := With(sys, family, func(s *Socket) error {
		return s.Ioctl(req, a.Pointer())
	})
	runtime.KeepAlive(a)
	return err
}
