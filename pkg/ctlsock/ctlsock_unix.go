//go:build unix

package ctlsock

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

const sockDgram = unix.SOCK_DGRAM

type unixSyscalls struct{}

// Default returns the host's system call implementation.
func Default() Syscalls { return unixSyscalls{} }

func (unixSyscalls) Socket(family, typ, proto int) (int, error) {
	fd, err := unix.Socket(family, typ, proto)
	if err != nil {
		return -1, err
	}
	unix.CloseOnExec(fd)
	return fd, nil
}

func (unixSyscalls) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(req), uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (unixSyscalls) Close(fd int) error { return unix.Close(fd) }
