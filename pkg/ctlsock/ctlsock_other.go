//go:build !unix

package ctlsock

import (
	"runtime"
	"unsafe"

	"github.com/irctrakz/tuntap/pkg/core"
)

const sockDgram = 2

type unsupportedSyscalls struct{}

// Default returns an implementation that fails every call: interface
// configuration on this platform does not go through socket ioctls.
func Default() Syscalls { return unsupportedSyscalls{} }

func (unsupportedSyscalls) Socket(int, int, int) (int, error) {
	return -1, core.Unsupportedf("control socket on %s", runtime.GOOS)
}

func (unsupportedSyscalls) Ioctl(int, uint, unsafe.Pointer) error {
	return core.Unsupportedf("ioctl on %s", runtime.GOOS)
}

func (unsupportedSyscalls) Close(int) error { return nil }
