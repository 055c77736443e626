//go:build unix

package tuntap

import (
	"math"
	"time"

	"golang.org/x/sys/unix"
)

// WaitReadable blocks until the handle fd is readable or timeout passes. It
// is meant for loops over a nonblocking Device that must notice shutdown
// without closing the handle under a blocked read.
func WaitReadable(fd uintptr, timeout time.Duration) {
	if fd > math.MaxInt32 {
		// Not a descriptor: InvalidHandle or a mock device.
		time.Sleep(time.Millisecond)
		return
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, int(timeout/time.Millisecond))
	if err != nil || (n > 0 && fds[0].Revents&unix.POLLNVAL != 0) {
		// Not a pollable descriptor.
		time.Sleep(time.Millisecond)
	}
}
