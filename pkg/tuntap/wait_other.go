//go:build !unix

package tuntap

import "time"

// WaitReadable backs off briefly. Overlapped handles cannot be polled for
// readability, so callers simply retry.
func WaitReadable(uintptr, time.Duration) {
	time.Sleep(time.Millisecond)
}
