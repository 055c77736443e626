//go:build !linux && !darwin && !freebsd && !windows

package tuntap

import (
	"runtime"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ifreq"
)

var hostLayout = ifreq.Linux

func openBackend(core.DeviceKind, openOptions) (backend, string, error) {
	return nil, "", core.Unsupportedf("tun/tap devices on %s", runtime.GOOS)
}
