//go:build !linux

package tuntap

import (
	"runtime"

	"github.com/irctrakz/tuntap/pkg/core"
)

// RemovePersistent deletes a persistent interface. Only Linux has them.
func RemovePersistent(string) error {
	return core.Unsupportedf("persistent devices on %s", runtime.GOOS)
}
