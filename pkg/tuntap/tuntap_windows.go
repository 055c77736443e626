//go:build windows

package tuntap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"os/exec"
	"strings"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"go.uber.org/atomic"
	"golang.org/x/sys/windows"
	"golang.org/x/sys/windows/registry"
)

const (
	tapComponentID  = "tap0901"
	adapterClassKey = `SYSTEM\CurrentControlSet\Control\Class\{4D36E972-E325-11CE-BFC1-08002BE10318}`
	networkKey      = `SYSTEM\CurrentControlSet\Control\Network\{4D36E972-E325-11CE-BFC1-08002BE10318}`
)

// tapControlCode is CTL_CODE(FILE_DEVICE_UNKNOWN, fn, METHOD_BUFFERED,
// FILE_ANY_ACCESS) as used by the tap-windows6 driver.
func tapControlCode(fn uint32) uint32 {
	return 0x22<<16 | fn<<2
}

var (
	hostLayout = ifreq.Windows

	tapIoctlGetMAC         = tapControlCode(1)
	tapIoctlGetMTU         = tapControlCode(3)
	tapIoctlSetMediaStatus = tapControlCode(6)
	tapIoctlConfigTun      = tapControlCode(10)
)

// windowsBackend is an overlapped handle on a tap-windows6 adapter. In Tun
// mode the driver strips and synthesizes Ethernet headers itself, so frames
// are bare IP packets with no packet information header.
type windowsBackend struct {
	h        windows.Handle
	owned    atomic.Bool
	nonBlock atomic.Bool
	kind     core.DeviceKind
	conn     string
	guid     string
}

func openBackend(kind core.DeviceKind, o openOptions) (backend, string, error) {
	if err := hostLayout.CheckName(o.name); err != nil {
		return nil, "", err
	}
	if kind == core.KindTun && !o.ipv4.IsValid() {
		return nil, "", core.NewError("open", core.InvalidConfiguration,
			errors.New("a tun device on windows needs an IPv4 address"))
	}
	guid, conn, err := findAdapter(o.name)
	if err != nil {
		return nil, "", err
	}
	path, err := windows.UTF16PtrFromString(`\\.\Global\` + guid + `.tap`)
	if err != nil {
		return nil, "", core.NewError("open", core.InvalidConfiguration, err)
	}
	h, err := windows.CreateFile(path,
		windows.GENERIC_READ|windows.GENERIC_WRITE,
		windows.FILE_SHARE_READ|windows.FILE_SHARE_WRITE,
		nil, windows.OPEN_EXISTING,
		windows.FILE_ATTRIBUTE_SYSTEM|windows.FILE_FLAG_OVERLAPPED, 0)
	if err != nil {
		return nil, "", core.OSErr("open", os.NewSyscallError("CreateFile", err))
	}

	b := &windowsBackend{h: h, kind: kind, conn: conn, guid: guid}
	b.owned.Store(true)
	b.nonBlock.Store(o.nonBlocking)

	if kind == core.KindTun {
		if err := b.configTun(o.ipv4); err != nil {
			b.close()
			return nil, "", core.OSErr("config tun", err)
		}
	}
	if err := b.setMediaStatus(true); err != nil {
		b.close()
		return nil, "", core.OSErr("set media status", err)
	}
	return b, conn, nil
}

// findAdapter returns the instance GUID and connection name of the first
// tap-windows6 adapter, or of the one whose connection name is want.
func findAdapter(want string) (guid, conn string, err error) {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, adapterClassKey, registry.ENUMERATE_SUB_KEYS|registry.QUERY_VALUE)
	if err != nil {
		return "", "", core.OSErr("find adapter", err)
	}
	defer k.Close()
	subkeys, err := k.ReadSubKeyNames(-1)
	if err != nil {
		return "", "", core.OSErr("find adapter", err)
	}
	found := false
	for _, sub := range subkeys {
		sk, err := registry.OpenKey(k, sub, registry.QUERY_VALUE)
		if err != nil {
			continue
		}
		comp, _, err := sk.GetStringValue("ComponentId")
		if err != nil || !strings.EqualFold(strings.TrimPrefix(strings.ToLower(comp), `root\`), tapComponentID) {
			sk.Close()
			continue
		}
		id, _, err := sk.GetStringValue("NetCfgInstanceId")
		sk.Close()
		if err != nil {
			continue
		}
		found = true
		name := connectionName(id)
		if want == "" || strings.EqualFold(name, want) {
			return id, name, nil
		}
	}
	if !found {
		return "", "", core.Unsupportedf("no %s adapter installed", tapComponentID)
	}
	return "", "", core.NewError("find adapter", core.InvalidConfiguration,
		fmt.Errorf("no %s adapter named %q", tapComponentID, want))
}

func connectionName(guid string) string {
	k, err := registry.OpenKey(registry.LOCAL_MACHINE, networkKey+`\`+guid+`\Connection`, registry.QUERY_VALUE)
	if err != nil {
		return guid
	}
	defer k.Close()
	name, _, err := k.GetStringValue("Name")
	if err != nil {
		return guid
	}
	return name
}

// overlapped runs one overlapped operation and waits for it. When cancel
// is set and the operation does not complete at once, it is cancelled and
// reported as WouldBlock.
func (b *windowsBackend) overlapped(op string, cancel bool, start func(*windows.Overlapped, *uint32) error) (int, error) {
	ev, err := windows.CreateEvent(nil, 1, 0, nil)
	if err != nil {
		return 0, os.NewSyscallError("CreateEvent", err)
	}
	defer windows.CloseHandle(ev)
	ov := windows.Overlapped{HEvent: ev}
	var done uint32

	err = start(&ov, &done)
	if err == nil {
		return int(done), nil
	}
	if err != windows.ERROR_IO_PENDING {
		return 0, os.NewSyscallError(op, err)
	}
	if cancel {
		err = windows.GetOverlappedResult(b.h, &ov, &done, false)
		if err == nil {
			return int(done), nil
		}
		if err != windows.ERROR_IO_INCOMPLETE {
			return 0, os.NewSyscallError(op, err)
		}
		windows.CancelIoEx(b.h, &ov)
	}
	err = windows.GetOverlappedResult(b.h, &ov, &done, true)
	switch {
	case err == nil:
		return int(done), nil
	case cancel && err == windows.ERROR_OPERATION_ABORTED:
		return 0, core.NewError(op, core.WouldBlock, err)
	}
	return 0, os.NewSyscallError(op, err)
}

func (b *windowsBackend) read(p []byte) (int, error) {
	return b.overlapped("ReadFile", b.nonBlock.Load(), func(ov *windows.Overlapped, done *uint32) error {
		return windows.ReadFile(b.h, p, done, ov)
	})
}

func (b *windowsBackend) write(p []byte) (int, error) {
	return b.overlapped("WriteFile", false, func(ov *windows.Overlapped, done *uint32) error {
		return windows.WriteFile(b.h, p, done, ov)
	})
}

// The driver has no scatter-gather entry point; vectored calls go through
// one contiguous buffer.
func (b *windowsBackend) readv(bufs [][]byte) (int, error) {
	tmp := core.GetFrame(totalLen(bufs))
	defer core.PutFrame(tmp)
	n, err := b.read(tmp)
	if err != nil {
		return 0, err
	}
	return scatter(bufs, tmp[:n]), nil
}

func (b *windowsBackend) writev(bufs [][]byte) (int, error) {
	tmp := core.GetFrame(totalLen(bufs))
	defer core.PutFrame(tmp)
	gather(tmp, bufs)
	return b.write(tmp)
}

func (b *windowsBackend) ioctl(code uint32, in, out []byte) (int, error) {
	var inPtr, outPtr *byte
	if len(in) > 0 {
		inPtr = &in[0]
	}
	if len(out) > 0 {
		outPtr = &out[0]
	}
	return b.overlapped("DeviceIoControl", false, func(ov *windows.Overlapped, done *uint32) error {
		return windows.DeviceIoControl(b.h, code, inPtr, uint32(len(in)), outPtr, uint32(len(out)), done, ov)
	})
}

// configTun switches the driver to Tun mode: local address, network and mask.
func (b *windowsBackend) configTun(prefix netip.Prefix) error {
	mask, err := ifreq.PrefixMask4(prefix.Bits())
	if err != nil {
		return err
	}
	local := prefix.Addr().As4()
	network := prefix.Masked().Addr().As4()
	m := mask.As4()
	in := make([]byte, 0, 12)
	in = append(in, local[:]...)
	in = append(in, network[:]...)
	in = append(in, m[:]...)
	_, err = b.ioctl(tapIoctlConfigTun, in, in)
	return err
}

func (b *windowsBackend) setMediaStatus(connected bool) error {
	in := make([]byte, 4)
	if connected {
		binary.LittleEndian.PutUint32(in, 1)
	}
	_, err := b.ioctl(tapIoctlSetMediaStatus, in, in)
	return err
}

func (b *windowsBackend) name() (string, error) {
	return connectionName(b.guid), nil
}

func (b *windowsBackend) nonBlocking() (bool, error) { return b.nonBlock.Load(), nil }

func (b *windowsBackend) setNonBlocking(nb bool) error {
	b.nonBlock.Store(nb)
	return nil
}

func (b *windowsBackend) fd() uintptr { return uintptr(b.h) }

func (b *windowsBackend) detach() uintptr {
	b.owned.Store(false)
	return uintptr(b.h)
}

func (b *windowsBackend) close() error {
	if !b.owned.CompareAndSwap(true, false) {
		return nil
	}
	if err := windows.CloseHandle(b.h); err != nil {
		return os.NewSyscallError("CloseHandle", err)
	}
	return nil
}

func (b *windowsBackend) packetInfo() (piFormat, bool) { return piWindows, false }

func (b *windowsBackend) hardwareAddr(string) (core.MACAddress, error) {
	var mac core.MACAddress
	out := make([]byte, len(mac))
	n, err := b.ioctl(tapIoctlGetMAC, out, out)
	if err != nil {
		return mac, err
	}
	if n < len(mac) {
		return mac, fmt.Errorf("driver returned %d bytes for the MAC address", n)
	}
	copy(mac[:], out)
	return mac, nil
}

func (b *windowsBackend) setHardwareAddr(string, core.MACAddress) error {
	return core.Unsupportedf("set mac address on windows")
}

func (b *windowsBackend) mtu(string) (int, error) {
	out := make([]byte, 4)
	if _, err := b.ioctl(tapIoctlGetMTU, out, out); err != nil {
		return 0, err
	}
	return int(binary.LittleEndian.Uint32(out)), nil
}

func (b *windowsBackend) setMTU(ifname string, mtu int) error {
	return netsh("interface", "ipv4", "set", "subinterface", ifname, fmt.Sprintf("mtu=%d", mtu), "store=active")
}

func (b *windowsBackend) addAddress(ifname string, prefix netip.Prefix) error {
	if prefix.Addr().Is4() {
		mask, err := ifreq.PrefixMask4(prefix.Bits())
		if err != nil {
			return err
		}
		return netsh("interface", "ipv4", "set", "address", "name="+ifname, "source=static",
			"address="+prefix.Addr().String(), "mask="+mask.String(), "store=active")
	}
	return netsh("interface", "ipv6", "add", "address", "interface="+ifname, prefix.String(), "store=active")
}

func (b *windowsBackend) setUp(_ string, up bool) error {
	return b.setMediaStatus(up)
}

func netsh(args ...string) error {
	out, err := exec.Command("netsh", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("netsh %s: %w, output: %s", strings.Join(args[:2], " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}
