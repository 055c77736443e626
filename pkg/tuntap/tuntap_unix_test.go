//go:build linux || darwin || freebsd

package tuntap

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

// pairBackend drives fdBackend over one end of a datagram socketpair, which
// keeps message boundaries the way a tun descriptor does.
type pairBackend struct {
	fdBackend
	native bool
}

func (p *pairBackend) name() (string, error) { return "pair0", nil }
func (p *pairBackend) packetInfo() (piFormat, bool) { return piLinux, p.native }
func (p *pairBackend) mtu(string) (int, error) { return core.DefaultMTU, nil }
func (p *pairBackend) setMTU(string, int) error { return core.Unsupportedf("set mtu on socketpair") }
func (p *pairBackend) setUp(string, bool) error { return core.Unsupportedf("set up on socketpair") }
func (p *pairBackend) addAddress(string, netip.Prefix) error {
	return core.Unsupportedf("add address on socketpair")
}
func (p *pairBackend) hardwareAddr(string) (core.MACAddress, error) {
	return core.MACAddress{}, core.Unsupportedf("mac address on socketpair")
}
func (p *pairBackend) setHardwareAddr(string, core.MACAddress) error {
	return core.Unsupportedf("set mac address on socketpair")
}

func newPairDevice(t *testing.T, kind core.DeviceKind, native bool) (*Device, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fds[1]) })

	d := newDevice(kind, &pairBackend{fdBackend: newFdBackend(fds[0]), native: native}, "pair0")
	t.Cleanup(func() { d.Close() })
	return d, fds[1]
}

func peerRead(t *testing.T, fd int) []byte {
	t.Helper()
	buf := make([]byte, 2048)
	n, err := unix.Read(fd, buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestFdNativeHeaderStripped(t *testing.T) {
	d, peer := newPairDevice(t, core.KindTun, true)

	n, err := d.Send(ipv4Packet)
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet), n)
	assert.Equal(t, append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...), peerRead(t, peer))

	_, err = unix.Write(peer, append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...))
	require.NoError(t, err)
	buf := make([]byte, 1500)
	n, err = d.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, ipv4Packet, buf[:n])
}

func TestFdNativeHeaderExposed(t *testing.T) {
	d, peer := newPairDevice(t, core.KindTun, true)
	require.NoError(t, d.SetIgnorePacketInfo(false))

	frame := append([]byte{0, 0, 0x86, 0xdd}, ipv6Packet()...)
	n, err := d.Send(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, frame, peerRead(t, peer))

	_, err = unix.Write(peer, frame)
	require.NoError(t, err)
	buf := make([]byte, 1500)
	n, err = d.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, frame, buf[:n])
}

func TestFdVectored(t *testing.T) {
	d, peer := newPairDevice(t, core.KindTun, true)

	n, err := d.SendVectored([][]byte{ipv4Packet[:3], ipv4Packet[3:]})
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet), n)
	assert.Equal(t, append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...), peerRead(t, peer))

	_, err = unix.Write(peer, append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...))
	require.NoError(t, err)
	a, b := make([]byte, 12), make([]byte, 100)
	n, err = d.RecvVectored([][]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet), n)
	assert.Equal(t, ipv4Packet[:12], a)
	assert.Equal(t, ipv4Packet[12:], b[:n-12])
}

func TestFdTruncation(t *testing.T) {
	d, peer := newPairDevice(t, core.KindTap, false)

	frame := make([]byte, 100)
	frame[0] = 0xaa
	_, err := unix.Write(peer, frame)
	require.NoError(t, err)

	buf := make([]byte, 10)
	n, err := d.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, frame[:10], buf)
}

func TestFdNonBlocking(t *testing.T) {
	d, _ := newPairDevice(t, core.KindTap, false)

	nb, err := d.IsNonBlocking()
	require.NoError(t, err)
	assert.False(t, nb)

	require.NoError(t, d.SetNonBlocking(true))
	nb, err = d.IsNonBlocking()
	require.NoError(t, err)
	assert.True(t, nb)

	_, err = d.Recv(make([]byte, 64))
	assert.True(t, errors.Is(err, core.ErrWouldBlock), "got %v", err)
	assert.True(t, errors.Is(err, unix.EAGAIN))
}

func TestFdDetach(t *testing.T) {
	d, peer := newPairDevice(t, core.KindTun, true)

	fd, err := d.Detach()
	require.NoError(t, err)
	defer unix.Close(int(fd))

	// The descriptor outlives the device.
	_, err = unix.Write(int(fd), []byte{1, 2, 3})
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, peerRead(t, peer))
	assert.True(t, errors.Is(d.Close(), core.ErrClosed))
}

func TestFdClose(t *testing.T) {
	d, _ := newPairDevice(t, core.KindTun, true)
	fd := int(d.Fd())

	require.NoError(t, d.Close())
	_, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	assert.True(t, errors.Is(err, unix.EBADF), "descriptor released")
}
