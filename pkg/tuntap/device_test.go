package tuntap

import (
	"bytes"
	"errors"
	"math"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/gopacket/pcapgo"
	"github.com/irctrakz/tuntap/pkg/capture"
	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ipv4Packet is a minimal IPv4 header from 10.0.0.1 to 10.0.0.2.
var ipv4Packet = []byte{
	0x45, 0x00, 0x00, 0x14, 0x00, 0x00, 0x40, 0x00, 0x40, 0x01,
	0x00, 0x00, 0x0a, 0x00, 0x00, 0x01, 0x0a, 0x00, 0x00, 0x02,
}

func ipv6Packet() []byte {
	p := make([]byte, 40)
	p[0] = 0x60
	return p
}

func TestSendRecvExact(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 0)
	defer d.Close()

	n, err := d.Send(ipv4Packet)
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet), n)
	require.Len(t, m.Written(), 1)
	assert.Equal(t, ipv4Packet, m.Written()[0])

	require.NoError(t, m.Inject(ipv4Packet))
	buf := make([]byte, 1500)
	n, err = d.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, ipv4Packet, buf[:n])
}

func TestRecvTruncates(t *testing.T) {
	d, m := NewMock(core.KindTap, "tap0", 0)
	defer d.Close()

	frame := make([]byte, 100)
	for i := range frame {
		frame[i] = byte(i)
	}
	require.NoError(t, m.Inject(frame))

	buf := make([]byte, 10)
	n, err := d.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, frame[:10], buf)
}

func TestVectored(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 0)
	defer d.Close()

	n, err := d.SendVectored([][]byte{ipv4Packet[:5], nil, ipv4Packet[5:]})
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet), n)
	assert.Equal(t, ipv4Packet, m.Written()[0])

	require.NoError(t, m.Inject(ipv4Packet))
	a, b := make([]byte, 8), make([]byte, 64)
	n, err = d.RecvVectored([][]byte{a, b})
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet), n)
	assert.Equal(t, ipv4Packet[:8], a)
	assert.Equal(t, ipv4Packet[8:], b[:n-8])
}

func TestPacketInfoSynthesized(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 0)
	defer d.Close()

	assert.True(t, d.IgnorePacketInfo(), "header hidden by default")
	require.NoError(t, d.SetIgnorePacketInfo(false))
	assert.False(t, d.IgnorePacketInfo())

	frame := append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...)
	n, err := d.Send(frame)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, ipv4Packet, m.Written()[0], "header is not written to the device")

	pkt := ipv6Packet()
	require.NoError(t, m.Inject(pkt))
	buf := make([]byte, 128)
	n, err = d.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, len(pkt)+core.PacketInfoLen, n)
	assert.Equal(t, []byte{0, 0, 0x86, 0xdd}, buf[:4])
	assert.Equal(t, pkt, buf[4:n])

	require.NoError(t, m.Inject(ipv4Packet))
	hdr, body := make([]byte, 2), make([]byte, 64)
	n, err = d.RecvVectored([][]byte{hdr, body})
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet)+core.PacketInfoLen, n)
	assert.Equal(t, []byte{0, 0}, hdr)
	assert.Equal(t, []byte{0x08, 0x00}, body[:2])
	assert.Equal(t, ipv4Packet, body[2:n-2])
}

func TestPacketInfoShortBuffer(t *testing.T) {
	d, _ := NewMock(core.KindTun, "tun0", 0)
	defer d.Close()
	require.NoError(t, d.SetIgnorePacketInfo(false))

	_, err := d.Send([]byte{0, 0})
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))

	_, err = d.Recv(make([]byte, 3))
	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
}

func TestPacketInfoTap(t *testing.T) {
	d, _ := NewMock(core.KindTap, "tap0", 0)
	defer d.Close()

	assert.True(t, d.IgnorePacketInfo())
	assert.NoError(t, d.SetIgnorePacketInfo(true))

	err := d.SetIgnorePacketInfo(false)
	assert.True(t, errors.Is(err, core.ErrUnsupported))
	assert.True(t, d.IgnorePacketInfo())
}

func TestMACAddress(t *testing.T) {
	tap, _ := NewMock(core.KindTap, "tap0", 0)
	defer tap.Close()

	mac := core.MACAddress{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	require.NoError(t, tap.SetMACAddress(mac))
	got, err := tap.MACAddress()
	require.NoError(t, err)
	assert.Equal(t, mac, got)

	tun, _ := NewMock(core.KindTun, "tun0", 0)
	defer tun.Close()

	_, err = tun.MACAddress()
	assert.True(t, errors.Is(err, core.ErrUnsupported))
	err = tun.SetMACAddress(mac)
	assert.True(t, errors.Is(err, core.ErrUnsupported))
}

func TestDetachTun(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 0)

	fd := d.Fd()
	require.NotEqual(t, InvalidHandle, fd)

	got, err := d.Detach()
	require.NoError(t, err)
	assert.Equal(t, fd, got)
	assert.True(t, m.IsClosed())
	assert.Equal(t, InvalidHandle, d.Fd())

	_, err = d.Send(ipv4Packet)
	assert.True(t, errors.Is(err, core.ErrClosed))
	assert.True(t, errors.Is(d.Close(), core.ErrClosed))

	_, err = d.Detach()
	assert.True(t, errors.Is(err, core.ErrClosed))
}

func TestDetachTap(t *testing.T) {
	d, m := NewMock(core.KindTap, "tap0", 0)
	defer d.Close()

	fd, err := d.Detach()
	assert.Equal(t, InvalidHandle, fd)
	assert.True(t, errors.Is(err, core.ErrUnsupported))
	assert.False(t, m.IsClosed())

	_, err = d.Send(make([]byte, 60))
	assert.NoError(t, err, "tap device stays open after a refused detach")
}

func TestDetachClosedTap(t *testing.T) {
	d, _ := NewMock(core.KindTap, "tap0", 0)
	require.NoError(t, d.Close())

	fd, err := d.Detach()
	assert.Equal(t, InvalidHandle, fd)
	if !errors.Is(err, core.ErrClosed) {
		t.Fatalf("detach of a closed tap device returned %v", err)
	}
	assert.False(t, errors.Is(err, core.ErrUnsupported))
}

func TestMockHandleIsNotADescriptor(t *testing.T) {
	a, _ := NewMock(core.KindTun, "tun0", 0)
	defer a.Close()
	b, _ := NewMock(core.KindTap, "tap0", 0)
	defer b.Close()

	assert.NotEqual(t, a.Fd(), b.Fd())
	for _, fd := range []uintptr{a.Fd(), b.Fd()} {
		if fd <= math.MaxInt32 || fd == InvalidHandle {
			t.Fatalf("mock handle %d overlaps the descriptor range", fd)
		}
	}

	start := time.Now()
	WaitReadable(a.Fd(), time.Second)
	if d := time.Since(start); d > 500*time.Millisecond {
		t.Fatalf("WaitReadable on a mock handle waited %v", d)
	}
}

func TestCloseTwice(t *testing.T) {
	d, m := NewMock(core.KindTap, "tap0", 0)

	require.NoError(t, d.Close())
	assert.True(t, m.IsClosed())
	assert.True(t, errors.Is(d.Close(), core.ErrClosed))

	_, err := d.Send(make([]byte, 60))
	assert.True(t, errors.Is(err, core.ErrClosed))
	_, err = d.Recv(make([]byte, 60))
	assert.True(t, errors.Is(err, core.ErrClosed))
	_, err = d.Name()
	assert.True(t, errors.Is(err, core.ErrClosed))
	_, err = d.MTU()
	assert.True(t, errors.Is(err, core.ErrClosed))
}

func TestNonBlocking(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 0)
	defer d.Close()

	nb, err := d.IsNonBlocking()
	require.NoError(t, err)
	assert.False(t, nb)

	require.NoError(t, d.SetNonBlocking(true))
	nb, err = d.IsNonBlocking()
	require.NoError(t, err)
	assert.True(t, nb)

	_, err = d.Recv(make([]byte, 1500))
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrWouldBlock))
	assert.Equal(t, core.WouldBlock, core.KindOf(err))

	require.NoError(t, m.Inject(ipv4Packet))
	n, err := d.Recv(make([]byte, 1500))
	require.NoError(t, err)
	assert.Equal(t, len(ipv4Packet), n)

	metrics := d.Metrics()
	assert.Equal(t, uint64(1), metrics.WouldBlock)
	assert.Equal(t, uint64(0), metrics.Errors)
}

func TestMetrics(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 0)
	defer d.Close()
	require.NoError(t, d.SetIgnorePacketInfo(false))

	frame := append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...)
	for i := 0; i < 2; i++ {
		_, err := d.Send(frame)
		require.NoError(t, err)
	}
	require.NoError(t, m.Inject(ipv4Packet))
	_, err := d.Recv(make([]byte, 1500))
	require.NoError(t, err)

	metrics := d.Metrics()
	assert.Equal(t, uint64(2), metrics.FramesSent)
	assert.Equal(t, uint64(1), metrics.FramesReceived)
	assert.Equal(t, uint64(2*len(ipv4Packet)), metrics.BytesSent, "header excluded")
	assert.Equal(t, uint64(len(ipv4Packet)), metrics.BytesReceived)
}

func TestCapture(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 0)
	defer d.Close()
	require.NoError(t, d.SetIgnorePacketInfo(false))

	var buf bytes.Buffer
	w, err := capture.New(&buf, core.KindTun, 0)
	require.NoError(t, err)
	d.SetCapture(w)

	_, err = d.Send(append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...))
	require.NoError(t, err)
	require.NoError(t, m.Inject(ipv4Packet))
	_, err = d.RecvVectored([][]byte{make([]byte, 10), make([]byte, 100)})
	require.NoError(t, err)

	d.SetCapture(nil)
	_, err = d.Send(append([]byte{0, 0, 0x08, 0x00}, ipv4Packet...))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), w.Frames())
	require.NoError(t, w.Close())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		data, _, err := r.ReadPacketData()
		require.NoError(t, err)
		assert.Equal(t, ipv4Packet, data, "frame %d recorded without header", i)
	}
}

func TestInterfaceConfiguration(t *testing.T) {
	d, m := NewMock(core.KindTun, "tun0", 1400)
	defer d.Close()

	mtu, err := d.MTU()
	require.NoError(t, err)
	assert.Equal(t, 1400, mtu)

	assert.True(t, errors.Is(d.SetMTU(0), core.ErrInvalidConfiguration))
	assert.True(t, errors.Is(d.SetMTU(core.MaxMTU+1), core.ErrInvalidConfiguration))
	require.NoError(t, d.SetMTU(9000))
	mtu, err = d.MTU()
	require.NoError(t, err)
	assert.Equal(t, 9000, mtu)

	assert.True(t, errors.Is(d.AddAddress(netip.Prefix{}), core.ErrInvalidConfiguration))
	p := netip.MustParsePrefix("10.0.0.1/24")
	require.NoError(t, d.AddAddress(p))
	err = d.AddAddress(p)
	assert.True(t, errors.Is(err, core.ErrOS), "duplicate address is an OS error")
	assert.Equal(t, []netip.Prefix{p}, m.Addresses())

	require.NoError(t, d.SetUp(true))
	assert.True(t, m.IsUp())
	require.NoError(t, d.SetUp(false))
	assert.False(t, m.IsUp())

	name, err := d.Name()
	require.NoError(t, err)
	assert.Equal(t, "tun0", name)
	assert.Equal(t, core.KindTun, d.Kind())
}

func TestConcurrentSend(t *testing.T) {
	d, m := NewMock(core.KindTap, "tap0", 0)
	defer d.Close()

	const workers, frames = 8, 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			frame := make([]byte, 60)
			frame[0] = byte(w)
			for i := 0; i < frames; i++ {
				if _, err := d.Send(frame); err != nil {
					t.Errorf("worker %d: send: %v", w, err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	written := m.Written()
	assert.Len(t, written, workers*frames)
	for _, f := range written {
		assert.Len(t, f, 60, "frames are never interleaved")
	}
	assert.Equal(t, uint64(workers*frames), d.Metrics().FramesSent)
}
