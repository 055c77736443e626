package tuntap

import (
	"fmt"
	"net/netip"
	"os"
	"sync"
	"syscall"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"go.uber.org/atomic"
)

// Mock is the far end of an in-memory device created by NewMock. It needs
// no kernel access or privileges. Tun mocks carry no native packet
// information header, so a Device that exposes one synthesizes it in the
// tun_pi layout.
type Mock struct {
	ifname string
	kind   core.DeviceKind

	inbound chan []byte
	frames  chan []byte
	closed  chan struct{}
	once    sync.Once

	nonBlock atomic.Bool
	handle   uintptr

	mu      sync.Mutex
	mtuSize int
	mac     core.MACAddress
	addrs   []netip.Prefix
	up      bool
	written [][]byte
}

// Mock handles count down from InvalidHandle so they stay above the range
// of real descriptors and are never handed to poll.
var mockHandles = atomic.NewUintptr(InvalidHandle)

// NewMock creates a Device backed by memory and returns it together with
// the Mock used to inject and inspect frames.
func NewMock(kind core.DeviceKind, name string, mtu int) (*Device, *Mock) {
	m := newMockBackend(kind, name, mtu)
	return newDevice(kind, m, name), m
}

func newMockBackend(kind core.DeviceKind, name string, mtu int) *Mock {
	if mtu <= 0 {
		mtu = core.DefaultMTU
	}
	return &Mock{
		ifname:  name,
		kind:    kind,
		inbound: make(chan []byte, 256),
		frames:  make(chan []byte, 256),
		closed:  make(chan struct{}),
		handle:  mockHandles.Dec(),
		mtuSize: mtu,
		mac:     core.MACAddress{0x02, 0x00, 0x5e, 0x00, 0x00, 0x01},
	}
}

// Inject queues a frame for the device to receive.
func (m *Mock) Inject(frame []byte) error {
	cp := append([]byte(nil), frame...)
	select {
	case <-m.closed:
		return fmt.Errorf("mock device %s closed", m.ifname)
	default:
	}
	select {
	case m.inbound <- cp:
		logging.Debugf("Mock device %s queued frame of length %d", m.ifname, len(cp))
		return nil
	default:
		return fmt.Errorf("mock device %s inbound queue full, frame dropped", m.ifname)
	}
}

// Frames delivers a copy of each frame the device sent, while there is room.
func (m *Mock) Frames() <-chan []byte { return m.frames }

// Written returns copies of every frame the device has sent.
func (m *Mock) Written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([][]byte, len(m.written))
	for i, f := range m.written {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// ClearWritten forgets the frames sent so far.
func (m *Mock) ClearWritten() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.written = nil
}

// Addresses returns the prefixes assigned through the device.
func (m *Mock) Addresses() []netip.Prefix {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]netip.Prefix(nil), m.addrs...)
}

// IsUp reports the link state set through the device.
func (m *Mock) IsUp() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.up
}

// IsClosed reports whether the device released its handle.
func (m *Mock) IsClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Mock) name() (string, error) { return m.ifname, nil }

func (m *Mock) next() ([]byte, error) {
	if m.nonBlock.Load() {
		select {
		case f := <-m.inbound:
			return f, nil
		case <-m.closed:
			return nil, os.ErrClosed
		default:
			return nil, syscall.EAGAIN
		}
	}
	select {
	case f := <-m.inbound:
		return f, nil
	case <-m.closed:
		return nil, os.ErrClosed
	}
}

func (m *Mock) read(p []byte) (int, error) {
	f, err := m.next()
	if err != nil {
		return 0, err
	}
	return copy(p, f), nil
}

func (m *Mock) readv(bufs [][]byte) (int, error) {
	f, err := m.next()
	if err != nil {
		return 0, err
	}
	return scatter(bufs, f), nil
}

func (m *Mock) write(p []byte) (int, error) {
	if m.IsClosed() {
		return 0, os.ErrClosed
	}
	cp := append([]byte(nil), p...)
	m.mu.Lock()
	m.written = append(m.written, cp)
	m.mu.Unlock()
	select {
	case m.frames <- cp:
	default:
	}
	return len(p), nil
}

func (m *Mock) writev(bufs [][]byte) (int, error) {
	frame := make([]byte, totalLen(bufs))
	gather(frame, bufs)
	return m.write(frame)
}

func (m *Mock) nonBlocking() (bool, error) { return m.nonBlock.Load(), nil }

func (m *Mock) setNonBlocking(nb bool) error {
	m.nonBlock.Store(nb)
	return nil
}

func (m *Mock) fd() uintptr { return m.handle }

func (m *Mock) detach() uintptr {
	m.once.Do(func() { close(m.closed) })
	return m.handle
}

func (m *Mock) close() error {
	m.once.Do(func() { close(m.closed) })
	return nil
}

func (m *Mock) packetInfo() (piFormat, bool) { return piLinux, false }

func (m *Mock) hardwareAddr(string) (core.MACAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mac, nil
}

func (m *Mock) setHardwareAddr(_ string, mac core.MACAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mac = mac
	return nil
}

func (m *Mock) mtu(string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mtuSize, nil
}

func (m *Mock) setMTU(_ string, mtu int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mtuSize = mtu
	return nil
}

func (m *Mock) addAddress(_ string, prefix netip.Prefix) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.addrs {
		if p == prefix {
			return syscall.EEXIST
		}
	}
	m.addrs = append(m.addrs, prefix)
	return nil
}

func (m *Mock) setUp(_ string, up bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.up = up
	return nil
}
