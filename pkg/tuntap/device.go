// Package tuntap creates and drives kernel TUN and TAP interfaces through a
// single Device handle. A Device is built with a Builder, exchanges exactly
// one frame per Send or Recv, and owns one native handle that is released
// by Close or handed to the caller by Detach.
package tuntap

import (
	"fmt"
	"net/netip"

	"github.com/irctrakz/tuntap/pkg/capture"
	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// InvalidHandle is returned where no native handle can be produced.
const InvalidHandle = ^uintptr(0)

// backend is the per-platform half of a Device. I/O methods map to single
// system calls; the configuration methods address the interface by name.
type backend interface {
	name() (string, error)

	read(p []byte) (int, error)
	write(p []byte) (int, error)
	readv(bufs [][]byte) (int, error)
	writev(bufs [][]byte) (int, error)

	nonBlocking() (bool, error)
	setNonBlocking(nonBlocking bool) error

	fd() uintptr
	// detach gives up ownership of the native handle without closing it.
	detach() uintptr
	close() error

	// packetInfo returns the header format of the handle and whether frames
	// on it actually carry the header.
	packetInfo() (piFormat, bool)

	hardwareAddr(ifname string) (core.MACAddress, error)
	setHardwareAddr(ifname string, mac core.MACAddress) error
	mtu(ifname string) (int, error)
	setMTU(ifname string, mtu int) error
	addAddress(ifname string, prefix netip.Prefix) error
	setUp(ifname string, up bool) error
}

// Device is an open Tun or Tap interface. Its kind is fixed at creation.
//
// Send and Recv may be called from several goroutines; the order in which
// their frames interleave is unspecified. Close must not be called while
// another goroutine is blocked in I/O on the same Device.
type Device struct {
	kind     core.DeviceKind
	b        backend
	pi       piFormat
	nativePI bool

	ignorePI atomic.Bool
	closed   atomic.Bool
	capture  atomic.Pointer[capture.Writer]

	framesSent, framesReceived atomic.Uint64
	bytesSent, bytesReceived   atomic.Uint64
	wouldBlock, failures       atomic.Uint64

	log *logrus.Entry
}

var _ core.Device = (*Device)(nil)

func newDevice(kind core.DeviceKind, b backend, ifname string) *Device {
	pi, native := b.packetInfo()
	d := &Device{
		kind:     kind,
		b:        b,
		pi:       pi,
		nativePI: native,
		log:      logging.ForDevice(ifname, kind),
	}
	d.ignorePI.Store(true)
	return d
}

// Kind reports whether the device is a Tun or a Tap.
func (d *Device) Kind() core.DeviceKind { return d.kind }

// Name returns the interface name. For Tun devices the kernel is asked on
// every call; Tap devices report the name recorded at creation.
func (d *Device) Name() (string, error) {
	if d.closed.Load() {
		return "", core.ClosedError("name")
	}
	name, err := d.b.name()
	if err != nil {
		return "", core.OSErr("name", err)
	}
	return name, nil
}

// IsNonBlocking reports the OS-level blocking disposition of the handle.
func (d *Device) IsNonBlocking() (bool, error) {
	if d.closed.Load() {
		return false, core.ClosedError("is nonblocking")
	}
	nb, err := d.b.nonBlocking()
	return nb, core.OSErr("is nonblocking", err)
}

// SetNonBlocking switches the handle between blocking and nonblocking I/O.
// In nonblocking mode transfers that cannot proceed fail with
// core.ErrWouldBlock.
func (d *Device) SetNonBlocking(nonBlocking bool) error {
	if d.closed.Load() {
		return core.ClosedError("set nonblocking")
	}
	return core.OSErr("set nonblocking", d.b.setNonBlocking(nonBlocking))
}

type piMode uint8

const (
	piPass  piMode = iota // caller and handle agree
	piStrip               // handle carries a header the caller does not see
	piSynth               // caller sees a header the handle does not carry
)

func (d *Device) piMode() piMode {
	if d.kind != core.KindTun {
		return piPass
	}
	ignore := d.ignorePI.Load()
	switch {
	case d.nativePI && ignore:
		return piStrip
	case !d.nativePI && !ignore:
		return piSynth
	}
	return piPass
}

// Send writes one frame and returns the number of caller bytes consumed.
func (d *Device) Send(frame []byte) (int, error) {
	if d.closed.Load() {
		return 0, core.ClosedError("send")
	}
	var n int
	var err error
	switch d.piMode() {
	case piStrip:
		var hdr [core.PacketInfoLen]byte
		d.pi.encode(hdr[:], frame)
		n, err = d.b.writev([][]byte{hdr[:], frame})
		n = max(n-core.PacketInfoLen, 0)
	case piSynth:
		if len(frame) < core.PacketInfoLen {
			return 0, errShortHeader("send")
		}
		n, err = d.b.write(frame[core.PacketInfoLen:])
		if err == nil {
			n += core.PacketInfoLen
		}
	default:
		n, err = d.b.write(frame)
	}
	if err != nil {
		return n, d.fail("send", err)
	}
	d.sent(frame, n)
	return n, nil
}

// Recv reads one frame into buf. A frame larger than buf is truncated to
// len(buf) on unix systems; Windows reports the OS error instead.
func (d *Device) Recv(buf []byte) (int, error) {
	if d.closed.Load() {
		return 0, core.ClosedError("recv")
	}
	var n int
	var err error
	switch d.piMode() {
	case piStrip:
		var hdr [core.PacketInfoLen]byte
		n, err = d.b.readv([][]byte{hdr[:], buf})
		n = max(n-core.PacketInfoLen, 0)
	case piSynth:
		if len(buf) < core.PacketInfoLen {
			return 0, errShortHeader("recv")
		}
		n, err = d.b.read(buf[core.PacketInfoLen:])
		if err == nil {
			d.pi.encode(buf[:core.PacketInfoLen], buf[core.PacketInfoLen:core.PacketInfoLen+n])
			n += core.PacketInfoLen
		}
	default:
		n, err = d.b.read(buf)
	}
	if err != nil {
		return 0, d.fail("recv", err)
	}
	d.received(buf[:n], n)
	return n, nil
}

// SendVectored writes the concatenation of bufs as one frame.
func (d *Device) SendVectored(bufs [][]byte) (int, error) {
	if d.closed.Load() {
		return 0, core.ClosedError("send vectored")
	}
	var n int
	var err error
	switch d.piMode() {
	case piStrip:
		var hdr [core.PacketInfoLen]byte
		d.pi.encode(hdr[:], head(bufs))
		n, err = d.b.writev(prepend(hdr[:], bufs))
		n = max(n-core.PacketInfoLen, 0)
	case piSynth:
		if totalLen(bufs) < core.PacketInfoLen {
			return 0, errShortHeader("send vectored")
		}
		n, err = d.b.writev(skip(bufs, core.PacketInfoLen))
		if err == nil {
			n += core.PacketInfoLen
		}
	default:
		n, err = d.b.writev(bufs)
	}
	if err != nil {
		return n, d.fail("send vectored", err)
	}
	var frame []byte
	if d.capture.Load() != nil {
		frame = make([]byte, totalLen(bufs))
		gather(frame, bufs)
	}
	d.sent(frame, n)
	return n, nil
}

// RecvVectored reads one frame and scatters it over bufs in order.
func (d *Device) RecvVectored(bufs [][]byte) (int, error) {
	if d.closed.Load() {
		return 0, core.ClosedError("recv vectored")
	}
	var n int
	var err error
	switch d.piMode() {
	case piStrip:
		var hdr [core.PacketInfoLen]byte
		n, err = d.b.readv(prepend(hdr[:], bufs))
		n = max(n-core.PacketInfoLen, 0)
	case piSynth:
		if totalLen(bufs) < core.PacketInfoLen {
			return 0, errShortHeader("recv vectored")
		}
		rest := skip(bufs, core.PacketInfoLen)
		n, err = d.b.readv(rest)
		if err == nil {
			var hdr [core.PacketInfoLen]byte
			d.pi.encode(hdr[:], head(rest))
			scatter(bufs, hdr[:])
			n += core.PacketInfoLen
		}
	default:
		n, err = d.b.readv(bufs)
	}
	if err != nil {
		return 0, d.fail("recv vectored", err)
	}
	var frame []byte
	if d.capture.Load() != nil {
		frame = make([]byte, n)
		gather(frame, bufs)
	}
	d.received(frame, n)
	return n, nil
}

// MACAddress returns the hardware address of a Tap device.
func (d *Device) MACAddress() (core.MACAddress, error) {
	if d.closed.Load() {
		return core.MACAddress{}, core.ClosedError("mac address")
	}
	if d.kind == core.KindTun {
		return core.MACAddress{}, core.Unsupportedf("mac address on tun device")
	}
	name, err := d.b.name()
	if err != nil {
		return core.MACAddress{}, core.OSErr("mac address", err)
	}
	mac, err := d.b.hardwareAddr(name)
	return mac, core.OSErr("mac address", err)
}

// SetMACAddress assigns the hardware address of a Tap device. Reading and
// then writing the address is not atomic with respect to other callers.
func (d *Device) SetMACAddress(mac core.MACAddress) error {
	if d.closed.Load() {
		return core.ClosedError("set mac address")
	}
	if d.kind == core.KindTun {
		return core.Unsupportedf("set mac address on tun device")
	}
	name, err := d.b.name()
	if err != nil {
		return core.OSErr("set mac address", err)
	}
	if err := d.b.setHardwareAddr(name, mac); err != nil {
		return core.OSErr("set mac address", err)
	}
	d.log.WithField("mac", mac.String()).Debug("Hardware address set")
	return nil
}

// IgnorePacketInfo reports whether frames exclude the packet information
// header. Tap devices never have one.
func (d *Device) IgnorePacketInfo() bool {
	if d.kind == core.KindTap {
		return true
	}
	return d.ignorePI.Load()
}

// SetIgnorePacketInfo chooses whether Tun frames exclude the packet
// information header. On a Tap device only true is accepted.
func (d *Device) SetIgnorePacketInfo(ignore bool) error {
	if d.closed.Load() {
		return core.ClosedError("set ignore packet info")
	}
	if d.kind == core.KindTap {
		if ignore {
			return nil
		}
		return core.Unsupportedf("packet info on tap device")
	}
	d.ignorePI.Store(ignore)
	return nil
}

// Fd returns the native handle for use with a poller, or InvalidHandle once
// the device is closed.
func (d *Device) Fd() uintptr {
	if d.closed.Load() {
		return InvalidHandle
	}
	return d.b.fd()
}

// Detach hands the native handle of a Tun device to the caller, who becomes
// responsible for closing it. The Device is closed afterwards. Tap devices
// keep their handle and report core.ErrUnsupported.
func (d *Device) Detach() (uintptr, error) {
	if d.closed.Load() {
		return InvalidHandle, core.ClosedError("detach")
	}
	if d.kind == core.KindTap {
		return InvalidHandle, core.Unsupportedf("detach tap device")
	}
	if !d.closed.CompareAndSwap(false, true) {
		return InvalidHandle, core.ClosedError("detach")
	}
	fd := d.b.detach()
	d.log.Debug("Native handle detached")
	return fd, nil
}

// Close releases the native handle. Closing twice reports core.ErrClosed.
func (d *Device) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return core.ClosedError("close")
	}
	if err := d.b.close(); err != nil {
		d.log.WithError(err).Warn("Close failed")
		return core.OSErr("close", err)
	}
	d.log.Info("Device closed")
	return nil
}

// MTU returns the interface MTU.
func (d *Device) MTU() (int, error) {
	if d.closed.Load() {
		return 0, core.ClosedError("mtu")
	}
	name, err := d.b.name()
	if err != nil {
		return 0, core.OSErr("mtu", err)
	}
	mtu, err := d.b.mtu(name)
	return mtu, core.OSErr("mtu", err)
}

// SetMTU changes the interface MTU.
func (d *Device) SetMTU(mtu int) error {
	if d.closed.Load() {
		return core.ClosedError("set mtu")
	}
	if mtu <= 0 || mtu > core.MaxMTU {
		return core.NewError("set mtu", core.InvalidConfiguration, fmt.Errorf("mtu %d out of range", mtu))
	}
	name, err := d.b.name()
	if err != nil {
		return core.OSErr("set mtu", err)
	}
	if err := d.b.setMTU(name, mtu); err != nil {
		return core.OSErr("set mtu", err)
	}
	d.log.WithField("mtu", mtu).Debug("MTU set")
	return nil
}

// AddAddress assigns an IPv4 or IPv6 address to the interface.
func (d *Device) AddAddress(prefix netip.Prefix) error {
	if d.closed.Load() {
		return core.ClosedError("add address")
	}
	if !prefix.IsValid() {
		return core.NewError("add address", core.InvalidConfiguration, fmt.Errorf("invalid prefix %v", prefix))
	}
	name, err := d.b.name()
	if err != nil {
		return core.OSErr("add address", err)
	}
	if err := d.b.addAddress(name, prefix); err != nil {
		return core.OSErr("add address", err)
	}
	d.log.WithField("address", prefix.String()).Debug("Address added")
	return nil
}

// SetUp raises or lowers the interface.
func (d *Device) SetUp(up bool) error {
	if d.closed.Load() {
		return core.ClosedError("set up")
	}
	name, err := d.b.name()
	if err != nil {
		return core.OSErr("set up", err)
	}
	if err := d.b.setUp(name, up); err != nil {
		return core.OSErr("set up", err)
	}
	d.log.WithField("up", up).Debug("Link state set")
	return nil
}

// SetCapture tees every frame the caller sends or receives into w. Tun
// frames are recorded without the packet information header. A nil w stops
// capturing.
func (d *Device) SetCapture(w *capture.Writer) {
	d.capture.Store(w)
}

// Metrics returns a snapshot of the traffic counters.
func (d *Device) Metrics() core.DeviceMetrics {
	return core.DeviceMetrics{
		FramesSent:     d.framesSent.Load(),
		FramesReceived: d.framesReceived.Load(),
		BytesSent:      d.bytesSent.Load(),
		BytesReceived:  d.bytesReceived.Load(),
		WouldBlock:     d.wouldBlock.Load(),
		Errors:         d.failures.Load(),
	}
}

func (d *Device) fail(op string, err error) error {
	err = core.OSErr(op, err)
	if core.IsWouldBlock(err) {
		d.wouldBlock.Inc()
	} else {
		d.failures.Inc()
		if logging.IsDebug() {
			d.log.WithError(err).Debugf("%s failed", op)
		}
	}
	return err
}

// sent accounts for n caller bytes of frame. frame may be nil when no
// capture is attached.
func (d *Device) sent(frame []byte, n int) {
	d.framesSent.Inc()
	d.bytesSent.Add(uint64(d.payloadLen(n)))
	if w := d.capture.Load(); w != nil && frame != nil {
		w.WriteFrame(d.payload(frame))
	}
}

// received accounts for one n-byte frame returned to the caller. frame may
// be nil when no capture is attached.
func (d *Device) received(frame []byte, n int) {
	d.framesReceived.Inc()
	d.bytesReceived.Add(uint64(d.payloadLen(n)))
	if w := d.capture.Load(); w != nil && frame != nil {
		w.WriteFrame(d.payload(frame))
	}
}

// callerHasHeader reports whether caller-visible frames start with the
// packet information header.
func (d *Device) callerHasHeader() bool {
	return d.kind == core.KindTun && !d.ignorePI.Load()
}

func (d *Device) payloadLen(n int) int {
	if d.callerHasHeader() {
		return max(n-core.PacketInfoLen, 0)
	}
	return n
}

func (d *Device) payload(frame []byte) []byte {
	if d.callerHasHeader() {
		if len(frame) < core.PacketInfoLen {
			return nil
		}
		return frame[core.PacketInfoLen:]
	}
	return frame
}

func errShortHeader(op string) error {
	return core.NewError(op, core.InvalidConfiguration,
		fmt.Errorf("buffer shorter than the %d-byte packet information header", core.PacketInfoLen))
}

// head returns the first non-empty region of bufs.
func head(bufs [][]byte) []byte {
	for _, b := range bufs {
		if len(b) > 0 {
			return b
		}
	}
	return nil
}
