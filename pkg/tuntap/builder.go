package tuntap

import (
	"errors"
	"fmt"
	"net/netip"
	"runtime"
	"strings"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"github.com/sirupsen/logrus"
)

// openOptions is what a platform backend needs at open time.
type openOptions struct {
	name        string
	nonBlocking bool
	persist     bool
	// ipv4 is required by Tun devices on Windows, where the driver is
	// switched to layer 3 with the address it will answer for.
	ipv4 netip.Prefix
}

type openFunc func(kind core.DeviceKind, o openOptions) (backend, string, error)

// Builder collects the configuration of a device and creates it. Every
// setting is validated before the kernel is touched.
type Builder struct {
	kind        core.DeviceKind
	name        string
	ipv4, ipv6  netip.Prefix
	mtu         int
	mac         core.MACAddress
	packetInfo  bool
	nonBlocking bool
	persist     bool
	up          bool

	err  error
	open openFunc
}

// NewBuilder starts a builder for a Tun device with no name hint.
func NewBuilder() *Builder {
	return &Builder{kind: core.KindTun, open: openBackend}
}

// FromConfig starts a builder from a parsed configuration file. Malformed
// fields are reported by Build.
func FromConfig(cfg core.DeviceConfig) *Builder {
	b := NewBuilder().
		Name(cfg.Name).
		MTU(cfg.MTU).
		PacketInfo(cfg.PacketInfo).
		NonBlocking(cfg.NonBlocking).
		Persist(cfg.Persist).
		Up(cfg.Up)

	kind, err := core.ParseDeviceKind(cfg.Layer)
	b.record(err)
	b.Kind(kind)

	if cfg.IPv4 != "" {
		p, err := netip.ParsePrefix(cfg.IPv4)
		b.record(err)
		b.IPv4(p)
	}
	if cfg.IPv6 != "" {
		p, err := netip.ParsePrefix(cfg.IPv6)
		b.record(err)
		b.IPv6(p)
	}
	if cfg.MAC != "" {
		mac, err := core.ParseMAC(cfg.MAC)
		b.record(err)
		b.MAC(mac)
	}
	return b
}

func (b *Builder) record(err error) {
	if err != nil && b.err == nil {
		b.err = err
	}
}

// Kind selects a Tun or a Tap device.
func (b *Builder) Kind(kind core.DeviceKind) *Builder {
	b.kind = kind
	return b
}

// Name sets the requested interface name. Empty lets the system choose.
func (b *Builder) Name(name string) *Builder {
	b.name = name
	return b
}

// IPv4 sets the IPv4 address and prefix length assigned after creation.
func (b *Builder) IPv4(p netip.Prefix) *Builder {
	b.ipv4 = p
	return b
}

// IPv6 sets the IPv6 address and prefix length assigned after creation.
func (b *Builder) IPv6(p netip.Prefix) *Builder {
	b.ipv6 = p
	return b
}

// MTU sets the interface MTU. Zero keeps the system default.
func (b *Builder) MTU(mtu int) *Builder {
	b.mtu = mtu
	return b
}

// MAC sets the hardware address of a Tap device.
func (b *Builder) MAC(mac core.MACAddress) *Builder {
	b.mac = mac
	return b
}

// PacketInfo exposes the packet information header on Tun frames.
func (b *Builder) PacketInfo(enabled bool) *Builder {
	b.packetInfo = enabled
	return b
}

// NonBlocking opens the device in nonblocking mode.
func (b *Builder) NonBlocking(enabled bool) *Builder {
	b.nonBlocking = enabled
	return b
}

// Persist keeps the interface after the device is closed.
func (b *Builder) Persist(enabled bool) *Builder {
	b.persist = enabled
	return b
}

// Up brings the interface up once it is configured.
func (b *Builder) Up(enabled bool) *Builder {
	b.up = enabled
	return b
}

func (b *Builder) validate() error {
	if b.err != nil {
		return core.NewError("build", core.InvalidConfiguration, b.err)
	}
	invalid := func(format string, args ...interface{}) error {
		return core.NewError("build", core.InvalidConfiguration, fmt.Errorf(format, args...))
	}
	if b.kind != core.KindTun && b.kind != core.KindTap {
		return invalid("unknown device kind %d", b.kind)
	}
	if err := hostLayout.CheckName(b.name); err != nil {
		return err
	}
	if b.mtu < 0 || b.mtu > core.MaxMTU {
		return invalid("mtu %d out of range", b.mtu)
	}
	if b.ipv4.IsValid() && !b.ipv4.Addr().Is4() {
		return invalid("%v is not an IPv4 prefix", b.ipv4)
	}
	if b.ipv6.IsValid() && !b.ipv6.Addr().Is6() {
		return invalid("%v is not an IPv6 prefix", b.ipv6)
	}
	if b.kind == core.KindTun {
		if !b.mac.IsZero() {
			return invalid("tun devices have no hardware address")
		}
	} else if b.packetInfo {
		return invalid("tap devices have no packet information header")
	}
	if b.persist && runtime.GOOS != "linux" {
		return core.Unsupportedf("persistent devices on %s", runtime.GOOS)
	}
	return nil
}

// Build validates the configuration, opens the device and applies the
// hardware address, MTU, addresses and link state in that order. The device
// is closed again if any step fails.
func (b *Builder) Build() (*Device, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}
	open := b.open
	if open == nil {
		open = openBackend
	}
	be, ifname, err := open(b.kind, openOptions{
		name:        b.name,
		nonBlocking: b.nonBlocking,
		persist:     b.persist,
		ipv4:        b.ipv4,
	})
	if err != nil {
		return nil, err
	}

	d := newDevice(b.kind, be, ifname)
	if err := b.configure(d); err != nil {
		if cerr := d.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}

	fields := logrus.Fields{"mtu": b.mtu, "up": b.up}
	var addrs []string
	for _, p := range []netip.Prefix{b.ipv4, b.ipv6} {
		if p.IsValid() {
			addrs = append(addrs, p.String())
		}
	}
	if len(addrs) > 0 {
		fields["addresses"] = strings.Join(addrs, ",")
	}
	d.log.WithFields(fields).Info("Device created")
	return d, nil
}

func (b *Builder) configure(d *Device) error {
	if err := d.SetIgnorePacketInfo(!b.packetInfo); err != nil {
		return err
	}
	if !b.mac.IsZero() {
		if err := d.SetMACAddress(b.mac); err != nil {
			return err
		}
	}
	if b.mtu > 0 {
		if err := d.SetMTU(b.mtu); err != nil {
			return err
		}
	}
	for _, p := range []netip.Prefix{b.ipv4, b.ipv6} {
		if !p.IsValid() {
			continue
		}
		if err := d.AddAddress(p); err != nil {
			return err
		}
	}
	if b.up {
		if err := d.SetUp(true); err != nil {
			return err
		}
	}
	if logging.IsDebug() {
		if mtu, err := d.MTU(); err == nil {
			d.log.WithField("mtu", mtu).Debug("Device configured")
		}
	}
	return nil
}
