package main

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"github.com/irctrakz/tuntap/pkg/tuntap"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const responderPoll = 100 * time.Millisecond

// responder answers ARP requests and ICMP echo requests arriving on the
// interface, standing in for every other host on the attached subnets.
type responder struct {
	dev  core.Device
	kind core.DeviceKind
	// own holds the interface's addresses; requests for them belong to
	// the host stack and are left alone.
	own []netip.Addr

	replies atomic.Uint64
	ignored atomic.Uint64
}

func newResponder(dev core.Device, own ...netip.Addr) *responder {
	return &responder{dev: dev, kind: dev.Kind(), own: own}
}

// peerMAC is the hardware address the responder claims for ip.
func peerMAC(ip net.IP) net.HardwareAddr {
	v4 := ip.To4()
	if v4 == nil {
		return net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	return net.HardwareAddr{0x02, 0x00, v4[0], v4[1], v4[2], v4[3]}
}

func (r *responder) isOwn(ip net.IP) bool {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return false
	}
	a = a.Unmap()
	for _, o := range r.own {
		if o == a {
			return true
		}
	}
	return false
}

var serializeOpts = gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}

// reply returns the answer to frame, or nil when the frame needs none.
// frame carries no packet information header.
func (r *responder) reply(frame []byte) []byte {
	first := layers.LayerTypeEthernet
	if r.kind == core.KindTun {
		switch core.IPVersion(frame) {
		case 4:
			first = layers.LayerTypeIPv4
		case 6:
			first = layers.LayerTypeIPv6
		default:
			return nil
		}
	}
	pkt := gopacket.NewPacket(frame, first, gopacket.NoCopy)

	var eth *layers.Ethernet
	if r.kind == core.KindTap {
		eth, _ = pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
		if eth == nil {
			return nil
		}
		if arp, ok := pkt.Layer(layers.LayerTypeARP).(*layers.ARP); ok {
			return r.arpReply(arp)
		}
	}

	var out []gopacket.SerializableLayer
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		if ip.Protocol != layers.IPProtocolICMPv4 || ip.Flags&layers.IPv4MoreFragments != 0 || ip.FragOffset != 0 {
			return nil
		}
		body := echoReply(ipv4.ICMPTypeEcho, ipv4.ICMPTypeEchoReply, ip.Payload, nil)
		if body == nil {
			return nil
		}
		out = append(out, &layers.IPv4{
			Version:  4,
			TTL:      64,
			Id:       ip.Id,
			Protocol: layers.IPProtocolICMPv4,
			SrcIP:    ip.DstIP,
			DstIP:    ip.SrcIP,
		}, gopacket.Payload(body))
	case *layers.IPv6:
		if ip.NextHeader != layers.IPProtocolICMPv6 {
			return nil
		}
		// Replies come from the address that was pinged.
		psh := icmp.IPv6PseudoHeader(ip.DstIP, ip.SrcIP)
		body := echoReply(ipv6.ICMPTypeEchoRequest, ipv6.ICMPTypeEchoReply, ip.Payload, psh)
		if body == nil {
			return nil
		}
		out = append(out, &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: layers.IPProtocolICMPv6,
			SrcIP:      ip.DstIP,
			DstIP:      ip.SrcIP,
		}, gopacket.Payload(body))
	default:
		return nil
	}

	if eth != nil {
		out = append([]gopacket.SerializableLayer{&layers.Ethernet{
			SrcMAC:       eth.DstMAC,
			DstMAC:       eth.SrcMAC,
			EthernetType: eth.EthernetType,
		}}, out...)
	}
	return serialize(out...)
}

// echoReply turns an ICMP echo request body into the matching reply body.
func echoReply(request, reply icmp.Type, data, psh []byte) []byte {
	proto := 1
	if _, v6 := request.(ipv6.ICMPType); v6 {
		proto = 58
	}
	m, err := icmp.ParseMessage(proto, data)
	if err != nil || m.Type != request {
		return nil
	}
	echo, ok := m.Body.(*icmp.Echo)
	if !ok {
		return nil
	}
	b, err := (&icmp.Message{Type: reply, Body: echo}).Marshal(psh)
	if err != nil {
		return nil
	}
	return b
}

func (r *responder) arpReply(req *layers.ARP) []byte {
	if req.Operation != layers.ARPRequest || req.Protocol != layers.EthernetTypeIPv4 {
		return nil
	}
	target := net.IP(req.DstProtAddress)
	if r.isOwn(target) || target.Equal(net.IP(req.SourceProtAddress)) {
		return nil
	}
	mac := peerMAC(target)
	return serialize(
		&layers.Ethernet{
			SrcMAC:       mac,
			DstMAC:       net.HardwareAddr(req.SourceHwAddress),
			EthernetType: layers.EthernetTypeARP,
		},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPReply,
			SourceHwAddress:   mac,
			SourceProtAddress: req.DstProtAddress,
			DstHwAddress:      req.SourceHwAddress,
			DstProtAddress:    req.SourceProtAddress,
		},
	)
}

func serialize(ls ...gopacket.SerializableLayer) []byte {
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, serializeOpts, ls...); err != nil {
		logging.Debugf("Responder: serialize failed: %v", err)
		return nil
	}
	return buf.Bytes()
}

// run reads frames until ctx ends. The device must be in nonblocking mode.
func (r *responder) run(ctx context.Context) error {
	mtu, err := r.dev.MTU()
	if err != nil {
		mtu = core.DefaultMTU
	}
	buf := make([]byte, core.FrameBufferSize(mtu))
	name, _ := r.dev.Name()
	log := logging.WithFields(logrus.Fields{"component": "responder", "device": name})
	log.Infof("Responder started")

	for {
		if ctx.Err() != nil {
			log.WithFields(logrus.Fields{"replies": r.replies.Load(), "ignored": r.ignored.Load()}).
				Infof("Responder stopped")
			return nil
		}
		n, err := r.dev.Recv(buf)
		switch {
		case core.IsWouldBlock(err):
			tuntap.WaitReadable(r.dev.Fd(), responderPoll)
			continue
		case errors.Is(err, core.ErrClosed):
			return nil
		case err != nil:
			return err
		}

		// An exposed packet information header is echoed back unchanged;
		// the reply has the same address family as the request.
		off := 0
		if r.kind == core.KindTun && !r.dev.IgnorePacketInfo() {
			off = core.PacketInfoLen
		}
		if n < off {
			r.ignored.Inc()
			continue
		}
		out := r.reply(buf[off:n])
		if out == nil {
			r.ignored.Inc()
			continue
		}
		if off > 0 {
			out = append(append(make([]byte, 0, off+len(out)), buf[:off]...), out...)
		}
		if err := r.send(ctx, out); err != nil {
			log.Warnf("Responder: send failed: %v", err)
			continue
		}
		r.replies.Inc()
	}
}

func (r *responder) send(ctx context.Context, frame []byte) error {
	for {
		_, err := r.dev.Send(frame)
		if !core.IsWouldBlock(err) || ctx.Err() != nil {
			return err
		}
		time.Sleep(time.Millisecond)
	}
}
