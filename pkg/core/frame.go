package core

import "sync"

const (
	// EtherHeaderLen is the size of an untagged Ethernet header.
	EtherHeaderLen = 14

	// DefaultMTU is used when no MTU is configured.
	DefaultMTU = 1500

	// MaxMTU is the largest MTU accepted by configuration.
	MaxMTU = 65535

	// PacketInfoLen is the size of the Tun packet information header on
	// every supported platform.
	PacketInfoLen = 4
)

// FrameBufferSize returns a receive buffer size large enough for one frame
// of either kind at the given MTU, including a packet information header.
func FrameBufferSize(mtu int) int {
	if mtu <= 0 {
		mtu = DefaultMTU
	}
	return EtherHeaderLen + PacketInfoLen + mtu
}

// IPVersion returns 4 or 6 from the first nibble of an IP packet, or 0.
func IPVersion(pkt []byte) int {
	if len(pkt) == 0 {
		return 0
	}
	switch pkt[0] >> 4 {
	case 4:
		return 4
	case 6:
		return 6
	}
	return 0
}

// Frame buffer pools by size class. Only buffers obtained from GetFrame are
// returned to a pool by PutFrame; anything else is left to the GC.
const (
	frameSmall = 2048
	frameMed   = 4096
	frameLarge = 16384
	frameJumbo = 65536 + EtherHeaderLen + PacketInfoLen
)

var framePools = [...]struct {
	size int
	pool sync.Pool
}{
	{size: frameSmall},
	{size: frameMed},
	{size: frameLarge},
	{size: frameJumbo},
}

func init() {
	for i := range framePools {
		size := framePools[i].size
		framePools[i].pool.New = func() any { b := make([]byte, size); return &b }
	}
}

// GetFrame returns a buffer of length n, pooled when n fits a size class.
func GetFrame(n int) []byte {
	for i := range framePools {
		if n <= framePools[i].size {
			p := framePools[i].pool.Get().(*[]byte)
			return (*p)[:n]
		}
	}
	return make([]byte, n)
}

// PutFrame hands b back to its pool. Buffers of foreign capacity are ignored.
func PutFrame(b []byte) {
	c := cap(b)
	for i := range framePools {
		if c == framePools[i].size {
			bb := b[:c]
			framePools[i].pool.Put(&bb)
			return
		}
	}
}
