package tuntap

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPacketInfoEncode(t *testing.T) {
	v4 := []byte{0x45, 0, 0, 20}
	v6 := []byte{0x60, 0, 0, 0}

	tests := []struct {
		name   string
		format piFormat
		pkt    []byte
		want   []byte
	}{
		{"linux ipv4", piLinux, v4, []byte{0, 0, 0x08, 0x00}},
		{"linux ipv6", piLinux, v6, []byte{0, 0, 0x86, 0xdd}},
		{"darwin ipv4", piDarwin, v4, []byte{0, 0, 0, 2}},
		{"darwin ipv6", piDarwin, v6, []byte{0, 0, 0, 30}},
		{"freebsd ipv6", piFreeBSD, v6, []byte{0, 0, 0, 28}},
		{"windows ipv6", piWindows, v6, []byte{0, 0, 0, 23}},
		{"unknown version", piLinux, []byte{0x10}, []byte{0, 0, 0x08, 0x00}},
		{"empty packet", piDarwin, nil, []byte{0, 0, 0, 2}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := []byte{0xff, 0xff, 0xff, 0xff}
			tt.format.encode(hdr, tt.pkt)
			assert.Equal(t, tt.want, hdr)
		})
	}
}

func TestPacketInfoVersion(t *testing.T) {
	assert.Equal(t, 4, piLinux.version([]byte{0, 0, 0x08, 0x00}))
	assert.Equal(t, 6, piLinux.version([]byte{0, 1, 0x86, 0xdd}))
	assert.Equal(t, 0, piLinux.version([]byte{0, 0, 0x08, 0x06}), "ARP is neither")
	assert.Equal(t, 6, piFreeBSD.version([]byte{0, 0, 0, 28}))
	assert.Equal(t, 0, piFreeBSD.version([]byte{0, 0, 0, 30}))
	assert.Equal(t, 0, piDarwin.version([]byte{0, 0}))
}

func TestVectorHelpers(t *testing.T) {
	bufs := [][]byte{{1, 2}, {}, {3, 4, 5}}
	assert.Equal(t, 5, totalLen(bufs))

	dst := make([]byte, 4)
	assert.Equal(t, 4, gather(dst, bufs))
	assert.Equal(t, []byte{1, 2, 3, 4}, dst)

	a, b := make([]byte, 2), make([]byte, 2)
	assert.Equal(t, 3, scatter([][]byte{a, b}, []byte{9, 8, 7}))
	assert.Equal(t, []byte{9, 8}, a)
	assert.Equal(t, []byte{7, 0}, b)

	rest := skip(bufs, 3)
	assert.Equal(t, [][]byte{{4, 5}}, rest)
	assert.Equal(t, []byte{1, 2}, bufs[0], "skip leaves the input alone")
	assert.Empty(t, skip(bufs, 10))

	assert.Equal(t, [][]byte{{0}, {1, 2}}, prepend([]byte{0}, [][]byte{{1, 2}}))
	assert.Equal(t, []byte{3, 4, 5}, head([][]byte{nil, {}, {3, 4, 5}}))
}
