package capture

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkType(t *testing.T) {
	assert.Equal(t, layers.LinkTypeEthernet, LinkType(core.KindTap))
	assert.Equal(t, layers.LinkTypeRaw, LinkType(core.KindTun))
}

func TestWriteFrames(t *testing.T) {
	var buf bytes.Buffer
	w, err := New(&buf, core.KindTun, 8)
	require.NoError(t, err)

	w.WriteFrame([]byte{0x45, 0, 0, 20})
	w.WriteFrame(nil)
	w.WriteFrame([]byte{0x60, 1, 2, 3, 4, 5, 6, 7, 8, 9})
	assert.Equal(t, uint64(2), w.Frames())
	require.NoError(t, w.Close())

	r, err := pcapgo.NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeRaw, r.LinkType())

	data, ci, err := r.ReadPacketData()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x45, 0, 0, 20}, data)
	assert.Equal(t, 4, ci.Length)

	data, ci, err = r.ReadPacketData()
	require.NoError(t, err)
	assert.Len(t, data, 8, "truncated to snap length")
	assert.Equal(t, 10, ci.Length)
}

func TestCreateFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tap.pcap")
	w, err := Create(path, core.KindTap, 0)
	require.NoError(t, err)
	w.WriteFrame(make([]byte, 60))
	require.NoError(t, w.Close())

	// Writes after Close are dropped.
	w.WriteFrame(make([]byte, 60))
	assert.Equal(t, uint64(1), w.Frames())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	r, err := pcapgo.NewReader(f)
	require.NoError(t, err)
	assert.Equal(t, layers.LinkTypeEthernet, r.LinkType())
}
