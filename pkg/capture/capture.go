// Package capture tees device frames into a pcap file. Tap frames are
// written as Ethernet, Tun frames as raw IP.
package capture

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
)

// DefaultSnapLen is the per-frame capture limit.
const DefaultSnapLen = 65535

// Writer appends frames to a pcap stream. It is safe for concurrent use.
type Writer struct {
	mu      sync.Mutex
	w       *pcapgo.Writer
	c       io.Closer
	snapLen int
	frames  uint64
	failed  bool
}

// LinkType returns the pcap link type for frames of the given kind.
func LinkType(kind core.DeviceKind) layers.LinkType {
	if kind == core.KindTap {
		return layers.LinkTypeEthernet
	}
	return layers.LinkTypeRaw
}

// New writes a pcap file header to w and returns a Writer appending to it.
// If w is also an io.Closer, Close closes it.
func New(w io.Writer, kind core.DeviceKind, snapLen int) (*Writer, error) {
	if snapLen <= 0 {
		snapLen = DefaultSnapLen
	}
	pw := pcapgo.NewWriter(w)
	if err := pw.WriteFileHeader(uint32(snapLen), LinkType(kind)); err != nil {
		return nil, fmt.Errorf("failed to write pcap header: %w", err)
	}
	cw := &Writer{w: pw, snapLen: snapLen}
	if c, ok := w.(io.Closer); ok {
		cw.c = c
	}
	return cw, nil
}

// Create truncates or creates path and returns a Writer for it.
func Create(path string, kind core.DeviceKind, snapLen int) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create capture file: %w", err)
	}
	w, err := New(f, kind, snapLen)
	if err != nil {
		f.Close()
		return nil, err
	}
	logging.Infof("Capturing %s frames to %s", kind, path)
	return w, nil
}

// WriteFrame records one frame, truncated to the snap length. After the
// first write failure the writer stops recording and logs once.
func (w *Writer) WriteFrame(frame []byte) {
	if len(frame) == 0 {
		return
	}
	data := frame
	if len(data) > w.snapLen {
		data = data[:w.snapLen]
	}
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(data),
		Length:        len(frame),
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.failed {
		return
	}
	if err := w.w.WritePacket(ci, data); err != nil {
		w.failed = true
		logging.Warnf("Capture disabled after write error: %v", err)
		return
	}
	w.frames++
}

// Frames returns the number of frames written so far.
func (w *Writer) Frames() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Close closes the underlying file, if any.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.failed = true
	if w.c == nil {
		return nil
	}
	return w.c.Close()
}
