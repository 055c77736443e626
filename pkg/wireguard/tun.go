// Package wireguard runs a wireguard-go device over a kernel Tun interface.
package wireguard

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"github.com/irctrakz/tuntap/pkg/tuntap"
	"go.uber.org/atomic"
	wtun "golang.zx2c4.com/wireguard/tun"
)

// TUNMetrics exposes basic counters for the plaintext exchange.
type TUNMetrics struct {
	PlaintextFromWG uint64 // bytes WireGuard wrote to the interface
	PlaintextToWG   uint64 // bytes read from the interface for WireGuard
	Dropped         uint64 // non-IP packets WireGuard handed over
}

// pollInterval bounds how long Read waits for the handle before checking
// for Close.
const pollInterval = 100 * time.Millisecond

// Tun adapts a core.Device of kind Tun to wireguard-go's tun.Device. The
// device is driven in nonblocking mode without the packet information
// header, so every frame is a bare IP packet and Close never races a
// blocked read.
type Tun struct {
	dev core.Device

	// mu is held for reading around each transfer and for writing by Close.
	mu        sync.RWMutex
	done      chan struct{}
	events    chan wtun.Event
	closeOnce sync.Once

	fromWG, toWG, dropped atomic.Uint64
}

var _ wtun.Device = (*Tun)(nil)

// NewTun wraps dev and switches it to nonblocking mode. The Tun owns dev
// from then on.
func NewTun(dev core.Device) (*Tun, error) {
	if dev.Kind() != core.KindTun {
		return nil, fmt.Errorf("wireguard needs a tun device, got %s", dev.Kind())
	}
	if !dev.IgnorePacketInfo() {
		if err := dev.SetIgnorePacketInfo(true); err != nil {
			return nil, fmt.Errorf("hide packet info: %w", err)
		}
	}
	if err := dev.SetNonBlocking(true); err != nil {
		return nil, fmt.Errorf("switch to nonblocking mode: %w", err)
	}
	t := &Tun{
		dev:    dev,
		done:   make(chan struct{}),
		events: make(chan wtun.Event, 2),
	}
	t.events <- wtun.EventUp
	return t, nil
}

// File returns nil; the handle is driven through the Device.
func (t *Tun) File() *os.File { return nil }

// Read receives one packet into bufs[0] at offset.
func (t *Tun) Read(bufs [][]byte, sizes []int, offset int) (int, error) {
	if len(bufs) == 0 {
		return 0, nil
	}
	if offset >= len(bufs[0]) {
		return 0, fmt.Errorf("offset %d beyond buffer of %d bytes", offset, len(bufs[0]))
	}
	for {
		n, err := t.recv(bufs[0][offset:])
		switch {
		case err == nil:
			sizes[0] = n
			t.toWG.Add(uint64(n))
			return 1, nil
		case core.IsWouldBlock(err):
			tuntap.WaitReadable(t.dev.Fd(), pollInterval)
		case errors.Is(err, core.ErrClosed):
			return 0, os.ErrClosed
		default:
			return 0, err
		}
	}
}

func (t *Tun) recv(buf []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	select {
	case <-t.done:
		return 0, os.ErrClosed
	default:
	}
	return t.dev.Recv(buf)
}

// send retries on WouldBlock until the packet goes out or Close begins.
// The lock covers one attempt at a time so Close is never starved.
func (t *Tun) send(pkt []byte) error {
	for {
		err := t.trySend(pkt)
		if !core.IsWouldBlock(err) {
			return err
		}
		select {
		case <-t.done:
			return os.ErrClosed
		case <-time.After(time.Millisecond):
		}
	}
}

func (t *Tun) trySend(pkt []byte) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	select {
	case <-t.done:
		return os.ErrClosed
	default:
	}
	_, err := t.dev.Send(pkt)
	return err
}

// Write sends every buffer from offset on as one packet. Packets that are
// not IP are counted as written and dropped.
func (t *Tun) Write(bufs [][]byte, offset int) (int, error) {
	for i, b := range bufs {
		if offset >= len(b) {
			continue
		}
		pkt := b[offset:]
		if core.IPVersion(pkt) == 0 {
			t.dropped.Inc()
			logging.Debugf("WireGuard tun dropped non-IP frame: len=%d", len(pkt))
			continue
		}
		if err := t.send(pkt); err != nil {
			if errors.Is(err, core.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return i, os.ErrClosed
			}
			return i, err
		}
		t.fromWG.Add(uint64(len(pkt)))
	}
	return len(bufs), nil
}

// MTU returns the interface MTU.
func (t *Tun) MTU() (int, error) { return t.dev.MTU() }

// Name returns the interface name.
func (t *Tun) Name() (string, error) { return t.dev.Name() }

// Events delivers EventUp once and EventDown on Close.
func (t *Tun) Events() <-chan wtun.Event { return t.events }

// Close waits for in-flight transfers, then closes the underlying device
// and the event channel.
func (t *Tun) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		t.mu.Lock()
		err = t.dev.Close()
		t.mu.Unlock()

		select {
		case t.events <- wtun.EventDown:
		default:
		}
		close(t.events)
	})
	return err
}

// BatchSize is 1: the device moves one frame per call.
func (t *Tun) BatchSize() int { return 1 }

// Metrics returns a snapshot of counters.
func (t *Tun) Metrics() TUNMetrics {
	return TUNMetrics{
		PlaintextFromWG: t.fromWG.Load(),
		PlaintextToWG:   t.toWG.Load(),
		Dropped:         t.dropped.Load(),
	}
}
