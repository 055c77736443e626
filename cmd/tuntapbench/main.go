// Command tuntapbench drives frames through an in-memory device from many
// goroutines and reports throughput and device counters.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"time"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"github.com/irctrakz/tuntap/pkg/tuntap"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"
)

func main() {
	var (
		flows    = flag.Int("flows", 8, "number of concurrent senders")
		perFlow  = flag.Int("per", 2000, "frames per sender")
		frameLen = flag.Int("size", 512, "frame size (bytes)")
		layer    = flag.String("layer", "tun", "device layer (tun or tap)")
		vectored = flag.Bool("vectored", false, "use the vectored send and receive calls")
		inject   = flag.Int("inject", 1024, "frames queued for the receive phase")
		holdMs   = flag.Int("hold", 200, "milliseconds to queue without draining")
	)
	flag.Parse()

	logging.SetLevel(logging.InfoLevel)

	kind, err := core.ParseDeviceKind(*layer)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if *frameLen < 20 {
		*frameLen = 20
	}

	dev, mock := tuntap.NewMock(kind, "bench0", core.DefaultMTU)
	defer dev.Close()

	payload := make([]byte, *frameLen)
	rand.Read(payload)
	payload[0] = 0x45

	// Send phase: concurrent writers, the mock keeps every frame.
	start := time.Now()
	var g errgroup.Group
	for i := 0; i < *flows; i++ {
		g.Go(func() error {
			for j := 0; j < *perFlow; j++ {
				var err error
				if *vectored {
					_, err = dev.SendVectored([][]byte{payload[:20], payload[20:]})
				} else {
					_, err = dev.Send(payload)
				}
				if err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		fmt.Fprintf(os.Stderr, "send: %v\n", err)
		os.Exit(1)
	}
	sendDur := time.Since(start)
	total := *flows * *perFlow
	written := len(mock.Written())
	mock.ClearWritten()

	// Receive phase: queue frames with nobody reading so the inbound queue
	// saturates, then drain in nonblocking mode.
	var queued, dropped atomic.Uint64
	for i := 0; i < *inject; i++ {
		if err := mock.Inject(payload); err != nil {
			dropped.Inc()
			continue
		}
		queued.Inc()
	}
	time.Sleep(time.Duration(*holdMs) * time.Millisecond)

	if err := dev.SetNonBlocking(true); err != nil {
		fmt.Fprintf(os.Stderr, "nonblocking: %v\n", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	start = time.Now()
	drained := drain(ctx, dev, *vectored, queued.Load())
	recvDur := time.Since(start)

	m := dev.Metrics()
	fmt.Printf("Send: %d frames from %d senders in %v (%d on the device)\n", total, *flows, sendDur, written)
	fmt.Printf("Receive: queued=%d dropped=%d drained=%d in %v\n", queued.Load(), dropped.Load(), drained, recvDur)
	fmt.Printf("Device: sent=%d/%d recv=%d/%d would_block=%d errors=%d\n",
		m.FramesSent, m.BytesSent, m.FramesReceived, m.BytesReceived, m.WouldBlock, m.Errors)

	if written != total {
		fmt.Println("ERROR: frames lost on the send path")
	}
	if dropped.Load() == 0 {
		fmt.Println("WARN: inbound queue never saturated; raise -inject")
	}
	if drained != queued.Load() {
		fmt.Println("ERROR: not every queued frame was received")
	}
}

// drain receives until want frames arrived or ctx ends, using pooled
// buffers.
func drain(ctx context.Context, dev *tuntap.Device, vectored bool, want uint64) uint64 {
	var got uint64
	buf := core.GetFrame(core.FrameBufferSize(core.DefaultMTU))
	defer core.PutFrame(buf)
	for got < want && ctx.Err() == nil {
		var err error
		if vectored {
			_, err = dev.RecvVectored([][]byte{buf[:20], buf[20:]})
		} else {
			_, err = dev.Recv(buf)
		}
		switch {
		case err == nil:
			got++
		case core.IsWouldBlock(err):
			tuntap.WaitReadable(dev.Fd(), 10*time.Millisecond)
		default:
			logging.Errorf("drain: %v", err)
			return got
		}
	}
	return got
}
