package main

import (
	"context"
	"encoding/json"
	"os"
	"runtime"
	"time"

	"github.com/irctrakz/tuntap/pkg/capture"
	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	wg "github.com/irctrakz/tuntap/pkg/wireguard"
)

type metricsSnapshot struct {
	Timestamp string            `json:"ts"`
	Device    map[string]uint64 `json:"device"`
	Responder map[string]uint64 `json:"responder,omitempty"`
	WG        map[string]uint64 `json:"wg,omitempty"`
	WGHS      map[string]uint64 `json:"wg_hs,omitempty"`
	Capture   uint64            `json:"capture_frames"`
	RT        map[string]uint64 `json:"rt"`
}

// metricsSource is what the reporter samples. Optional parts are nil.
type metricsSource struct {
	device    interface{ Metrics() core.DeviceMetrics }
	responder *responder
	tun       *wg.Tun
	wgDev     wg.DeviceHandle
	capture   *capture.Writer
}

// runMetricsReporter logs a snapshot every interval until ctx ends.
func runMetricsReporter(ctx context.Context, src metricsSource, interval time.Duration, asJSON bool) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			logMetrics(collectMetrics(src, time.Now()), asJSON)
		}
	}
}

func collectMetrics(src metricsSource, now time.Time) metricsSnapshot {
	dm := src.device.Metrics()
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	snap := metricsSnapshot{
		Timestamp: now.UTC().Format(time.RFC3339),
		Device: map[string]uint64{
			"frames_sent": dm.FramesSent,
			"frames_recv": dm.FramesReceived,
			"bytes_sent":  dm.BytesSent,
			"bytes_recv":  dm.BytesReceived,
			"would_block": dm.WouldBlock,
			"errors":      dm.Errors,
		},
		RT: map[string]uint64{
			"heap_alloc": ms.HeapAlloc,
			"heap_inuse": ms.HeapInuse,
			"sys":        ms.Sys,
			"num_gc":     uint64(ms.NumGC),
			"goroutines": uint64(runtime.NumGoroutine()),
		},
	}
	if ents, err := os.ReadDir("/proc/self/fd"); err == nil {
		snap.RT["open_fds"] = uint64(len(ents))
	}
	if src.responder != nil {
		snap.Responder = map[string]uint64{
			"replies": src.responder.replies.Load(),
			"ignored": src.responder.ignored.Load(),
		}
	}
	if src.tun != nil {
		m := src.tun.Metrics()
		snap.WG = map[string]uint64{
			"plaintext_from_wg": m.PlaintextFromWG,
			"plaintext_to_wg":   m.PlaintextToWG,
			"dropped":           m.Dropped,
		}
	}
	if src.wgDev != nil {
		if state, err := src.wgDev.IpcGet(); err == nil {
			snap.WGHS = summarizeHandshakes(wg.ParsePeerStatus(state), now)
		}
	}
	if src.capture != nil {
		snap.Capture = src.capture.Frames()
	}
	return snap
}

func logMetrics(snap metricsSnapshot, asJSON bool) {
	if asJSON {
		b, _ := json.Marshal(snap)
		logging.Infof("metrics: %s", string(b))
		return
	}
	logging.Infof("metrics: ts=%s dev: sent=%d/%d recv=%d/%d wb=%d err=%d | resp: replies=%d ignored=%d | wg: from=%d to=%d drops=%d hs: peers=%d %d/%d oldest=%ds newest=%ds | cap=%d | rt: heap=%dMi inuse=%dMi gor=%d gc=%d",
		snap.Timestamp,
		snap.Device["frames_sent"], snap.Device["bytes_sent"],
		snap.Device["frames_recv"], snap.Device["bytes_recv"],
		snap.Device["would_block"], snap.Device["errors"],
		snap.Responder["replies"], snap.Responder["ignored"],
		snap.WG["plaintext_from_wg"], snap.WG["plaintext_to_wg"], snap.WG["dropped"],
		snap.WGHS["peers"], snap.WGHS["fresh"], snap.WGHS["stale"], snap.WGHS["oldest_sec"], snap.WGHS["newest_sec"],
		snap.Capture,
		snap.RT["heap_alloc"]/(1024*1024), snap.RT["heap_inuse"]/(1024*1024), snap.RT["goroutines"], snap.RT["num_gc"],
	)
}

// handshakeStaleAfter is how old a handshake may be before the peer is
// counted as stale. WireGuard rekeys every two minutes under traffic.
const handshakeStaleAfter = 180 * time.Second

// summarizeHandshakes returns peers, fresh, stale, oldest_sec and newest_sec.
// Peers that never completed a handshake are stale.
func summarizeHandshakes(peers []wg.PeerStatus, now time.Time) map[string]uint64 {
	res := map[string]uint64{"peers": uint64(len(peers)), "fresh": 0, "stale": 0, "oldest_sec": 0, "newest_sec": 0}
	first := true
	for _, p := range peers {
		if p.LastHandshake.IsZero() {
			res["stale"]++
			continue
		}
		age := now.Sub(p.LastHandshake)
		if age < 0 {
			age = 0
		}
		if age < handshakeStaleAfter {
			res["fresh"]++
		} else {
			res["stale"]++
		}
		sec := uint64(age / time.Second)
		if first || sec > res["oldest_sec"] {
			res["oldest_sec"] = sec
		}
		if first || sec < res["newest_sec"] {
			res["newest_sec"] = sec
		}
		first = false
	}
	return res
}
