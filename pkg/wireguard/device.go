package wireguard

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/logging"
	"github.com/sirupsen/logrus"
	"golang.zx2c4.com/wireguard/conn"
	wgdev "golang.zx2c4.com/wireguard/device"
)

// DeviceHandle is a minimal lifecycle for the WG device.
type DeviceHandle interface {
	Close() error
	// IpcGet returns the current device state in UAPI text form.
	IpcGet() (string, error)
	// RebindListenPort updates the device's UDP listen port (0 = random).
	RebindListenPort(port int) error
	// Monitor logs peer handshake status every interval until ctx ends.
	Monitor(ctx context.Context, interval time.Duration)
}

type wgHandle struct{ dev *wgdev.Device }

func (h *wgHandle) Close() error {
	if h.dev != nil {
		h.dev.Close()
	}
	return nil
}

func (h *wgHandle) IpcGet() (string, error) {
	if h == nil || h.dev == nil {
		return "", fmt.Errorf("nil device")
	}
	return h.dev.IpcGet()
}

func (h *wgHandle) RebindListenPort(port int) error {
	if h == nil || h.dev == nil {
		return fmt.Errorf("nil device")
	}
	if port < 0 {
		port = 0
	}
	if err := h.dev.IpcSet(fmt.Sprintf("listen_port=%d\n", port)); err != nil {
		return fmt.Errorf("IpcSet listen_port: %w", err)
	}
	return nil
}

func (h *wgHandle) Monitor(ctx context.Context, interval time.Duration) {
	if h == nil || h.dev == nil || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logging.Infof("WireGuard handshake monitoring started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			state, err := h.IpcGet()
			if err != nil {
				logging.Warnf("WireGuard handshake monitor: failed to get device state: %v", err)
				continue
			}
			for _, p := range ParsePeerStatus(state) {
				p.log()
			}
		}
	}
}

// PeerStatus is the per-peer part of a UAPI get response.
type PeerStatus struct {
	PublicKey     string // hex, as reported by UAPI
	Endpoint      string
	LastHandshake time.Time
	RxBytes       uint64
	TxBytes       uint64
}

// ParsePeerStatus extracts the peers from a UAPI get response.
func ParsePeerStatus(state string) []PeerStatus {
	var peers []PeerStatus
	var cur *PeerStatus
	for _, line := range strings.Split(state, "\n") {
		key, val, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		if key == "public_key" {
			peers = append(peers, PeerStatus{PublicKey: val})
			cur = &peers[len(peers)-1]
			continue
		}
		if cur == nil {
			continue
		}
		switch key {
		case "endpoint":
			cur.Endpoint = val
		case "last_handshake_time_sec":
			if sec, err := strconv.ParseInt(val, 10, 64); err == nil && sec > 0 {
				cur.LastHandshake = time.Unix(sec, 0)
			}
		case "rx_bytes":
			cur.RxBytes, _ = strconv.ParseUint(val, 10, 64)
		case "tx_bytes":
			cur.TxBytes, _ = strconv.ParseUint(val, 10, 64)
		}
	}
	return peers
}

func (p PeerStatus) log() {
	handshake := "never"
	if !p.LastHandshake.IsZero() {
		handshake = time.Since(p.LastHandshake).Truncate(time.Second).String() + " ago"
	}
	shortKey := p.PublicKey
	if len(shortKey) > 16 {
		shortKey = shortKey[:8] + "..." + shortKey[len(shortKey)-8:]
	}
	logging.InfoWithFields(logrus.Fields{
		"peer":      shortKey,
		"endpoint":  p.Endpoint,
		"handshake": handshake,
		"rx_bytes":  p.RxBytes,
		"tx_bytes":  p.TxBytes,
	}, "WireGuard peer status")
}

func keyHex(key string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(key))
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("key must be base64 of 32 bytes")
	}
	return hex.EncodeToString(raw), nil
}

// UAPIConfig renders cfg in the UAPI set format, with keys hex encoded.
func UAPIConfig(cfg core.WireGuardConfig) (string, error) {
	priv, err := keyHex(cfg.PrivateKey)
	if err != nil {
		return "", fmt.Errorf("invalid private key: %w", err)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "private_key=%s\nlisten_port=%d\nreplace_peers=true\n", priv, cfg.ListenPort)
	for i, p := range cfg.Peers {
		pub, err := keyHex(p.PublicKey)
		if err != nil {
			return "", fmt.Errorf("invalid public key for peer %d: %w", i, err)
		}
		fmt.Fprintf(&b, "public_key=%s\nreplace_allowed_ips=true\n", pub)
		for _, ip := range p.AllowedIPs {
			fmt.Fprintf(&b, "allowed_ip=%s\n", strings.TrimSpace(ip))
		}
		if p.Endpoint != "" {
			fmt.Fprintf(&b, "endpoint=%s\n", p.Endpoint)
		}
		if p.PersistentKeepalive > 0 {
			fmt.Fprintf(&b, "persistent_keepalive_interval=%d\n", p.PersistentKeepalive)
		}
	}
	return b.String(), nil
}

// newLogger routes wireguard-go's log lines through logrus.
func newLogger(name string) *wgdev.Logger {
	entry := logging.WithFields(logrus.Fields{"component": "wireguard", "device": name})
	l := &wgdev.Logger{
		Verbosef: wgdev.DiscardLogf,
		Errorf:   entry.Errorf,
	}
	if logging.IsDebug() {
		l.Verbosef = entry.Debugf
	}
	return l
}

// StartDevice starts a wireguard-go device over tun, bound to
// cfg.ListenPort, and applies cfg through UAPI.
func StartDevice(cfg core.WireGuardConfig, tun *Tun) (DeviceHandle, error) {
	return startDevice(cfg, tun, conn.NewDefaultBind())
}

func startDevice(cfg core.WireGuardConfig, tun *Tun, bind conn.Bind) (DeviceHandle, error) {
	if tun == nil {
		return nil, fmt.Errorf("nil tun")
	}
	uapi, err := UAPIConfig(cfg)
	if err != nil {
		return nil, err
	}
	name, _ := tun.Name()
	dev := wgdev.NewDevice(tun, bind, newLogger(name))

	if logging.IsDebug() {
		masked := uapi
		if priv, err := keyHex(cfg.PrivateKey); err == nil {
			masked = strings.ReplaceAll(uapi, priv, strings.Repeat("*", len(priv)-6)+priv[len(priv)-6:])
		}
		logging.Debugf("WG UAPI IpcSet applying:\n%s", masked)
	}
	if err := dev.IpcSet(uapi); err != nil {
		dev.Close()
		return nil, fmt.Errorf("IpcSet: %w", err)
	}
	if err := dev.Up(); err != nil {
		dev.Close()
		return nil, fmt.Errorf("device up: %w", err)
	}
	logging.InfoWithFields(logrus.Fields{"device": name, "port": cfg.ListenPort, "peers": len(cfg.Peers)},
		"WireGuard device up")
	return &wgHandle{dev: dev}, nil
}
