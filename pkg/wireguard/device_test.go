package wireguard

import (
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/tuntap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.zx2c4.com/wireguard/conn/bindtest"
)

func genKey(t *testing.T) (priv, pub string) {
	t.Helper()
	k, err := ecdh.X25519().GenerateKey(rand.Reader)
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(k.Bytes()),
		base64.StdEncoding.EncodeToString(k.PublicKey().Bytes())
}

func TestUAPIConfig(t *testing.T) {
	cfg := core.WireGuardConfig{
		PrivateKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		ListenPort: 51820,
		Peers: []core.WireGuardPeer{{
			PublicKey:           base64.StdEncoding.EncodeToString([]byte(strings.Repeat("\x01", 32))),
			AllowedIPs:          []string{"10.9.0.2/32", " fd09::2/128"},
			Endpoint:            "192.0.2.1:51820",
			PersistentKeepalive: 25,
		}},
	}
	uapi, err := UAPIConfig(cfg)
	require.NoError(t, err)

	want := "private_key=" + strings.Repeat("00", 32) + "\n" +
		"listen_port=51820\n" +
		"replace_peers=true\n" +
		"public_key=" + strings.Repeat("01", 32) + "\n" +
		"replace_allowed_ips=true\n" +
		"allowed_ip=10.9.0.2/32\n" +
		"allowed_ip=fd09::2/128\n" +
		"endpoint=192.0.2.1:51820\n" +
		"persistent_keepalive_interval=25\n"
	assert.Equal(t, want, uapi)
}

func TestUAPIConfigBadKeys(t *testing.T) {
	_, err := UAPIConfig(core.WireGuardConfig{PrivateKey: "not base64"})
	assert.ErrorContains(t, err, "invalid private key")

	_, err = UAPIConfig(core.WireGuardConfig{
		PrivateKey: base64.StdEncoding.EncodeToString(make([]byte, 32)),
		Peers:      []core.WireGuardPeer{{PublicKey: "c2hvcnQ="}},
	})
	assert.ErrorContains(t, err, "peer 0")
}

func TestParsePeerStatus(t *testing.T) {
	state := strings.Join([]string{
		"private_key=abcd",
		"listen_port=51820",
		"public_key=" + strings.Repeat("01", 32),
		"endpoint=192.0.2.1:51820",
		"last_handshake_time_sec=1700000000",
		"last_handshake_time_nsec=0",
		"rx_bytes=100",
		"tx_bytes=200",
		"public_key=" + strings.Repeat("02", 32),
		"last_handshake_time_sec=0",
		"errno=0",
		"",
	}, "\n")

	peers := ParsePeerStatus(state)
	require.Len(t, peers, 2)
	assert.Equal(t, "192.0.2.1:51820", peers[0].Endpoint)
	assert.Equal(t, time.Unix(1700000000, 0), peers[0].LastHandshake)
	assert.Equal(t, uint64(100), peers[0].RxBytes)
	assert.Equal(t, uint64(200), peers[0].TxBytes)
	assert.True(t, peers[1].LastHandshake.IsZero())
	assert.Empty(t, ParsePeerStatus("private_key=abcd\n"))
}

// TestTunnelBetweenMocks runs two WireGuard devices over in-memory binds,
// each on a mock Tun device, and checks a packet crosses the tunnel.
func TestTunnelBetweenMocks(t *testing.T) {
	privA, pubA := genKey(t)
	privB, pubB := genKey(t)
	binds := bindtest.NewChannelBinds()

	devA, mockA := tuntap.NewMock(core.KindTun, "wga", 1420)
	devB, mockB := tuntap.NewMock(core.KindTun, "wgb", 1420)
	tunA, err := NewTun(devA)
	require.NoError(t, err)
	tunB, err := NewTun(devB)
	require.NoError(t, err)

	hA, err := startDevice(core.WireGuardConfig{
		PrivateKey: privA,
		ListenPort: 1,
		Peers: []core.WireGuardPeer{{
			PublicKey:  pubB,
			AllowedIPs: []string{"10.9.0.2/32"},
			Endpoint:   "127.0.0.1:1",
		}},
	}, tunA, binds[0])
	require.NoError(t, err)
	defer hA.Close()

	hB, err := startDevice(core.WireGuardConfig{
		PrivateKey: privB,
		ListenPort: 2,
		Peers: []core.WireGuardPeer{{
			PublicKey:  pubA,
			AllowedIPs: []string{"10.9.0.1/32"},
		}},
	}, tunB, binds[1])
	require.NoError(t, err)
	defer hB.Close()

	state, err := hA.IpcGet()
	require.NoError(t, err)
	assert.Contains(t, state, "allowed_ip=10.9.0.2/32")

	pkt := makeIPv4(net.IPv4(10, 9, 0, 1), net.IPv4(10, 9, 0, 2), 17, []byte("through the tunnel"))
	require.NoError(t, mockA.Inject(pkt))

	select {
	case got := <-mockB.Frames():
		assert.Equal(t, pkt, got)
	case <-time.After(5 * time.Second):
		t.Fatal("packet did not cross the tunnel")
	}
	assert.Equal(t, uint64(len(pkt)), tunB.Metrics().PlaintextFromWG)

	require.NoError(t, hB.RebindListenPort(-1))
}

func TestStartDeviceRejectsBadConfig(t *testing.T) {
	dev, _ := tuntap.NewMock(core.KindTun, "wg0", 0)
	tun, err := NewTun(dev)
	require.NoError(t, err)
	defer tun.Close()

	_, err = startDevice(core.WireGuardConfig{PrivateKey: "bad"}, tun, bindtest.NewChannelBinds()[0])
	assert.Error(t, err)

	_, err = startDevice(core.WireGuardConfig{}, nil, nil)
	assert.Error(t, err)

	var empty wgHandle
	assert.Error(t, empty.RebindListenPort(1))
	_, err = empty.IpcGet()
	assert.Error(t, err)
}
