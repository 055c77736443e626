package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   DebugLevel,
		"":        InfoLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"warn":    WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		assert.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("verbose")
	assert.Error(t, err)
}

type kindName string

func (k kindName) String() string { return string(k) }

// captureOutput sends the package logger to a buffer with level level and
// restores output, level and formatter when the test ends.
func captureOutput(t *testing.T, level Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	out, lvl, fmtr := logger.Out, logger.GetLevel(), logger.Formatter
	logger.SetOutput(&buf)
	SetLevel(level)
	t.Cleanup(func() {
		logger.SetOutput(out)
		logger.SetLevel(lvl)
		logger.SetFormatter(fmtr)
	})
	return &buf
}

func TestForDevice(t *testing.T) {
	buf := captureOutput(t, DebugLevel)

	ForDevice("tap0", kindName("tap")).Info("opened")

	out := buf.String()
	assert.Contains(t, out, "device=tap0")
	assert.Contains(t, out, "kind=tap")
	assert.Contains(t, out, "opened")
	assert.True(t, IsDebug())

	SetLevel(InfoLevel)
	assert.False(t, IsDebug())
}

func TestLevelFiltering(t *testing.T) {
	buf := captureOutput(t, WarnLevel)

	Debugf("frame queued")
	Infof("device up")
	assert.Empty(t, buf.String())

	Warnf("mtu %d rejected", 70000)
	Errorf("ioctl failed")
	out := buf.String()
	assert.Contains(t, out, "mtu 70000 rejected")
	assert.Contains(t, out, "ioctl failed")
}

func TestFieldHelpers(t *testing.T) {
	buf := captureOutput(t, DebugLevel)

	DebugWithFields(logrus.Fields{"op": "recv"}, "would block")
	InfoWithFields(logrus.Fields{"device": "tun0", "mtu": 1400}, "configured")
	WarnWithFields(logrus.Fields{"errno": 19}, "no such device")

	out := buf.String()
	for _, want := range []string{"op=recv", "would block", "device=tun0", "mtu=1400", "configured", "errno=19"} {
		assert.Contains(t, out, want)
	}
}

func TestEnableFileLogging(t *testing.T) {
	captureOutput(t, InfoLevel)
	dir := filepath.Join(t.TempDir(), "nested", "logs")

	require.NoError(t, EnableFileLogging(dir, "tuntapd.log", 1, 1, 1))
	Infof("written to %s", "disk")

	content, err := os.ReadFile(filepath.Join(dir, "tuntapd.log"))
	require.NoError(t, err)
	assert.Contains(t, string(content), "written to disk")
}

func TestFormatters(t *testing.T) {
	buf := captureOutput(t, InfoLevel)

	UseJSON(true)
	ForDevice("utun3", kindName("tun")).Info("json line")
	assert.Contains(t, buf.String(), `"device":"utun3"`)
	assert.Contains(t, buf.String(), `"msg":"json line"`)

	buf.Reset()
	SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	Infof("plain")
	assert.Equal(t, "level=info msg=plain\n", buf.String())
}

func TestSetOutput(t *testing.T) {
	captureOutput(t, InfoLevel)
	var other bytes.Buffer
	SetOutput(&other)
	Infof("redirected")
	assert.Contains(t, other.String(), "redirected")
}
