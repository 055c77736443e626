package ctlsock

import (
	"errors"
	"strings"
	"syscall"
	"testing"
	"unsafe"

	"github.com/irctrakz/tuntap/pkg/core"
	"github.com/irctrakz/tuntap/pkg/ifreq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingSyscalls records every call and can be told to fail any of them.
type countingSyscalls struct {
	sockets, ioctls, closes int

	socketErr, ioctlErr, closeErr error

	lastReq uint
	lastArg []byte
	// reply is copied over the request buffer on a successful ioctl.
	reply func(buf []byte)
}

func (c *countingSyscalls) Socket(family, typ, proto int) (int, error) {
	c.sockets++
	if c.socketErr != nil {
		return -1, c.socketErr
	}
	return 42, nil
}

func (c *countingSyscalls) Ioctl(fd int, req uint, arg unsafe.Pointer) error {
	c.ioctls++
	c.lastReq = req
	buf := unsafe.Slice((*byte)(arg), ifreq.Linux.Size)
	c.lastArg = append([]byte(nil), buf...)
	if c.ioctlErr != nil {
		return c.ioctlErr
	}
	if c.reply != nil {
		c.reply(buf)
	}
	return nil
}

func (c *countingSyscalls) Close(fd int) error {
	c.closes++
	return c.closeErr
}

func (c *countingSyscalls) total() int { return c.sockets + c.ioctls + c.closes }

func TestSubmitLongNameMakesNoSyscalls(t *testing.T) {
	sys := &countingSyscalls{}
	_, err := Submit(sys, 2, ifreq.Linux, strings.Repeat("n", 16), 0x8921, nil)

	assert.True(t, errors.Is(err, core.ErrInvalidConfiguration))
	assert.Equal(t, 0, sys.total())
}

func TestSubmitBuildErrorMakesNoSyscalls(t *testing.T) {
	sys := &countingSyscalls{}
	boom := errors.New("boom")
	_, err := Submit(sys, 2, ifreq.Linux, "tun0", 0x8921, func(r *ifreq.Request) error { return boom })

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 0, sys.total())
}

func TestSubmitSuccess(t *testing.T) {
	sys := &countingSyscalls{
		reply: func(buf []byte) { buf[16] = 0xdc; buf[17] = 0x05 },
	}
	r, err := Submit(sys, 2, ifreq.Linux, "tun0", 0x8921, func(r *ifreq.Request) error {
		r.SetInt32(1400)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, 1, sys.sockets)
	assert.Equal(t, 1, sys.ioctls)
	assert.Equal(t, 1, sys.closes)
	assert.Equal(t, uint(0x8921), sys.lastReq)
	assert.Equal(t, "tun0", string(sys.lastArg[:4]))
	// The returned request reflects what the kernel wrote back.
	assert.Equal(t, byte(0xdc), r.Bytes()[16])
}

func TestSubmitClosesOnIoctlFailure(t *testing.T) {
	sys := &countingSyscalls{ioctlErr: syscall.EPERM}
	_, err := Submit(sys, 2, ifreq.Linux, "tun0", 0x8922, nil)

	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrOS))
	var errno syscall.Errno
	require.True(t, errors.As(err, &errno))
	assert.Equal(t, syscall.EPERM, errno)
	assert.Equal(t, 1, sys.closes)
}

func TestOpenFailure(t *testing.T) {
	sys := &countingSyscalls{socketErr: syscall.EMFILE}
	err := With(sys, 2, func(*Socket) error {
		t.Fatal("fn must not run without a socket")
		return nil
	})

	assert.True(t, errors.Is(err, syscall.EMFILE))
	assert.Equal(t, 0, sys.closes)
}

func TestWithJoinsCloseError(t *testing.T) {
	sys := &countingSyscalls{closeErr: syscall.EIO}
	fnErr := errors.New("fn failed")

	err := With(sys, 2, func(*Socket) error { return fnErr })
	assert.ErrorIs(t, err, fnErr)
	assert.ErrorIs(t, err, syscall.EIO)

	err = With(sys, 2, func(*Socket) error { return nil })
	assert.ErrorIs(t, err, syscall.EIO)
	assert.Equal(t, 2, sys.closes)
}

func TestWithClosesOnPanic(t *testing.T) {
	sys := &countingSyscalls{}
	assert.Panics(t, func() {
		_ = With(sys, 2, func(*Socket) error { panic("bad") })
	})
	assert.Equal(t, 1, sys.closes)
}

func TestSocketAfterClose(t *testing.T) {
	sys := &countingSyscalls{}
	s, err := Open(sys, 2)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 1, sys.closes)

	var dummy [40]byte
	err = s.Ioctl(1, unsafe.Pointer(&dummy[0]))
	assert.True(t, errors.Is(err, core.ErrClosed))
	assert.Equal(t, 0, sys.ioctls)
}
