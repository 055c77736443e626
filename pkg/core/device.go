package core

// Namer reports the kernel-visible interface name.
type Namer interface {
	Name() (string, error)
}

// BlockingControl queries and sets the OS-level nonblocking disposition of
// the native handle.
type BlockingControl interface {
	IsNonBlocking() (bool, error)
	SetNonBlocking(nonBlocking bool) error
}

// FrameTransfer moves exactly one frame per call. The vectored forms treat
// the concatenation of the regions as the frame.
type FrameTransfer interface {
	Send(frame []byte) (int, error)
	Recv(buf []byte) (int, error)
	SendVectored(bufs [][]byte) (int, error)
	RecvVectored(bufs [][]byte) (int, error)
}

// AddressCapable devices carry a link-layer address. Tun devices implement
// the methods but report ErrUnsupported.
type AddressCapable interface {
	MACAddress() (MACAddress, error)
	SetMACAddress(mac MACAddress) error
}

// PacketInfoCapable controls whether the 4-byte packet information header
// is exposed to the caller.
type PacketInfoCapable interface {
	IgnorePacketInfo() bool
	SetIgnorePacketInfo(ignore bool) error
}

// Device is the full surface of an open virtual interface.
type Device interface {
	Namer
	BlockingControl
	FrameTransfer
	AddressCapable
	PacketInfoCapable

	Kind() DeviceKind
	MTU() (int, error)
	Fd() uintptr
	Close() error
}

// DeviceMetrics is a point-in-time snapshot of a device's traffic counters.
type DeviceMetrics struct {
	// FramesSent is the number of frames handed to the kernel.
	FramesSent uint64

	// FramesReceived is the number of frames read from the kernel.
	FramesReceived uint64

	// BytesSent counts payload bytes sent, excluding any packet info header
	// added on the caller's behalf.
	BytesSent uint64

	// BytesReceived counts payload bytes returned to callers.
	BytesReceived uint64

	// WouldBlock counts nonblocking calls that found no data or no room.
	WouldBlock uint64

	// Errors is the number of failed transfers, WouldBlock excluded.
	Errors uint64
}
