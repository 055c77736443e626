package core

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrorKind classifies every failure a device operation can report.
type ErrorKind uint8

const (
	// Unsupported: the operation is meaningless for this device kind or
	// platform.
	Unsupported ErrorKind = iota + 1
	// OSError: the kernel rejected a system call. The errno stays reachable
	// through errors.As.
	OSError
	// InvalidConfiguration: bad input detected before any system call.
	InvalidConfiguration
	// WouldBlock: a nonblocking handle has no data or no room.
	WouldBlock
	// Closed: the handle was closed or detached.
	Closed
)

func (k ErrorKind) String() string {
	switch k {
	case Unsupported:
		return "unsupported operation"
	case OSError:
		return "os error"
	case InvalidConfiguration:
		return "invalid configuration"
	case WouldBlock:
		return "operation would block"
	case Closed:
		return "device closed"
	default:
		return fmt.Sprintf("ErrorKind(%d)", uint8(k))
	}
}

// Sentinels for errors.Is checks. Every *Error matches the sentinel of its
// kind.
var (
	ErrUnsupported          = errors.New("tuntap: unsupported operation")
	ErrOS                   = errors.New("tuntap: os error")
	ErrInvalidConfiguration = errors.New("tuntap: invalid configuration")
	ErrWouldBlock           = errors.New("tuntap: operation would block")
	ErrClosed               = errors.New("tuntap: device closed")
)

func (k ErrorKind) sentinel() error {
	switch k {
	case Unsupported:
		return ErrUnsupported
	case OSError:
		return ErrOS
	case InvalidConfiguration:
		return ErrInvalidConfiguration
	case WouldBlock:
		return ErrWouldBlock
	case Closed:
		return ErrClosed
	}
	return nil
}

// Error is returned by every device, encoder and control socket operation.
type Error struct {
	Op   string
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Op + ": " + e.Kind.String()
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind sentinel and the underlying cause.
func (e *Error) Unwrap() []error {
	var errs []error
	if s := e.Kind.sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// NewError builds an *Error of the given kind.
func NewError(op string, kind ErrorKind, err error) error {
	return &Error{Op: op, Kind: kind, Err: err}
}

// Unsupportedf is shorthand for an Unsupported error with no cause.
func Unsupportedf(format string, args ...interface{}) error {
	return &Error{Op: fmt.Sprintf(format, args...), Kind: Unsupported}
}

// ClosedError reports an operation attempted on a closed handle.
func ClosedError(op string) error {
	return &Error{Op: op, Kind: Closed}
}

// OSErr wraps a system call failure. EAGAIN and EWOULDBLOCK become
// WouldBlock, anything already classified passes through, nil stays nil.
func OSErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if IsWouldBlock(err) {
		return &Error{Op: op, Kind: WouldBlock, Err: err}
	}
	return &Error{Op: op, Kind: OSError, Err: err}
}

// IsWouldBlock reports whether err is a would-block condition from either
// this package or the OS.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock) ||
		errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EWOULDBLOCK)
}

// KindOf returns the ErrorKind carried by err, or 0 if err is not an *Error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
