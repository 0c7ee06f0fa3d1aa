// Package errs defines the host runtime's structured error type and kind
// taxonomy. It is internal so that every package below the root (transport,
// hostctx, dpi, loader, shell) can construct and inspect these errors
// without creating an import cycle back through the root package, which
// re-exports Kind and Error for external callers.
package errs

import (
	"errors"
	"fmt"
	"syscall"
)

// Kind is the host runtime's shared error taxonomy (§4.3/§7). Every
// operation that can fail returns at most one of these.
type Kind string

const (
	KindOk            Kind = "ok"
	KindTransport     Kind = "transport"
	KindTimeout       Kind = "timeout"
	KindInvalidArg    Kind = "invalid_arg"
	KindNotConnected  Kind = "not_connected"
	KindProtocol      Kind = "protocol"
	KindDpiError      Kind = "dpi_error"
	KindShutdown      Kind = "shutdown"
	KindInterrupted   Kind = "interrupted"
	KindNotSupported  Kind = "not_supported"
)

// Error is the host runtime's structured error: an operation name, a kind,
// an optional errno, a message, and an optionally wrapped cause.
type Error struct {
	Op    string
	Kind  Kind
	Errno syscall.Errno
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op == "" {
		return fmt.Sprintf("loom: %s", msg)
	}
	if e.Errno != 0 {
		return fmt.Sprintf("loom: %s: %s (errno=%d)", e.Op, msg, e.Errno)
	}
	return fmt.Sprintf("loom: %s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error { return e.Inner }

// Is supports errors.Is(err, &Error{Kind: KindX}) comparisons by Kind alone.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// New constructs an Error with the given op, kind and message.
func New(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, Msg: msg}
}

// FromErrno wraps a syscall errno into the runtime's error taxonomy.
func FromErrno(op string, errno syscall.Errno) *Error {
	return &Error{Op: op, Kind: mapErrno(errno), Errno: errno, Msg: errno.Error(), Inner: errno}
}

// Wrap attaches op/kind context to an arbitrary inner error. If inner is
// already a *Error, its kind is preserved unless kind is non-empty.
func Wrap(op string, kind Kind, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ie, ok := inner.(*Error); ok && kind == "" {
		return &Error{Op: op, Kind: ie.Kind, Errno: ie.Errno, Msg: ie.Msg, Inner: ie.Inner}
	}
	if errno, ok := inner.(syscall.Errno); ok {
		k := kind
		if k == "" {
			k = mapErrno(errno)
		}
		return &Error{Op: op, Kind: k, Errno: errno, Msg: errno.Error(), Inner: inner}
	}
	k := kind
	if k == "" {
		k = KindTransport
	}
	return &Error{Op: op, Kind: k, Msg: inner.Error(), Inner: inner}
}

func mapErrno(errno syscall.Errno) Kind {
	switch errno {
	case syscall.ETIMEDOUT:
		return KindTimeout
	case syscall.EINVAL:
		return KindInvalidArg
	case syscall.EPIPE, syscall.ECONNRESET:
		return KindShutdown
	case syscall.ENOTCONN, syscall.EBADF:
		return KindNotConnected
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return KindNotSupported
	default:
		return KindTransport
	}
}

// Of reports whether err is a *Error of the given kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
