package loom

import (
	"github.com/zarubaf/loom-sub000/internal/errs"
)

// Error and Kind are re-exported from internal/errs so external callers
// never need to import the internal package directly, following the same
// re-export pattern used by constants.go.
type Error = errs.Error
type Kind = errs.Kind

// Error kinds, re-exported.
const (
	KindOk           = errs.KindOk
	KindTransport    = errs.KindTransport
	KindTimeout      = errs.KindTimeout
	KindInvalidArg   = errs.KindInvalidArg
	KindNotConnected = errs.KindNotConnected
	KindProtocol     = errs.KindProtocol
	KindDpiError     = errs.KindDpiError
	KindShutdown     = errs.KindShutdown
	KindInterrupted  = errs.KindInterrupted
	KindNotSupported = errs.KindNotSupported
)

// NewError constructs a structured error of the given kind.
func NewError(op string, kind Kind, msg string) *Error {
	return errs.New(op, kind, msg)
}

// WrapError wraps inner with op, preserving inner's kind if it is itself a
// structured *Error.
func WrapError(op string, kind Kind, inner error) *Error {
	return errs.Wrap(op, kind, inner)
}

// IsKind reports whether err is, or wraps, a structured error of kind.
func IsKind(err error, kind Kind) bool {
	return errs.Of(err, kind)
}
