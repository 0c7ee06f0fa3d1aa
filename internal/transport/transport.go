// Package transport implements the two concrete register-transport variants
// the host runtime drives a design over: a framed Unix-domain stream socket
// (for a simulator peer) and a memory-mapped or positional register window
// (for an FPGA peer). Both satisfy the same Transport capability interface
// so the rest of the runtime is transport-agnostic.
package transport

import "context"

// Transport is the abstract capability a Context drives a peer over:
// 32-bit register reads/writes plus a blocking interrupt wait. Exactly one
// of Stream or MemMap backs any given Transport value.
type Transport interface {
	// Connect establishes the underlying connection to target (a socket
	// path for Stream, a device/resource path for MemMap).
	Connect(ctx context.Context, target string) error

	// Disconnect releases the underlying descriptor or mapping. Safe to
	// call more than once.
	Disconnect() error

	// Read32 reads one 32-bit register at addr.
	Read32(addr uint32) (uint32, error)

	// Write32 writes val to the 32-bit register at addr.
	Write32(addr uint32, val uint32) error

	// WaitIrq blocks until an interrupt bitmask is available, the peer
	// shuts down, or a signal interrupts the wait. See package loom's
	// error kinds for the Shutdown/Interrupted/NotSupported outcomes.
	WaitIrq() (uint32, error)

	// HasIrqSupport reports whether WaitIrq can ever return anything but
	// NotSupported on this transport instance.
	HasIrqSupport() bool

	// IsConnected reports whether Connect succeeded and Disconnect has
	// not since been called, and the peer has not signaled Shutdown.
	IsConnected() bool
}
