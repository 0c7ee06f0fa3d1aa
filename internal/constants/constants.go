// Package constants collects the default tunables used across the host
// runtime, following the same grouping-by-concern style the register-level
// packages use for protocol constants.
package constants

import "time"

// Default transport/session parameters.
const (
	// DefaultMaxDpiArgs is used when the peer reports zero for max_dpi_args
	// (a peer built against an older register map may leave it unset).
	DefaultMaxDpiArgs = 8

	// DefaultSockEndpointPrefix names the abstract/unix socket the loader
	// creates when -s is not given: /tmp/<prefix>_<pid>.sock.
	DefaultSockEndpointPrefix = "loom"
)

// Bootstrap/loader timing.
//
// The simulator child process is spawned and then must create its listening
// endpoint before the host can connect; this mirrors the udev-wait retry loop
// a register-transport client needs for a peer that takes a moment to come up.
const (
	// EndpointPollInterval is how often the loader checks for the simulator's
	// socket/device node after spawning the child process.
	EndpointPollInterval = 100 * time.Millisecond

	// EndpointWaitTimeout bounds the total time spent waiting for the
	// endpoint to appear before the loader gives up.
	EndpointWaitTimeout = 10 * time.Second

	// ShutdownFlushDelay is the pause between calling finish() and
	// disconnecting, giving the peer time to flush any trace buffers.
	ShutdownFlushDelay = 50 * time.Millisecond
)

// Shell/service-loop timing.
const (
	// PollSleepInterval is the sleep between service_once drains when the
	// transport has no interrupt support and the shell must poll.
	PollSleepInterval = 1 * time.Millisecond

	// DefaultScanTimeout bounds scan_capture/scan_restore when the caller
	// does not supply an explicit timeout.
	DefaultScanTimeout = 5 * time.Second

	// DefaultRunTimeout is the polling-mode inactivity bound (timeout_ms in
	// §4.4's run loop); after timeout/10 idle passes with at least one call
	// serviced, run() reports Complete.
	DefaultRunTimeout = 30 * time.Second

	// RunLoopIdleSleep is the short sleep in the interactive run loop
	// between service_once drains and state polls.
	RunLoopIdleSleep = 500 * time.Microsecond
)
