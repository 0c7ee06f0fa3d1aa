package loom

import "github.com/zarubaf/loom-sub000/internal/constants"

// Re-export the runtime's default tunables for the public API.
const (
	DefaultMaxDpiArgs        = constants.DefaultMaxDpiArgs
	DefaultSockEndpointPrefix = constants.DefaultSockEndpointPrefix
)

var (
	EndpointPollInterval = constants.EndpointPollInterval
	EndpointWaitTimeout  = constants.EndpointWaitTimeout
	ShutdownFlushDelay   = constants.ShutdownFlushDelay
	PollSleepInterval    = constants.PollSleepInterval
	DefaultScanTimeout   = constants.DefaultScanTimeout
	DefaultRunTimeout    = constants.DefaultRunTimeout
)
