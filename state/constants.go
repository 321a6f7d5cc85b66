package state

import "time"

var (
	// DispatchQueueSize bounds the number of closures waiting for the main loop.
	DispatchQueueSize = 512
	// DispatchWarnLatency is how long a single dispatched closure may run before it is logged.
	DispatchWarnLatency = 50 * time.Millisecond

	// SweepDelay is how long routes left behind by a previous run stay in the
	// kernel before they are withdrawn, unless re-submitted.
	SweepDelay = 30 * time.Second

	// FPMFlushDelay batches RIB changes before they are streamed to the FPM peer.
	FPMFlushDelay = 100 * time.Millisecond
	// FPMFlushBatch caps the number of destinations encoded per flush.
	FPMFlushBatch = 1024

	// ReopenDelay is the pause before a failed kernel channel is reopened.
	ReopenDelay = time.Second

	// DefaultRcvBuf is the notification socket receive buffer.
	DefaultRcvBuf = 4 << 20

	// DefaultProtocol marks routes this daemon installs (RTPROT_ZEBRA).
	DefaultProtocol uint8 = 11

	DefaultDebugAddr = "127.0.0.1:6060"
)
