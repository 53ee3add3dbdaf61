// Package core defines sentinel errors.
package core

import "errors"

// Sentinel errors. Callers wrap them with fmt.Errorf("...: %w") and test
// with errors.Is.
var (
	// Ring buffer errors
	ErrBufferFull  = errors.New("flowcap: ring buffer full")
	ErrInvalidSlot = errors.New("flowcap: invalid or stale slot reference")
	ErrRingClosed  = errors.New("flowcap: ring buffer released")

	// Flow table errors
	ErrTableFull    = errors.New("flowcap: flow table full")
	ErrFlowDisabled = errors.New("flowcap: flow metering not enabled")

	// Backend errors
	ErrBackendUnavailable = errors.New("flowcap: capture backend unavailable")
	ErrInvalidFilter      = errors.New("flowcap: invalid capture filter")

	// Crypto and integrity errors
	ErrKeyUnavailable = errors.New("flowcap: encryption key unavailable")
	ErrDecrypt        = errors.New("flowcap: slot authentication failed")
	ErrIntegrity      = errors.New("flowcap: signature verification failed")

	// Session errors
	ErrSessionRunning = errors.New("flowcap: session already started")
	ErrSessionClosed  = errors.New("flowcap: session closed")
	ErrNotEncrypted   = errors.New("flowcap: encryption not enabled")

	// Packet decoding errors
	ErrPacketTooShort   = errors.New("flowcap: packet too short")
	ErrUnsupportedProto = errors.New("flowcap: unsupported protocol")

	// Export errors
	ErrSerialize = errors.New("flowcap: record cannot be encoded")
	ErrQueueFull = errors.New("flowcap: export queue full")
	ErrMalformed = errors.New("flowcap: malformed export datagram")

	// Configuration errors
	ErrConfigInvalid = errors.New("flowcap: invalid configuration")

	// Daemon errors
	ErrDaemonNotRunning = errors.New("flowcap: daemon not running")
)
