package aqua

import (
	"errors"
	"fmt"
)

// Error taxonomy of the protocol core. Sentinels so callers can test with
// errors.Is after the ncp layer wraps them with context.
var (
	// ErrMalformed reports a frame header that cannot be valid. The codec
	// recovers by discarding a single byte and resynchronizing.
	ErrMalformed = errors.New("malformed frame")

	// ErrUnknownOpcode reports a well-framed message whose (class, command)
	// pair is not present in the opcode table. Logged and dropped.
	ErrUnknownOpcode = errors.New("unknown opcode")

	// ErrTimeout resolves a pending command or procedure whose deadline
	// expired. The command slot is freed; retry policy is the caller's.
	ErrTimeout = errors.New("operation timed out")

	// ErrLinkFault is fatal for the whole link: every pending command and
	// every connection is torn down. Recovery requires reopening the device.
	ErrLinkFault = errors.New("link fault")

	// ErrInvalidState reports caller misuse, e.g. a GATT operation on a
	// connection that is not in the Connected state. No side effect.
	ErrInvalidState = errors.New("invalid state")

	// ErrStaleHandle reports use of a connection handle after its
	// connection_closed event invalidated it.
	ErrStaleHandle = errors.New("stale connection handle")

	// ErrProcedureInProgress reports a second GATT procedure started on a
	// connection while one is outstanding. Returned synchronously; nothing
	// is sent to the transport.
	ErrProcedureInProgress = errors.New("gatt procedure in progress")

	// ErrUnexpectedResponse is a bookkeeping anomaly: a response frame
	// arrived that matches no outstanding command. Logged, non-fatal.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrOrphanedResponse is a late response to a command that was already
	// cancelled or timed out. Discarded, never misattributed.
	ErrOrphanedResponse = errors.New("orphaned response")
)

// StatusError is a non-zero result word carried in a BGAPI response.
type StatusError uint16

var statusNames = map[StatusError]string{
	0x0001: "fail",
	0x0002: "invalid state",
	0x0003: "not ready",
	0x0004: "busy",
	0x000f: "not supported",
	0x0021: "invalid parameter",
	0x0022: "null pointer",
	0x0040: "bonding failed",
	0x1002: "unknown connection identifier",
	0x100c: "command disallowed",
	0x1013: "remote user terminated connection",
	0x1016: "connection terminated by local host",
}

func (e StatusError) Error() string {
	if s, ok := statusNames[e]; ok {
		return fmt.Sprintf("status 0x%04x: %s", uint16(e), s)
	}
	return fmt.Sprintf("status 0x%04x", uint16(e))
}
