package bgapi

import (
	"errors"
	"fmt"

	aqua "github.com/jnorth314/Aquamarine"
)

// ErrIncomplete reports that the buffer does not yet hold a whole frame.
// Nothing is consumed; the caller should read more bytes and retry.
var ErrIncomplete = errors.New("bgapi: incomplete frame")

// Marshal encodes a frame for the wire.
func Marshal(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxPayload {
		return nil, fmt.Errorf("bgapi: payload length %d exceeds maximum %d", len(f.Payload), MaxPayload)
	}

	t := byte(typeCommand)
	if f.Event {
		t = typeEvent
	}

	b := make([]byte, HeaderLength+len(f.Payload))
	b[0] = t | byte(len(f.Payload)>>8)
	b[1] = byte(len(f.Payload))
	b[2] = f.Class
	b[3] = f.Command
	copy(b[HeaderLength:], f.Payload)
	return b, nil
}

// Decode decodes at most one frame from the head of b, validating its
// opcode against t. It is a pure transform; the caller owns the buffer.
//
// Returns the number of bytes consumed and one of:
//   - nil: a frame was decoded, n covers it, the payload is a copy;
//   - ErrIncomplete: n is 0, await more bytes;
//   - aqua.ErrMalformed: n is 1, drop a byte and resynchronize;
//   - aqua.ErrUnknownOpcode: n covers the whole (well-formed) frame so the
//     caller can log it and skip.
func Decode(b []byte, t *Table) (Frame, int, error) {
	if len(b) < HeaderLength {
		return Frame{}, 0, ErrIncomplete
	}

	var event bool
	switch b[0] & typeMask {
	case typeCommand:
	case typeEvent:
		event = true
	default:
		return Frame{}, 1, aqua.ErrMalformed
	}

	plen := int(b[0]&lenHighMask)<<8 | int(b[1])
	if plen > MaxPayload {
		return Frame{}, 1, aqua.ErrMalformed
	}

	total := HeaderLength + plen
	if len(b) < total {
		return Frame{}, 0, ErrIncomplete
	}

	f := Frame{
		Event:   event,
		Class:   b[2],
		Command: b[3],
		Payload: append([]byte(nil), b[HeaderLength:total]...),
	}

	if _, ok := t.Lookup(event, f.Opcode()); !ok {
		return Frame{}, total, aqua.ErrUnknownOpcode
	}

	return f, total, nil
}
