// Package bgapi implements the framed binary protocol spoken by a BLE
// network co-processor over its host serial link: a fixed 4-byte header
// (message type, payload length, class, command) followed by a payload of
// at most MaxPayload bytes.
package bgapi

import "fmt"

const (
	// HeaderLength is the fixed frame header size.
	HeaderLength = 4

	// MaxPayload is the largest payload the module accepts or emits. The
	// length field could encode more; anything above this is noise.
	MaxPayload = 256

	typeCommand = 0x20 // host->module command, module->host response
	typeEvent   = 0xa0 // module->host unsolicited event
	typeMask    = 0xf8
	lenHighMask = 0x07
)

// Opcode identifies a message as its (class, command) pair.
type Opcode uint16

// NewOpcode packs a class/command pair.
func NewOpcode(class, command uint8) Opcode {
	return Opcode(class)<<8 | Opcode(command)
}

// Class returns the message class.
func (o Opcode) Class() uint8 { return uint8(o >> 8) }

// Command returns the command (or event) identifier within the class.
func (o Opcode) Command() uint8 { return uint8(o) }

func (o Opcode) String() string {
	return fmt.Sprintf("%02x/%02x", o.Class(), o.Command())
}

// Frame is one complete protocol message. Direction decides what a
// command-typed frame means: host->module it is a command, module->host it
// is the response to the outstanding command.
type Frame struct {
	Event   bool
	Class   uint8
	Command uint8
	Payload []byte
}

// Opcode returns the frame's (class, command) identity.
func (f Frame) Opcode() Opcode { return NewOpcode(f.Class, f.Command) }

// IsEvent reports whether the frame is an unsolicited event.
func (f Frame) IsEvent() bool { return f.Event }

// IsResponse reports whether a received frame resolves a pending command.
func (f Frame) IsResponse() bool { return !f.Event }

func (f Frame) String() string {
	k := "rsp"
	if f.Event {
		k = "evt"
	}
	return fmt.Sprintf("%s %s len %d", k, f.Opcode(), len(f.Payload))
}
