package bgapi

import (
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
)

// Entry describes one known opcode: its name, whether it is an event, and
// for commands whether the module sends a response frame back.
type Entry struct {
	Class   uint8  `json:"class"`
	Command uint8  `json:"command"`
	Name    string `json:"name"`
	Event   bool   `json:"event,omitempty"`
	NoReply bool   `json:"no_reply,omitempty"`
}

// Table is the opcode registry a decoder validates against. Command and
// event identifiers live in separate namespaces under the same class.
type Table struct {
	cmds map[Opcode]Entry
	evts map[Opcode]Entry
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{
		cmds: make(map[Opcode]Entry),
		evts: make(map[Opcode]Entry),
	}
}

// Register adds or replaces an entry.
func (t *Table) Register(e Entry) {
	op := NewOpcode(e.Class, e.Command)
	if e.Event {
		t.evts[op] = e
	} else {
		t.cmds[op] = e
	}
}

// Lookup finds the entry for an opcode in the command or event namespace.
func (t *Table) Lookup(event bool, op Opcode) (Entry, bool) {
	if event {
		e, ok := t.evts[op]
		return e, ok
	}
	e, ok := t.cmds[op]
	return e, ok
}

// ReplyExpected reports whether the module answers a command with a
// response frame. Unknown opcodes default to true so a stray command at
// least times out visibly instead of silently losing the slot discipline.
func (t *Table) ReplyExpected(op Opcode) bool {
	e, ok := t.cmds[op]
	if !ok {
		return true
	}
	return !e.NoReply
}

// Name returns a printable name for an opcode, falling back to the numeric
// form.
func (t *Table) Name(event bool, op Opcode) string {
	if e, ok := t.Lookup(event, op); ok {
		return e.Name
	}
	return op.String()
}

// LoadFile merges entries from a JSON opcode table (an array of Entry
// objects). Configuration data external to the core, loaded once at
// startup.
func (t *Table) LoadFile(path string) error {
	in, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "can't read opcode table")
	}

	var ee []Entry
	if err := jsoniter.Unmarshal(in, &ee); err != nil {
		return errors.Wrap(err, "can't parse opcode table")
	}

	for i, e := range ee {
		if e.Name == "" {
			return fmt.Errorf("opcode table entry %d has no name", i)
		}
		t.Register(e)
	}

	return nil
}

// DefaultTable returns the built-in registry covering the opcodes this
// stack issues and handles.
func DefaultTable() *Table {
	t := NewTable()
	for _, e := range []Entry{
		{Class: ClassSystem, Command: CmdSystemHello, Name: "system_hello"},
		{Class: ClassSystem, Command: CmdSystemReset, Name: "system_reset", NoReply: true},
		{Class: ClassSystem, Command: CmdSystemGetIdentityAddress, Name: "system_get_identity_address"},
		{Class: ClassSystem, Command: EvtSystemBoot, Name: "system_boot", Event: true},

		{Class: ClassScanner, Command: CmdScannerStart, Name: "scanner_start"},
		{Class: ClassScanner, Command: CmdScannerStop, Name: "scanner_stop"},
		{Class: ClassScanner, Command: EvtScannerLegacyAdvertisementReport, Name: "scanner_legacy_advertisement_report", Event: true},

		{Class: ClassConnection, Command: CmdConnectionOpen, Name: "connection_open"},
		{Class: ClassConnection, Command: CmdConnectionClose, Name: "connection_close"},
		{Class: ClassConnection, Command: EvtConnectionOpened, Name: "connection_opened", Event: true},
		{Class: ClassConnection, Command: EvtConnectionClosed, Name: "connection_closed", Event: true},

		{Class: ClassGatt, Command: CmdGattDiscoverPrimaryServices, Name: "gatt_discover_primary_services"},
		{Class: ClassGatt, Command: CmdGattDiscoverCharacteristics, Name: "gatt_discover_characteristics"},
		{Class: ClassGatt, Command: CmdGattSetCharacteristicNotification, Name: "gatt_set_characteristic_notification"},
		{Class: ClassGatt, Command: CmdGattReadCharacteristicValue, Name: "gatt_read_characteristic_value"},
		{Class: ClassGatt, Command: CmdGattWriteCharacteristicValue, Name: "gatt_write_characteristic_value"},
		{Class: ClassGatt, Command: CmdGattWriteCharacteristicValueNoRsp, Name: "gatt_write_characteristic_value_without_response", NoReply: true},
		{Class: ClassGatt, Command: CmdGattSendCharacteristicConfirmation, Name: "gatt_send_characteristic_confirmation"},
		{Class: ClassGatt, Command: EvtGattService, Name: "gatt_service", Event: true},
		{Class: ClassGatt, Command: EvtGattCharacteristic, Name: "gatt_characteristic", Event: true},
		{Class: ClassGatt, Command: EvtGattCharacteristicValue, Name: "gatt_characteristic_value", Event: true},
		{Class: ClassGatt, Command: EvtGattProcedureCompleted, Name: "gatt_procedure_completed", Event: true},
	} {
		t.Register(e)
	}
	return t
}
