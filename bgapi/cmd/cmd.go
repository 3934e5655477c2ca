// Package cmd defines the commands the stack issues to the module and
// their response parameters. Commands marshal into preallocated buffers;
// responses unmarshal from the raw response payload. All fields are little
// endian on the wire.
package cmd

import (
	"encoding/binary"
	"fmt"

	"github.com/jnorth314/Aquamarine/bgapi"
)

func unmarshalResult(b []byte, result *uint16) error {
	if len(b) < 2 {
		return fmt.Errorf("response too short: %d", len(b))
	}
	*result = binary.LittleEndian.Uint16(b)
	return nil
}

// Result is the bare response shared by commands whose only response
// parameter is the result word.
type Result struct{ Result uint16 }

func (r *Result) Unmarshal(b []byte) error { return unmarshalResult(b, &r.Result) }

// SystemHello verifies that the communication between the host and the
// module works.
type SystemHello struct{}

func (c *SystemHello) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassSystem, bgapi.CmdSystemHello)
}
func (c *SystemHello) Len() int               { return 0 }
func (c *SystemHello) Marshal(_ []byte) error { return nil }

type SystemHelloResponse struct{ Result uint16 }

func (r *SystemHelloResponse) Unmarshal(b []byte) error { return unmarshalResult(b, &r.Result) }

// SystemReset restarts the module. The module never responds; a
// system_boot event signals that it came back.
type SystemReset struct{ DFU uint8 }

func (c *SystemReset) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassSystem, bgapi.CmdSystemReset)
}
func (c *SystemReset) Len() int { return 1 }
func (c *SystemReset) Marshal(b []byte) error {
	b[0] = c.DFU
	return nil
}

// SystemGetIdentityAddress reads the module's own Bluetooth address.
type SystemGetIdentityAddress struct{}

func (c *SystemGetIdentityAddress) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassSystem, bgapi.CmdSystemGetIdentityAddress)
}
func (c *SystemGetIdentityAddress) Len() int               { return 0 }
func (c *SystemGetIdentityAddress) Marshal(_ []byte) error { return nil }

type SystemGetIdentityAddressResponse struct {
	Result  uint16
	Address [6]byte
	Type    uint8
}

func (r *SystemGetIdentityAddressResponse) Unmarshal(b []byte) error {
	if err := unmarshalResult(b, &r.Result); err != nil {
		return err
	}
	if len(b) < 9 {
		return fmt.Errorf("identity address response too short: %d", len(b))
	}
	copy(r.Address[:], b[2:8])
	r.Type = b[8]
	return nil
}

// ScannerStart begins scanning for advertising devices.
type ScannerStart struct {
	ScanningPHY  uint8
	DiscoverMode uint8
}

func (c *ScannerStart) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassScanner, bgapi.CmdScannerStart)
}
func (c *ScannerStart) Len() int { return 2 }
func (c *ScannerStart) Marshal(b []byte) error {
	b[0] = c.ScanningPHY
	b[1] = c.DiscoverMode
	return nil
}

type ScannerStartResponse struct{ Result uint16 }

func (r *ScannerStartResponse) Unmarshal(b []byte) error { return unmarshalResult(b, &r.Result) }

// ScannerStop ends an active scan.
type ScannerStop struct{}

func (c *ScannerStop) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassScanner, bgapi.CmdScannerStop)
}
func (c *ScannerStop) Len() int               { return 0 }
func (c *ScannerStop) Marshal(_ []byte) error { return nil }

type ScannerStopResponse struct{ Result uint16 }

func (r *ScannerStopResponse) Unmarshal(b []byte) error { return unmarshalResult(b, &r.Result) }

// ConnectionOpen initiates a connection to an advertising device. The
// returned handle becomes live when the connection_opened event arrives.
type ConnectionOpen struct {
	Address       [6]byte
	AddressType   uint8
	InitiatingPHY uint8
}

func (c *ConnectionOpen) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassConnection, bgapi.CmdConnectionOpen)
}
func (c *ConnectionOpen) Len() int { return 8 }
func (c *ConnectionOpen) Marshal(b []byte) error {
	copy(b, c.Address[:])
	b[6] = c.AddressType
	b[7] = c.InitiatingPHY
	return nil
}

type ConnectionOpenResponse struct {
	Result     uint16
	Connection uint8
}

func (r *ConnectionOpenResponse) Unmarshal(b []byte) error {
	if err := unmarshalResult(b, &r.Result); err != nil {
		return err
	}
	if len(b) < 3 {
		return fmt.Errorf("connection open response too short: %d", len(b))
	}
	r.Connection = b[2]
	return nil
}

// ConnectionClose closes a connection or cancels a pending one.
type ConnectionClose struct{ Connection uint8 }

func (c *ConnectionClose) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassConnection, bgapi.CmdConnectionClose)
}
func (c *ConnectionClose) Len() int { return 1 }
func (c *ConnectionClose) Marshal(b []byte) error {
	b[0] = c.Connection
	return nil
}

type ConnectionCloseResponse struct{ Result uint16 }

func (r *ConnectionCloseResponse) Unmarshal(b []byte) error { return unmarshalResult(b, &r.Result) }

// GattDiscoverPrimaryServices starts primary service discovery. Results
// arrive as gatt_service events, terminated by gatt_procedure_completed.
type GattDiscoverPrimaryServices struct{ Connection uint8 }

func (c *GattDiscoverPrimaryServices) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassGatt, bgapi.CmdGattDiscoverPrimaryServices)
}
func (c *GattDiscoverPrimaryServices) Len() int { return 1 }
func (c *GattDiscoverPrimaryServices) Marshal(b []byte) error {
	b[0] = c.Connection
	return nil
}

type GattDiscoverPrimaryServicesResponse struct{ Result uint16 }

func (r *GattDiscoverPrimaryServicesResponse) Unmarshal(b []byte) error {
	return unmarshalResult(b, &r.Result)
}

// GattDiscoverCharacteristics starts characteristic discovery within one
// service.
type GattDiscoverCharacteristics struct {
	Connection uint8
	Service    uint32
}

func (c *GattDiscoverCharacteristics) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassGatt, bgapi.CmdGattDiscoverCharacteristics)
}
func (c *GattDiscoverCharacteristics) Len() int { return 5 }
func (c *GattDiscoverCharacteristics) Marshal(b []byte) error {
	b[0] = c.Connection
	binary.LittleEndian.PutUint32(b[1:], c.Service)
	return nil
}

type GattDiscoverCharacteristicsResponse struct{ Result uint16 }

func (r *GattDiscoverCharacteristicsResponse) Unmarshal(b []byte) error {
	return unmarshalResult(b, &r.Result)
}

// GattReadCharacteristicValue reads a characteristic. The value arrives in
// one or more gatt_characteristic_value events before
// gatt_procedure_completed.
type GattReadCharacteristicValue struct {
	Connection     uint8
	Characteristic uint16
}

func (c *GattReadCharacteristicValue) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassGatt, bgapi.CmdGattReadCharacteristicValue)
}
func (c *GattReadCharacteristicValue) Len() int { return 3 }
func (c *GattReadCharacteristicValue) Marshal(b []byte) error {
	b[0] = c.Connection
	binary.LittleEndian.PutUint16(b[1:], c.Characteristic)
	return nil
}

type GattReadCharacteristicValueResponse struct{ Result uint16 }

func (r *GattReadCharacteristicValueResponse) Unmarshal(b []byte) error {
	return unmarshalResult(b, &r.Result)
}

// GattWriteCharacteristicValue writes with response; completion is the
// gatt_procedure_completed event.
type GattWriteCharacteristicValue struct {
	Connection     uint8
	Characteristic uint16
	Value          []byte
}

func (c *GattWriteCharacteristicValue) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassGatt, bgapi.CmdGattWriteCharacteristicValue)
}
func (c *GattWriteCharacteristicValue) Len() int { return 4 + len(c.Value) }
func (c *GattWriteCharacteristicValue) Marshal(b []byte) error {
	b[0] = c.Connection
	binary.LittleEndian.PutUint16(b[1:], c.Characteristic)
	b[3] = uint8(len(c.Value))
	copy(b[4:], c.Value)
	return nil
}

type GattWriteCharacteristicValueResponse struct{ Result uint16 }

func (r *GattWriteCharacteristicValueResponse) Unmarshal(b []byte) error {
	return unmarshalResult(b, &r.Result)
}

// GattWriteCharacteristicValueNoRsp is the fire-and-forget write. No
// response frame follows; the command slot frees as soon as the frame is
// flushed.
type GattWriteCharacteristicValueNoRsp struct {
	Connection     uint8
	Characteristic uint16
	Value          []byte
}

func (c *GattWriteCharacteristicValueNoRsp) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassGatt, bgapi.CmdGattWriteCharacteristicValueNoRsp)
}
func (c *GattWriteCharacteristicValueNoRsp) Len() int { return 4 + len(c.Value) }
func (c *GattWriteCharacteristicValueNoRsp) Marshal(b []byte) error {
	b[0] = c.Connection
	binary.LittleEndian.PutUint16(b[1:], c.Characteristic)
	b[3] = uint8(len(c.Value))
	copy(b[4:], c.Value)
	return nil
}

// GattSetCharacteristicNotification writes the client characteristic
// configuration of a remote characteristic.
type GattSetCharacteristicNotification struct {
	Connection     uint8
	Characteristic uint16
	Flags          uint8
}

func (c *GattSetCharacteristicNotification) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassGatt, bgapi.CmdGattSetCharacteristicNotification)
}
func (c *GattSetCharacteristicNotification) Len() int { return 4 }
func (c *GattSetCharacteristicNotification) Marshal(b []byte) error {
	b[0] = c.Connection
	binary.LittleEndian.PutUint16(b[1:], c.Characteristic)
	b[3] = c.Flags
	return nil
}

type GattSetCharacteristicNotificationResponse struct{ Result uint16 }

func (r *GattSetCharacteristicNotificationResponse) Unmarshal(b []byte) error {
	return unmarshalResult(b, &r.Result)
}

// GattSendCharacteristicConfirmation acknowledges an indication.
type GattSendCharacteristicConfirmation struct{ Connection uint8 }

func (c *GattSendCharacteristicConfirmation) OpCode() bgapi.Opcode {
	return bgapi.NewOpcode(bgapi.ClassGatt, bgapi.CmdGattSendCharacteristicConfirmation)
}
func (c *GattSendCharacteristicConfirmation) Len() int { return 1 }
func (c *GattSendCharacteristicConfirmation) Marshal(b []byte) error {
	b[0] = c.Connection
	return nil
}

type GattSendCharacteristicConfirmationResponse struct{ Result uint16 }

func (r *GattSendCharacteristicConfirmationResponse) Unmarshal(b []byte) error {
	return unmarshalResult(b, &r.Result)
}
