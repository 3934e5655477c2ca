// Package evt provides typed accessors over raw event payloads. Each event
// type is a byte slice; accessors read fields in place without copying.
// Valid reports whether the payload is long enough for every fixed field;
// accessors on an invalid payload return zero values.
package evt

import "encoding/binary"

// SystemBoot signals that the module (re)started and is ready for commands.
type SystemBoot []byte

func (e SystemBoot) Valid() bool   { return len(e) >= 18 }
func (e SystemBoot) Major() uint16 { return u16(e, 0) }
func (e SystemBoot) Minor() uint16 { return u16(e, 2) }
func (e SystemBoot) Patch() uint16 { return u16(e, 4) }
func (e SystemBoot) Build() uint16 { return u16(e, 6) }
func (e SystemBoot) Bootloader() uint32 {
	if len(e) < 12 {
		return 0
	}
	return binary.LittleEndian.Uint32(e[8:])
}
func (e SystemBoot) HW() uint16 { return u16(e, 12) }
func (e SystemBoot) Hash() uint32 {
	if len(e) < 18 {
		return 0
	}
	return binary.LittleEndian.Uint32(e[14:])
}

// ScannerLegacyAdvertisementReport carries one legacy advertisement.
type ScannerLegacyAdvertisementReport []byte

func (e ScannerLegacyAdvertisementReport) Valid() bool {
	return len(e) >= 11 && len(e) >= 11+int(e[10])
}
func (e ScannerLegacyAdvertisementReport) RSSI() int8 {
	if len(e) < 1 {
		return 0
	}
	return int8(e[0])
}
func (e ScannerLegacyAdvertisementReport) EventFlags() uint8 { return u8(e, 1) }
func (e ScannerLegacyAdvertisementReport) Address() [6]byte {
	var a [6]byte
	if len(e) >= 8 {
		copy(a[:], e[2:8])
	}
	return a
}
func (e ScannerLegacyAdvertisementReport) AddressType() uint8 { return u8(e, 8) }
func (e ScannerLegacyAdvertisementReport) Bonding() uint8     { return u8(e, 9) }
func (e ScannerLegacyAdvertisementReport) Data() []byte {
	if !e.Valid() {
		return nil
	}
	return e[11 : 11+int(e[10])]
}

// ConnectionOpened signals that a connection reached the open state; the
// handle is live from this point until connection_closed.
type ConnectionOpened []byte

func (e ConnectionOpened) Valid() bool { return len(e) >= 10 }
func (e ConnectionOpened) Address() [6]byte {
	var a [6]byte
	if len(e) >= 6 {
		copy(a[:], e[:6])
	}
	return a
}
func (e ConnectionOpened) AddressType() uint8 { return u8(e, 6) }
func (e ConnectionOpened) Role() uint8        { return u8(e, 7) }
func (e ConnectionOpened) Connection() uint8  { return u8(e, 8) }
func (e ConnectionOpened) Bonding() uint8     { return u8(e, 9) }

// ConnectionClosed signals that a connection ended, locally or by the peer.
type ConnectionClosed []byte

func (e ConnectionClosed) Valid() bool       { return len(e) >= 3 }
func (e ConnectionClosed) Reason() uint16    { return u16(e, 0) }
func (e ConnectionClosed) Connection() uint8 { return u8(e, 2) }

// GattService reports one discovered primary service.
type GattService []byte

func (e GattService) Valid() bool {
	return len(e) >= 6 && len(e) >= 6+int(e[5])
}
func (e GattService) Connection() uint8 { return u8(e, 0) }
func (e GattService) Service() uint32 {
	if len(e) < 5 {
		return 0
	}
	return binary.LittleEndian.Uint32(e[1:])
}
func (e GattService) UUID() []byte {
	if !e.Valid() {
		return nil
	}
	return e[6 : 6+int(e[5])]
}

// GattCharacteristic reports one discovered characteristic.
type GattCharacteristic []byte

func (e GattCharacteristic) Valid() bool {
	return len(e) >= 5 && len(e) >= 5+int(e[4])
}
func (e GattCharacteristic) Connection() uint8      { return u8(e, 0) }
func (e GattCharacteristic) Characteristic() uint16 { return u16(e, 1) }
func (e GattCharacteristic) Properties() uint8      { return u8(e, 3) }
func (e GattCharacteristic) UUID() []byte {
	if !e.Valid() {
		return nil
	}
	return e[5 : 5+int(e[4])]
}

// GattCharacteristicValue carries a read result, a notification, or an
// indication, distinguished by AttOpcode.
type GattCharacteristicValue []byte

func (e GattCharacteristicValue) Valid() bool {
	return len(e) >= 7 && len(e) >= 7+int(e[6])
}
func (e GattCharacteristicValue) Connection() uint8      { return u8(e, 0) }
func (e GattCharacteristicValue) Characteristic() uint16 { return u16(e, 1) }
func (e GattCharacteristicValue) AttOpcode() uint8       { return u8(e, 3) }
func (e GattCharacteristicValue) Offset() uint16         { return u16(e, 4) }
func (e GattCharacteristicValue) Value() []byte {
	if !e.Valid() {
		return nil
	}
	return e[7 : 7+int(e[6])]
}

// GattProcedureCompleted terminates the outstanding GATT procedure on a
// connection.
type GattProcedureCompleted []byte

func (e GattProcedureCompleted) Valid() bool       { return len(e) >= 3 }
func (e GattProcedureCompleted) Connection() uint8 { return u8(e, 0) }
func (e GattProcedureCompleted) Result() uint16    { return u16(e, 1) }

func u8(b []byte, i int) uint8 {
	if len(b) <= i {
		return 0
	}
	return b[i]
}

func u16(b []byte, i int) uint16 {
	if len(b) < i+2 {
		return 0
	}
	return binary.LittleEndian.Uint16(b[i:])
}
