package bgapi

// Message classes.
const (
	ClassSystem     = 0x01
	ClassScanner    = 0x05
	ClassConnection = 0x06
	ClassGatt       = 0x09
)

// Command identifiers.
const (
	CmdSystemHello              = 0x00
	CmdSystemReset              = 0x01
	CmdSystemGetIdentityAddress = 0x03

	CmdScannerStart = 0x01
	CmdScannerStop  = 0x02

	CmdConnectionOpen  = 0x00
	CmdConnectionClose = 0x01

	CmdGattDiscoverPrimaryServices        = 0x01
	CmdGattDiscoverCharacteristics        = 0x03
	CmdGattSetCharacteristicNotification  = 0x05
	CmdGattReadCharacteristicValue        = 0x07
	CmdGattWriteCharacteristicValue       = 0x09
	CmdGattWriteCharacteristicValueNoRsp  = 0x0a
	CmdGattSendCharacteristicConfirmation = 0x0d
)

// Event identifiers.
const (
	EvtSystemBoot = 0x00

	EvtScannerLegacyAdvertisementReport = 0x00

	EvtConnectionOpened = 0x00
	EvtConnectionClosed = 0x01

	EvtGattService             = 0x01
	EvtGattCharacteristic      = 0x02
	EvtGattCharacteristicValue = 0x04
	EvtGattProcedureCompleted  = 0x06
)

// ATT opcodes carried in gatt characteristic value events.
// [Vol 3, Part F, 3.4.8]
const (
	AttOpcodeHandleValueNotification = 0x1b
	AttOpcodeHandleValueIndication   = 0x1d
)

// PHY selectors for scanning and connection initiation.
const (
	Phy1M = 0x01
)

// Scanner parameters, per the module's GAP vocabulary.
const (
	ScanPhy1M         = 0x01
	ScanPhy1MAndCoded = 0x05

	DiscoverGeneric     = 0x01
	DiscoverObservation = 0x02
)

// Connection roles as reported by the connection opened event.
const (
	RolePeripheral = 0x00
	RoleCentral    = 0x01
)

// Notification configuration flags for the client characteristic
// configuration write.
const (
	GattDisable      = 0x00
	GattNotification = 0x01
	GattIndication   = 0x02
)
