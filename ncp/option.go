package ncp

import (
	"io"
	"time"
)

// SetTransportUART sets UART as a device transport.
func (d *Device) SetTransportUART(path string, baud uint) error {
	d.transport.uart = &transportUART{path: path, baud: baud}
	return nil
}

// SetTransportSocket sets a TCP serial device server as a device transport.
func (d *Device) SetTransportSocket(addr string, timeout time.Duration) error {
	d.transport.socket = &transportSocket{addr: addr, timeout: timeout}
	return nil
}

// SetTransportRWC hands the device an already-open byte stream.
func (d *Device) SetTransportRWC(rwc io.ReadWriteCloser) error {
	d.transport.rwc = rwc
	return nil
}

// SetCommandTimeout sets the per-command response deadline.
func (d *Device) SetCommandTimeout(t time.Duration) error {
	d.cmdTimeout = t
	return nil
}

// SetProcedureTimeout sets the deadline for multi-event GATT procedures.
func (d *Device) SetProcedureTimeout(t time.Duration) error {
	d.procTimeout = t
	return nil
}

// SetConnectTimeout sets how long Connect waits for the opened event.
func (d *Device) SetConnectTimeout(t time.Duration) error {
	d.connTimeout = t
	return nil
}

// SetBootTimeout sets how long Init waits for the boot event per reset.
func (d *Device) SetBootTimeout(t time.Duration) error {
	d.bootTimeout = t
	return nil
}

// SetOpcodeTable records an opcode table file to merge during NewDevice.
func (d *Device) SetOpcodeTable(path string) error {
	d.tablePath = path
	return nil
}

// SetAdvHandlerSync selects synchronous advertisement delivery.
func (d *Device) SetAdvHandlerSync(sync bool) error {
	d.advHandlerSync = sync
	return nil
}

// SetErrorHandler sets the callback invoked when the link faults.
func (d *Device) SetErrorHandler(handler func(error)) error {
	d.errorHandler = handler
	return nil
}
