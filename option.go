package aqua

import (
	"io"
	"time"
)

// DeviceOption is the interface a device implements to accept
// configuration options.
type DeviceOption interface {
	SetTransportUART(path string, baud uint) error
	SetTransportSocket(addr string, timeout time.Duration) error
	SetTransportRWC(rwc io.ReadWriteCloser) error

	SetCommandTimeout(time.Duration) error
	SetProcedureTimeout(time.Duration) error
	SetConnectTimeout(time.Duration) error
	SetBootTimeout(time.Duration) error

	SetOpcodeTable(path string) error
	SetAdvHandlerSync(bool) error
	SetErrorHandler(handler func(error)) error
}

// An Option is a configuration function, which configures the device.
type Option func(DeviceOption) error

// OptTransportUART selects a serial port as the NCP transport.
func OptTransportUART(path string, baud uint) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportUART(path, baud)
	}
}

// OptTransportSocket selects a TCP endpoint (serial device server) as the
// NCP transport.
func OptTransportSocket(addr string, timeout time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportSocket(addr, timeout)
	}
}

// OptTransportRWC supplies an already-open duplex byte stream as the NCP
// transport. The device takes ownership and closes it.
func OptTransportRWC(rwc io.ReadWriteCloser) Option {
	return func(opt DeviceOption) error {
		return opt.SetTransportRWC(rwc)
	}
}

// OptCommandTimeout bounds how long a submitted command waits for its
// response frame.
func OptCommandTimeout(d time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetCommandTimeout(d)
	}
}

// OptProcedureTimeout bounds a multi-event GATT procedure such as service
// discovery.
func OptProcedureTimeout(d time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetProcedureTimeout(d)
	}
}

// OptConnectTimeout bounds the wait for the connection_opened event after a
// connect command was accepted.
func OptConnectTimeout(d time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetConnectTimeout(d)
	}
}

// OptBootTimeout bounds the wait for the system_boot event after a reset.
func OptBootTimeout(d time.Duration) Option {
	return func(opt DeviceOption) error {
		return opt.SetBootTimeout(d)
	}
}

// OptOpcodeTable merges an external opcode table (JSON) into the built-in
// registry at startup.
func OptOpcodeTable(path string) Option {
	return func(opt DeviceOption) error {
		return opt.SetOpcodeTable(path)
	}
}

// OptAdvHandlerSync delivers advertisements synchronously from the event
// loop instead of on their own goroutine.
func OptAdvHandlerSync(sync bool) Option {
	return func(opt DeviceOption) error {
		return opt.SetAdvHandlerSync(sync)
	}
}

// OptErrorHandler sets the handler for asynchronous link errors.
func OptErrorHandler(handler func(error)) Option {
	return func(opt DeviceOption) error {
		return opt.SetErrorHandler(handler)
	}
}
