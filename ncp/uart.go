package ncp

import (
	"io"

	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
)

// DefaultSerialOptions returns the UART settings the module ships with:
// 115200 8N1 with hardware flow control.
func DefaultSerialOptions() serial.OpenOptions {
	return serial.OpenOptions{
		BaudRate:          115200,
		DataBits:          8,
		StopBits:          1,
		RTSCTSFlowControl: true,

		// Return from Read on idle so the rx loop can notice shutdown.
		MinimumReadSize:       0,
		InterCharacterTimeout: 100,
	}
}

// NewUART opens the serial port the NCP module is attached to. A zero baud
// keeps the default rate.
func NewUART(path string, baud uint) (io.ReadWriteCloser, error) {
	so := DefaultSerialOptions()
	so.PortName = path
	if baud != 0 {
		so.BaudRate = baud
	}

	sp, err := serial.Open(so)
	if err != nil {
		return nil, errors.Wrapf(err, "can't open serial port %s", path)
	}

	return sp, nil
}
