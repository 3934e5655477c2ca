package ncp

import (
	"fmt"
	"io"
	"time"
)

type transportUART struct {
	path string
	baud uint
}

type transportSocket struct {
	addr    string
	timeout time.Duration
}

type transport struct {
	uart   *transportUART
	socket *transportSocket
	rwc    io.ReadWriteCloser
}

func getTransport(t transport) (io.ReadWriteCloser, error) {
	switch {
	case t.rwc != nil:
		return t.rwc, nil

	case t.uart != nil:
		return NewUART(t.uart.path, t.uart.baud)

	case t.socket != nil:
		return NewSocket(t.socket.addr, t.socket.timeout)

	default:
		return nil, fmt.Errorf("no valid transport found")
	}
}
