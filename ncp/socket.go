package ncp

import (
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// NewSocket connects to an NCP module exposed through a TCP serial device
// server.
func NewSocket(addr string, timeout time.Duration) (io.ReadWriteCloser, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "can't dial %s", addr)
	}

	return conn, nil
}
