package aqua

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Addr is the Bluetooth device address of a peer, e.g. "aa:bb:cc:dd:ee:ff".
type Addr interface {
	String() string
	// Bytes returns the address in wire order (little endian, reversed
	// relative to the printed form).
	Bytes() []byte
}

// NewAddr creates an Addr from its printed form.
func NewAddr(s string) Addr {
	return addr(strings.ToLower(s))
}

// AddrFromBytes creates an Addr from the 6 wire-order bytes of a BGAPI
// address field.
func AddrFromBytes(b []byte) Addr {
	parts := make([]string, 0, len(b))
	for i := len(b) - 1; i >= 0; i-- {
		parts = append(parts, fmt.Sprintf("%02x", b[i]))
	}
	return addr(strings.Join(parts, ":"))
}

type addr string

func (a addr) String() string {
	return string(a)
}

func (a addr) Bytes() []byte {
	hexStr := strings.Replace(a.String(), ":", "", -1)

	out, err := hex.DecodeString(hexStr)
	if err != nil {
		GetLogger().Warnf("error decoding address %q: %v", a.String(), err)
		return nil
	}

	// printed form is big endian, the wire wants little endian
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}

	return out
}
