package aqua

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// UUID is a 16-bit, 32-bit, or 128-bit GATT UUID kept in wire order
// (little endian), the way BGAPI carries it in discovery events.
type UUID []byte

// Parse parses a UUID from its printed big-endian hex form, with or
// without dashes, e.g. "180d" or "0000180d-0000-1000-8000-00805f9b34fb".
func Parse(s string) (UUID, error) {
	s = strings.Replace(s, "-", "", -1)
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, err
	}
	switch len(b) {
	case 2, 4, 16:
	default:
		return nil, fmt.Errorf("uuid: invalid length %d", len(b))
	}
	return UUID(reversed(b)), nil
}

// MustParse parses a UUID and panics if it is invalid. For constants.
func MustParse(s string) UUID {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// String prints the UUID big endian, uppercase, no dashes.
func (u UUID) String() string {
	return strings.ToUpper(hex.EncodeToString(reversed(u)))
}

// Equal reports byte equality.
func (u UUID) Equal(v UUID) bool {
	if len(u) != len(v) {
		return false
	}
	for i := range u {
		if u[i] != v[i] {
			return false
		}
	}
	return true
}

func reversed(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}
	return out
}
