package aqua

// Property is the characteristic property bitfield from the GATT
// characteristic declaration.
type Property uint8

const (
	CharBroadcast Property = 0x01
	CharRead      Property = 0x02
	CharWriteNR   Property = 0x04
	CharWrite     Property = 0x08
	CharNotify    Property = 0x10
	CharIndicate  Property = 0x20
)

// String returns the compact property flag form, e.g. "RWN".
func (p Property) String() string {
	var s string
	for _, f := range []struct {
		p Property
		c string
	}{
		{CharBroadcast, "B"},
		{CharRead, "R"},
		{CharWriteNR, "w"},
		{CharWrite, "W"},
		{CharNotify, "N"},
		{CharIndicate, "I"},
	} {
		if p&f.p != 0 {
			s += f.c
		}
	}
	return s
}

// Service is one discovered GATT service. Services and their
// characteristics are immutable after discovery; re-discovery replaces the
// whole set.
type Service struct {
	UUID            UUID              `json:"uuid"`
	Handle          uint32            `json:"handle"`
	Characteristics []*Characteristic `json:"characteristics"`
}

// Characteristic is one discovered GATT characteristic.
type Characteristic struct {
	UUID       UUID     `json:"uuid"`
	Handle     uint16   `json:"handle"`
	Properties Property `json:"properties"`
}

// Profile is the full discovered GATT database of one peer.
type Profile struct {
	Services []*Service `json:"services"`
}

// FindService returns the service with the given UUID, or nil.
func (p Profile) FindService(u UUID) *Service {
	for _, s := range p.Services {
		if s.UUID.Equal(u) {
			return s
		}
	}
	return nil
}

// FindCharacteristic returns the characteristic with the given UUID across
// all services, or nil.
func (p Profile) FindCharacteristic(u UUID) *Characteristic {
	for _, s := range p.Services {
		for _, c := range s.Characteristics {
			if c.UUID.Equal(u) {
				return c
			}
		}
	}
	return nil
}

// Advertisement is one scan report from the radio. The payload is kept
// opaque; interpreting AD structures is up to the consumer.
type Advertisement interface {
	Addr() Addr
	AddrType() uint8
	RSSI() int
	Connectable() bool
	Data() []byte

	ToMap() map[string]interface{}
}

// AdvHandler handles one advertisement.
type AdvHandler func(a Advertisement)

// AdvFilter returns true if the advertisement matches the condition.
type AdvFilter func(a Advertisement) bool

var AdvertisementMapKeys = struct {
	MAC         string
	AddrType    string
	RSSI        string
	Connectable string
	Data        string
}{
	MAC:         "mac",
	AddrType:    "addrType",
	RSSI:        "rssi",
	Connectable: "connectable",
	Data:        "data",
}

// Notification is one characteristic value change pushed by the peer.
type Notification struct {
	Connection     uint8  `json:"connection"`
	Characteristic uint16 `json:"characteristic"`
	Value          []byte `json:"value"`
	// Indicated is true when the value arrived as an indication (confirmed
	// by the stack) rather than a notification.
	Indicated bool `json:"indicated"`
}

// ProfileCache persists discovered GATT databases between runs.
type ProfileCache interface {
	Store(Addr, Profile, bool) error
	Load(Addr) (Profile, error)
	Clear() error
}
