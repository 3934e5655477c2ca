package ncp

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	aqua "github.com/jnorth314/Aquamarine"
	"github.com/jnorth314/Aquamarine/bgapi"
	"github.com/jnorth314/Aquamarine/bgapi/cmd"
	"github.com/jnorth314/Aquamarine/bgapi/evt"
)

// advConnectable is the bit in the report's event flags marking the
// advertiser as connectable.
const advConnectable = 0x01

// advertisement adapts one scanner report to the Advertisement interface.
type advertisement struct {
	addr        aqua.Addr
	addrType    uint8
	rssi        int
	connectable bool
	data        []byte
}

func newAdvertisement(e evt.ScannerLegacyAdvertisementReport) *advertisement {
	a := e.Address()
	return &advertisement{
		addr:        aqua.AddrFromBytes(a[:]),
		addrType:    e.AddressType(),
		rssi:        int(e.RSSI()),
		connectable: e.EventFlags()&advConnectable != 0,
		data:        append([]byte(nil), e.Data()...),
	}
}

func (a *advertisement) Addr() aqua.Addr   { return a.addr }
func (a *advertisement) AddrType() uint8   { return a.addrType }
func (a *advertisement) RSSI() int         { return a.rssi }
func (a *advertisement) Connectable() bool { return a.connectable }
func (a *advertisement) Data() []byte      { return a.data }

func (a *advertisement) ToMap() map[string]interface{} {
	return map[string]interface{}{
		aqua.AdvertisementMapKeys.MAC:         a.addr.String(),
		aqua.AdvertisementMapKeys.AddrType:    a.addrType,
		aqua.AdvertisementMapKeys.RSSI:        a.rssi,
		aqua.AdvertisementMapKeys.Connectable: a.connectable,
		aqua.AdvertisementMapKeys.Data:        a.data,
	}
}

// Scan runs discovery until ctx ends, delivering every report to handler.
// Only one scan may run at a time.
func (d *Device) Scan(ctx context.Context, handler aqua.AdvHandler) error {
	return d.ScanFiltered(ctx, handler, nil)
}

// ScanFiltered is Scan with reports gated by filter; a nil filter passes
// everything.
func (d *Device) ScanFiltered(ctx context.Context, handler aqua.AdvHandler, filter aqua.AdvFilter) error {
	d.muScan.Lock()
	if d.scanning {
		d.muScan.Unlock()
		return errors.Wrap(aqua.ErrInvalidState, "scan already running")
	}
	d.scanning = true
	d.muScan.Unlock()

	defer func() {
		d.muScan.Lock()
		d.scanning = false
		d.muScan.Unlock()
	}()

	advOp := bgapi.NewOpcode(bgapi.ClassScanner, bgapi.EvtScannerLegacyAdvertisementReport)
	sub := d.Subscribe(func(f bgapi.Frame) bool { return f.Opcode() == advOp })
	defer sub.Cancel()

	rsp := cmd.ScannerStartResponse{}
	start := cmd.ScannerStart{ScanningPHY: bgapi.ScanPhy1M, DiscoverMode: bgapi.DiscoverGeneric}
	if err := d.SendContext(ctx, &start, &rsp); err != nil {
		return errors.Wrap(err, "can't start scanner")
	}

	defer func() {
		if err := d.Send(&cmd.ScannerStop{}, &cmd.ScannerStopResponse{}); err != nil {
			d.log.Debugf("scanner stop: %v", err)
		}
	}()

	for {
		select {
		case f, ok := <-sub.Events():
			if !ok {
				return d.closedErr()
			}

			e := evt.ScannerLegacyAdvertisementReport(f.Payload)
			if !e.Valid() {
				d.log.Debugf("dropping invalid advertisement: % x", f.Payload)
				continue
			}

			a := newAdvertisement(e)
			if filter != nil && !filter(a) {
				continue
			}

			if d.advHandlerSync {
				handler(a)
			} else {
				go handler(a)
			}

		case <-ctx.Done():
			return nil

		case <-d.done:
			return d.closedErr()
		}
	}
}

// DeviceInfo is the latest sighting of one advertiser.
type DeviceInfo struct {
	Addr        aqua.Addr
	AddrType    uint8
	RSSI        int
	Connectable bool
	Data        []byte
	LastSeen    time.Time
}

// ScanRegistry deduplicates scan reports by address, keeping the most
// recent sighting of each advertiser.
type ScanRegistry struct {
	mu      sync.Mutex
	devices map[string]*DeviceInfo
}

func NewScanRegistry() *ScanRegistry {
	return &ScanRegistry{devices: make(map[string]*DeviceInfo)}
}

// Observe folds one advertisement into the registry and reports whether
// the advertiser is new.
func (r *ScanRegistry) Observe(a aqua.Advertisement) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := a.Addr().String()
	_, seen := r.devices[key]

	r.devices[key] = &DeviceInfo{
		Addr:        a.Addr(),
		AddrType:    a.AddrType(),
		RSSI:        a.RSSI(),
		Connectable: a.Connectable(),
		Data:        append([]byte(nil), a.Data()...),
		LastSeen:    time.Now(),
	}

	return !seen
}

// Devices returns a snapshot of every advertiser seen so far.
func (r *ScanRegistry) Devices() []*DeviceInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*DeviceInfo, 0, len(r.devices))
	for _, di := range r.devices {
		cp := *di
		out = append(out, &cp)
	}
	return out
}

// Lookup returns the latest sighting of addr, if any.
func (r *ScanRegistry) Lookup(addr aqua.Addr) (*DeviceInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	di, ok := r.devices[addr.String()]
	if !ok {
		return nil, false
	}
	cp := *di
	return &cp, true
}
