package ncp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	aqua "github.com/jnorth314/Aquamarine"
	"github.com/jnorth314/Aquamarine/bgapi"
)

func advPayload(addr aqua.Addr, addrType uint8, rssi int8, flags uint8, data []byte) []byte {
	p := make([]byte, 11, 11+len(data))
	p[0] = byte(rssi)
	p[1] = flags
	copy(p[2:8], addr.Bytes())
	p[8] = addrType
	p[10] = byte(len(data))
	return append(p, data...)
}

// installScanScript accepts scanner start/stop and replays the given
// advertisement a few times once the scan is running.
func installScanScript(m *fakeModule, payloads ...[]byte) {
	m.handle(bgapi.ClassScanner, bgapi.CmdScannerStart, func(f bgapi.Frame) {
		m.respond(f, 0)
		for _, p := range payloads {
			m.event(bgapi.ClassScanner, bgapi.EvtScannerLegacyAdvertisementReport, p)
		}
	})
	m.handle(bgapi.ClassScanner, bgapi.CmdScannerStop, func(f bgapi.Frame) {
		m.respond(f, 0)
	})
}

func TestScanDeliversAdvertisements(t *testing.T) {
	d, m := newTestDevice(t, aqua.OptAdvHandlerSync(true))
	installScanScript(m,
		advPayload(peerAddr, 1, -42, advConnectable, []byte{0x02, 0x01, 0x06}),
	)

	ctx, cancel := context.WithCancel(context.Background())

	var mu sync.Mutex
	var seen []aqua.Advertisement
	err := d.Scan(ctx, func(a aqua.Advertisement) {
		mu.Lock()
		seen = append(seen, a)
		mu.Unlock()
		cancel()
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 {
		t.Fatal("no advertisement delivered")
	}

	a := seen[0]
	if a.Addr().String() != peerAddr.String() {
		t.Fatalf("addr %v", a.Addr())
	}
	if a.RSSI() != -42 {
		t.Fatalf("rssi %d", a.RSSI())
	}
	if !a.Connectable() {
		t.Fatal("connectable flag lost")
	}
	if a.AddrType() != 1 {
		t.Fatalf("addr type %d", a.AddrType())
	}

	mm := a.ToMap()
	if mm[aqua.AdvertisementMapKeys.MAC] != peerAddr.String() {
		t.Fatalf("map %+v", mm)
	}

	// scanner must have been stopped on the way out
	if n := m.countWritten(bgapi.ClassScanner, bgapi.CmdScannerStop); n != 1 {
		t.Fatalf("%d scanner stops", n)
	}
}

func TestScanFilter(t *testing.T) {
	other := aqua.NewAddr("00:11:22:33:44:55")

	d, m := newTestDevice(t, aqua.OptAdvHandlerSync(true))
	installScanScript(m,
		advPayload(other, 0, -60, 0, nil),
		advPayload(peerAddr, 0, -50, advConnectable, nil),
	)

	ctx, cancel := context.WithCancel(context.Background())

	var got aqua.Advertisement
	err := d.ScanFiltered(ctx, func(a aqua.Advertisement) {
		got = a
		cancel()
	}, func(a aqua.Advertisement) bool {
		return a.Addr().String() == peerAddr.String()
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}

	if got == nil || got.Addr().String() != peerAddr.String() {
		t.Fatalf("filter let through %v", got)
	}
}

func TestScanRejectsConcurrentScan(t *testing.T) {
	d, m := newTestDevice(t)
	installScanScript(m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		close(started)
		done <- d.Scan(ctx, func(a aqua.Advertisement) {})
	}()

	<-started
	time.Sleep(20 * time.Millisecond)

	if err := d.Scan(ctx, func(a aqua.Advertisement) {}); !errors.Is(err, aqua.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("first scan: %v", err)
	}
}

func TestScanRegistryDeduplicates(t *testing.T) {
	r := NewScanRegistry()

	first := &advertisement{addr: peerAddr, rssi: -50, connectable: true}
	again := &advertisement{addr: peerAddr, rssi: -44, connectable: true}
	other := &advertisement{addr: aqua.NewAddr("00:11:22:33:44:55"), rssi: -70}

	if !r.Observe(first) {
		t.Fatal("first sighting not reported as new")
	}
	if r.Observe(again) {
		t.Fatal("second sighting reported as new")
	}
	if !r.Observe(other) {
		t.Fatal("other device not reported as new")
	}

	if n := len(r.Devices()); n != 2 {
		t.Fatalf("%d devices, want 2", n)
	}

	di, ok := r.Lookup(peerAddr)
	if !ok {
		t.Fatal("lookup failed")
	}
	if di.RSSI != -44 {
		t.Fatalf("rssi %d, want the latest", di.RSSI)
	}
	if di.LastSeen.IsZero() {
		t.Fatal("last seen not stamped")
	}
}
