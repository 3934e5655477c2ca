package ncp

import (
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	aqua "github.com/jnorth314/Aquamarine"
	"github.com/jnorth314/Aquamarine/bgapi"
)

// fakeModule emulates an NCP module behind an in-memory byte stream.
// Command handlers run synchronously inside Write and queue whatever
// frames the module should send back.
type fakeModule struct {
	tbl *bgapi.Table

	mu       sync.Mutex
	pending  []byte
	rxSignal chan struct{}

	closeOnce sync.Once
	closed    chan struct{}

	buf []byte

	handlers map[bgapi.Opcode]func(f bgapi.Frame)

	written        []bgapi.Frame
	outstanding    int
	maxOutstanding int
}

func newFakeModule() *fakeModule {
	return &fakeModule{
		tbl:      bgapi.DefaultTable(),
		rxSignal: make(chan struct{}, 1),
		closed:   make(chan struct{}),
		handlers: make(map[bgapi.Opcode]func(f bgapi.Frame)),
	}
}

func (m *fakeModule) handle(class, command uint8, fn func(f bgapi.Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[bgapi.NewOpcode(class, command)] = fn
}

func (m *fakeModule) Read(p []byte) (int, error) {
	for {
		m.mu.Lock()
		if len(m.pending) > 0 {
			n := copy(p, m.pending)
			m.pending = m.pending[n:]
			m.mu.Unlock()
			return n, nil
		}
		m.mu.Unlock()

		select {
		case <-m.rxSignal:
		case <-m.closed:
			return 0, io.EOF
		}
	}
}

func (m *fakeModule) Write(p []byte) (int, error) {
	select {
	case <-m.closed:
		return 0, io.ErrClosedPipe
	default:
	}

	m.mu.Lock()
	m.buf = append(m.buf, p...)

	var ready []bgapi.Frame
	for {
		f, n, err := bgapi.Decode(m.buf, m.tbl)
		if err != nil {
			break
		}
		m.buf = m.buf[n:]
		m.written = append(m.written, f)
		if m.tbl.ReplyExpected(f.Opcode()) {
			m.outstanding++
			if m.outstanding > m.maxOutstanding {
				m.maxOutstanding = m.outstanding
			}
		}
		ready = append(ready, f)
	}

	hh := make([]func(f bgapi.Frame), len(ready))
	for i, f := range ready {
		hh[i] = m.handlers[f.Opcode()]
	}
	m.mu.Unlock()

	for i, h := range hh {
		if h != nil {
			h(ready[i])
		}
	}

	return len(p), nil
}

func (m *fakeModule) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// emit queues one module-to-host frame.
func (m *fakeModule) emit(f bgapi.Frame) {
	b, err := bgapi.Marshal(f)
	if err != nil {
		panic(err)
	}

	m.mu.Lock()
	if !f.Event {
		m.outstanding--
	}
	m.pending = append(m.pending, b...)
	m.mu.Unlock()

	select {
	case m.rxSignal <- struct{}{}:
	default:
	}
}

// respond answers a command with a payload led by the result word.
func (m *fakeModule) respond(f bgapi.Frame, result uint16, extra ...byte) {
	payload := make([]byte, 2, 2+len(extra))
	binary.LittleEndian.PutUint16(payload, result)
	payload = append(payload, extra...)
	m.emit(bgapi.Frame{Class: f.Class, Command: f.Command, Payload: payload})
}

// event queues one unsolicited event.
func (m *fakeModule) event(class, command uint8, payload []byte) {
	m.emit(bgapi.Frame{Event: true, Class: class, Command: command, Payload: payload})
}

func (m *fakeModule) writtenFrames() []bgapi.Frame {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bgapi.Frame, len(m.written))
	copy(out, m.written)
	return out
}

func (m *fakeModule) countWritten(class, command uint8) int {
	n := 0
	for _, f := range m.writtenFrames() {
		if f.Class == class && f.Command == command {
			n++
		}
	}
	return n
}

func bootPayload() []byte {
	p := make([]byte, 18)
	binary.LittleEndian.PutUint16(p, 4)     // major
	binary.LittleEndian.PutUint16(p[2:], 2) // minor
	return p
}

// installBootScript wires the handlers Init needs: reset answered by a
// boot event, hello and identity address answered normally.
func (m *fakeModule) installBootScript(addr [6]byte) {
	m.handle(bgapi.ClassSystem, bgapi.CmdSystemReset, func(f bgapi.Frame) {
		m.event(bgapi.ClassSystem, bgapi.EvtSystemBoot, bootPayload())
	})
	m.handle(bgapi.ClassSystem, bgapi.CmdSystemHello, func(f bgapi.Frame) {
		m.respond(f, 0)
	})
	m.handle(bgapi.ClassSystem, bgapi.CmdSystemGetIdentityAddress, func(f bgapi.Frame) {
		extra := append(append([]byte(nil), addr[:]...), 0)
		m.respond(f, 0, extra...)
	})
}

var testAddr = [6]byte{0x66, 0x55, 0x44, 0x33, 0x22, 0x11}

// newTestDevice boots a device against a fresh fake module.
func newTestDevice(t *testing.T, opts ...aqua.Option) (*Device, *fakeModule) {
	t.Helper()

	m := newFakeModule()
	m.installBootScript(testAddr)

	all := append([]aqua.Option{
		aqua.OptTransportRWC(m),
		aqua.OptCommandTimeout(500 * time.Millisecond),
		aqua.OptProcedureTimeout(time.Second),
		aqua.OptConnectTimeout(500 * time.Millisecond),
		aqua.OptBootTimeout(500 * time.Millisecond),
	}, opts...)

	d, err := NewDevice(all...)
	if err != nil {
		t.Fatalf("can't create device: %v", err)
	}
	if err := d.Init(); err != nil {
		t.Fatalf("can't init device: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	return d, m
}
