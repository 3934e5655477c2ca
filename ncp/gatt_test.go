package ncp

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/pkg/errors"

	aqua "github.com/jnorth314/Aquamarine"
	"github.com/jnorth314/Aquamarine/bgapi"
)

func servicePayload(handle uint8, service uint32, uuid []byte) []byte {
	p := make([]byte, 6, 6+len(uuid))
	p[0] = handle
	binary.LittleEndian.PutUint32(p[1:], service)
	p[5] = byte(len(uuid))
	return append(p, uuid...)
}

func characteristicPayload(handle uint8, char uint16, props uint8, uuid []byte) []byte {
	p := make([]byte, 5, 5+len(uuid))
	p[0] = handle
	binary.LittleEndian.PutUint16(p[1:], char)
	p[3] = props
	p[4] = byte(len(uuid))
	return append(p, uuid...)
}

func valuePayload(handle uint8, char uint16, attOpcode uint8, offset uint16, value []byte) []byte {
	p := make([]byte, 7, 7+len(value))
	p[0] = handle
	binary.LittleEndian.PutUint16(p[1:], char)
	p[3] = attOpcode
	binary.LittleEndian.PutUint16(p[4:], offset)
	p[6] = byte(len(value))
	return append(p, value...)
}

func completedPayload(handle uint8, result uint16) []byte {
	return []byte{handle, byte(result), byte(result >> 8)}
}

// installGattScript gives the fake module a two-service database: battery
// (one readable characteristic) and a vendor service (one notifying
// characteristic).
func installGattScript(m *fakeModule, handle uint8) {
	m.handle(bgapi.ClassGatt, bgapi.CmdGattDiscoverPrimaryServices, func(f bgapi.Frame) {
		m.respond(f, 0)
		m.event(bgapi.ClassGatt, bgapi.EvtGattService, servicePayload(handle, 1, []byte{0x0f, 0x18}))
		m.event(bgapi.ClassGatt, bgapi.EvtGattService, servicePayload(handle, 2, []byte{0x01, 0xff}))
		m.event(bgapi.ClassGatt, bgapi.EvtGattProcedureCompleted, completedPayload(handle, 0))
	})

	m.handle(bgapi.ClassGatt, bgapi.CmdGattDiscoverCharacteristics, func(f bgapi.Frame) {
		service := binary.LittleEndian.Uint32(f.Payload[1:])
		m.respond(f, 0)
		switch service {
		case 1:
			m.event(bgapi.ClassGatt, bgapi.EvtGattCharacteristic,
				characteristicPayload(handle, 0x10, uint8(aqua.CharRead), []byte{0x19, 0x2a}))
		case 2:
			m.event(bgapi.ClassGatt, bgapi.EvtGattCharacteristic,
				characteristicPayload(handle, 0x20, uint8(aqua.CharNotify|aqua.CharIndicate|aqua.CharWrite), []byte{0x02, 0xff}))
		}
		m.event(bgapi.ClassGatt, bgapi.EvtGattProcedureCompleted, completedPayload(handle, 0))
	})

	m.handle(bgapi.ClassGatt, bgapi.CmdGattReadCharacteristicValue, func(f bgapi.Frame) {
		char := binary.LittleEndian.Uint16(f.Payload[1:])
		m.respond(f, 0)
		m.event(bgapi.ClassGatt, bgapi.EvtGattCharacteristicValue,
			valuePayload(handle, char, 0x0b, 0, []byte{0x64}))
		m.event(bgapi.ClassGatt, bgapi.EvtGattProcedureCompleted, completedPayload(handle, 0))
	})

	m.handle(bgapi.ClassGatt, bgapi.CmdGattWriteCharacteristicValue, func(f bgapi.Frame) {
		m.respond(f, 0)
		m.event(bgapi.ClassGatt, bgapi.EvtGattProcedureCompleted, completedPayload(handle, 0))
	})

	m.handle(bgapi.ClassGatt, bgapi.CmdGattSetCharacteristicNotification, func(f bgapi.Frame) {
		m.respond(f, 0)
		m.event(bgapi.ClassGatt, bgapi.EvtGattProcedureCompleted, completedPayload(handle, 0))
	})

	m.handle(bgapi.ClassGatt, bgapi.CmdGattSendCharacteristicConfirmation, func(f bgapi.Frame) {
		m.respond(f, 0)
	})
}

func connectForGatt(t *testing.T) (*Conn, *fakeModule) {
	t.Helper()

	d, m := newTestDevice(t)
	installConnScript(m, 1)
	installGattScript(m, 1)

	c, err := d.Connect(context.Background(), peerAddr, 0)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return c, m
}

func TestDiscoverServices(t *testing.T) {
	c, _ := connectForGatt(t)

	services, err := c.DiscoverServices(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if len(services) != 2 {
		t.Fatalf("%d services, want 2", len(services))
	}
	if services[0].UUID.String() != "180F" {
		t.Fatalf("uuid %s", services[0].UUID)
	}
	if services[0].Handle != 1 || services[1].Handle != 2 {
		t.Fatalf("handles %d %d", services[0].Handle, services[1].Handle)
	}
}

func TestDiscoverCharacteristics(t *testing.T) {
	c, _ := connectForGatt(t)

	if _, err := c.DiscoverServices(context.Background()); err != nil {
		t.Fatal(err)
	}

	chars, err := c.DiscoverCharacteristics(context.Background(), 2)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if len(chars) != 1 {
		t.Fatalf("%d characteristics, want 1", len(chars))
	}
	if chars[0].Handle != 0x20 {
		t.Fatalf("handle 0x%x", chars[0].Handle)
	}
	if chars[0].Properties&aqua.CharNotify == 0 {
		t.Fatalf("properties %s", chars[0].Properties)
	}

	// attached to the cached service
	p := c.Profile()
	s := p.FindService(aqua.MustParse("FF01"))
	if s == nil || len(s.Characteristics) != 1 {
		t.Fatalf("characteristics not attached: %+v", s)
	}
}

func TestDiscoverProfile(t *testing.T) {
	c, _ := connectForGatt(t)

	profile, err := c.DiscoverProfile(context.Background())
	if err != nil {
		t.Fatalf("discover: %v", err)
	}

	if len(profile.Services) != 2 {
		t.Fatalf("%d services", len(profile.Services))
	}
	ch := profile.FindCharacteristic(aqua.MustParse("2A19"))
	if ch == nil || ch.Handle != 0x10 {
		t.Fatalf("battery level not found: %+v", ch)
	}
}

func TestRead(t *testing.T) {
	c, _ := connectForGatt(t)

	value, err := c.Read(context.Background(), 0x10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(value, []byte{0x64}) {
		t.Fatalf("value % x", value)
	}
}

func TestReadReassemblesFragments(t *testing.T) {
	c, m := connectForGatt(t)

	m.handle(bgapi.ClassGatt, bgapi.CmdGattReadCharacteristicValue, func(f bgapi.Frame) {
		char := binary.LittleEndian.Uint16(f.Payload[1:])
		m.respond(f, 0)
		m.event(bgapi.ClassGatt, bgapi.EvtGattCharacteristicValue,
			valuePayload(1, char, 0x0b, 0, []byte("hello ")))
		m.event(bgapi.ClassGatt, bgapi.EvtGattCharacteristicValue,
			valuePayload(1, char, 0x0d, 6, []byte("world")))
		m.event(bgapi.ClassGatt, bgapi.EvtGattProcedureCompleted, completedPayload(1, 0))
	})

	value, err := c.Read(context.Background(), 0x10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(value) != "hello world" {
		t.Fatalf("value %q", value)
	}
}

func TestWrite(t *testing.T) {
	c, m := connectForGatt(t)

	if err := c.Write(context.Background(), 0x20, []byte{0xde, 0xad}); err != nil {
		t.Fatalf("write: %v", err)
	}

	for _, f := range m.writtenFrames() {
		if f.Class == bgapi.ClassGatt && f.Command == bgapi.CmdGattWriteCharacteristicValue {
			want := []byte{1, 0x20, 0x00, 2, 0xde, 0xad}
			if !bytes.Equal(f.Payload, want) {
				t.Fatalf("payload % x, want % x", f.Payload, want)
			}
			return
		}
	}
	t.Fatal("no write command reached the module")
}

func TestWriteCommandSkipsProcedure(t *testing.T) {
	c, m := connectForGatt(t)

	// hold the procedure slot; the unacknowledged write must not need it
	if err := c.acquireProcedure(); err != nil {
		t.Fatal(err)
	}
	defer c.releaseProcedure()

	if err := c.WriteCommand(context.Background(), 0x20, []byte{0x01}); err != nil {
		t.Fatalf("write command: %v", err)
	}

	if n := m.countWritten(bgapi.ClassGatt, bgapi.CmdGattWriteCharacteristicValueNoRsp); n != 1 {
		t.Fatalf("%d unacknowledged writes", n)
	}
}

func TestProcedureInProgressFailsFast(t *testing.T) {
	c, m := connectForGatt(t)

	if err := c.acquireProcedure(); err != nil {
		t.Fatal(err)
	}
	defer c.releaseProcedure()

	before := len(m.writtenFrames())

	if _, err := c.DiscoverServices(context.Background()); !errors.Is(err, aqua.ErrProcedureInProgress) {
		t.Fatalf("got %v, want ErrProcedureInProgress", err)
	}

	// rejected before anything reached the wire
	if after := len(m.writtenFrames()); after != before {
		t.Fatalf("%d frames written during rejected procedure", after-before)
	}
}

func TestProcedureCompletedWithError(t *testing.T) {
	c, m := connectForGatt(t)

	m.handle(bgapi.ClassGatt, bgapi.CmdGattReadCharacteristicValue, func(f bgapi.Frame) {
		m.respond(f, 0)
		m.event(bgapi.ClassGatt, bgapi.EvtGattProcedureCompleted, completedPayload(1, 0x0401))
	})

	_, err := c.Read(context.Background(), 0x10)

	var se aqua.StatusError
	if !errors.As(err, &se) || uint16(se) != 0x0401 {
		t.Fatalf("got %v, want status 0x0401", err)
	}

	// slot free again for the next procedure
	if _, err := c.DiscoverServices(context.Background()); err != nil {
		t.Fatalf("discover after failed read: %v", err)
	}
}

func TestProcedureTimeout(t *testing.T) {
	c, m := connectForGatt(t)

	// accepted but never completed
	m.handle(bgapi.ClassGatt, bgapi.CmdGattReadCharacteristicValue, func(f bgapi.Frame) {
		m.respond(f, 0)
	})

	if _, err := c.Read(context.Background(), 0x10); !errors.Is(err, aqua.ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
}

func TestSubscribeNotifications(t *testing.T) {
	c, m := connectForGatt(t)

	n, err := c.Subscribe(context.Background(), 0x20, false)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	m.event(bgapi.ClassGatt, bgapi.EvtGattCharacteristicValue,
		valuePayload(1, 0x20, bgapi.AttOpcodeHandleValueNotification, 0, []byte{0x2a}))

	select {
	case got := <-n.C():
		if got.Characteristic != 0x20 || got.Indicated || !bytes.Equal(got.Value, []byte{0x2a}) {
			t.Fatalf("notification %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no notification delivered")
	}

	if err := n.Unsubscribe(context.Background()); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	if _, ok := <-n.C(); ok {
		t.Fatal("stream still open after unsubscribe")
	}

	// enable + disable both reached the module
	if got := m.countWritten(bgapi.ClassGatt, bgapi.CmdGattSetCharacteristicNotification); got != 2 {
		t.Fatalf("%d configuration writes, want 2", got)
	}
}

func TestIndicationAutoConfirmed(t *testing.T) {
	c, m := connectForGatt(t)

	n, err := c.Subscribe(context.Background(), 0x20, true)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer n.Unsubscribe(context.Background())

	m.event(bgapi.ClassGatt, bgapi.EvtGattCharacteristicValue,
		valuePayload(1, 0x20, bgapi.AttOpcodeHandleValueIndication, 0, []byte{0x07}))

	select {
	case got := <-n.C():
		if !got.Indicated {
			t.Fatalf("notification %+v not marked indicated", got)
		}
	case <-time.After(time.Second):
		t.Fatal("no indication delivered")
	}

	deadline := time.After(time.Second)
	for m.countWritten(bgapi.ClassGatt, bgapi.CmdGattSendCharacteristicConfirmation) == 0 {
		select {
		case <-deadline:
			t.Fatal("indication never confirmed")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDoubleSubscribeRejected(t *testing.T) {
	c, _ := connectForGatt(t)

	n, err := c.Subscribe(context.Background(), 0x20, false)
	if err != nil {
		t.Fatal(err)
	}
	defer n.Unsubscribe(context.Background())

	if _, err := c.Subscribe(context.Background(), 0x20, false); !errors.Is(err, aqua.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}
