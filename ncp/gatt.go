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

// acquireProcedure claims the connection's procedure slot without
// blocking. The module runs one GATT procedure per connection; a second
// submission fails fast instead of queueing behind the first.
func (c *Conn) acquireProcedure() error {
	select {
	case <-c.proc:
		return nil
	default:
		return errors.Wrapf(aqua.ErrProcedureInProgress, "connection %d", c.handle)
	}
}

func (c *Conn) releaseProcedure() {
	select {
	case c.proc <- struct{}{}:
	default:
	}
}

// runProcedure submits command and feeds every GATT event for this
// connection to each until the procedure completed event arrives. A
// non-zero completion result surfaces as a status error.
func (c *Conn) runProcedure(ctx context.Context, command Command, each func(f bgapi.Frame)) error {
	if err := c.ready(); err != nil {
		return err
	}

	if err := c.acquireProcedure(); err != nil {
		return err
	}
	defer c.releaseProcedure()

	sub := c.d.Subscribe(func(f bgapi.Frame) bool {
		return f.IsEvent() && f.Class == bgapi.ClassGatt &&
			len(f.Payload) > 0 && f.Payload[0] == c.handle
	})
	defer sub.Cancel()

	if err := c.d.SendContext(ctx, command, &cmd.Result{}); err != nil {
		return err
	}

	deadline := time.After(c.d.procTimeout)
	for {
		select {
		case f, ok := <-sub.Events():
			if !ok {
				return c.d.closedErr()
			}

			if f.Command == bgapi.EvtGattProcedureCompleted {
				e := evt.GattProcedureCompleted(f.Payload)
				if r := e.Result(); r != 0 {
					return aqua.StatusError(r)
				}
				return nil
			}

			if each != nil {
				each(f)
			}

		case <-deadline:
			return errors.Wrapf(aqua.ErrTimeout, "procedure on connection %d", c.handle)

		case <-ctx.Done():
			return ctx.Err()

		case <-c.closed:
			return errors.Wrapf(aqua.ErrStaleHandle, "connection %d closed mid-procedure", c.handle)

		case <-c.d.done:
			return c.d.closedErr()
		}
	}
}

// DiscoverServices walks the peer's primary services and replaces the
// connection's cached service list.
func (c *Conn) DiscoverServices(ctx context.Context) ([]*aqua.Service, error) {
	var services []*aqua.Service

	err := c.runProcedure(ctx, &cmd.GattDiscoverPrimaryServices{Connection: c.handle}, func(f bgapi.Frame) {
		if f.Command != bgapi.EvtGattService {
			return
		}
		e := evt.GattService(f.Payload)
		if !e.Valid() {
			c.d.log.Debugf("dropping invalid service event: % x", f.Payload)
			return
		}
		services = append(services, &aqua.Service{
			UUID:   aqua.UUID(append([]byte(nil), e.UUID()...)),
			Handle: e.Service(),
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "service discovery")
	}

	c.mu.Lock()
	c.services = services
	c.mu.Unlock()

	return c.Services(), nil
}

// DiscoverCharacteristics walks one service's characteristics and attaches
// them to the cached service.
func (c *Conn) DiscoverCharacteristics(ctx context.Context, service uint32) ([]*aqua.Characteristic, error) {
	var chars []*aqua.Characteristic

	dc := &cmd.GattDiscoverCharacteristics{Connection: c.handle, Service: service}
	err := c.runProcedure(ctx, dc, func(f bgapi.Frame) {
		if f.Command != bgapi.EvtGattCharacteristic {
			return
		}
		e := evt.GattCharacteristic(f.Payload)
		if !e.Valid() {
			c.d.log.Debugf("dropping invalid characteristic event: % x", f.Payload)
			return
		}
		chars = append(chars, &aqua.Characteristic{
			UUID:       aqua.UUID(append([]byte(nil), e.UUID()...)),
			Handle:     e.Characteristic(),
			Properties: aqua.Property(e.Properties()),
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "characteristic discovery")
	}

	c.mu.Lock()
	for _, s := range c.services {
		if s.Handle == service {
			s.Characteristics = chars
			break
		}
	}
	c.mu.Unlock()

	return chars, nil
}

// DiscoverProfile discovers all services and their characteristics.
func (c *Conn) DiscoverProfile(ctx context.Context) (aqua.Profile, error) {
	services, err := c.DiscoverServices(ctx)
	if err != nil {
		return aqua.Profile{}, err
	}

	for _, s := range services {
		if _, err := c.DiscoverCharacteristics(ctx, s.Handle); err != nil {
			return aqua.Profile{}, err
		}
	}

	return c.Profile(), nil
}

// Read reads a characteristic value. Long values arrive in offset-tagged
// fragments and are reassembled in order.
func (c *Conn) Read(ctx context.Context, characteristic uint16) ([]byte, error) {
	var value []byte

	rc := &cmd.GattReadCharacteristicValue{Connection: c.handle, Characteristic: characteristic}
	err := c.runProcedure(ctx, rc, func(f bgapi.Frame) {
		if f.Command != bgapi.EvtGattCharacteristicValue {
			return
		}
		e := evt.GattCharacteristicValue(f.Payload)
		if !e.Valid() || e.Characteristic() != characteristic {
			return
		}
		switch e.AttOpcode() {
		case bgapi.AttOpcodeHandleValueNotification, bgapi.AttOpcodeHandleValueIndication:
			// unsolicited push for some other consumer, not our read data
			return
		}

		if int(e.Offset()) != len(value) {
			c.d.log.Warnf("read fragment at offset %d, have %d bytes", e.Offset(), len(value))
			return
		}
		value = append(value, e.Value()...)
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read of characteristic %d", characteristic)
	}

	return value, nil
}

// Write writes a characteristic value with acknowledgement.
func (c *Conn) Write(ctx context.Context, characteristic uint16, value []byte) error {
	wc := &cmd.GattWriteCharacteristicValue{
		Connection:     c.handle,
		Characteristic: characteristic,
		Value:          value,
	}
	if err := c.runProcedure(ctx, wc, nil); err != nil {
		return errors.Wrapf(err, "write of characteristic %d", characteristic)
	}
	return nil
}

// WriteCommand writes without acknowledgement. No procedure runs; the
// call returns once the frame is flushed.
func (c *Conn) WriteCommand(ctx context.Context, characteristic uint16, value []byte) error {
	if err := c.ready(); err != nil {
		return err
	}

	wc := &cmd.GattWriteCharacteristicValueNoRsp{
		Connection:     c.handle,
		Characteristic: characteristic,
		Value:          value,
	}
	if err := c.d.SendContext(ctx, wc, nil); err != nil {
		return errors.Wrapf(err, "unacknowledged write of characteristic %d", characteristic)
	}
	return nil
}

// Notifications is a stream of value changes pushed by the peer for one
// characteristic. The stream ends on Unsubscribe or when the connection
// closes.
type Notifications struct {
	conn           *Conn
	characteristic uint16
	ch             chan aqua.Notification
	once           sync.Once
}

// C is the delivery channel. It closes when the stream ends.
func (n *Notifications) C() <-chan aqua.Notification { return n.ch }

func (n *Notifications) stop() {
	n.once.Do(func() { close(n.ch) })
}

// Unsubscribe disables the characteristic's client configuration and ends
// the stream.
func (n *Notifications) Unsubscribe(ctx context.Context) error {
	c := n.conn

	c.muNotif.Lock()
	if c.notif[n.characteristic] == n {
		delete(c.notif, n.characteristic)
	}
	c.muNotif.Unlock()

	defer n.stop()

	if c.State() != Connected {
		return nil
	}

	sn := &cmd.GattSetCharacteristicNotification{
		Connection:     c.handle,
		Characteristic: n.characteristic,
		Flags:          bgapi.GattDisable,
	}
	if err := c.runProcedure(ctx, sn, nil); err != nil {
		return errors.Wrapf(err, "can't disable notifications on characteristic %d", n.characteristic)
	}
	return nil
}

// Subscribe enables notifications (or indications) on a characteristic
// and returns the resulting stream. Indications are confirmed to the peer
// automatically.
func (c *Conn) Subscribe(ctx context.Context, characteristic uint16, indicate bool) (*Notifications, error) {
	c.muNotif.Lock()
	if _, ok := c.notif[characteristic]; ok {
		c.muNotif.Unlock()
		return nil, errors.Wrapf(aqua.ErrInvalidState, "characteristic %d already subscribed", characteristic)
	}

	n := &Notifications{
		conn:           c,
		characteristic: characteristic,
		ch:             make(chan aqua.Notification, notifyQueueSize),
	}
	c.notif[characteristic] = n
	c.muNotif.Unlock()

	flags := uint8(bgapi.GattNotification)
	if indicate {
		flags = bgapi.GattIndication
	}

	sn := &cmd.GattSetCharacteristicNotification{
		Connection:     c.handle,
		Characteristic: characteristic,
		Flags:          flags,
	}
	if err := c.runProcedure(ctx, sn, nil); err != nil {
		c.muNotif.Lock()
		delete(c.notif, characteristic)
		c.muNotif.Unlock()
		n.stop()
		return nil, errors.Wrapf(err, "can't enable notifications on characteristic %d", characteristic)
	}

	return n, nil
}

// handleCharacteristicValue routes unsolicited value pushes to their
// notification streams. Read responses pass through untouched; the
// procedure that requested them collects them from its own subscription.
func (d *Device) handleCharacteristicValue(p []byte) error {
	e := evt.GattCharacteristicValue(p)
	if !e.Valid() {
		return errors.Errorf("invalid characteristic value event: % x", p)
	}

	indicated := e.AttOpcode() == bgapi.AttOpcodeHandleValueIndication
	if !indicated && e.AttOpcode() != bgapi.AttOpcodeHandleValueNotification {
		return nil
	}

	d.muConns.Lock()
	c := d.conns[e.Connection()]
	d.muConns.Unlock()

	if c == nil {
		d.log.Debugf("value push for unknown connection %d", e.Connection())
		return nil
	}

	if indicated {
		// confirm off the event loop so the response can be drained
		go func(handle uint8) {
			cc := &cmd.GattSendCharacteristicConfirmation{Connection: handle}
			if err := d.Send(cc, &cmd.GattSendCharacteristicConfirmationResponse{}); err != nil {
				d.log.Warnf("can't confirm indication on connection %d: %v", handle, err)
			}
		}(c.handle)
	}

	c.muNotif.Lock()
	n := c.notif[e.Characteristic()]
	c.muNotif.Unlock()

	if n == nil {
		d.log.Debugf("value push for unsubscribed characteristic %d", e.Characteristic())
		return nil
	}

	notification := aqua.Notification{
		Connection:     e.Connection(),
		Characteristic: e.Characteristic(),
		Value:          append([]byte(nil), e.Value()...),
		Indicated:      indicated,
	}

	select {
	case n.ch <- notification:
	default:
		d.log.Warnf("notification overrun on characteristic %d", e.Characteristic())
	}

	return nil
}
