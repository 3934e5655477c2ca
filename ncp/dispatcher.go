// Package ncp drives a BLE network co-processor over its framed serial
// protocol: command/response correlation, unsolicited event routing, and
// the connection and GATT state machines on top.
package ncp

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/pkg/errors"

	aqua "github.com/jnorth314/Aquamarine"
	"github.com/jnorth314/Aquamarine/bgapi"
	"github.com/jnorth314/Aquamarine/bgapi/cmd"
	"github.com/jnorth314/Aquamarine/bgapi/evt"
)

// Command is a marshalable command frame payload.
type Command interface {
	OpCode() bgapi.Opcode
	Len() int
	Marshal([]byte) error
}

// Response unmarshals a response frame payload.
type Response interface {
	Unmarshal(b []byte) error
}

type handlerFn func(p []byte) error

// pending is the single outstanding command of the link. The protocol is
// strictly synchronous: no second command is written until this one
// resolves by response, timeout, or cancellation.
type pending struct {
	op   bgapi.Opcode
	done chan []byte
}

// Device is one NCP module behind a transport. It owns the command slot,
// the event routing, and the connection registry.
type Device struct {
	table *bgapi.Table
	log   aqua.Logger

	transport transport
	link      *link

	cmdTimeout  time.Duration
	procTimeout time.Duration
	connTimeout time.Duration
	bootTimeout time.Duration

	tablePath      string
	advHandlerSync bool
	errorHandler   func(error)

	// command slot: holds one token while no command is outstanding
	slot chan struct{}

	muSent    sync.Mutex
	sent      *pending
	orphan    bgapi.Opcode
	orphanSet bool

	evth map[bgapi.Opcode]handlerFn

	muSubs sync.Mutex
	subs   map[*Subscription]struct{}

	muConns sync.Mutex
	conns   map[uint8]*Conn

	muScan   sync.Mutex
	scanning bool

	chBoot chan struct{}
	addr   aqua.Addr

	muClose sync.Mutex
	done    chan struct{}

	emu sync.Mutex
	err error
}

// NewDevice builds an unopened device. Call Init to open the transport and
// boot the module.
func NewDevice(opts ...aqua.Option) (*Device, error) {
	d := &Device{
		table: bgapi.DefaultTable(),
		log:   aqua.GetLogger().ChildLogger(map[string]interface{}{"pkg": "ncp"}),

		cmdTimeout:  defaultCommandTimeout,
		procTimeout: defaultProcedureTimeout,
		connTimeout: defaultConnectTimeout,
		bootTimeout: defaultBootTimeout,

		slot:   make(chan struct{}, 1),
		evth:   make(map[bgapi.Opcode]handlerFn),
		subs:   make(map[*Subscription]struct{}),
		conns:  make(map[uint8]*Conn),
		chBoot: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.slot <- struct{}{}

	d.evth[bgapi.NewOpcode(bgapi.ClassSystem, bgapi.EvtSystemBoot)] = d.handleSystemBoot
	d.evth[bgapi.NewOpcode(bgapi.ClassConnection, bgapi.EvtConnectionOpened)] = d.handleConnectionOpened
	d.evth[bgapi.NewOpcode(bgapi.ClassConnection, bgapi.EvtConnectionClosed)] = d.handleConnectionClosed
	d.evth[bgapi.NewOpcode(bgapi.ClassGatt, bgapi.EvtGattCharacteristicValue)] = d.handleCharacteristicValue

	if err := d.Option(opts...); err != nil {
		return nil, errors.Wrap(err, "can't set options")
	}

	if d.tablePath != "" {
		if err := d.table.LoadFile(d.tablePath); err != nil {
			return nil, err
		}
	}

	return d, nil
}

// Option applies configuration options.
func (d *Device) Option(opts ...aqua.Option) error {
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return err
		}
	}
	return nil
}

// Init opens the transport, boots the module, and verifies communication.
func (d *Device) Init() error {
	rwc, err := getTransport(d.transport)
	if err != nil {
		return err
	}

	d.link = newLink(rwc, d.table, d.log)
	go d.processLoop()

	if err := d.boot(); err != nil {
		d.Close()
		return err
	}

	hello := cmd.SystemHelloResponse{}
	if err := d.Send(&cmd.SystemHello{}, &hello); err != nil {
		d.Close()
		return errors.Wrap(err, "hello")
	}

	ia := cmd.SystemGetIdentityAddressResponse{}
	if err := d.Send(&cmd.SystemGetIdentityAddress{}, &ia); err != nil {
		d.Close()
		return errors.Wrap(err, "identity address")
	}
	d.addr = aqua.AddrFromBytes(ia.Address[:])

	d.log.Infof("module up, address %s", d.addr)
	return nil
}

// boot resets the module and waits for the system_boot event, retrying a
// bounded number of times.
func (d *Device) boot() error {
	for attempt := 1; attempt <= maxBootAttempts; attempt++ {
		if err := d.Send(&cmd.SystemReset{}, nil); err != nil {
			return errors.Wrap(err, "reset")
		}

		select {
		case <-d.chBoot:
			return nil
		case <-time.After(d.bootTimeout):
			d.log.Warnf("no boot event after reset, attempt %d of %d", attempt, maxBootAttempts)
		case <-d.done:
			return d.closedErr()
		}
	}

	return errors.Wrap(aqua.ErrLinkFault, "module did not boot")
}

// Addr returns the module's own identity address, known after Init.
func (d *Device) Addr() aqua.Addr { return d.addr }

// Close tears the device down. Idempotent.
func (d *Device) Close() error {
	d.muClose.Lock()
	select {
	case <-d.done:
		d.muClose.Unlock()
		return nil
	default:
		close(d.done)
	}
	d.muClose.Unlock()

	if d.link != nil {
		return d.link.close()
	}
	return nil
}

// Error returns the fault that tore the link down, if any.
func (d *Device) Error() error {
	d.emu.Lock()
	defer d.emu.Unlock()
	return d.err
}

func (d *Device) isOpen() bool {
	select {
	case <-d.done:
		return false
	default:
		return true
	}
}

func (d *Device) setErr(err error) {
	d.emu.Lock()
	defer d.emu.Unlock()
	if d.err == nil {
		d.err = err
	}
}

// fault records a link-level failure and starts teardown. The process
// loop notices the closed link and runs cleanup.
func (d *Device) fault(err error) {
	d.setErr(errors.Wrap(aqua.ErrLinkFault, err.Error()))
	d.link.close()
}

func (d *Device) closedErr() error {
	if err := d.Error(); err != nil {
		return err
	}
	return errors.Wrap(aqua.ErrLinkFault, "device closed")
}

// Send submits a command and blocks until its response arrives, the
// command timeout expires, or the link fails.
func (d *Device) Send(c Command, r Response) error {
	return d.SendContext(context.Background(), c, r)
}

// SendContext is Send with caller-controlled cancellation. Cancelling
// releases the command slot immediately; the stale response, if it later
// arrives, is discarded as orphaned rather than misattributed.
func (d *Device) SendContext(ctx context.Context, c Command, r Response) error {
	if !d.isOpen() {
		return d.closedErr()
	}

	// one outstanding command per link
	select {
	case <-d.slot:
	case <-ctx.Done():
		return ctx.Err()
	case <-d.done:
		return d.closedErr()
	}

	f := bgapi.Frame{
		Class:   c.OpCode().Class(),
		Command: c.OpCode().Command(),
		Payload: make([]byte, c.Len()),
	}
	if err := c.Marshal(f.Payload); err != nil {
		d.slot <- struct{}{}
		return errors.Wrapf(err, "can't marshal %s", d.table.Name(false, c.OpCode()))
	}

	// commands the module never answers release the slot on flush
	if !d.table.ReplyExpected(c.OpCode()) {
		err := d.link.writeFrame(f)
		d.slot <- struct{}{}
		if err != nil {
			d.fault(err)
			return errors.Wrap(aqua.ErrLinkFault, err.Error())
		}
		return nil
	}

	p := &pending{op: c.OpCode(), done: make(chan []byte, 1)}
	d.muSent.Lock()
	d.sent = p
	d.muSent.Unlock()

	if err := d.link.writeFrame(f); err != nil {
		d.clearPending(p, false)
		d.slot <- struct{}{}
		d.fault(err)
		return errors.Wrap(aqua.ErrLinkFault, err.Error())
	}

	var payload []byte
	var err error

	select {
	case payload = <-p.done:
	case <-time.After(d.cmdTimeout):
		err = errors.Wrapf(aqua.ErrTimeout, "no response to %s", d.table.Name(false, p.op))
	case <-ctx.Done():
		err = ctx.Err()
	case <-d.done:
		err = d.closedErr()
	}

	if err != nil {
		d.clearPending(p, true)
		d.slot <- struct{}{}
		return err
	}

	d.slot <- struct{}{}

	// every response leads with a result word
	if len(payload) >= 2 {
		if result := binary.LittleEndian.Uint16(payload); result != 0 {
			return aqua.StatusError(result)
		}
	}

	if r != nil {
		return r.Unmarshal(payload)
	}
	return nil
}

// clearPending retires p if it is still the outstanding command. With
// orphan set, the next response matching p's opcode is discarded silently
// instead of being flagged unexpected.
func (d *Device) clearPending(p *pending, orphan bool) {
	d.muSent.Lock()
	defer d.muSent.Unlock()

	if d.sent == p {
		d.sent = nil
		if orphan {
			d.orphan = p.op
			d.orphanSet = true
		}
	}
}

func (d *Device) processLoop() {
	defer d.cleanup()

	for {
		select {
		case <-d.done:
			return

		case f, ok := <-d.link.frames:
			if !ok {
				if err := d.link.Err(); err != nil && d.isOpen() {
					d.setErr(errors.Wrap(aqua.ErrLinkFault, err.Error()))
				}
				return
			}

			if f.IsResponse() {
				d.handleResponse(f)
			} else {
				d.handleEvent(f)
			}
		}
	}
}

func (d *Device) handleResponse(f bgapi.Frame) {
	d.muSent.Lock()
	p := d.sent

	switch {
	// responses arrive in command order, so the first one matching an
	// orphan mark answers the abandoned command, even when a retry of the
	// same opcode is already pending
	case d.orphanSet && d.orphan == f.Opcode():
		d.orphanSet = false
		d.muSent.Unlock()
		d.log.Warnf("%v: %s", aqua.ErrOrphanedResponse, d.table.Name(false, f.Opcode()))

	case p == nil:
		d.muSent.Unlock()
		d.log.Warnf("%v: %s with no command outstanding", aqua.ErrUnexpectedResponse, d.table.Name(false, f.Opcode()))

	case p.op != f.Opcode():
		// leave the pending command pending; its own response may follow
		d.muSent.Unlock()
		d.log.Warnf("%v: got %s while waiting for %s", aqua.ErrUnexpectedResponse,
			d.table.Name(false, f.Opcode()), d.table.Name(false, p.op))

	default:
		d.sent = nil
		d.muSent.Unlock()
		p.done <- f.Payload
	}
}

func (d *Device) handleEvent(f bgapi.Frame) {
	if h := d.evth[f.Opcode()]; h != nil {
		if err := h(f.Payload); err != nil {
			d.log.Errorf("event %s: %v", d.table.Name(true, f.Opcode()), err)
		}
	}

	// fan out in arrival order; a full subscriber drops rather than
	// stalling the drain
	d.muSubs.Lock()
	for s := range d.subs {
		if !s.fn(f) {
			continue
		}
		select {
		case s.ch <- f:
		default:
			d.log.Warnf("subscriber overrun, dropping %s", d.table.Name(true, f.Opcode()))
		}
	}
	d.muSubs.Unlock()
}

func (d *Device) handleSystemBoot(p []byte) error {
	e := evt.SystemBoot(p)
	if !e.Valid() {
		return errors.Errorf("invalid boot event: % x", p)
	}

	d.log.Infof("module booted: %d.%d.%d build %d", e.Major(), e.Minor(), e.Patch(), e.Build())

	select {
	case d.chBoot <- struct{}{}:
	default:
	}
	return nil
}

// EventFilter selects events a subscriber wants to see.
type EventFilter func(f bgapi.Frame) bool

// Subscription is a registered interest in matching events, delivered in
// arrival order on Events.
type Subscription struct {
	d    *Device
	fn   EventFilter
	ch   chan bgapi.Frame
	once sync.Once
}

// Subscribe registers an event subscription. Cancel it when done; an
// abandoned subscription drops frames once its buffer fills.
func (d *Device) Subscribe(fn EventFilter) *Subscription {
	s := &Subscription{
		d:  d,
		fn: fn,
		ch: make(chan bgapi.Frame, subQueueSize),
	}

	d.muSubs.Lock()
	d.subs[s] = struct{}{}
	d.muSubs.Unlock()

	return s
}

// Events is the subscription's delivery channel. It closes on Cancel or
// when the link tears down.
func (s *Subscription) Events() <-chan bgapi.Frame { return s.ch }

// Cancel removes the subscription and closes its channel.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.d.muSubs.Lock()
		delete(s.d.subs, s)
		s.d.muSubs.Unlock()
		close(s.ch)
	})
}

// cleanup runs once the process loop exits: the link is done, so every
// pending command, connection, and subscription is failed.
func (d *Device) cleanup() {
	// make sure Send waiters wake up
	d.muClose.Lock()
	select {
	case <-d.done:
	default:
		close(d.done)
	}
	d.muClose.Unlock()

	d.link.close()

	d.muConns.Lock()
	hh := make([]uint8, 0, len(d.conns))
	for h := range d.conns {
		hh = append(hh, h)
	}
	d.muConns.Unlock()

	d.log.Debugf("cleanup: tearing down %d connection(s)", len(hh))
	for _, h := range hh {
		d.teardownConn(h)
	}

	d.muSubs.Lock()
	ss := make([]*Subscription, 0, len(d.subs))
	for s := range d.subs {
		ss = append(ss, s)
	}
	d.muSubs.Unlock()

	for _, s := range ss {
		s.Cancel()
	}

	d.muSent.Lock()
	d.sent = nil
	d.muSent.Unlock()

	if err := d.Error(); err != nil && d.errorHandler != nil {
		d.errorHandler(err)
	}
}
