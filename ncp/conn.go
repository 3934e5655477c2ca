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

// State is a connection's lifecycle phase.
type State int

const (
	// Connecting means the open command was accepted and the opened event
	// is still outstanding.
	Connecting State = iota

	// Connected means the link to the peer is up.
	Connected

	// Disconnecting means a local close is in flight.
	Disconnecting

	// Closed means the connection ended and the handle is retired.
	Closed

	// Failed means the connection never came up.
	Failed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Closed:
		return "closed"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Conn is a live connection to a peer device. Handles are only meaningful
// while the state is Connected; operations on a retired handle fail
// rather than reaching a reused slot.
type Conn struct {
	d      *Device
	handle uint8
	addr   aqua.Addr

	mu       sync.Mutex
	state    State
	services []*aqua.Service
	reason   uint16

	// one GATT procedure per connection
	proc chan struct{}

	muNotif sync.Mutex
	notif   map[uint16]*Notifications

	opened chan struct{}
	closed chan struct{}
}

func newConn(d *Device, handle uint8, addr aqua.Addr) *Conn {
	c := &Conn{
		d:      d,
		handle: handle,
		addr:   addr,
		state:  Connecting,
		proc:   make(chan struct{}, 1),
		notif:  make(map[uint16]*Notifications),
		opened: make(chan struct{}),
		closed: make(chan struct{}),
	}
	c.proc <- struct{}{}
	return c
}

// Handle returns the module-assigned connection identifier.
func (c *Conn) Handle() uint8 { return c.handle }

// Addr returns the peer's address.
func (c *Conn) Addr() aqua.Addr { return c.addr }

// State returns the current lifecycle phase.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reason returns the protocol reason code of the disconnect, zero while
// still connected.
func (c *Conn) Reason() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Disconnected closes when the connection ends, however it ends.
func (c *Conn) Disconnected() <-chan struct{} { return c.closed }

// Services returns the discovered services, nil before discovery.
func (c *Conn) Services() []*aqua.Service {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*aqua.Service, len(c.services))
	copy(out, c.services)
	return out
}

// Profile returns the discovered attribute database as a profile.
func (c *Conn) Profile() aqua.Profile {
	return aqua.Profile{Services: c.Services()}
}

// ready gates operations on connection state. Retired handles report
// stale, transitional states report invalid.
func (c *Conn) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state {
	case Connected:
		return nil
	case Closed, Failed:
		return errors.Wrapf(aqua.ErrStaleHandle, "connection %d is %v", c.handle, c.state)
	default:
		return errors.Wrapf(aqua.ErrInvalidState, "connection %d is %v", c.handle, c.state)
	}
}

func (c *Conn) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// markConnected transitions Connecting to Connected. Idempotent; the
// opened event may be seen by both the event handler and a Connect
// subscription.
func (c *Conn) markConnected() {
	c.mu.Lock()
	if c.state == Connecting {
		c.state = Connected
		close(c.opened)
	}
	c.mu.Unlock()
}

// Connect opens a connection to addr and blocks until the link is up.
// The opened event is watched through a subscription taken before the
// command goes out, so it cannot slip past while the handle is being
// registered.
func (d *Device) Connect(ctx context.Context, addr aqua.Addr, addrType uint8) (*Conn, error) {
	b := addr.Bytes()
	if len(b) != 6 {
		return nil, errors.Wrapf(aqua.ErrMalformed, "bad address %s", addr)
	}

	sub := d.Subscribe(func(f bgapi.Frame) bool {
		return f.IsEvent() && f.Class == bgapi.ClassConnection
	})
	defer sub.Cancel()

	co := cmd.ConnectionOpen{AddressType: addrType, InitiatingPHY: bgapi.Phy1M}
	copy(co.Address[:], b)

	rsp := cmd.ConnectionOpenResponse{}
	if err := d.SendContext(ctx, &co, &rsp); err != nil {
		return nil, errors.Wrapf(err, "can't connect to %s", addr)
	}

	c := newConn(d, rsp.Connection, addr)

	d.muConns.Lock()
	d.conns[c.handle] = c
	d.muConns.Unlock()

	deadline := time.After(d.connTimeout)
	for {
		select {
		case f, ok := <-sub.Events():
			if !ok {
				d.abortConnect(c)
				return nil, d.closedErr()
			}

			switch f.Command {
			case bgapi.EvtConnectionOpened:
				e := evt.ConnectionOpened(f.Payload)
				if e.Valid() && e.Connection() == c.handle {
					c.markConnected()
					return c, nil
				}

			case bgapi.EvtConnectionClosed:
				e := evt.ConnectionClosed(f.Payload)
				if e.Valid() && e.Connection() == c.handle {
					d.abortConnect(c)
					return nil, errors.Wrapf(aqua.StatusError(e.Reason()),
						"connection to %s failed", addr)
				}
			}

		case <-c.opened:
			return c, nil

		case <-c.closed:
			d.abortConnect(c)
			return nil, errors.Wrapf(aqua.ErrLinkFault, "connection %d closed before opening", c.handle)

		case <-deadline:
			d.abortConnect(c)
			d.cancelConnect(c.handle)
			return nil, errors.Wrapf(aqua.ErrTimeout, "no opened event for %s", addr)

		case <-ctx.Done():
			d.abortConnect(c)
			d.cancelConnect(c.handle)
			return nil, ctx.Err()

		case <-d.done:
			d.abortConnect(c)
			return nil, d.closedErr()
		}
	}
}

// abortConnect retires a handle whose connection never came up.
func (d *Device) abortConnect(c *Conn) {
	c.setState(Failed)
	d.muConns.Lock()
	delete(d.conns, c.handle)
	d.muConns.Unlock()
}

// cancelConnect tells the module to stop a pending connection attempt.
func (d *Device) cancelConnect(handle uint8) {
	go func() {
		if err := d.Send(&cmd.ConnectionClose{Connection: handle}, &cmd.ConnectionCloseResponse{}); err != nil {
			d.log.Debugf("cancel of connection %d: %v", handle, err)
		}
	}()
}

// Disconnect closes the connection and blocks until the closed event
// confirms it.
func (c *Conn) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case Closed, Failed:
		c.mu.Unlock()
		return nil
	case Disconnecting:
		c.mu.Unlock()
	case Connecting:
		c.mu.Unlock()
		return errors.Wrapf(aqua.ErrInvalidState, "connection %d still connecting", c.handle)
	default:
		c.state = Disconnecting
		c.mu.Unlock()

		rsp := cmd.ConnectionCloseResponse{}
		if err := c.d.SendContext(ctx, &cmd.ConnectionClose{Connection: c.handle}, &rsp); err != nil {
			return errors.Wrapf(err, "can't close connection %d", c.handle)
		}
	}

	select {
	case <-c.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.d.done:
		return c.d.closedErr()
	}
}

// Conn looks up a live connection by handle.
func (d *Device) Conn(handle uint8) (*Conn, bool) {
	d.muConns.Lock()
	defer d.muConns.Unlock()
	c, ok := d.conns[handle]
	return c, ok
}

func (d *Device) handleConnectionOpened(p []byte) error {
	e := evt.ConnectionOpened(p)
	if !e.Valid() {
		return errors.Errorf("invalid opened event: % x", p)
	}

	d.muConns.Lock()
	c := d.conns[e.Connection()]
	d.muConns.Unlock()

	if c == nil {
		// the connect caller registers the handle after its response;
		// its own subscription covers this window
		d.log.Debugf("opened event for unregistered connection %d", e.Connection())
		return nil
	}

	c.markConnected()
	d.log.Infof("connection %d opened to %s", c.handle, c.addr)
	return nil
}

func (d *Device) handleConnectionClosed(p []byte) error {
	e := evt.ConnectionClosed(p)
	if !e.Valid() {
		return errors.Errorf("invalid closed event: % x", p)
	}

	d.muConns.Lock()
	c := d.conns[e.Connection()]
	d.muConns.Unlock()

	if c == nil {
		d.log.Debugf("closed event for unknown connection %d", e.Connection())
		return nil
	}

	c.mu.Lock()
	c.reason = e.Reason()
	c.mu.Unlock()

	d.log.Infof("connection %d closed, reason 0x%04x", c.handle, e.Reason())
	d.teardownConn(e.Connection())
	return nil
}

// teardownConn retires a handle: the connection leaves the registry, its
// cached attribute data is dropped, and its notification streams end.
func (d *Device) teardownConn(handle uint8) {
	d.muConns.Lock()
	c := d.conns[handle]
	delete(d.conns, handle)
	d.muConns.Unlock()

	if c == nil {
		return
	}

	c.mu.Lock()
	c.state = Closed
	c.services = nil
	c.mu.Unlock()

	c.muNotif.Lock()
	nn := make([]*Notifications, 0, len(c.notif))
	for _, n := range c.notif {
		nn = append(nn, n)
	}
	c.notif = map[uint16]*Notifications{}
	c.muNotif.Unlock()

	for _, n := range nn {
		n.stop()
	}

	close(c.closed)
}
